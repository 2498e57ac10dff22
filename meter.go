package inferbill

import "time"

// Meter observes orchestration and billing events for monitoring.
type Meter interface {
	// OnRoute is called before each upstream attempt.
	OnRoute(event RouteEvent)

	// OnResult is called when an upstream attempt finishes.
	OnResult(event ResultEvent)

	// OnBreaker is called on every breaker state change.
	OnBreaker(event BreakerEvent)

	// OnConfirm is called once per confirm request.
	OnConfirm(event ConfirmEvent)
}

// RouteEvent describes an upstream attempt about to start.
type RouteEvent struct {
	Provider    string
	Model       string
	AttemptNum  int
	EstimatedIn int64
}

// ResultEvent describes the outcome of an upstream attempt.
type ResultEvent struct {
	Provider string
	Model    string
	Success  bool
	Duration time.Duration
	Usage    Usage
	Error    error
}

// BreakerEvent describes a breaker transition.
type BreakerEvent struct {
	Name string
	From BreakerState
	To   BreakerState
}

// ConfirmEvent describes a finished confirm request. Kind is empty on success.
type ConfirmEvent struct {
	Model    string
	Kind     Kind
	Replayed bool
	Duration time.Duration
}

type noopMeter struct{}

func (noopMeter) OnRoute(RouteEvent)     {}
func (noopMeter) OnResult(ResultEvent)   {}
func (noopMeter) OnBreaker(BreakerEvent) {}
func (noopMeter) OnConfirm(ConfirmEvent) {}
