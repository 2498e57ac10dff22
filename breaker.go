package inferbill

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes every breaker in a registry.
type BreakerConfig struct {
	FailureThreshold int
	FailureWindow    time.Duration
	ResetTimeout     time.Duration
}

// DefaultBreakerConfig returns the stock breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		ResetTimeout:     30 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = d.ResetTimeout
	}
	return c
}

// StateChangeFunc observes breaker transitions. It is called without any
// breaker lock held.
type StateChangeFunc func(ctx context.Context, name string, from, to BreakerState)

// Breakers is a registry of per-dependency circuit breakers.
type Breakers struct {
	cfg      BreakerConfig
	onChange StateChangeFunc
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// BreakerOption configures a Breakers registry.
type BreakerOption func(*Breakers)

// WithStateChange registers a transition hook.
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(r *Breakers) { r.onChange = fn }
}

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(r *Breakers) { r.now = now }
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg BreakerConfig, opts ...BreakerOption) *Breakers {
	r := &Breakers{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for name, creating it closed on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = &Breaker{
			name:     name,
			cfg:      r.cfg,
			state:    BreakerClosed,
			onChange: r.onChange,
			now:      r.now,
		}
		r.breakers[name] = b
	}
	return b
}

// Execute runs op through the breaker named name.
func (r *Breakers) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	return r.Get(name).Execute(ctx, op)
}

// Snapshot returns the current state of every known breaker.
func (r *Breakers) Snapshot() map[string]BreakerState {
	r.mu.Lock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.Unlock()

	out := make(map[string]BreakerState, len(all))
	for _, b := range all {
		out[b.name] = b.State()
	}
	return out
}

// Breaker guards calls to a single dependency.
type Breaker struct {
	name     string
	cfg      BreakerConfig
	onChange StateChangeFunc
	now      func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failures      []time.Time // sliding window of counted failures
	lastFailureAt time.Time
	trialInFlight bool
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.lastFailureAt) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Execute calls op unless the breaker is open. While half-open exactly one
// caller is admitted as a trial; others get ErrBreakerOpen.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	trial, err := b.admit(ctx)
	if err != nil {
		return err
	}

	opErr := op(ctx)
	b.record(ctx, opErr, trial)
	return opErr
}

func (b *Breaker) admit(ctx context.Context) (bool, error) {
	b.mu.Lock()

	switch b.state {
	case BreakerClosed:
		b.mu.Unlock()
		return false, nil

	case BreakerOpen:
		if b.now().Sub(b.lastFailureAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return false, ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.failures = b.failures[:0]
		b.trialInFlight = true
		b.mu.Unlock()
		b.notify(ctx, BreakerOpen, BreakerHalfOpen)
		return true, nil

	default: // half-open
		if b.trialInFlight {
			b.mu.Unlock()
			return false, ErrBreakerOpen
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return true, nil
	}
}

func (b *Breaker) record(ctx context.Context, err error, trial bool) {
	b.mu.Lock()
	from := b.state

	if trial {
		b.trialInFlight = false
	}

	switch {
	case err == nil:
		b.state = BreakerClosed
		b.failures = b.failures[:0]

	case !countsAsFailure(err):
		// Trial outcome says nothing about health; next caller is admitted again.

	default:
		now := b.now()
		b.lastFailureAt = now
		if trial || b.state == BreakerHalfOpen {
			b.state = BreakerOpen
			break
		}

		cutoff := now.Add(-b.cfg.FailureWindow)
		valid := b.failures[:0]
		for _, t := range b.failures {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		b.failures = append(valid, now)

		if len(b.failures) >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
	}

	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(ctx, from, to)
	}
}

func (b *Breaker) notify(ctx context.Context, from, to BreakerState) {
	if b.onChange != nil {
		b.onChange(ctx, b.name, from, to)
	}
}

// countsAsFailure reports whether err reflects dependency health. Client-side
// rejections and caller cancellation do not.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsClientFault(err)
}

// ObserveBreakers returns a StateChangeFunc that audits every transition and
// reports it to m.
func ObserveBreakers(a *Auditor, m Meter) StateChangeFunc {
	if m == nil {
		m = noopMeter{}
	}
	return func(ctx context.Context, name string, from, to BreakerState) {
		m.OnBreaker(BreakerEvent{Name: name, From: from, To: to})

		e := Event{
			Level:    LevelInfo,
			Message:  "breaker " + string(from) + " -> " + string(to),
			Metadata: map[string]any{"dependency": name, "from": string(from), "to": string(to)},
		}
		switch to {
		case BreakerOpen:
			e.Code = CodeBreakerOpen
			e.Level = LevelWarn
		case BreakerHalfOpen:
			e.Code = CodeBreakerHalfOpen
		default:
			e.Code = CodeBreakerClosed
		}
		a.Record(ctx, e)
	}
}
