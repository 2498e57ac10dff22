package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/inferbill"
)

// PromMeter exports orchestration and billing events as Prometheus metrics.
type PromMeter struct {
	attempts     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	confirms     *prometheus.CounterVec
	confirmTime  prometheus.Histogram
}

var _ inferbill.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PromMeter{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferbill",
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by provider, model and result.",
		}, []string{"provider", "model", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inferbill",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream attempt latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferbill",
			Name:      "upstream_tokens_total",
			Help:      "Tokens reported by upstreams.",
		}, []string{"provider", "model", "direction"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "inferbill",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency: 0 closed, 1 half-open, 2 open.",
		}, []string{"dependency"}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inferbill",
			Name:      "confirm_total",
			Help:      "Confirm requests by outcome.",
		}, []string{"outcome", "replayed"}),
		confirmTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inferbill",
			Name:      "confirm_duration_seconds",
			Help:      "End-to-end confirm latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.attempts, m.latency, m.tokens, m.breakerState, m.confirms, m.confirmTime)
	return m
}

func (m *PromMeter) OnRoute(inferbill.RouteEvent) {}

func (m *PromMeter) OnResult(e inferbill.ResultEvent) {
	result := "ok"
	if !e.Success {
		result = string(inferbill.KindOf(e.Error))
	}
	m.attempts.WithLabelValues(e.Provider, e.Model, result).Inc()
	m.latency.WithLabelValues(e.Provider, e.Model).Observe(e.Duration.Seconds())
	if e.Success {
		m.tokens.WithLabelValues(e.Provider, e.Model, "in").Add(float64(e.Usage.PromptTokens))
		m.tokens.WithLabelValues(e.Provider, e.Model, "out").Add(float64(e.Usage.CompletionTokens))
	}
}

func (m *PromMeter) OnBreaker(e inferbill.BreakerEvent) {
	m.breakerState.WithLabelValues(e.Name).Set(stateValue(e.To))
}

func (m *PromMeter) OnConfirm(e inferbill.ConfirmEvent) {
	replayed := "false"
	if e.Replayed {
		replayed = "true"
	}
	m.confirms.WithLabelValues(outcome(e.Kind), replayed).Inc()
	m.confirmTime.Observe(e.Duration.Seconds())
}

func stateValue(s inferbill.BreakerState) float64 {
	switch s {
	case inferbill.BreakerOpen:
		return 2
	case inferbill.BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}
