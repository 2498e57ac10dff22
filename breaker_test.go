package inferbill_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	ib "github.com/ineyio/inferbill"
	"github.com/ineyio/inferbill/provider/mock"
	"github.com/ineyio/inferbill/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transition struct {
	name     string
	from, to ib.BreakerState
}

type transitions struct {
	mu  sync.Mutex
	all []transition
}

func (r *transitions) record(_ context.Context, name string, from, to ib.BreakerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, transition{name, from, to})
}

func (r *transitions) list() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.all...)
}

func newTestBreakers(clock *fakeClock, rec *transitions) *ib.Breakers {
	return ib.NewBreakers(ib.BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		ResetTimeout:     30 * time.Second,
	}, ib.WithBreakerClock(clock.Now), ib.WithStateChange(rec.record))
}

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func succeed(context.Context) error { return nil }

var errUpstream = mock.Status("up", http.StatusServiceUnavailable)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	rec := &transitions{}
	b := newTestBreakers(clock, rec)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, b.Execute(ctx, "up", fail(errUpstream)))
	}
	assert.Equal(t, ib.BreakerClosed, b.Get("up").State())

	require.Error(t, b.Execute(ctx, "up", fail(errUpstream)))
	assert.Equal(t, ib.BreakerOpen, b.Get("up").State())

	called := false
	err := b.Execute(ctx, "up", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ib.ErrBreakerOpen)
	assert.False(t, called, "open breaker must fail fast")

	assert.Equal(t, []transition{{"up", ib.BreakerClosed, ib.BreakerOpen}}, rec.list())
}

func TestBreaker_FailuresOutsideWindowDoNotCount(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreakers(clock, &transitions{})
	ctx := context.Background()

	_ = b.Execute(ctx, "up", fail(errUpstream))
	_ = b.Execute(ctx, "up", fail(errUpstream))
	clock.Advance(2 * time.Minute)
	_ = b.Execute(ctx, "up", fail(errUpstream))

	assert.Equal(t, ib.BreakerClosed, b.Get("up").State())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreakers(clock, &transitions{})
	ctx := context.Background()

	_ = b.Execute(ctx, "up", fail(errUpstream))
	_ = b.Execute(ctx, "up", fail(errUpstream))
	require.NoError(t, b.Execute(ctx, "up", succeed))
	_ = b.Execute(ctx, "up", fail(errUpstream))
	_ = b.Execute(ctx, "up", fail(errUpstream))

	assert.Equal(t, ib.BreakerClosed, b.Get("up").State())
}

func TestBreaker_HalfOpenTrialCloses(t *testing.T) {
	clock := newFakeClock()
	rec := &transitions{}
	b := newTestBreakers(clock, rec)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "up", fail(errUpstream))
	}
	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Execute(ctx, "up", succeed), ib.ErrBreakerOpen)

	clock.Advance(time.Second)
	assert.Equal(t, ib.BreakerHalfOpen, b.Get("up").State())
	require.NoError(t, b.Execute(ctx, "up", succeed))
	assert.Equal(t, ib.BreakerClosed, b.Get("up").State())

	assert.Equal(t, []transition{
		{"up", ib.BreakerClosed, ib.BreakerOpen},
		{"up", ib.BreakerOpen, ib.BreakerHalfOpen},
		{"up", ib.BreakerHalfOpen, ib.BreakerClosed},
	}, rec.list())
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreakers(clock, &transitions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "up", fail(errUpstream))
	}
	clock.Advance(30 * time.Second)

	require.Error(t, b.Execute(ctx, "up", fail(errUpstream)))
	assert.Equal(t, ib.BreakerOpen, b.Get("up").State())
	assert.ErrorIs(t, b.Execute(ctx, "up", succeed), ib.ErrBreakerOpen)
}

func TestBreaker_SingleTrialWhileHalfOpen(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreakers(clock, &transitions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "up", fail(errUpstream))
	}
	clock.Advance(30 * time.Second)

	inFlight := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, "up", func(context.Context) error {
			close(inFlight)
			<-release
			return nil
		})
	}()

	<-inFlight
	assert.ErrorIs(t, b.Execute(ctx, "up", succeed), ib.ErrBreakerOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, ib.BreakerClosed, b.Get("up").State())
}

func TestBreaker_ClientFaultsAndCancellationIgnored(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreakers(clock, &transitions{})
	ctx := context.Background()

	for _, err := range []error{
		mock.Status("up", http.StatusBadRequest),
		mock.Status("up", http.StatusUnauthorized),
		mock.Status("up", http.StatusNotFound),
		context.Canceled,
	} {
		for i := 0; i < 3; i++ {
			_ = b.Execute(ctx, "up", fail(err))
		}
	}
	assert.Equal(t, ib.BreakerClosed, b.Get("up").State())
}

func TestBreaker_DependenciesAreIsolated(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreakers(clock, &transitions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "a", fail(errUpstream))
	}
	assert.NoError(t, b.Execute(ctx, "b", succeed))
	assert.Equal(t, map[string]ib.BreakerState{"a": ib.BreakerOpen, "b": ib.BreakerClosed}, b.Snapshot())
}

func TestBreaker_Defaults(t *testing.T) {
	cfg := ib.DefaultBreakerConfig()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.FailureWindow)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)
}

type breakerMeter struct {
	noop
	events []ib.BreakerEvent
}

func (m *breakerMeter) OnBreaker(e ib.BreakerEvent) { m.events = append(m.events, e) }

func TestObserveBreakers_AuditsAndMeters(t *testing.T) {
	sink := memory.NewSink()
	m := &breakerMeter{}
	fn := ib.ObserveBreakers(ib.NewAuditor(nil, sink), m)

	ctx := ib.WithCorrelationID(context.Background(), "cid-1")
	fn(ctx, "openai", ib.BreakerClosed, ib.BreakerOpen)
	fn(ctx, "openai", ib.BreakerOpen, ib.BreakerHalfOpen)
	fn(ctx, "openai", ib.BreakerHalfOpen, ib.BreakerClosed)

	assert.Equal(t, []string{ib.CodeBreakerOpen, ib.CodeBreakerHalfOpen, ib.CodeBreakerClosed}, sink.Codes())
	opened := sink.ByCode(ib.CodeBreakerOpen)[0]
	assert.Equal(t, ib.LevelWarn, opened.Level)
	assert.Equal(t, "cid-1", opened.CorrelationID)
	assert.Equal(t, "openai", opened.Metadata["dependency"])
	require.Len(t, m.events, 3)
	assert.Equal(t, ib.BreakerOpen, m.events[0].To)
}

// noop satisfies ib.Meter for embedding.
type noop struct{}

func (noop) OnRoute(ib.RouteEvent)     {}
func (noop) OnResult(ib.ResultEvent)   {}
func (noop) OnBreaker(ib.BreakerEvent) {}
func (noop) OnConfirm(ib.ConfirmEvent) {}
