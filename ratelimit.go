package inferbill

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Decision is the result of a rate-limit check.
type Decision struct {
	Allowed           bool
	Count             int64
	RetryAfterSeconds int
}

// RateLimiter enforces fixed-window per-identity, per-action limits.
type RateLimiter struct {
	store      CounterStore
	window     time.Duration
	retryAfter time.Duration
	auditor    *Auditor
	log        *zap.Logger
	now        func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithWindow sets the window length. Default 1m.
func WithWindow(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithRetryAfter sets the delay suggested to rejected callers. Default 15s.
func WithRetryAfter(d time.Duration) RateLimiterOption {
	return func(l *RateLimiter) {
		if d > 0 {
			l.retryAfter = d
		}
	}
}

// WithRateLimitAuditor sets the auditor.
func WithRateLimitAuditor(a *Auditor) RateLimiterOption {
	return func(l *RateLimiter) { l.auditor = a }
}

// WithRateLimitLogger sets the logger.
func WithRateLimitLogger(log *zap.Logger) RateLimiterOption {
	return func(l *RateLimiter) { l.log = log }
}

// WithRateLimitClock overrides the time source.
func WithRateLimitClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) { l.now = now }
}

// NewRateLimiter creates a RateLimiter backed by store.
func NewRateLimiter(store CounterStore, opts ...RateLimiterOption) *RateLimiter {
	l := &RateLimiter{
		store:      store,
		window:     time.Minute,
		retryAfter: 15 * time.Second,
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.Named("ratelimit")
	return l
}

// Window returns the configured window length.
func (l *RateLimiter) Window() time.Duration { return l.window }

// Allow counts one call for (identity, action) and decides whether it may proceed.
// A counter store failure allows the call. limit <= 0 never rejects.
func (l *RateLimiter) Allow(ctx context.Context, identity, action string, limit int) Decision {
	key := WindowKey{
		Identity: identity,
		Action:   action,
		Start:    l.now().UTC().Truncate(l.window),
	}

	count, err := l.store.Increment(ctx, key, 2*l.window)
	if err != nil {
		l.log.Warn("counter store unavailable, allowing",
			zap.String("correlation_id", CorrelationID(ctx)),
			zap.String("action", action),
			zap.Error(err),
		)
		l.auditor.Record(ctx, Event{
			Identity: identity,
			Level:    LevelWarn,
			Code:     CodeRateLimitStoreDown,
			Message:  "rate limit store unavailable, failing open",
			Metadata: map[string]any{"action": action, "error": err.Error()},
		})
		return Decision{Allowed: true}
	}

	if limit > 0 && count > int64(limit) {
		retry := int(l.retryAfter / time.Second)
		l.auditor.Record(ctx, Event{
			Identity: identity,
			Level:    LevelWarn,
			Code:     CodeRateLimited,
			Message:  "rate limit exceeded",
			Metadata: map[string]any{"action": action, "count": count, "limit": limit},
		})
		return Decision{Allowed: false, Count: count, RetryAfterSeconds: retry}
	}

	return Decision{Allowed: true, Count: count}
}
