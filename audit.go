package inferbill

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Level is the severity of an audit event.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarn     Level = "warn"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Audit event codes.
const (
	CodeRequestRejected      = "REQUEST_REJECTED"
	CodeRateLimited          = "RATE_LIMITED"
	CodeRateLimitStoreDown   = "RATE_LIMIT_STORE_UNAVAILABLE"
	CodeIdempotentReplay     = "IDEMPOTENT_REPLAY"
	CodeIdempotencyStoreDown = "IDEMPOTENCY_STORE_UNAVAILABLE"
	CodeDebitOK              = "DEBIT_OK"
	CodeDebitInsufficient    = "DEBIT_INSUFFICIENT_FUNDS"
	CodeDebitConflict        = "DEBIT_CONFLICT"
	CodeDebitFailed          = "DEBIT_FAILED"
	CodeCreditOK             = "CREDIT_OK"
	CodeCreditFailed         = "CREDIT_FAILED"
	CodeReconciliationRisk   = "RECONCILIATION_RISK"
	CodeBreakerOpen          = "BREAKER_OPEN"
	CodeBreakerHalfOpen      = "BREAKER_HALF_OPEN"
	CodeBreakerClosed        = "BREAKER_CLOSED"
	CodeBreakerRejected      = "BREAKER_REJECTED"
	CodeUpstreamRetry        = "UPSTREAM_RETRY"
	CodeUpstreamFailed       = "UPSTREAM_FAILED"
	CodeRollbackOK           = "ROLLBACK_OK"
	CodeRollbackFailed       = "ROLLBACK_FAILED"
	CodeConfirmOK            = "CONFIRM_OK"
	CodeConfirmFailed        = "CONFIRM_FAILED"
	CodeOutcomeNotSaved      = "OUTCOME_NOT_SAVED"
)

// Event is one append-only operational record.
type Event struct {
	CorrelationID string         `json:"correlationId"`
	Identity      string         `json:"identity,omitempty"`
	Level         Level          `json:"level"`
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	At            time.Time      `json:"at"`
}

// Sink receives audit events. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Auditor stamps events and fans them out to sinks.
// A nil *Auditor discards everything.
type Auditor struct {
	sinks []Sink
	log   *zap.Logger
	now   func() time.Time
}

// NewAuditor creates an Auditor writing to sinks. Sink failures are logged to log.
func NewAuditor(log *zap.Logger, sinks ...Sink) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{
		sinks: sinks,
		log:   log.Named("audit"),
		now:   time.Now,
	}
}

// Record writes e to every sink. It never fails the caller.
func (a *Auditor) Record(ctx context.Context, e Event) {
	if a == nil {
		return
	}
	if e.CorrelationID == "" {
		e.CorrelationID = CorrelationID(ctx)
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	if e.At.IsZero() {
		e.At = a.now().UTC()
	}

	for _, s := range a.sinks {
		if err := s.Write(ctx, e); err != nil {
			a.log.Warn("audit sink write failed",
				zap.String("correlation_id", e.CorrelationID),
				zap.String("code", e.Code),
				zap.Error(err),
			)
		}
	}
}
