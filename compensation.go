package inferbill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Compensator refunds debits whose paid call did not complete.
type Compensator struct {
	ledger   *Ledger
	attempts int
	backoff  time.Duration
	auditor  *Auditor
	log      *zap.Logger
}

// CompensatorOption configures a Compensator.
type CompensatorOption func(*Compensator)

// WithCompensationAttempts sets how many times the refund credit is tried. Default 2.
func WithCompensationAttempts(n int) CompensatorOption {
	return func(c *Compensator) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithCompensationBackoff sets the pause between refund attempts. Default 100ms.
func WithCompensationBackoff(d time.Duration) CompensatorOption {
	return func(c *Compensator) { c.backoff = d }
}

// WithCompensationAuditor sets the auditor.
func WithCompensationAuditor(a *Auditor) CompensatorOption {
	return func(c *Compensator) { c.auditor = a }
}

// WithCompensationLogger sets the logger.
func WithCompensationLogger(log *zap.Logger) CompensatorOption {
	return func(c *Compensator) { c.log = log }
}

// NewCompensator creates a Compensator crediting through ledger.
func NewCompensator(ledger *Ledger, opts ...CompensatorOption) *Compensator {
	c := &Compensator{
		ledger:   ledger,
		attempts: 2,
		backoff:  100 * time.Millisecond,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("compensation")
	return c
}

// Compensate credits debit.Settled back to the wallet. cause is the failure
// that triggered the refund; it is recorded but never replaced. A refund that
// cannot be written returns ErrRollbackFailed and needs manual reconciliation.
func (c *Compensator) Compensate(ctx context.Context, debit DebitResult, cause error) error {
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 && c.backoff > 0 {
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
			}
		}

		var res CreditResult
		res, err = c.ledger.Credit(ctx, debit.Identity, debit.Settled, ReasonReversal, debit.TransactionID)
		if err == nil {
			c.auditor.Record(ctx, Event{
				Identity: debit.Identity,
				Level:    LevelInfo,
				Code:     CodeRollbackOK,
				Message:  "debit reversed",
				Metadata: map[string]any{
					"amount":                  debit.Settled.String(),
					"currency":                debit.Currency,
					"original_transaction_id": debit.TransactionID,
					"reversal_transaction_id": res.TransactionID,
					"balance":                 res.Balance.String(),
					"cause":                   errString(cause),
				},
			})
			return nil
		}

		c.log.Warn("reversal credit failed",
			zap.String("correlation_id", CorrelationID(ctx)),
			zap.String("transaction_id", debit.TransactionID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	c.log.Error("rollback failed, manual reconciliation required",
		zap.String("correlation_id", CorrelationID(ctx)),
		zap.String("identity", debit.Identity),
		zap.String("amount", debit.Settled.String()),
		zap.String("transaction_id", debit.TransactionID),
		zap.Error(err),
	)
	c.auditor.Record(ctx, Event{
		Identity: debit.Identity,
		Level:    LevelCritical,
		Code:     CodeRollbackFailed,
		Message:  "debit could not be reversed",
		Metadata: map[string]any{
			"amount":                  debit.Settled.String(),
			"currency":                debit.Currency,
			"original_transaction_id": debit.TransactionID,
			"cause":                   errString(cause),
			"rollback_error":          err.Error(),
		},
	})
	return fmt.Errorf("%w: %v", ErrRollbackFailed, err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
