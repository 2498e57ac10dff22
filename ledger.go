package inferbill

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DebitResult describes a completed debit.
type DebitResult struct {
	TransactionID string
	Identity      string
	Raw           decimal.Decimal
	Settled       decimal.Decimal
	Balance       decimal.Decimal
	Currency      string
}

// CreditResult describes a completed credit.
type CreditResult struct {
	TransactionID string
	Identity      string
	Amount        decimal.Decimal
	Balance       decimal.Decimal
	Currency      string
}

// Reconciliation compares a wallet balance to its transaction history.
type Reconciliation struct {
	Identity string          `json:"identity"`
	Balance  decimal.Decimal `json:"balance"`
	Expected decimal.Decimal `json:"expected"`
	Drift    decimal.Decimal `json:"drift"`
}

// Balanced reports whether the wallet matches its history.
func (r Reconciliation) Balanced() bool { return r.Drift.IsZero() }

// Ledger debits and credits wallets under optimistic concurrency control.
type Ledger struct {
	store     WalletStore
	fee       decimal.Decimal
	precision int32
	currency  string
	auditor   *Auditor
	log       *zap.Logger
	now       func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithFee sets the settlement fee fraction applied to debits. Default 0.02.
func WithFee(fee decimal.Decimal) LedgerOption {
	return func(l *Ledger) { l.fee = fee }
}

// WithPrecision sets the number of decimal places money is rounded to. Default 2.
func WithPrecision(places int32) LedgerOption {
	return func(l *Ledger) { l.precision = places }
}

// WithCurrency sets the wallet currency. Default "USD".
func WithCurrency(c string) LedgerOption {
	return func(l *Ledger) { l.currency = c }
}

// WithLedgerAuditor sets the auditor.
func WithLedgerAuditor(a *Auditor) LedgerOption {
	return func(l *Ledger) { l.auditor = a }
}

// WithLedgerLogger sets the logger.
func WithLedgerLogger(log *zap.Logger) LedgerOption {
	return func(l *Ledger) { l.log = log }
}

// WithLedgerClock overrides the time source.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a Ledger backed by store.
func NewLedger(store WalletStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		store:     store,
		fee:       decimal.RequireFromString("0.02"),
		precision: 2,
		currency:  "USD",
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.Named("ledger")
	return l
}

// Currency returns the ledger currency.
func (l *Ledger) Currency() string { return l.currency }

// Settle returns the amount actually charged for raw: raw plus the fee,
// rounded half away from zero.
func (l *Ledger) Settle(raw decimal.Decimal) decimal.Decimal {
	return raw.Mul(decimal.NewFromInt(1).Add(l.fee)).Round(l.precision)
}

// Debit charges the settled amount for raw. The balance never goes negative;
// a concurrent update is retried once before ErrWalletContention.
func (l *Ledger) Debit(ctx context.Context, identity string, raw decimal.Decimal) (DebitResult, error) {
	if identity == "" {
		return DebitResult{}, ErrMissingIdentity
	}
	if !raw.IsPositive() {
		return DebitResult{}, ErrInvalidAmount
	}

	settled := l.Settle(raw)
	if !settled.IsPositive() {
		return DebitResult{}, ErrInvalidAmount
	}

	var next decimal.Decimal
	for attempt := 1; ; attempt++ {
		w, err := l.store.GetOrCreateWallet(ctx, identity, l.currency)
		if err != nil {
			l.recordFailure(ctx, identity, CodeDebitFailed, err)
			return DebitResult{}, fmt.Errorf("inferbill: debit: load wallet: %w", err)
		}

		if w.Balance.LessThan(settled) {
			l.auditor.Record(ctx, Event{
				Identity: identity,
				Level:    LevelInfo,
				Code:     CodeDebitInsufficient,
				Message:  "balance too low",
				Metadata: map[string]any{"balance": w.Balance.String(), "required": settled.String()},
			})
			return DebitResult{}, ErrInsufficientFunds
		}

		next = w.Balance.Sub(settled)
		ok, err := l.store.CompareAndSwapBalance(ctx, identity, w.Balance, next)
		if err != nil {
			l.recordFailure(ctx, identity, CodeDebitFailed, err)
			return DebitResult{}, fmt.Errorf("inferbill: debit: update balance: %w", err)
		}
		if ok {
			break
		}

		l.auditor.Record(ctx, Event{
			Identity: identity,
			Level:    LevelWarn,
			Code:     CodeDebitConflict,
			Message:  "balance changed concurrently",
			Metadata: map[string]any{"attempt": attempt},
		})
		if attempt >= 2 {
			return DebitResult{}, ErrWalletContention
		}
	}

	tx := Transaction{
		ID:            uuid.New().String(),
		Identity:      identity,
		Type:          TxDebit,
		RawAmount:     raw,
		SettledAmount: settled,
		Currency:      l.currency,
		CorrelationID: CorrelationID(ctx),
		CreatedAt:     l.now().UTC(),
	}
	l.append(ctx, tx)

	l.auditor.Record(ctx, Event{
		Identity: identity,
		Level:    LevelInfo,
		Code:     CodeDebitOK,
		Message:  "wallet debited",
		Metadata: map[string]any{
			"transaction_id": tx.ID,
			"raw":            raw.String(),
			"settled":        settled.String(),
			"balance":        next.String(),
		},
	})

	return DebitResult{
		TransactionID: tx.ID,
		Identity:      identity,
		Raw:           raw,
		Settled:       settled,
		Balance:       next,
		Currency:      l.currency,
	}, nil
}

// Credit adds amount to the wallet unconditionally. reference names the
// transaction being reversed, or an external event id; it may be empty.
func (l *Ledger) Credit(ctx context.Context, identity string, amount decimal.Decimal, reason, reference string) (CreditResult, error) {
	if identity == "" {
		return CreditResult{}, ErrMissingIdentity
	}
	if !amount.IsPositive() {
		return CreditResult{}, ErrInvalidAmount
	}
	amount = amount.Round(l.precision)
	if !amount.IsPositive() {
		return CreditResult{}, ErrInvalidAmount
	}

	if _, err := l.store.GetOrCreateWallet(ctx, identity, l.currency); err != nil {
		l.recordFailure(ctx, identity, CodeCreditFailed, err)
		return CreditResult{}, fmt.Errorf("inferbill: credit: load wallet: %w", err)
	}
	balance, err := l.store.AddBalance(ctx, identity, amount)
	if err != nil {
		l.recordFailure(ctx, identity, CodeCreditFailed, err)
		return CreditResult{}, fmt.Errorf("inferbill: credit: update balance: %w", err)
	}

	tx := Transaction{
		ID:            uuid.New().String(),
		Identity:      identity,
		Type:          TxCredit,
		RawAmount:     amount,
		SettledAmount: amount,
		Currency:      l.currency,
		Reason:        reason,
		Reference:     reference,
		CorrelationID: CorrelationID(ctx),
		CreatedAt:     l.now().UTC(),
	}
	l.append(ctx, tx)

	l.auditor.Record(ctx, Event{
		Identity: identity,
		Level:    LevelInfo,
		Code:     CodeCreditOK,
		Message:  "wallet credited",
		Metadata: map[string]any{
			"transaction_id": tx.ID,
			"amount":         amount.String(),
			"reason":         reason,
			"reference":      reference,
			"balance":        balance.String(),
		},
	})

	return CreditResult{
		TransactionID: tx.ID,
		Identity:      identity,
		Amount:        amount,
		Balance:       balance,
		Currency:      l.currency,
	}, nil
}

// Balance returns the wallet, creating it at zero if needed.
func (l *Ledger) Balance(ctx context.Context, identity string) (Wallet, error) {
	if identity == "" {
		return Wallet{}, ErrMissingIdentity
	}
	w, err := l.store.GetOrCreateWallet(ctx, identity, l.currency)
	if err != nil {
		return Wallet{}, fmt.Errorf("inferbill: balance: %w", err)
	}
	return w, nil
}

// History returns up to limit transactions, newest first.
func (l *Ledger) History(ctx context.Context, identity string, limit int) ([]Transaction, error) {
	if identity == "" {
		return nil, ErrMissingIdentity
	}
	txs, err := l.store.Transactions(ctx, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("inferbill: history: %w", err)
	}
	return txs, nil
}

// Reconcile compares the balance with settled credits minus settled debits.
func (l *Ledger) Reconcile(ctx context.Context, identity string) (Reconciliation, error) {
	w, err := l.Balance(ctx, identity)
	if err != nil {
		return Reconciliation{}, err
	}
	txs, err := l.store.Transactions(ctx, identity, 0)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("inferbill: reconcile: %w", err)
	}

	expected := decimal.Zero
	for _, tx := range txs {
		switch tx.Type {
		case TxCredit:
			expected = expected.Add(tx.SettledAmount)
		case TxDebit:
			expected = expected.Sub(tx.SettledAmount)
		}
	}

	return Reconciliation{
		Identity: identity,
		Balance:  w.Balance,
		Expected: expected,
		Drift:    w.Balance.Sub(expected),
	}, nil
}

// append writes tx. The balance change already happened, so a failure is
// reported for reconciliation instead of being returned.
func (l *Ledger) append(ctx context.Context, tx Transaction) {
	if err := l.store.AppendTransaction(ctx, tx); err != nil {
		l.log.Error("transaction append failed",
			zap.String("correlation_id", tx.CorrelationID),
			zap.String("transaction_id", tx.ID),
			zap.Error(err),
		)
		l.auditor.Record(ctx, Event{
			Identity: tx.Identity,
			Level:    LevelError,
			Code:     CodeReconciliationRisk,
			Message:  "balance changed without a transaction record",
			Metadata: map[string]any{
				"transaction_id": tx.ID,
				"type":           string(tx.Type),
				"amount":         tx.SettledAmount.String(),
				"currency":       tx.Currency,
				"error":          err.Error(),
			},
		})
	}
}

func (l *Ledger) recordFailure(ctx context.Context, identity, code string, err error) {
	l.auditor.Record(ctx, Event{
		Identity: identity,
		Level:    LevelError,
		Code:     code,
		Message:  "wallet store unavailable",
		Metadata: map[string]any{"error": err.Error()},
	})
}
