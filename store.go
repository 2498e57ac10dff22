package inferbill

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TxType is the direction of a wallet transaction.
type TxType string

const (
	TxDebit  TxType = "debit"
	TxCredit TxType = "credit"
)

// Credit reasons.
const (
	ReasonReversal = "reversal"
	ReasonRecharge = "recharge"
)

// Wallet is the authoritative balance of one identity.
type Wallet struct {
	Identity  string          `json:"identity"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transaction is an immutable debit or credit row.
type Transaction struct {
	ID            string          `json:"id"`
	Identity      string          `json:"identity"`
	Type          TxType          `json:"type"`
	RawAmount     decimal.Decimal `json:"rawAmount"`
	SettledAmount decimal.Decimal `json:"settledAmount"`
	Currency      string          `json:"currency"`
	Reason        string          `json:"reason,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// WalletStore persists wallets and their transaction history.
type WalletStore interface {
	// GetOrCreateWallet returns the wallet for identity, creating it with a zero balance.
	GetOrCreateWallet(ctx context.Context, identity, currency string) (Wallet, error)

	// CompareAndSwapBalance sets the balance to next only if it still equals expected.
	// It reports false, nil when another writer changed the balance first.
	CompareAndSwapBalance(ctx context.Context, identity string, expected, next decimal.Decimal) (bool, error)

	// AddBalance adds amount unconditionally and returns the resulting balance.
	AddBalance(ctx context.Context, identity string, amount decimal.Decimal) (decimal.Decimal, error)

	// AppendTransaction records tx. Rows are never updated.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// Transactions returns the newest transactions first. limit <= 0 returns all.
	Transactions(ctx context.Context, identity string, limit int) ([]Transaction, error)
}

// WindowKey identifies one rate-limit counter.
type WindowKey struct {
	Identity string
	Action   string
	Start    time.Time
}

// CounterStore holds fixed-window rate-limit counters.
type CounterStore interface {
	// Increment atomically creates or increments the counter and returns the new count.
	Increment(ctx context.Context, key WindowKey, ttl time.Duration) (int64, error)
}

// WindowSweeper is implemented by counter stores that need stale windows removed.
type WindowSweeper interface {
	SweepWindows(ctx context.Context, before time.Time) (int64, error)
}

// IdempotencyRecord marks a claimed request fingerprint.
type IdempotencyRecord struct {
	Key       string
	Identity  string
	CreatedAt time.Time
}

// IdempotencyStore claims request fingerprints and keeps their outcomes.
type IdempotencyStore interface {
	// Claim inserts rec, returning ErrDuplicateKey when the key already exists.
	Claim(ctx context.Context, rec IdempotencyRecord) error

	// SaveOutcome stores the outcome for key once; later writes are ignored.
	SaveOutcome(ctx context.Context, key string, outcome []byte) error

	// Outcome returns the stored outcome for key.
	Outcome(ctx context.Context, key string) ([]byte, bool, error)
}

// IdempotencySweeper is implemented by stores that need old claims removed.
type IdempotencySweeper interface {
	SweepClaims(ctx context.Context, before time.Time) (int64, error)
}
