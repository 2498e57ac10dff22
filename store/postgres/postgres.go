// Package postgres provides PostgreSQL-backed stores for inferbill.
//
// Wallet balances are updated with conditional UPDATEs (compare-and-swap on the
// current balance) so concurrent debits never overdraw. Counters and
// idempotency claims rely on INSERT ... ON CONFLICT, which makes the store
// safe for multi-instance deployments.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ineyio/inferbill"
)

// Store is a PostgreSQL-backed wallet, counter and idempotency store.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ inferbill.WalletStore        = (*Store)(nil)
	_ inferbill.CounterStore       = (*Store)(nil)
	_ inferbill.WindowSweeper      = (*Store)(nil)
	_ inferbill.IdempotencyStore   = (*Store)(nil)
	_ inferbill.IdempotencySweeper = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "inferbill_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed store.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "inferbill_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) walletsTable() string      { return s.tablePrefix + "wallets" }
func (s *Store) transactionsTable() string { return s.tablePrefix + "transactions" }
func (s *Store) countersTable() string     { return s.tablePrefix + "rate_limits" }
func (s *Store) claimsTable() string       { return s.tablePrefix + "idempotency" }
func (s *Store) outcomesTable() string     { return s.tablePrefix + "idempotency_outcomes" }
func (s *Store) opsLogTable() string       { return s.tablePrefix + "ops_log" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			identity TEXT PRIMARY KEY,
			balance NUMERIC(20,8) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			currency TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			id UUID PRIMARY KEY,
			identity TEXT NOT NULL,
			type TEXT NOT NULL,
			raw_amount NUMERIC(20,8) NOT NULL,
			settled_amount NUMERIC(20,8) NOT NULL,
			currency TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[2]s_identity_idx ON %[2]s (identity, created_at DESC);
		CREATE TABLE IF NOT EXISTS %[3]s (
			identity TEXT NOT NULL,
			action TEXT NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			count BIGINT NOT NULL,
			PRIMARY KEY (identity, action, window_start)
		);
		CREATE TABLE IF NOT EXISTS %[4]s (
			key TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[5]s (
			key TEXT PRIMARY KEY,
			outcome BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS %[6]s (
			id BIGSERIAL PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			identity TEXT,
			level TEXT NOT NULL,
			code TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		);
	`, s.walletsTable(), s.transactionsTable(), s.countersTable(),
		s.claimsTable(), s.outcomesTable(), s.opsLogTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("inferbill/postgres: ensure schema: %w", err)
	}
	return nil
}

// GetOrCreateWallet implements inferbill.WalletStore.
func (s *Store) GetOrCreateWallet(ctx context.Context, identity, currency string) (inferbill.Wallet, error) {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (identity, currency) VALUES ($1, $2) ON CONFLICT (identity) DO NOTHING`,
			s.walletsTable()),
		identity, currency,
	)
	if err != nil {
		return inferbill.Wallet{}, fmt.Errorf("inferbill/postgres: create wallet: %w", err)
	}

	var (
		w       inferbill.Wallet
		balance string
	)
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT identity, balance::text, currency, updated_at FROM %s WHERE identity = $1`,
			s.walletsTable()),
		identity,
	).Scan(&w.Identity, &balance, &w.Currency, &w.UpdatedAt)
	if err != nil {
		return inferbill.Wallet{}, fmt.Errorf("inferbill/postgres: load wallet: %w", err)
	}
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return inferbill.Wallet{}, fmt.Errorf("inferbill/postgres: parse balance: %w", err)
	}
	return w, nil
}

// CompareAndSwapBalance implements inferbill.WalletStore.
func (s *Store) CompareAndSwapBalance(ctx context.Context, identity string, expected, next decimal.Decimal) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = $3::numeric, updated_at = now()
			WHERE identity = $1 AND balance = $2::numeric
			RETURNING true`, s.walletsTable()),
		identity, expected.String(), next.String(),
	).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inferbill/postgres: swap balance: %w", err)
	}
	return ok, nil
}

// AddBalance implements inferbill.WalletStore.
func (s *Store) AddBalance(ctx context.Context, identity string, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance string
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET balance = balance + $2::numeric, updated_at = now()
			WHERE identity = $1
			RETURNING balance::text`, s.walletsTable()),
		identity, amount.String(),
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("inferbill/postgres: wallet %q not found", identity)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("inferbill/postgres: add balance: %w", err)
	}
	return decimal.NewFromString(balance)
}

// AppendTransaction implements inferbill.WalletStore.
func (s *Store) AppendTransaction(ctx context.Context, tx inferbill.Transaction) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(id, identity, type, raw_amount, settled_amount, currency, reason, reference, correlation_id, created_at)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10)`, s.transactionsTable()),
		tx.ID, tx.Identity, string(tx.Type), tx.RawAmount.String(), tx.SettledAmount.String(),
		tx.Currency, tx.Reason, tx.Reference, tx.CorrelationID, tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inferbill/postgres: append transaction: %w", err)
	}
	return nil
}

// Transactions implements inferbill.WalletStore.
func (s *Store) Transactions(ctx context.Context, identity string, limit int) ([]inferbill.Transaction, error) {
	q := fmt.Sprintf(`SELECT id::text, identity, type, raw_amount::text, settled_amount::text,
			currency, reason, reference, correlation_id, created_at
		FROM %s WHERE identity = $1 ORDER BY created_at DESC, id`, s.transactionsTable())
	args := []any{identity}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("inferbill/postgres: list transactions: %w", err)
	}
	defer rows.Close()

	var out []inferbill.Transaction
	for rows.Next() {
		var (
			tx           inferbill.Transaction
			typ          string
			raw, settled string
		)
		if err := rows.Scan(&tx.ID, &tx.Identity, &typ, &raw, &settled,
			&tx.Currency, &tx.Reason, &tx.Reference, &tx.CorrelationID, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("inferbill/postgres: scan transaction: %w", err)
		}
		tx.Type = inferbill.TxType(typ)
		if tx.RawAmount, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("inferbill/postgres: parse amount: %w", err)
		}
		if tx.SettledAmount, err = decimal.NewFromString(settled); err != nil {
			return nil, fmt.Errorf("inferbill/postgres: parse amount: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inferbill/postgres: list transactions: %w", err)
	}
	return out, nil
}

// Increment implements inferbill.CounterStore. Stale rows are removed by
// SweepWindows; ttl is not used.
func (s *Store) Increment(ctx context.Context, key inferbill.WindowKey, _ time.Duration) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (identity, action, window_start, count) VALUES ($1, $2, $3, 1)
			ON CONFLICT (identity, action, window_start) DO UPDATE SET count = %[1]s.count + 1
			RETURNING count`, s.countersTable()),
		key.Identity, key.Action, key.Start.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("inferbill/postgres: increment: %w", err)
	}
	return count, nil
}

// SweepWindows implements inferbill.WindowSweeper.
func (s *Store) SweepWindows(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE window_start < $1`, s.countersTable()),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("inferbill/postgres: sweep windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Claim implements inferbill.IdempotencyStore.
func (s *Store) Claim(ctx context.Context, rec inferbill.IdempotencyRecord) error {
	var inserted bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, identity, created_at) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING RETURNING true`, s.claimsTable()),
		rec.Key, rec.Identity, rec.CreatedAt.UTC(),
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return inferbill.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("inferbill/postgres: claim: %w", err)
	}
	return nil
}

// SaveOutcome implements inferbill.IdempotencyStore.
func (s *Store) SaveOutcome(ctx context.Context, key string, outcome []byte) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, outcome) VALUES ($1, $2) ON CONFLICT DO NOTHING`, s.outcomesTable()),
		key, outcome,
	)
	if err != nil {
		return fmt.Errorf("inferbill/postgres: save outcome: %w", err)
	}
	return nil
}

// Outcome implements inferbill.IdempotencyStore.
func (s *Store) Outcome(ctx context.Context, key string) ([]byte, bool, error) {
	var outcome []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT outcome FROM %s WHERE key = $1`, s.outcomesTable()),
		key,
	).Scan(&outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("inferbill/postgres: load outcome: %w", err)
	}
	return outcome, true, nil
}

// SweepClaims implements inferbill.IdempotencySweeper.
func (s *Store) SweepClaims(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("inferbill/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s o USING %s c WHERE o.key = c.key AND c.created_at < $1`,
			s.outcomesTable(), s.claimsTable()),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("inferbill/postgres: sweep outcomes: %w", err)
	}
	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.claimsTable()),
		before.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("inferbill/postgres: sweep claims: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("inferbill/postgres: commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AuditSink returns a sink appending events to the ops_log table.
func (s *Store) AuditSink() inferbill.Sink {
	return &opsLog{store: s}
}

type opsLog struct {
	store *Store
}

func (l *opsLog) Write(ctx context.Context, e inferbill.Event) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return fmt.Errorf("inferbill/postgres: encode metadata: %w", err)
		}
	}
	var identity *string
	if e.Identity != "" {
		identity = &e.Identity
	}

	_, err := l.store.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (correlation_id, identity, level, code, message, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, l.store.opsLogTable()),
		e.CorrelationID, identity, string(e.Level), e.Code, e.Message, metadata, e.At,
	)
	if err != nil {
		return fmt.Errorf("inferbill/postgres: append ops log: %w", err)
	}
	return nil
}
