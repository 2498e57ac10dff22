// Package memory provides in-process implementations of the inferbill stores.
// They are safe for concurrent use and suitable for single-instance
// deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ineyio/inferbill"
	"github.com/shopspring/decimal"
)

// Store keeps wallets, transactions, rate-limit counters and idempotency
// claims in memory.
type Store struct {
	mu       sync.RWMutex
	wallets  map[string]*inferbill.Wallet
	txs      map[string][]inferbill.Transaction
	counters map[inferbill.WindowKey]int64
	claims   map[string]inferbill.IdempotencyRecord
	outcomes map[string][]byte
	now      func() time.Time
}

var (
	_ inferbill.WalletStore        = (*Store)(nil)
	_ inferbill.CounterStore       = (*Store)(nil)
	_ inferbill.WindowSweeper      = (*Store)(nil)
	_ inferbill.IdempotencyStore   = (*Store)(nil)
	_ inferbill.IdempotencySweeper = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		wallets:  make(map[string]*inferbill.Wallet),
		txs:      make(map[string][]inferbill.Transaction),
		counters: make(map[inferbill.WindowKey]int64),
		claims:   make(map[string]inferbill.IdempotencyRecord),
		outcomes: make(map[string][]byte),
		now:      time.Now,
	}
}

// GetOrCreateWallet implements inferbill.WalletStore.
func (s *Store) GetOrCreateWallet(_ context.Context, identity, currency string) (inferbill.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.walletLocked(identity, currency), nil
}

func (s *Store) walletLocked(identity, currency string) *inferbill.Wallet {
	w, ok := s.wallets[identity]
	if !ok {
		w = &inferbill.Wallet{
			Identity:  identity,
			Balance:   decimal.Zero,
			Currency:  currency,
			UpdatedAt: s.now().UTC(),
		}
		s.wallets[identity] = w
	}
	return w
}

// CompareAndSwapBalance implements inferbill.WalletStore.
func (s *Store) CompareAndSwapBalance(_ context.Context, identity string, expected, next decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[identity]
	if !ok {
		return false, fmt.Errorf("inferbill: wallet %q not found", identity)
	}
	if !w.Balance.Equal(expected) {
		return false, nil
	}
	w.Balance = next
	w.UpdatedAt = s.now().UTC()
	return true, nil
}

// AddBalance implements inferbill.WalletStore.
func (s *Store) AddBalance(_ context.Context, identity string, amount decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[identity]
	if !ok {
		return decimal.Zero, fmt.Errorf("inferbill: wallet %q not found", identity)
	}
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = s.now().UTC()
	return w.Balance, nil
}

// AppendTransaction implements inferbill.WalletStore.
func (s *Store) AppendTransaction(_ context.Context, tx inferbill.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txs[tx.Identity] = append(s.txs[tx.Identity], tx)
	return nil
}

// Transactions implements inferbill.WalletStore.
func (s *Store) Transactions(_ context.Context, identity string, limit int) ([]inferbill.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.txs[identity]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]inferbill.Transaction, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// Increment implements inferbill.CounterStore. ttl is ignored; stale windows
// are removed by SweepWindows.
func (s *Store) Increment(_ context.Context, key inferbill.WindowKey, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key.Start = key.Start.UTC()
	s.counters[key]++
	return s.counters[key], nil
}

// SweepWindows implements inferbill.WindowSweeper.
func (s *Store) SweepWindows(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k := range s.counters {
		if k.Start.Before(before) {
			delete(s.counters, k)
			n++
		}
	}
	return n, nil
}

// Claim implements inferbill.IdempotencyStore.
func (s *Store) Claim(_ context.Context, rec inferbill.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.claims[rec.Key]; ok {
		return inferbill.ErrDuplicateKey
	}
	s.claims[rec.Key] = rec
	return nil
}

// SaveOutcome implements inferbill.IdempotencyStore.
func (s *Store) SaveOutcome(_ context.Context, key string, outcome []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outcomes[key]; ok {
		return nil
	}
	s.outcomes[key] = append([]byte(nil), outcome...)
	return nil
}

// Outcome implements inferbill.IdempotencyStore.
func (s *Store) Outcome(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.outcomes[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), o...), true, nil
}

// SweepClaims implements inferbill.IdempotencySweeper.
func (s *Store) SweepClaims(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.claims {
		if rec.CreatedAt.Before(before) {
			delete(s.claims, k)
			delete(s.outcomes, k)
			n++
		}
	}
	return n, nil
}
