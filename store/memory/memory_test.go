package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/inferbill"
)

func TestWallet_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()

	w, err := s.GetOrCreateWallet(ctx, "alice", "USD")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())

	swapped, err := s.CompareAndSwapBalance(ctx, "alice", decimal.Zero, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.CompareAndSwapBalance(ctx, "alice", decimal.Zero, decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.False(t, swapped, "stale expected balance")

	bal, err := s.AddBalance(ctx, "alice", decimal.RequireFromString("-2.5"))
	require.NoError(t, err)
	assert.Equal(t, "7.5", bal.String())

	_, err = s.CompareAndSwapBalance(ctx, "bob", decimal.Zero, decimal.Zero)
	assert.Error(t, err)
	_, err = s.AddBalance(ctx, "bob", decimal.NewFromInt(1))
	assert.Error(t, err)
}

func TestTransactions_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, s.AppendTransaction(ctx, inferbill.Transaction{ID: id, Identity: "alice"}))
	}

	all, err := s.Transactions(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t3", all[0].ID)
	assert.Equal(t, "t1", all[2].ID)

	two, err := s.Transactions(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, two, 2)
	assert.Equal(t, "t2", two[1].ID)

	none, err := s.Transactions(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCounters_IncrementAndSweep(t *testing.T) {
	ctx := context.Background()
	s := New()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	key := inferbill.WindowKey{Identity: "alice", Action: "confirm", Start: start}

	for i := int64(1); i <= 3; i++ {
		n, err := s.Increment(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	next := key
	next.Start = start.Add(time.Minute)
	n, err := s.Increment(ctx, next, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	removed, err := s.SweepWindows(ctx, start.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	n, err = s.Increment(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "swept window starts over")
}

func TestClaims_AndOutcomes(t *testing.T) {
	ctx := context.Background()
	s := New()
	old := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Claim(ctx, inferbill.IdempotencyRecord{Key: "k1", Identity: "alice", CreatedAt: old}))
	assert.ErrorIs(t, s.Claim(ctx, inferbill.IdempotencyRecord{Key: "k1"}), inferbill.ErrDuplicateKey)

	_, ok, err := s.Outcome(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveOutcome(ctx, "k1", []byte("first")))
	require.NoError(t, s.SaveOutcome(ctx, "k1", []byte("second")))
	got, ok, err := s.Outcome(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", string(got))

	require.NoError(t, s.Claim(ctx, inferbill.IdempotencyRecord{Key: "k2", CreatedAt: old.Add(2 * time.Hour)}))
	removed, err := s.SweepClaims(ctx, old.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, ok, _ = s.Outcome(ctx, "k1")
	assert.False(t, ok)
	require.NoError(t, s.Claim(ctx, inferbill.IdempotencyRecord{Key: "k1", CreatedAt: old}))
	assert.ErrorIs(t, s.Claim(ctx, inferbill.IdempotencyRecord{Key: "k2"}), inferbill.ErrDuplicateKey)
}

func TestSink_Filters(t *testing.T) {
	s := NewSink()
	ctx := context.Background()
	_ = s.Write(ctx, inferbill.Event{Code: inferbill.CodeDebitOK})
	_ = s.Write(ctx, inferbill.Event{Code: inferbill.CodeRateLimited})
	_ = s.Write(ctx, inferbill.Event{Code: inferbill.CodeDebitOK})

	assert.Equal(t, []string{inferbill.CodeDebitOK, inferbill.CodeRateLimited, inferbill.CodeDebitOK}, s.Codes())
	assert.Len(t, s.ByCode(inferbill.CodeDebitOK), 2)
	assert.Len(t, s.Events(), 3)
}
