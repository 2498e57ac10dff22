package inferbill_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ib "github.com/ineyio/inferbill"
	"github.com/ineyio/inferbill/provider/mock"
	"github.com/ineyio/inferbill/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store down")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// downCounter fails every increment.
type downCounter struct{}

func (downCounter) Increment(context.Context, ib.WindowKey, time.Duration) (int64, error) {
	return 0, errStoreDown
}

// downClaims fails every idempotency call.
type downClaims struct{}

func (downClaims) Claim(context.Context, ib.IdempotencyRecord) error { return errStoreDown }

func (downClaims) SaveOutcome(context.Context, string, []byte) error { return errStoreDown }

func (downClaims) Outcome(context.Context, string) ([]byte, bool, error) {
	return nil, false, errStoreDown
}

// flakyWallets wraps a memory store and injects wallet failures.
type flakyWallets struct {
	*memory.Store

	mu         sync.Mutex
	loseSwaps  int // number of CompareAndSwapBalance calls that report a lost race
	failAppend bool
	failAdd    int // number of AddBalance calls that fail
}

func (f *flakyWallets) CompareAndSwapBalance(ctx context.Context, identity string, expected, next decimal.Decimal) (bool, error) {
	f.mu.Lock()
	if f.loseSwaps > 0 {
		f.loseSwaps--
		f.mu.Unlock()
		return false, nil
	}
	f.mu.Unlock()
	return f.Store.CompareAndSwapBalance(ctx, identity, expected, next)
}

func (f *flakyWallets) AppendTransaction(ctx context.Context, tx ib.Transaction) error {
	f.mu.Lock()
	fail := f.failAppend
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.Store.AppendTransaction(ctx, tx)
}

func (f *flakyWallets) AddBalance(ctx context.Context, identity string, amount decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	if f.failAdd > 0 {
		f.failAdd--
		f.mu.Unlock()
		return decimal.Zero, errStoreDown
	}
	f.mu.Unlock()
	return f.Store.AddBalance(ctx, identity, amount)
}

func testCatalog(t *testing.T) *ib.StaticCatalog {
	t.Helper()
	c, err := ib.NewStaticCatalog(
		ib.ModelInfo{ID: "test-model", Provider: "mock", UpstreamModel: "upstream-model",
			InputPrice: dec("0.01"), OutputPrice: dec("0.02")},
		ib.ModelInfo{ID: "stream-model", Provider: "mock",
			Transports: []ib.Transport{ib.TransportSync, ib.TransportStream}},
		ib.ModelInfo{ID: "stream-only", Provider: "mock",
			Transports: []ib.Transport{ib.TransportStream}},
		ib.ModelInfo{ID: "orphan-model", Provider: "missing"},
	)
	require.NoError(t, err)
	return c
}

type harness struct {
	store  *memory.Store
	sink   *memory.Sink
	ledger *ib.Ledger
	prov   *mock.Provider
	orch   *ib.Orchestrator
	gw     *ib.Gateway
	clock  *fakeClock
}

func newHarness(t *testing.T, limit int, provOpts ...mock.Option) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		sink:  memory.NewSink(),
		clock: newFakeClock(),
	}
	auditor := ib.NewAuditor(nil, h.sink)

	h.ledger = ib.NewLedger(h.store, ib.WithLedgerAuditor(auditor))
	h.prov = mock.New(provOpts...)

	var err error
	h.orch, err = ib.NewOrchestrator(testCatalog(t), []ib.Provider{h.prov},
		ib.WithOrchestratorAuditor(auditor),
		ib.WithBreakers(ib.NewBreakers(ib.DefaultBreakerConfig(), ib.WithBreakerClock(h.clock.Now))),
	)
	require.NoError(t, err)

	h.gw = ib.NewGateway(h.ledger, h.orch,
		ib.WithRateLimiter(ib.NewRateLimiter(h.store, ib.WithRateLimitAuditor(auditor), ib.WithRateLimitClock(h.clock.Now))),
		ib.WithActionLimit(ib.ActionConfirm, limit),
		ib.WithGuard(ib.NewGuard(h.store, ib.WithGuardAuditor(auditor), ib.WithGuardClock(h.clock.Now))),
		ib.WithCompensator(ib.NewCompensator(h.ledger, ib.WithCompensationAuditor(auditor), ib.WithCompensationBackoff(0))),
		ib.WithGatewayAuditor(auditor),
		ib.WithGatewayClock(h.clock.Now),
	)
	return h
}

func (h *harness) fund(t *testing.T, identity, amount string) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), identity, dec(amount), ib.ReasonRecharge, "")
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, identity string) decimal.Decimal {
	t.Helper()
	w, err := h.ledger.Balance(context.Background(), identity)
	require.NoError(t, err)
	return w.Balance
}
