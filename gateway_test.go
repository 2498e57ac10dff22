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

func confirmReq(identity, message, cost string) ib.ConfirmRequest {
	return ib.ConfirmRequest{
		Identity:      identity,
		Message:       message,
		Model:         "test-model",
		EstimatedCost: dec(cost),
	}
}

// Paid request debits, calls upstream once and returns the text.
func TestGateway_ConfirmSuccess(t *testing.T) {
	h := newHarness(t, 10)
	h.fund(t, "alice", "100.00")

	res, err := h.gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.NewBalance.Equal(dec("89.80")), res.NewBalance.String())
	assert.Equal(t, "Hello from mock provider", res.GeneratedText)
	assert.Equal(t, int64(10), res.TokensIn)
	assert.Equal(t, int64(20), res.TokensOut)
	assert.NotEmpty(t, res.CorrelationID)
	assert.False(t, res.Replayed)

	assert.Equal(t, res.CorrelationID, h.prov.Requests()[0].CorrelationID)
	for _, e := range h.sink.Events() {
		if e.Identity == "alice" && e.Code != ib.CodeCreditOK {
			assert.Equal(t, res.CorrelationID, e.CorrelationID, e.Code)
		}
	}
	assert.Len(t, h.sink.ByCode(ib.CodeConfirmOK), 1)
}

// Upstream failure refunds the full settled amount.
func TestGateway_UpstreamFailureIsNetZero(t *testing.T) {
	h := newHarness(t, 10, mock.WithError(mock.Status("mock", http.StatusServiceUnavailable)))
	h.fund(t, "alice", "100.00")

	_, err := h.gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.Error(t, err)
	assert.Equal(t, ib.KindServiceUnavailable, ib.KindOf(err))

	assert.True(t, h.balance(t, "alice").Equal(dec("100.00")))
	assert.Len(t, h.sink.ByCode(ib.CodeDebitOK), 1)
	assert.Len(t, h.sink.ByCode(ib.CodeRollbackOK), 1)
	assert.Len(t, h.sink.ByCode(ib.CodeConfirmFailed), 1)

	rec, err := h.ledger.Reconcile(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, rec.Balanced())
}

// Insufficient funds leaves the wallet untouched and skips the upstream.
func TestGateway_InsufficientFunds(t *testing.T) {
	h := newHarness(t, 10)
	h.fund(t, "bob", "5.00")

	_, err := h.gw.Confirm(context.Background(), confirmReq("bob", "hello", "10"))
	require.ErrorIs(t, err, ib.ErrInsufficientFunds)
	assert.Equal(t, ib.KindInsufficientFunds, ib.KindOf(err))
	assert.True(t, h.balance(t, "bob").Equal(dec("5.00")))
	assert.Zero(t, h.prov.CallCount())
}

// Duplicates inside the bucket debit once and call upstream once.
func TestGateway_DuplicateDebitsOnce(t *testing.T) {
	h := newHarness(t, 100, mock.WithLatency(20*time.Millisecond))
	h.fund(t, "alice", "100.00")

	var wg sync.WaitGroup
	results := make([]ib.ConfirmResult, 5)
	errs := make([]error, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.gw.Confirm(context.Background(), confirmReq("alice", "same", "10"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), h.prov.CallCount())
	assert.Len(t, h.sink.ByCode(ib.CodeDebitOK), 1)
	assert.Len(t, h.sink.ByCode(ib.CodeIdempotentReplay), 4)
	assert.True(t, h.balance(t, "alice").Equal(dec("89.80")))

	replayed := 0
	for _, r := range results {
		assert.True(t, r.OK)
		if r.Replayed {
			replayed++
		}
	}
	assert.Equal(t, 4, replayed)
}

// A replay after completion returns the stored response.
func TestGateway_ReplayReturnsStoredResult(t *testing.T) {
	h := newHarness(t, 10)
	h.fund(t, "alice", "100.00")

	first, err := h.gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.NoError(t, err)

	second, err := h.gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.GeneratedText, second.GeneratedText)
	assert.True(t, first.NewBalance.Equal(second.NewBalance))
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
	assert.Equal(t, int64(1), h.prov.CallCount())
}

// A replay of a failed request returns the same error without a second debit.
func TestGateway_ReplayReturnsStoredError(t *testing.T) {
	h := newHarness(t, 10, mock.WithErrors(mock.Status("mock", http.StatusBadGateway)))
	h.fund(t, "alice", "100.00")

	_, err := h.gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.Error(t, err)
	assert.False(t, ib.IsReplayed(err))

	_, err = h.gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.Error(t, err)
	assert.Equal(t, ib.KindServiceUnavailable, ib.KindOf(err))
	assert.True(t, ib.IsReplayed(err))
	assert.Equal(t, int64(1), h.prov.CallCount())
	assert.Len(t, h.sink.ByCode(ib.CodeDebitOK), 1)
}

// noOutcomes claims keys but never keeps outcomes.
type noOutcomes struct{ *memory.Store }

func (noOutcomes) SaveOutcome(context.Context, string, []byte) error { return errStoreDown }

// When no outcome was stored the replay is a generic acknowledgement.
func TestGateway_ReplayWithoutOutcomeIsGenericAck(t *testing.T) {
	h := newHarness(t, 10)
	h.fund(t, "alice", "100.00")

	sink := memory.NewSink()
	gw := ib.NewGateway(h.ledger, h.orch,
		ib.WithGuard(ib.NewGuard(noOutcomes{memory.New()}, ib.WithGuardClock(h.clock.Now))),
		ib.WithGatewayAuditor(ib.NewAuditor(nil, sink)),
		ib.WithGatewayClock(h.clock.Now),
	)

	first, err := gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.NoError(t, err)
	assert.Len(t, sink.ByCode(ib.CodeOutcomeNotSaved), 1)

	res, err := gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.True(t, res.Replayed)
	assert.Equal(t, ib.StatusAlreadyProcessed, res.Status)
	assert.Empty(t, res.GeneratedText)
	assert.NotEmpty(t, res.CorrelationID)
	assert.NotEqual(t, first.CorrelationID, res.CorrelationID)
	assert.Equal(t, int64(1), h.prov.CallCount())
	assert.True(t, h.balance(t, "alice").Equal(dec("89.80")))
}

// Different payloads or buckets are independent requests.
func TestGateway_NewBucketIsNewRequest(t *testing.T) {
	h := newHarness(t, 10)
	h.fund(t, "alice", "100.00")

	_, err := h.gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	res, err := h.gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.True(t, res.NewBalance.Equal(dec("79.60")))
}

// The rate limit applies before any debit.
func TestGateway_RateLimited(t *testing.T) {
	h := newHarness(t, 2)
	h.fund(t, "alice", "100.00")

	for _, msg := range []string{"one", "two"} {
		_, err := h.gw.Confirm(context.Background(), confirmReq("alice", msg, "1"))
		require.NoError(t, err)
	}
	_, err := h.gw.Confirm(context.Background(), confirmReq("alice", "three", "1"))
	require.Error(t, err)
	assert.Equal(t, ib.KindRateLimited, ib.KindOf(err))
	assert.Equal(t, 15*time.Second, ib.RetryAfterOf(err))
	assert.Len(t, h.sink.ByCode(ib.CodeDebitOK), 2)

	// Other identities keep their own budget.
	h.fund(t, "bob", "10.00")
	_, err = h.gw.Confirm(context.Background(), confirmReq("bob", "one", "1"))
	assert.NoError(t, err)
}

// Rejected input never debits.
func TestGateway_Validation(t *testing.T) {
	h := newHarness(t, 10)
	h.fund(t, "alice", "100.00")

	tests := []struct {
		name string
		req  ib.ConfirmRequest
		kind ib.Kind
	}{
		{"missing identity", confirmReq("", "hi", "1"), ib.KindUnauthorized},
		{"blank message", confirmReq("alice", "   ", "1"), ib.KindBadInput},
		{"zero cost", confirmReq("alice", "hi", "0"), ib.KindBadInput},
		{"negative cost", confirmReq("alice", "hi", "-3"), ib.KindBadInput},
		{"unknown model", ib.ConfirmRequest{Identity: "alice", Message: "hi", Model: "nope", EstimatedCost: dec("1")}, ib.KindNotFound},
		{"stream only model", ib.ConfirmRequest{Identity: "alice", Message: "hi", Model: "stream-only", EstimatedCost: dec("1")}, ib.KindBadInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.gw.Confirm(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, ib.KindOf(err))
		})
	}

	assert.True(t, h.balance(t, "alice").Equal(dec("100.00")))
	assert.Zero(t, h.prov.CallCount())
	assert.Len(t, h.sink.ByCode(ib.CodeRequestRejected), len(tests))
}

func TestGateway_CostBelowSmallestUnitNeverDebits(t *testing.T) {
	h := newHarness(t, 10, mock.WithError(mock.Status("mock", http.StatusServiceUnavailable)))
	h.fund(t, "alice", "100.00")

	_, err := h.gw.Confirm(context.Background(), confirmReq("alice", "hello", "0.001"))
	require.Error(t, err)
	assert.Equal(t, ib.KindBadInput, ib.KindOf(err))
	assert.ErrorIs(t, err, ib.ErrInvalidAmount)

	assert.True(t, h.balance(t, "alice").Equal(dec("100.00")))
	assert.Zero(t, h.prov.CallCount())
	assert.Empty(t, h.sink.ByCode(ib.CodeDebitOK))
	assert.Empty(t, h.sink.ByCode(ib.CodeRollbackFailed))
	assert.Len(t, h.sink.ByCode(ib.CodeRequestRejected), 1)
}

// A server-side estimate overrides the client estimate.
func TestGateway_ServerEstimate(t *testing.T) {
	h := newHarness(t, 10)
	h.fund(t, "alice", "100.00")

	gw := ib.NewGateway(h.ledger, h.orch,
		ib.WithEstimator(&ib.CatalogEstimator{Catalog: testCatalog(t), OutputTokens: 100}),
	)

	// "hello" estimates to 8 input tokens: 8*0.01 + 100*0.02 = 2.08, settled 2.1216 -> 2.12.
	res, err := gw.Confirm(context.Background(), confirmReq("alice", "hello", "0"))
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("97.88")), res.NewBalance.String())
}

// Caller cancellation after the claim does not strand a debit.
func TestGateway_CancellationAfterClaimStillSettles(t *testing.T) {
	h := newHarness(t, 10, mock.WithLatency(30*time.Millisecond))
	h.fund(t, "alice", "100.00")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	res, err := h.gw.Confirm(ctx, confirmReq("alice", "hello", "10"))
	require.NoError(t, err)
	assert.True(t, res.NewBalance.Equal(dec("89.80")))
	assert.True(t, h.balance(t, "alice").Equal(dec("89.80")))
}

// Unavailable idempotency store fails open.
func TestGateway_IdempotencyStoreDownFailsOpen(t *testing.T) {
	h := newHarness(t, 10)
	h.fund(t, "alice", "100.00")

	sink := memory.NewSink()
	gw := ib.NewGateway(h.ledger, h.orch,
		ib.WithGuard(ib.NewGuard(downClaims{}, ib.WithGuardAuditor(ib.NewAuditor(nil, sink)))),
		ib.WithGatewayAuditor(ib.NewAuditor(nil, sink)),
	)

	res, err := gw.Confirm(context.Background(), confirmReq("alice", "hello", "10"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Len(t, sink.ByCode(ib.CodeIdempotencyStoreDown), 1)
	assert.Len(t, sink.ByCode(ib.CodeOutcomeNotSaved), 1)
}
