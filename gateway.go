package inferbill

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ActionConfirm is the rate-limit action for paid generation requests.
const ActionConfirm = "confirm"

// Gateway runs the paid request flow: rate limit, idempotency claim, debit,
// upstream call and refund on failure.
type Gateway struct {
	ledger    *Ledger
	orch      *Orchestrator
	comp      *Compensator
	limiter   *RateLimiter
	guard     *Guard
	estimator CostEstimator
	limits    map[string]int
	auditor   *Auditor
	meter     Meter
	log       *zap.Logger
	now       func() time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithRateLimiter enables per-identity rate limiting.
func WithRateLimiter(l *RateLimiter) GatewayOption {
	return func(g *Gateway) { g.limiter = l }
}

// WithActionLimit sets the per-window limit for action.
func WithActionLimit(action string, limit int) GatewayOption {
	return func(g *Gateway) { g.limits[action] = limit }
}

// WithGuard enables duplicate suppression.
func WithGuard(guard *Guard) GatewayOption {
	return func(g *Gateway) { g.guard = guard }
}

// WithCompensator overrides the refund path.
func WithCompensator(c *Compensator) GatewayOption {
	return func(g *Gateway) { g.comp = c }
}

// WithEstimator prices requests server-side instead of trusting the client estimate.
func WithEstimator(e CostEstimator) GatewayOption {
	return func(g *Gateway) { g.estimator = e }
}

// WithGatewayAuditor sets the auditor.
func WithGatewayAuditor(a *Auditor) GatewayOption {
	return func(g *Gateway) { g.auditor = a }
}

// WithGatewayMeter sets the meter.
func WithGatewayMeter(m Meter) GatewayOption {
	return func(g *Gateway) { g.meter = m }
}

// WithGatewayLogger sets the logger.
func WithGatewayLogger(log *zap.Logger) GatewayOption {
	return func(g *Gateway) { g.log = log }
}

// WithGatewayClock overrides the time source used for idempotency buckets.
func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a Gateway. Rate limiting and idempotency are off unless
// configured through options.
func NewGateway(ledger *Ledger, orch *Orchestrator, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		ledger: ledger,
		orch:   orch,
		limits: make(map[string]int),
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.comp == nil {
		g.comp = NewCompensator(ledger, WithCompensationAuditor(g.auditor), WithCompensationLogger(g.log))
	}
	if g.meter == nil {
		g.meter = noopMeter{}
	}
	g.log = g.log.Named("gateway")
	return g
}

// Ledger returns the wallet ledger.
func (g *Gateway) Ledger() *Ledger { return g.ledger }

// Confirm debits the wallet, calls the upstream and refunds on failure.
// Once the request is claimed, caller cancellation no longer interrupts it so
// every debit ends in either a kept charge or a refund.
func (g *Gateway) Confirm(ctx context.Context, req ConfirmRequest) (result ConfirmResult, err error) {
	ctx, cid := EnsureCorrelationID(ctx)
	start := time.Now()
	replayed := false
	defer func() {
		g.meter.OnConfirm(ConfirmEvent{
			Model:    req.Model,
			Kind:     KindOf(err),
			Replayed: replayed,
			Duration: time.Since(start),
		})
	}()

	cost, err := g.validate(ctx, &req)
	if err != nil {
		g.reject(ctx, req, err)
		return ConfirmResult{}, err
	}

	if g.limiter != nil {
		d := g.limiter.Allow(ctx, req.Identity, ActionConfirm, g.limits[ActionConfirm])
		if !d.Allowed {
			return ConfirmResult{}, &Error{
				Kind:       KindRateLimited,
				Message:    "too many requests",
				RetryAfter: time.Duration(d.RetryAfterSeconds) * time.Second,
			}
		}
	}

	var key string
	if g.guard != nil {
		key = g.guard.Key(req.Identity, fingerprint(req), g.now())
		if !g.guard.CheckAndClaim(ctx, key, req.Identity) {
			replayed = true
			return g.replay(ctx, req, key, cid)
		}
	}

	ctx = context.WithoutCancel(ctx)

	result, err = g.execute(ctx, req, cost, cid)
	if g.guard != nil {
		g.remember(ctx, req, key, result, err)
	}

	if err != nil {
		g.auditor.Record(ctx, Event{
			Identity: req.Identity,
			Level:    LevelWarn,
			Code:     CodeConfirmFailed,
			Message:  "confirm failed",
			Metadata: map[string]any{"model": req.Model, "kind": string(KindOf(err))},
		})
		return ConfirmResult{}, err
	}

	g.auditor.Record(ctx, Event{
		Identity: req.Identity,
		Level:    LevelInfo,
		Code:     CodeConfirmOK,
		Message:  "confirm completed",
		Metadata: map[string]any{
			"model":      req.Model,
			"tokens_in":  result.TokensIn,
			"tokens_out": result.TokensOut,
			"balance":    result.NewBalance.String(),
		},
	})
	return result, nil
}

func (g *Gateway) execute(ctx context.Context, req ConfirmRequest, cost decimal.Decimal, cid string) (ConfirmResult, error) {
	debit, err := g.ledger.Debit(ctx, req.Identity, cost)
	if err != nil {
		return ConfirmResult{}, err
	}

	gen, err := g.orch.Generate(ctx, GenerateRequest{
		Model:     req.Model,
		Messages:  []Message{{Role: "user", Content: req.Message}},
		Transport: req.Transport,
	})
	if err != nil {
		if cerr := g.comp.Compensate(ctx, debit, err); cerr != nil {
			g.log.Error("refund failed after upstream failure",
				zap.String("correlation_id", cid),
				zap.NamedError("upstream_error", err),
				zap.Error(cerr),
			)
		}
		return ConfirmResult{}, err
	}

	return ConfirmResult{
		OK:            true,
		NewBalance:    debit.Balance,
		GeneratedText: gen.Text,
		TokensIn:      gen.TokensIn,
		TokensOut:     gen.TokensOut,
		CorrelationID: cid,
	}, nil
}

// validate normalizes req and returns the raw amount to debit.
func (g *Gateway) validate(ctx context.Context, req *ConfirmRequest) (decimal.Decimal, error) {
	if req.Identity == "" {
		return decimal.Zero, NewError(KindUnauthorized, "missing identity", ErrMissingIdentity)
	}
	req.Message = strings.TrimSpace(req.Message)
	req.Model = strings.TrimSpace(req.Model)
	if req.Message == "" {
		return decimal.Zero, NewError(KindBadInput, "message is required", nil)
	}
	if req.Model == "" {
		return decimal.Zero, NewError(KindBadInput, "model is required", nil)
	}
	if req.Transport == "" {
		req.Transport = TransportSync
	}

	if _, _, err := g.orch.Resolve(req.Model, req.Transport); err != nil {
		return decimal.Zero, err
	}

	cost := req.EstimatedCost
	if g.estimator != nil {
		if c := g.estimator.Estimate(req.Model, []Message{{Role: "user", Content: req.Message}}); c.IsPositive() {
			cost = c
		}
	}
	if !cost.IsPositive() {
		return decimal.Zero, NewError(KindBadInput, "estimatedCost must be positive", ErrInvalidAmount)
	}
	if !g.ledger.Settle(cost).IsPositive() {
		return decimal.Zero, NewError(KindBadInput, "estimatedCost is below the smallest chargeable amount", ErrInvalidAmount)
	}
	return cost, nil
}

func (g *Gateway) replay(ctx context.Context, req ConfirmRequest, key, cid string) (ConfirmResult, error) {
	o, ok := g.guard.Recall(ctx, key)

	meta := map[string]any{"model": req.Model, "stored_outcome": ok}
	if ok && o.Kind != "" {
		meta["kind"] = string(o.Kind)
	}
	g.auditor.Record(ctx, Event{
		Identity: req.Identity,
		Level:    LevelInfo,
		Code:     CodeIdempotentReplay,
		Message:  "duplicate request suppressed",
		Metadata: meta,
	})

	if !ok {
		return ConfirmResult{
			OK:            true,
			Replayed:      true,
			Status:        StatusAlreadyProcessed,
			CorrelationID: cid,
		}, nil
	}
	if err := o.Err(); err != nil {
		return ConfirmResult{}, err
	}

	res := *o.Result
	res.Replayed = true
	res.CorrelationID = cid
	return res, nil
}

func (g *Gateway) remember(ctx context.Context, req ConfirmRequest, key string, result ConfirmResult, err error) {
	o := Outcome{Result: &result}
	if err != nil {
		o = OutcomeFromError(err)
	}
	if rerr := g.guard.Remember(ctx, key, o); rerr != nil {
		g.log.Warn("outcome not saved",
			zap.String("correlation_id", CorrelationID(ctx)),
			zap.Error(rerr),
		)
		g.auditor.Record(ctx, Event{
			Identity: req.Identity,
			Level:    LevelWarn,
			Code:     CodeOutcomeNotSaved,
			Message:  "replay will return a generic acknowledgement",
			Metadata: map[string]any{"error": rerr.Error()},
		})
	}
}

func (g *Gateway) reject(ctx context.Context, req ConfirmRequest, err error) {
	g.auditor.Record(ctx, Event{
		Identity: req.Identity,
		Level:    LevelInfo,
		Code:     CodeRequestRejected,
		Message:  MessageOf(err),
		Metadata: map[string]any{"model": req.Model, "kind": string(KindOf(err))},
	})
}

// fingerprint is the payload folded into the idempotency key.
func fingerprint(req ConfirmRequest) []byte {
	b, _ := json.Marshal(struct {
		Message       string `json:"message"`
		Model         string `json:"model"`
		EstimatedCost string `json:"estimatedCost"`
		Transport     string `json:"transport"`
	}{req.Message, req.Model, req.EstimatedCost.String(), string(req.Transport)})
	return b
}
