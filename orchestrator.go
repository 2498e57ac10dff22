package inferbill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/ineyio/inferbill"

// GenerateRequest asks the orchestrator for one completion.
type GenerateRequest struct {
	Model     string
	Messages  []Message
	Transport Transport
}

// Generation is a successful upstream completion.
type Generation struct {
	Text      string
	TokensIn  int64
	TokensOut int64
	Provider  string
	Model     string
	Attempts  int
}

// Orchestrator resolves models to upstreams and calls them through breakers.
type Orchestrator struct {
	catalog        Catalog
	providers      map[string]Provider
	auth           map[string]Auth
	pacers         map[string]*rate.Limiter
	breakers       *Breakers
	meter          Meter
	auditor        *Auditor
	log            *zap.Logger
	tracer         trace.Tracer
	attemptTimeout time.Duration
	maxAttempts    int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithBreakers sets the breaker registry. By default a registry with
// DefaultBreakerConfig is created.
func WithBreakers(b *Breakers) OrchestratorOption {
	return func(o *Orchestrator) { o.breakers = b }
}

// WithMeter sets the meter.
func WithMeter(m Meter) OrchestratorOption {
	return func(o *Orchestrator) { o.meter = m }
}

// WithOrchestratorAuditor sets the auditor.
func WithOrchestratorAuditor(a *Auditor) OrchestratorOption {
	return func(o *Orchestrator) { o.auditor = a }
}

// WithOrchestratorLogger sets the logger.
func WithOrchestratorLogger(log *zap.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = log }
}

// WithTracer sets the tracer used for upstream attempt spans.
func WithTracer(t trace.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithAttemptTimeout bounds each upstream attempt. Default 15s.
func WithAttemptTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.attemptTimeout = d
		}
	}
}

// WithMaxAttempts sets the total attempts per request, first call included. Default 2.
func WithMaxAttempts(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithAuth sets the credentials sent to provider.
func WithAuth(provider string, auth Auth) OrchestratorOption {
	return func(o *Orchestrator) { o.auth[provider] = auth }
}

// WithPacing limits outbound calls to provider to rps with the given burst.
func WithPacing(provider string, rps float64, burst int) OrchestratorOption {
	return func(o *Orchestrator) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		o.pacers[provider] = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewOrchestrator creates an Orchestrator over catalog and providers.
func NewOrchestrator(catalog Catalog, providers []Provider, opts ...OrchestratorOption) (*Orchestrator, error) {
	if catalog == nil {
		return nil, fmt.Errorf("inferbill: catalog is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("inferbill: at least one provider is required")
	}

	provMap := make(map[string]Provider, len(providers))
	for _, p := range providers {
		provMap[p.Name()] = p
	}

	o := &Orchestrator{
		catalog:        catalog,
		providers:      provMap,
		auth:           make(map[string]Auth),
		pacers:         make(map[string]*rate.Limiter),
		attemptTimeout: 15 * time.Second,
		maxAttempts:    2,
	}

	for _, opt := range opts {
		opt(o)
	}

	// Apply defaults after options.
	if o.meter == nil {
		o.meter = noopMeter{}
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	o.log = o.log.Named("orchestrator")
	if o.breakers == nil {
		o.breakers = NewBreakers(DefaultBreakerConfig(), WithStateChange(ObserveBreakers(o.auditor, o.meter)))
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	return o, nil
}

// Breakers returns the breaker registry.
func (o *Orchestrator) Breakers() *Breakers { return o.breakers }

// Resolve validates that model exists, is permitted over transport and has a
// registered upstream that serves it.
func (o *Orchestrator) Resolve(model string, transport Transport) (ModelInfo, Provider, error) {
	if transport == "" {
		transport = TransportSync
	}
	info, ok := o.catalog.Lookup(model)
	if !ok {
		return ModelInfo{}, nil, NewError(KindNotFound, fmt.Sprintf("model %q is not available", model), ErrModelNotFound)
	}
	if !info.Allows(transport) {
		return ModelInfo{}, nil, NewError(KindBadInput,
			fmt.Sprintf("model %q cannot be used over %s transport", model, transport), ErrModelTransport)
	}
	prov, ok := o.providers[info.Provider]
	if !ok {
		return ModelInfo{}, nil, NewError(KindInternal, "model has no configured upstream",
			fmt.Errorf("%w: %s", ErrUnknownProvider, info.Provider))
	}
	if !prov.SupportsModel(info.UpstreamModel) {
		return ModelInfo{}, nil, NewError(KindNotFound, fmt.Sprintf("model %q is not available", model),
			fmt.Errorf("%w: %s does not serve %s", ErrModelNotFound, info.Provider, info.UpstreamModel))
	}
	return info, prov, nil
}

// Generate performs one completion. Only transport-level failures are retried.
// Every returned error carries a Kind.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	info, prov, err := o.Resolve(req.Model, req.Transport)
	if err != nil {
		return Generation{}, err
	}

	provReq := ProviderRequest{
		Auth:          o.auth[prov.Name()],
		Model:         info.UpstreamModel,
		Messages:      req.Messages,
		CorrelationID: CorrelationID(ctx),
	}
	estimatedIn := EstimateTokens(req.Messages)

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if lim, ok := o.pacers[prov.Name()]; ok {
			if err := lim.Wait(ctx); err != nil {
				return Generation{}, NewError(KindServiceUnavailable, "upstream temporarily unavailable, retry later", err)
			}
		}

		o.meter.OnRoute(RouteEvent{
			Provider:    prov.Name(),
			Model:       info.ID,
			AttemptNum:  attempt,
			EstimatedIn: estimatedIn,
		})

		start := time.Now()
		resp, err := o.attempt(ctx, prov, provReq, attempt)
		duration := time.Since(start)

		o.meter.OnResult(ResultEvent{
			Provider: prov.Name(),
			Model:    info.ID,
			Success:  err == nil,
			Duration: duration,
			Usage:    resp.Usage,
			Error:    err,
		})

		if err == nil {
			return Generation{
				Text:      resp.Content,
				TokensIn:  nonNegative(resp.Usage.PromptTokens),
				TokensOut: nonNegative(resp.Usage.CompletionTokens),
				Provider:  prov.Name(),
				Model:     info.ID,
				Attempts:  attempt,
			}, nil
		}
		lastErr = err

		if errors.Is(err, ErrBreakerOpen) {
			o.auditor.Record(ctx, Event{
				Level:    LevelWarn,
				Code:     CodeBreakerRejected,
				Message:  "upstream breaker open, call not attempted",
				Metadata: map[string]any{"provider": prov.Name(), "model": info.ID},
			})
			return Generation{}, NewError(KindServiceUnavailable, "upstream temporarily unavailable, retry later", err)
		}

		if IsTransport(err) && attempt < o.maxAttempts && ctx.Err() == nil {
			o.log.Warn("upstream transport failure, retrying",
				zap.String("correlation_id", provReq.CorrelationID),
				zap.String("provider", prov.Name()),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			o.auditor.Record(ctx, Event{
				Level:    LevelWarn,
				Code:     CodeUpstreamRetry,
				Message:  "upstream transport failure, retrying",
				Metadata: map[string]any{"provider": prov.Name(), "attempt": attempt, "error": err.Error()},
			})
			continue
		}
		break
	}

	kind := KindOf(lastErr)
	o.auditor.Record(ctx, Event{
		Level:   LevelError,
		Code:    CodeUpstreamFailed,
		Message: "upstream call failed",
		Metadata: map[string]any{
			"provider": prov.Name(),
			"model":    info.ID,
			"kind":     string(kind),
			"error":    lastErr.Error(),
		},
	})
	return Generation{}, NewError(kind, MessageOf(lastErr), lastErr)
}

func (o *Orchestrator) attempt(ctx context.Context, prov Provider, req ProviderRequest, attempt int) (ProviderResponse, error) {
	ctx, span := o.tracer.Start(ctx, "upstream.chat_completion",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("inferbill.provider", prov.Name()),
			attribute.String("inferbill.model", req.Model),
			attribute.Int("inferbill.attempt", attempt),
			attribute.String("inferbill.correlation_id", req.CorrelationID),
		),
	)
	defer span.End()

	var resp ProviderResponse
	err := o.breakers.Execute(ctx, prov.Name(), func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
		defer cancel()

		r, err := prov.ChatCompletion(actx, req)
		if err != nil {
			var ue *UpstreamError
			if !errors.As(err, &ue) && errors.Is(actx.Err(), context.DeadlineExceeded) {
				err = &UpstreamError{Provider: prov.Name(), Transport: true, Err: err}
			}
			return err
		}
		resp = r
		return nil
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
		return ProviderResponse{}, err
	}
	span.SetAttributes(
		attribute.Int64("inferbill.tokens_in", resp.Usage.PromptTokens),
		attribute.Int64("inferbill.tokens_out", resp.Usage.CompletionTokens),
	)
	return resp, nil
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
