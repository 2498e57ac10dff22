package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/inferbill"
)

// Provider is a mock upstream for testing.
type Provider struct {
	name         string
	models       []string
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	usage        inferbill.Usage
	responseFunc func(inferbill.ProviderRequest) (inferbill.ProviderResponse, error)

	mu       sync.Mutex
	errQueue []error
	requests []inferbill.ProviderRequest
}

var _ inferbill.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name: "mock",
		usage: inferbill.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithModels restricts the served upstream models. Without it every model is served.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail with a 503 after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithErrors makes the first len(errs) calls return errs in order. A nil
// entry lets that call succeed.
func WithErrors(errs ...error) Option {
	return func(p *Provider) { p.errQueue = append(p.errQueue, errs...) }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u inferbill.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(inferbill.ProviderRequest) (inferbill.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

// Status returns the error an upstream answering with status produces.
func Status(provider string, status int) error {
	return &inferbill.UpstreamError{Provider: provider, StatusCode: status}
}

// Transport returns a connection-level upstream failure.
func Transport(provider string, err error) error {
	return &inferbill.UpstreamError{Provider: provider, Transport: true, Err: err}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *Provider) ChatCompletion(ctx context.Context, req inferbill.ProviderRequest) (inferbill.ProviderResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return inferbill.ProviderResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	p.mu.Lock()
	p.requests = append(p.requests, req)
	var queued error
	hasQueued := len(p.errQueue) > 0
	if hasQueued {
		queued = p.errQueue[0]
		p.errQueue = p.errQueue[1:]
	}
	p.mu.Unlock()

	if hasQueued && queued != nil {
		return inferbill.ProviderResponse{}, queued
	}

	if p.staticErr != nil {
		return inferbill.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return inferbill.ProviderResponse{}, Status(p.name, 503)
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return inferbill.ProviderResponse{
		ID:           "mock-response-id",
		Content:      "Hello from mock provider",
		FinishReason: "stop",
		Usage:        p.usage,
		Model:        req.Model,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Requests returns a copy of every request received.
func (p *Provider) Requests() []inferbill.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]inferbill.ProviderRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
