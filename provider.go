package inferbill

import "context"

// Provider is the interface that upstream adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini", "openai").
	Name() string

	// SupportsModel returns true if this provider can handle the given upstream model.
	SupportsModel(model string) bool

	// ChatCompletion performs a synchronous chat completion. Failures are
	// returned as *UpstreamError.
	ChatCompletion(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// Auth holds authentication credentials for a provider.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	Auth          Auth
	Model         string
	Messages      []Message
	CorrelationID string

	Temperature *float64
	MaxTokens   *int
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
}
