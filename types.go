package inferbill

import "github.com/shopspring/decimal"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage represents token usage reported by an upstream.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Transport names the channel a request arrived on.
type Transport string

const (
	TransportSync   Transport = "sync"
	TransportStream Transport = "stream"
)

// ConfirmRequest is a paid generation request from an authenticated identity.
type ConfirmRequest struct {
	Identity      string
	Message       string
	Model         string
	EstimatedCost decimal.Decimal
	Transport     Transport
}

// ConfirmResult is the outcome communicated back for a successful or replayed request.
type ConfirmResult struct {
	OK            bool            `json:"ok"`
	NewBalance    decimal.Decimal `json:"newBalance"`
	GeneratedText string          `json:"generatedText"`
	TokensIn      int64           `json:"tokensIn"`
	TokensOut     int64           `json:"tokensOut"`
	CorrelationID string          `json:"correlationId"`
	Replayed      bool            `json:"replayed,omitempty"`
	Status        string          `json:"status,omitempty"`
}

// StatusAlreadyProcessed marks a replay whose original outcome is unknown.
const StatusAlreadyProcessed = "already_processed"
