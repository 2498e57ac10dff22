package inferbill

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

// HeaderCorrelationID is the header carrying the correlation id in and out.
const HeaderCorrelationID = "X-Correlation-Id"

const maxInboundCorrelationID = 64

type correlationKey struct{}

// NewCorrelationID returns a fresh opaque correlation id.
func NewCorrelationID() string {
	return strings.ToLower(ulid.Make().String())
}

// WithCorrelationID returns a context carrying id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// EnsureCorrelationID returns ctx unchanged when it already carries an id,
// otherwise a child context with a new one.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}

// AcceptCorrelationID validates an inbound id. Ids that are empty, too long or
// contain non-printable characters are replaced with a new one.
func AcceptCorrelationID(inbound string) string {
	inbound = strings.TrimSpace(inbound)
	if inbound == "" || len(inbound) > maxInboundCorrelationID {
		return NewCorrelationID()
	}
	for _, r := range inbound {
		if r < 0x21 || r > 0x7e {
			return NewCorrelationID()
		}
	}
	return inbound
}
