package inferbill

import "github.com/shopspring/decimal"

// EstimateTokens provides a rough token count estimate for messages.
// Uses the approximation: ~4 chars per token + overhead per message.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		// ~4 chars per token
		total += int64(len(m.Content)) / 4
		// overhead per message (role, formatting)
		total += 4
	}
	// base overhead for the request
	total += 3
	return total
}

// CostEstimator prices a request before it is sent. A zero result means no
// estimate is available.
type CostEstimator interface {
	Estimate(model string, messages []Message) decimal.Decimal
}

// CatalogEstimator prices requests from catalog per-token prices.
type CatalogEstimator struct {
	Catalog Catalog
	// OutputTokens is the completion length assumed for pricing.
	OutputTokens int64
}

var _ CostEstimator = (*CatalogEstimator)(nil)

// Estimate implements CostEstimator.
func (e *CatalogEstimator) Estimate(model string, messages []Message) decimal.Decimal {
	info, ok := e.Catalog.Lookup(model)
	if !ok {
		return decimal.Zero
	}
	in := decimal.NewFromInt(EstimateTokens(messages)).Mul(info.InputPrice)
	out := decimal.NewFromInt(e.OutputTokens).Mul(info.OutputPrice)
	return in.Add(out)
}
