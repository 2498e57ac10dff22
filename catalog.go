package inferbill

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ModelInfo describes a billable model and the upstream serving it.
type ModelInfo struct {
	ID            string
	Provider      string
	UpstreamModel string
	Transports    []Transport
	// Prices are per token.
	InputPrice  decimal.Decimal
	OutputPrice decimal.Decimal
}

// Allows reports whether the model may be used over t. A model with no
// transports listed is sync-only.
func (m ModelInfo) Allows(t Transport) bool {
	if len(m.Transports) == 0 {
		return t == TransportSync
	}
	for _, mt := range m.Transports {
		if mt == t {
			return true
		}
	}
	return false
}

// Catalog resolves model identifiers.
type Catalog interface {
	Lookup(modelID string) (ModelInfo, bool)
}

// StaticCatalog is an immutable in-memory Catalog.
type StaticCatalog struct {
	models map[string]ModelInfo
}

var _ Catalog = (*StaticCatalog)(nil)

// NewStaticCatalog builds a catalog from models. Duplicate ids are rejected.
func NewStaticCatalog(models ...ModelInfo) (*StaticCatalog, error) {
	c := &StaticCatalog{models: make(map[string]ModelInfo, len(models))}
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("inferbill: catalog: model id is required")
		}
		if _, dup := c.models[m.ID]; dup {
			return nil, fmt.Errorf("inferbill: catalog: duplicate model %q", m.ID)
		}
		if m.UpstreamModel == "" {
			m.UpstreamModel = m.ID
		}
		c.models[m.ID] = m
	}
	return c, nil
}

// Lookup implements Catalog.
func (c *StaticCatalog) Lookup(modelID string) (ModelInfo, bool) {
	m, ok := c.models[modelID]
	return m, ok
}

// Models returns every model sorted by id.
func (c *StaticCatalog) Models() []ModelInfo {
	out := make([]ModelInfo, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
