// Package plan maps billing prices to token allocations and computes the
// token cost of metered operations.
package plan

// DefaultTokens is the allocation for prices not in the catalog.
const DefaultTokens int64 = 100000

// Tier describes one purchasable plan (value type).
type Tier struct {
	ID            string // stable name, e.g. "starter"
	PriceID       string // billing provider price identifier
	Name          string
	Tokens        int64
	PriceUSD      int
	WorkflowLimit string
}

// Unknown is returned for prices missing from the catalog.
var Unknown = Tier{
	ID:            "unknown",
	Name:          "Unknown",
	Tokens:        DefaultTokens,
	WorkflowLimit: "5 workflows",
}

// DefaultTiers returns the standard plan ladder. Price ids are deployment
// specific and filled in from configuration.
func DefaultTiers() []Tier {
	return []Tier{
		{ID: "starter", Name: "Starter", Tokens: 100000, PriceUSD: 149, WorkflowLimit: "5 workflows"},
		{ID: "professional", Name: "Professional", Tokens: 500000, PriceUSD: 399, WorkflowLimit: "Unlimited workflows"},
		{ID: "enterprise", Name: "Enterprise", Tokens: 2000000, PriceUSD: 999, WorkflowLimit: "Unlimited workflows"},
	}
}

// Catalog resolves price ids to tiers (value type, safe to share once built).
type Catalog struct {
	byPrice map[string]Tier
	tiers   []Tier
}

// NewCatalog indexes tiers by price id. Tiers without a price id are kept for
// listing but cannot be resolved.
func NewCatalog(tiers []Tier) Catalog {
	c := Catalog{byPrice: make(map[string]Tier, len(tiers)), tiers: append([]Tier(nil), tiers...)}
	for _, t := range tiers {
		if t.PriceID != "" {
			c.byPrice[t.PriceID] = t
		}
	}
	return c
}

// Lookup returns the tier for a price id, or Unknown.
func (c Catalog) Lookup(priceID string) Tier {
	if t, ok := c.byPrice[priceID]; ok {
		return t
	}
	return Unknown
}

// TokensFor returns the token allocation for a price id.
func (c Catalog) TokensFor(priceID string) int64 {
	return c.Lookup(priceID).Tokens
}

// Tiers returns a copy of the configured tiers.
func (c Catalog) Tiers() []Tier {
	return append([]Tier(nil), c.tiers...)
}

// Token costs for metered operations.
const (
	CreateCost     int64 = 100
	baseRunCost    int64 = 50
	perAINodeCost  int64 = 100
	perIntegration int64 = 50
)

const highComplexity = "high"

// Workflow describes a workflow run for costing.
type Workflow struct {
	AINodes      int64  `json:"aiNodes"`
	Integrations int64  `json:"integrations"`
	Complexity   string `json:"complexity"`
}

// RunCost returns the token cost of executing w.
// Negative counts are treated as zero. This is a PURE function.
func RunCost(w Workflow) int64 {
	cost := baseRunCost
	if w.AINodes > 0 {
		cost += w.AINodes * perAINodeCost
	}
	if w.Integrations > 0 {
		cost += w.Integrations * perIntegration
	}
	if w.Complexity == highComplexity {
		cost *= 2
	}
	return cost
}
