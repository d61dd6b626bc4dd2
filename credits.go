package stride

// ModelPricing holds per-million-token pricing for one model. Cached input
// tokens bill at their own rate; zero means cache reads are free.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
	CachedPerMillion float64
}

// DefaultPricing covers the models the bundled providers resolve to. Override
// or extend via [credits.pricing] in stride.toml.
var DefaultPricing = map[string]ModelPricing{
	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00, 0.30},
	"claude-haiku-3-5":  {0.80, 4.00, 0.08},
	"claude-opus-4":     {15.00, 75.00, 1.50},

	// OpenAI-compatible
	"gpt-4o":       {2.50, 10.00, 1.25},
	"gpt-4o-mini":  {0.15, 0.60, 0.075},
	"gpt-4.1":      {2.00, 8.00, 0.50},
	"gpt-4.1-mini": {0.40, 1.60, 0.10},
	"gpt-4.1-nano": {0.10, 0.40, 0.025},
	"o3-mini":      {1.10, 4.40, 0.55},
}

// CreditTable converts token usage into credits. One credit is one USD cent;
// unknown models cost zero so accounting never blocks a run.
type CreditTable struct {
	pricing map[string]ModelPricing
}

// NewCreditTable creates a table with default pricing, optionally merged with
// overrides.
func NewCreditTable(overrides map[string]ModelPricing) *CreditTable {
	merged := make(map[string]ModelPricing, len(DefaultPricing)+len(overrides))
	for k, v := range DefaultPricing {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return &CreditTable{pricing: merged}
}

// CreditsFor returns the credit cost of one model response. Cached input
// tokens are a subset of InputTokens and bill at the cached rate.
func (t *CreditTable) CreditsFor(model string, u Usage) float64 {
	p, ok := t.pricing[model]
	if !ok {
		return 0
	}
	fresh := u.InputTokens - u.CachedTokens
	if fresh < 0 {
		fresh = 0
	}
	usd := float64(fresh)/1_000_000*p.InputPerMillion +
		float64(u.CachedTokens)/1_000_000*p.CachedPerMillion +
		float64(u.OutputTokens)/1_000_000*p.OutputPerMillion
	return usd * 100
}
