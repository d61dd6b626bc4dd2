package openaicompat

// Option mutates an outgoing ChatRequest before it is serialized. Options
// attached to a Provider via WithOptions apply to every call it makes.
type Option func(*ChatRequest)

// WithTemperature sets sampling temperature. Most compatible backends accept
// the range 0 to 2.
func WithTemperature(t float64) Option {
	return func(r *ChatRequest) { r.Temperature = &t }
}

// WithTopP sets the nucleus-sampling cutoff, 0 to 1.
func WithTopP(p float64) Option {
	return func(r *ChatRequest) { r.TopP = &p }
}

// WithMaxTokens caps completion length in output tokens.
func WithMaxTokens(n int) Option {
	return func(r *ChatRequest) { r.MaxTokens = n }
}

// WithFrequencyPenalty sets the frequency penalty, -2 to 2.
func WithFrequencyPenalty(p float64) Option {
	return func(r *ChatRequest) { r.FrequencyPenalty = &p }
}

// WithPresencePenalty sets the presence penalty, -2 to 2.
func WithPresencePenalty(p float64) Option {
	return func(r *ChatRequest) { r.PresencePenalty = &p }
}

// WithStop adds stop sequences that end generation when emitted.
func WithStop(s ...string) Option {
	return func(r *ChatRequest) { r.Stop = s }
}

// WithSeed requests deterministic sampling where the backend supports it.
func WithSeed(s int) Option {
	return func(r *ChatRequest) { r.Seed = &s }
}

// WithToolChoice forces or forbids tool use. Pass "none", "auto", "required",
// or a named-tool object in the wire format, e.g.
// map[string]any{"type": "function", "function": map[string]any{"name": "glob"}}.
func WithToolChoice(choice any) Option {
	return func(r *ChatRequest) { r.ToolChoice = choice }
}
