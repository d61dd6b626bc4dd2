package stride

import "context"

// Request is the transport view of one model call: stripped messages, the
// model id from the template, and tool schemas only. Cache markers travel in
// the messages' provider options.
type Request struct {
	Model    string
	Messages []Message
	Tools    []Definition
}

// Usage counts tokens for one or more model calls.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	CachedTokens int `json:"cachedTokens,omitempty"`
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CachedTokens += o.CachedTokens
}

// ModelResponse is the final accumulated result of one generation: the
// assistant content parts in arrival order plus token usage.
type ModelResponse struct {
	Parts []Part
	Usage Usage
}

// Text returns the concatenated text parts of the response.
func (r ModelResponse) Text() string {
	var out string
	for _, p := range r.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// ToolCalls returns the native tool-call parts of the response, in order.
func (r ModelResponse) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range r.Parts {
		if p.Kind == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// Provider is the abstract model capability the engine generates against.
// Retry policy belongs to the provider side (see WithRetry); the engine never
// retries a generation.
type Provider interface {
	// Generate performs one blocking completion.
	Generate(ctx context.Context, req Request) (ModelResponse, error)

	// GenerateStream performs one completion, emitting parts into ch as they
	// arrive: text and reasoning parts are deltas, tool-call parts arrive
	// whole. ch is closed when streaming completes, including on error. The
	// returned response carries the consolidated parts.
	GenerateStream(ctx context.Context, req Request, ch chan<- Part) (ModelResponse, error)

	// Name identifies the provider in logs and errors.
	Name() string
}
