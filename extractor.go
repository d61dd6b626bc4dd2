package stride

// ToolCallExtractor recovers tool calls embedded in streamed assistant text
// via a structured-tag protocol. Extracted calls are treated identically to
// native tool-call parts; the engine assigns ids to calls that arrive without
// one. The parser itself lives outside the engine — this is the seam it plugs
// into.
type ToolCallExtractor interface {
	// Extract returns the tool calls found in text, in the order they appear.
	Extract(text string) []ToolCall
}

// noExtractor is the default when no extractor is injected: native tool-call
// parts are the only source of calls.
type noExtractor struct{}

func (noExtractor) Extract(string) []ToolCall { return nil }

var _ ToolCallExtractor = noExtractor{}
