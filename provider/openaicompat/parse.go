package openaicompat

import (
	"encoding/json"

	stride "github.com/nevindra/stride"
)

// ParseResponse converts an OpenAI-format ChatResponse to a stride
// ModelResponse. It extracts content parts, tool calls, and usage from
// choices[0].
func ParseResponse(resp ChatResponse) (stride.ModelResponse, error) {
	var out stride.ModelResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		if choice.Message.Content != "" {
			out.Parts = append(out.Parts, stride.TextPart(choice.Message.Content))
		}
		for _, tc := range ParseToolCalls(choice.Message.ToolCalls) {
			out.Parts = append(out.Parts, stride.ToolCallPart(tc))
		}
	}

	if resp.Usage != nil {
		out.Usage = parseUsage(resp.Usage)
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to stride ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid fragments
// degrade to an empty object so the engine's input validation reports them.
func ParseToolCalls(tcs []ToolCallRequest) []stride.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]stride.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, stride.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: args,
		})
	}
	return out
}

func parseUsage(u *Usage) stride.Usage {
	out := stride.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}
