package openaicompat

import (
	"encoding/json"
	"testing"
)

func TestParseResponse_TextResponse(t *testing.T) {
	resp := ChatResponse{
		ID: "chatcmpl-123",
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChoiceMessage{
					Role:    "assistant",
					Content: "Hello! How can I help you?",
				},
				FinishReason: "stop",
			},
		},
		Usage: &Usage{
			PromptTokens:     10,
			CompletionTokens: 8,
			TotalTokens:      18,
		},
	}

	result, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}

	if result.Text() != "Hello! How can I help you?" {
		t.Errorf("unexpected content: %q", result.Text())
	}
	if len(result.ToolCalls()) != 0 {
		t.Errorf("expected no tool calls, got %d", len(result.ToolCalls()))
	}
	if result.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", result.Usage.InputTokens)
	}
	if result.Usage.OutputTokens != 8 {
		t.Errorf("expected 8 output tokens, got %d", result.Usage.OutputTokens)
	}
}

func TestParseResponse_ToolCallResponse(t *testing.T) {
	resp := ChatResponse{
		ID: "chatcmpl-456",
		Choices: []Choice{
			{
				Index: 0,
				Message: &ChoiceMessage{
					Role: "assistant",
					ToolCalls: []ToolCallRequest{
						{
							ID:   "call_abc",
							Type: "function",
							Function: FunctionCall{
								Name:      "get_weather",
								Arguments: `{"city":"London"}`,
							},
						},
					},
				},
				FinishReason: "tool_calls",
			},
		},
	}

	result, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}

	calls := result.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].ID != "call_abc" {
		t.Errorf("expected ID 'call_abc', got %q", calls[0].ID)
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("expected name 'get_weather', got %q", calls[0].Name)
	}

	var args map[string]any
	if err := json.Unmarshal(calls[0].Input, &args); err != nil {
		t.Fatalf("failed to parse args: %v", err)
	}
	if args["city"] != "London" {
		t.Errorf("expected city 'London', got %v", args["city"])
	}
}

func TestParseResponse_MixedContentAndToolCalls(t *testing.T) {
	resp := ChatResponse{
		Choices: []Choice{
			{
				Message: &ChoiceMessage{
					Role:    "assistant",
					Content: "Checking the weather now.",
					ToolCalls: []ToolCallRequest{
						{ID: "c1", Function: FunctionCall{Name: "get_weather", Arguments: `{}`}},
					},
				},
			},
		},
	}

	result, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}

	if result.Text() != "Checking the weather now." {
		t.Errorf("unexpected text: %q", result.Text())
	}
	if len(result.ToolCalls()) != 1 {
		t.Errorf("expected 1 tool call, got %d", len(result.ToolCalls()))
	}
	// Text precedes the tool call in the parts order.
	if len(result.Parts) != 2 || result.Parts[0].Kind != "text" {
		t.Errorf("expected [text, tool-call] parts, got %+v", result.Parts)
	}
}

func TestParseResponse_EmptyChoices(t *testing.T) {
	result, err := ParseResponse(ChatResponse{ID: "x"})
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}
	if len(result.Parts) != 0 {
		t.Errorf("expected no parts, got %d", len(result.Parts))
	}
}

func TestParseResponse_CachedTokens(t *testing.T) {
	resp := ChatResponse{
		Choices: []Choice{
			{Message: &ChoiceMessage{Role: "assistant", Content: "ok"}},
		},
		Usage: &Usage{
			PromptTokens:        100,
			CompletionTokens:    5,
			PromptTokensDetails: &PromptTokensDetails{CachedTokens: 80},
		},
	}

	result, err := ParseResponse(resp)
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}
	if result.Usage.CachedTokens != 80 {
		t.Errorf("expected 80 cached tokens, got %d", result.Usage.CachedTokens)
	}
}

func TestParseToolCalls_InvalidArguments(t *testing.T) {
	calls := ParseToolCalls([]ToolCallRequest{
		{ID: "c1", Function: FunctionCall{Name: "search", Arguments: `{"broken`}},
	})

	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if string(calls[0].Input) != `{}` {
		t.Errorf("invalid arguments should degrade to {}, got %s", calls[0].Input)
	}
}

func TestParseToolCalls_Empty(t *testing.T) {
	if calls := ParseToolCalls(nil); calls != nil {
		t.Errorf("expected nil, got %v", calls)
	}
}
