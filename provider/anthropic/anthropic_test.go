package anthropic

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	stride "github.com/nevindra/stride"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
	events     []ssestream.Event
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	dec := &testDecoder{events: s.events}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
}

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

func event(t *testing.T, raw string) ssestream.Event {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("invalid event fixture: %v", err)
	}
	return ssestream.Event{Type: env.Type, Data: []byte(raw)}
}

func textReq(t *testing.T, model, text string) stride.Request {
	t.Helper()
	msg, err := stride.UserMessage(text)
	if err != nil {
		t.Fatalf("build user message: %v", err)
	}
	return stride.Request{Model: model, Messages: []stride.Message{msg}}
}

func TestGenerate_Text(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{{Type: "text", Text: "world"}},
			Usage: sdk.Usage{
				InputTokens:          10,
				OutputTokens:         5,
				CacheReadInputTokens: 4,
			},
		},
	}
	p := NewProvider("", WithMessagesClient(stub))

	sys, err := stride.SystemMessage("You are terse.")
	if err != nil {
		t.Fatalf("system message: %v", err)
	}
	req := textReq(t, "claude-sonnet-4-5", "hello")
	req.Messages = append([]stride.Message{sys}, req.Messages...)

	resp, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if stub.lastParams.Model != "claude-sonnet-4-5" {
		t.Errorf("unexpected model %q", stub.lastParams.Model)
	}
	if stub.lastParams.MaxTokens != defaultMaxTokens {
		t.Errorf("expected default max tokens, got %d", stub.lastParams.MaxTokens)
	}
	if len(stub.lastParams.System) != 1 || stub.lastParams.System[0].Text != "You are terse." {
		t.Errorf("system blocks not extracted: %+v", stub.lastParams.System)
	}
	if len(stub.lastParams.Messages) != 1 {
		t.Fatalf("expected 1 conversation message, got %d", len(stub.lastParams.Messages))
	}

	if resp.Text() != "world" {
		t.Errorf("unexpected text %q", resp.Text())
	}
	// Cache reads are folded into the input total and reported separately.
	if resp.Usage.InputTokens != 14 || resp.Usage.OutputTokens != 5 || resp.Usage.CachedTokens != 4 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestGenerate_ToolUse(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			Content: []sdk.ContentBlockUnion{{
				Type:  "tool_use",
				ID:    "tool-1",
				Name:  "lookup",
				Input: json.RawMessage(`{"x":1}`),
			}},
		},
	}
	p := NewProvider("", WithMessagesClient(stub))

	req := textReq(t, "claude-sonnet-4-5", "call the tool")
	req.Tools = []stride.Definition{{
		Name:        "lookup",
		Description: "Look something up",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"x":{"type":"integer"}}}`),
	}}

	resp, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("expected 1 encoded tool, got %d", len(stub.lastParams.Tools))
	}
	encoded := stub.lastParams.Tools[0]
	if encoded.OfTool == nil || encoded.OfTool.Name != "lookup" {
		t.Errorf("tool definition not encoded: %+v", encoded)
	}

	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if calls[0].ID != "tool-1" || calls[0].Name != "lookup" {
		t.Errorf("unexpected call identity: %+v", calls[0])
	}
	if string(calls[0].Input) != `{"x":1}` {
		t.Errorf("unexpected input %s", calls[0].Input)
	}
}

func TestBuildParams_CacheControl(t *testing.T) {
	p := NewProvider("", WithMessagesClient(&stubMessagesClient{}))

	sys, err := stride.SystemMessage("long system scaffolding")
	if err != nil {
		t.Fatalf("system message: %v", err)
	}
	sys = sys.WithCacheControl()
	user, err := stride.UserMessage("hello")
	if err != nil {
		t.Fatalf("user message: %v", err)
	}

	params, err := p.buildParams(stride.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []stride.Message{sys, user.WithCacheControl()},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}

	sysJSON, err := json.Marshal(params.System[0])
	if err != nil {
		t.Fatalf("marshal system block: %v", err)
	}
	if !strings.Contains(string(sysJSON), "cache_control") {
		t.Errorf("system block missing cache_control: %s", sysJSON)
	}

	userJSON, err := json.Marshal(params.Messages[0])
	if err != nil {
		t.Fatalf("marshal user message: %v", err)
	}
	if !strings.Contains(string(userJSON), "cache_control") {
		t.Errorf("user message missing cache_control: %s", userJSON)
	}
}

func TestBuildParams_ToolResultsMerged(t *testing.T) {
	p := NewProvider("", WithMessagesClient(&stubMessagesClient{}))

	assistant, err := stride.NewMessage(stride.RoleAssistant,
		stride.ToolCallPart(stride.ToolCall{ID: "c1", Name: "a", Input: json.RawMessage(`{}`)}),
		stride.ToolCallPart(stride.ToolCall{ID: "c2", Name: "b", Input: json.RawMessage(`{}`)}),
	)
	if err != nil {
		t.Fatalf("assistant message: %v", err)
	}
	r1, err := stride.ToolMessage("c1", "a", stride.TextPart("one"))
	if err != nil {
		t.Fatalf("tool message: %v", err)
	}
	r2, err := stride.ToolMessage("c2", "b", stride.JSONPart(json.RawMessage(`{"n":2}`)))
	if err != nil {
		t.Fatalf("tool message: %v", err)
	}

	params, err := p.buildParams(stride.Request{
		Model:    "claude-sonnet-4-5",
		Messages: []stride.Message{assistant, r1, r2},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}

	// Parallel tool results must land in one user message so roles alternate.
	if len(params.Messages) != 2 {
		t.Fatalf("expected assistant + merged user message, got %d messages", len(params.Messages))
	}
	if len(params.Messages[1].Content) != 2 {
		t.Errorf("expected 2 tool_result blocks, got %d", len(params.Messages[1].Content))
	}
	for i, block := range params.Messages[1].Content {
		if block.OfToolResult == nil {
			t.Errorf("block %d is not a tool_result", i)
		}
	}
}

func TestGenerateStream(t *testing.T) {
	stub := &stubMessagesClient{
		events: []ssestream.Event{
			event(t, `{"type":"message_start","message":{"usage":{"input_tokens":10,"output_tokens":1,"cache_read_input_tokens":4}}}`),
			event(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
			event(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`),
			event(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`),
			event(t, `{"type":"content_block_stop","index":0}`),
			event(t, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"lookup"}}`),
			event(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`),
			event(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"x\"}"}}`),
			event(t, `{"type":"content_block_stop","index":1}`),
			event(t, `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":6}}`),
			event(t, `{"type":"message_stop"}`),
		},
	}
	p := NewProvider("", WithMessagesClient(stub))

	ch := make(chan stride.Part, 16)
	done := make(chan []stride.Part)
	go func() {
		var parts []stride.Part
		for part := range ch {
			parts = append(parts, part)
		}
		done <- parts
	}()

	resp, err := p.GenerateStream(context.Background(), textReq(t, "claude-sonnet-4-5", "hi"), ch)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	parts := <-done

	// Two text deltas plus one whole tool call.
	if len(parts) != 3 {
		t.Fatalf("expected 3 emitted parts, got %d: %+v", len(parts), parts)
	}
	if parts[0].Text != "Hel" || parts[1].Text != "lo" {
		t.Errorf("unexpected text deltas: %+v", parts[:2])
	}
	if parts[2].Kind != stride.PartToolCall || parts[2].ToolCall == nil {
		t.Fatalf("expected tool-call part, got %+v", parts[2])
	}
	if string(parts[2].ToolCall.Input) != `{"q":"x"}` {
		t.Errorf("unexpected assembled input %s", parts[2].ToolCall.Input)
	}

	if resp.Text() != "Hello" {
		t.Errorf("expected consolidated text 'Hello', got %q", resp.Text())
	}
	if len(resp.ToolCalls()) != 1 {
		t.Errorf("expected 1 consolidated tool call, got %d", len(resp.ToolCalls()))
	}
	if resp.Usage.InputTokens != 14 || resp.Usage.OutputTokens != 6 || resp.Usage.CachedTokens != 4 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestGenerateStream_EmptyInput(t *testing.T) {
	stub := &stubMessagesClient{
		events: []ssestream.Event{
			event(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"ping"}}`),
			event(t, `{"type":"content_block_stop","index":0}`),
			event(t, `{"type":"message_stop"}`),
		},
	}
	p := NewProvider("", WithMessagesClient(stub))

	ch := make(chan stride.Part, 4)
	go func() {
		for range ch {
		}
	}()

	resp, err := p.GenerateStream(context.Background(), textReq(t, "claude-sonnet-4-5", "hi"), ch)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(calls))
	}
	if string(calls[0].Input) != `{}` {
		t.Errorf("empty input should degrade to {}, got %s", calls[0].Input)
	}
}
