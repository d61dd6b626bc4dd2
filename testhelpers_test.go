package stride

import (
	"context"
	"sync"
	"testing"
)

// mockProvider replays scripted responses in order. An exhausted script
// yields a plain "done" text response so loops terminate deterministically.
// errs entries, when non-nil, fail the call at that position instead.
type mockProvider struct {
	name string

	mu        sync.Mutex
	responses []ModelResponse
	errs      []error
	requests  []Request
}

func (p *mockProvider) next(req Request) (ModelResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.requests)
	p.requests = append(p.requests, req)
	if idx < len(p.errs) && p.errs[idx] != nil {
		return ModelResponse{}, p.errs[idx]
	}
	if idx < len(p.responses) {
		return p.responses[idx], nil
	}
	return textResponse("done"), nil
}

func (p *mockProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *mockProvider) Generate(_ context.Context, req Request) (ModelResponse, error) {
	return p.next(req)
}

func (p *mockProvider) GenerateStream(ctx context.Context, req Request, ch chan<- Part) (ModelResponse, error) {
	defer close(ch)
	resp, err := p.next(req)
	if err != nil {
		return ModelResponse{}, err
	}
	for _, part := range resp.Parts {
		select {
		case ch <- part:
		case <-ctx.Done():
			return resp, ctx.Err()
		}
	}
	return resp, nil
}

func (p *mockProvider) Name() string {
	if p.name == "" {
		return "mock"
	}
	return p.name
}

// funcProvider routes every call through fn. Used where responses must depend
// on the composed prompt (concurrent subagents) rather than call order.
type funcProvider struct {
	fn func(ctx context.Context, req Request) (ModelResponse, error)
}

func (p *funcProvider) Generate(ctx context.Context, req Request) (ModelResponse, error) {
	return p.fn(ctx, req)
}

func (p *funcProvider) GenerateStream(ctx context.Context, req Request, ch chan<- Part) (ModelResponse, error) {
	defer close(ch)
	resp, err := p.fn(ctx, req)
	if err != nil {
		return ModelResponse{}, err
	}
	for _, part := range resp.Parts {
		select {
		case ch <- part:
		case <-ctx.Done():
			return resp, ctx.Err()
		}
	}
	return resp, nil
}

func (p *funcProvider) Name() string { return "func" }

var (
	_ Provider = (*mockProvider)(nil)
	_ Provider = (*funcProvider)(nil)
)

func textResponse(text string) ModelResponse {
	return ModelResponse{
		Parts: []Part{TextPart(text)},
		Usage: Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func toolResponse(calls ...ToolCall) ModelResponse {
	parts := make([]Part, len(calls))
	for i, tc := range calls {
		parts[i] = ToolCallPart(tc)
	}
	return ModelResponse{Parts: parts, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
}

func newTestEngine(t *testing.T, p Provider, templates []AgentTemplate, opts ...EngineOption) *Engine {
	t.Helper()
	reg, err := NewTemplateRegistry(templates...)
	if err != nil {
		t.Fatalf("template registry: %v", err)
	}
	return NewEngine(p, reg, opts...)
}

// runCollect runs the request and returns the result together with every
// event the run emitted, in order.
func runCollect(t *testing.T, ctx context.Context, eng *Engine, req RunRequest) (*RunResult, []Event) {
	t.Helper()
	ch := make(chan Event, 256)
	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			events = append(events, ev)
		}
	}()
	res, err := eng.RunStream(ctx, req, ch)
	<-done
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	return res, events
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// roleSequence renders a history as a compact role string for assertions.
func roleSequence(msgs []Message) []Role {
	out := make([]Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}
