package stride

import (
	"context"
	"strings"
	"sync"
	"testing"
)

// haltingProvider streams one text chunk and then blocks until cancellation,
// modelling a generation interrupted mid-stream.
type haltingProvider struct{}

func (haltingProvider) Generate(ctx context.Context, _ Request) (ModelResponse, error) {
	<-ctx.Done()
	return ModelResponse{}, ctx.Err()
}

func (haltingProvider) GenerateStream(ctx context.Context, _ Request, ch chan<- Part) (ModelResponse, error) {
	defer close(ch)
	select {
	case ch <- TextPart("Working"):
	case <-ctx.Done():
		return ModelResponse{}, ctx.Err()
	}
	<-ctx.Done()
	return ModelResponse{Parts: []Part{TextPart("Working")}}, ctx.Err()
}

func (haltingProvider) Name() string { return "halting" }

func TestRunCancelPreservesPartialWork(t *testing.T) {
	eng := newTestEngine(t, haltingProvider{}, []AgentTemplate{echoTemplate()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan Event, 256)
	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			events = append(events, ev)
			if ev.Type == EventText {
				cancel()
			}
		}
	}()

	res, err := eng.RunStream(ctx, RunRequest{AgentID: "echo", Prompt: "build it"}, ch)
	<-done
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}

	if res.Output.Type != OutputTypeError || !strings.Contains(res.Output.Message, "interrupted") {
		t.Fatalf("output = %+v", res.Output)
	}

	// Partial streamed text survives as an assistant message, followed by
	// exactly one interruption marker.
	main := res.Session.MainAgent
	var markers int
	var partial bool
	for _, m := range main.Messages {
		if m.Role == RoleAssistant && m.Text() == "Working" {
			partial = true
		}
		if m.Role == RoleUser && strings.Contains(m.Text(), "interrupted the response") {
			markers++
		}
	}
	if !partial {
		t.Error("partial assistant text lost")
	}
	if markers != 1 {
		t.Errorf("interruption markers = %d, want exactly 1", markers)
	}
	if len(events) == 0 || events[len(events)-1].Type != EventFinish {
		t.Error("finish event missing after cancellation")
	}
}

func TestPromptDedup(t *testing.T) {
	state := NewSessionState("echo", FileContext{})
	m, _ := UserMessage("hi")
	state.MainAgent.Append(m.WithTags(TagUserPrompt))

	p := &mockProvider{responses: []ModelResponse{textResponse("hello")}}
	eng := newTestEngine(t, p, []AgentTemplate{echoTemplate()})

	res, _ := runCollect(t, context.Background(), eng, RunRequest{
		AgentID: "echo",
		Prompt:  "hi",
		Session: state,
	})

	// A state already ending in the identical user message gets no second
	// copy of the prompt.
	var prompts int
	for _, msg := range res.Session.MainAgent.Messages {
		if msg.Role == RoleUser && msg.Text() == "hi" {
			prompts++
		}
	}
	if prompts != 1 {
		t.Errorf("prompt appears %d times, want 1", prompts)
	}
}

func TestEphemeralCollectedAtNextRun(t *testing.T) {
	state := NewSessionState("echo", FileContext{})
	main := state.MainAgent

	u, _ := UserMessage("earlier")
	main.Append(u.WithTags(TagUserPrompt))

	keep, _ := NewMessage(RoleAssistant,
		TextPart("keep this"),
		ToolCallPart(ToolCall{ID: "c1", Name: "glob"}))
	main.Append(keep)
	r1, _ := ToolMessage("c1", "glob", TextPart("stale result"))
	main.Append(r1.WithTags(TagEphemeral))

	callOnly, _ := NewMessage(RoleAssistant, ToolCallPart(ToolCall{ID: "c2", Name: "glob"}))
	main.Append(callOnly)
	r2, _ := ToolMessage("c2", "glob", TextPart("stale too"))
	main.Append(r2.WithTags(TagEphemeral))

	p := &mockProvider{responses: []ModelResponse{textResponse("fresh")}}
	eng := newTestEngine(t, p, []AgentTemplate{echoTemplate()})

	res, _ := runCollect(t, context.Background(), eng, RunRequest{
		AgentID: "echo",
		Prompt:  "next",
		Session: state,
	})

	for _, m := range res.Session.MainAgent.Messages {
		if m.Role == RoleTool {
			t.Errorf("stale tool result survived: %+v", m)
		}
		for _, call := range m.ToolCalls() {
			t.Errorf("orphaned tool call survived: %+v", call)
		}
	}
	// The assistant message that carried text keeps it; the call-only
	// assistant message is dropped entirely.
	var keptText bool
	for _, m := range res.Session.MainAgent.Messages {
		if m.Role == RoleAssistant && m.Text() == "keep this" {
			keptText = true
			if len(m.Parts) != 1 {
				t.Errorf("swept assistant keeps %d parts, want 1", len(m.Parts))
			}
		}
	}
	if !keptText {
		t.Error("assistant text swept along with its tool call")
	}
}

func TestScaffoldingSeededOnce(t *testing.T) {
	tpl := echoTemplate()
	tpl.SystemPrompt = "be methodical"
	tpl.InstructionsPrompt = "answer in one line"

	p := &mockProvider{}
	eng := newTestEngine(t, p, []AgentTemplate{tpl})

	res, _ := runCollect(t, context.Background(), eng, RunRequest{AgentID: "echo", Prompt: "one"})
	res, _ = runCollect(t, context.Background(), eng, RunRequest{
		AgentID: "echo",
		Prompt:  "two",
		Session: res.Session,
	})

	main := res.Session.MainAgent
	var system, instructions int
	for _, m := range main.Messages {
		if m.HasTag(TagSystemPrompt) {
			system++
		}
		if m.HasTag(TagInstructions) {
			instructions++
		}
	}
	if system != 1 || instructions != 1 {
		t.Errorf("scaffolding counts = %d/%d, want 1/1 across runs", system, instructions)
	}
	if main.Messages[0].Text() != "be methodical" {
		t.Errorf("head of history = %q", main.Messages[0].Text())
	}
}

func TestEventOrdering(t *testing.T) {
	p := &mockProvider{responses: []ModelResponse{textResponse("hi")}}
	eng := newTestEngine(t, p, []AgentTemplate{echoTemplate()})

	_, events := runCollect(t, context.Background(), eng, RunRequest{AgentID: "echo", Prompt: "go"})

	if len(events) < 2 {
		t.Fatalf("events = %d", len(events))
	}
	if events[0].Type != EventStart {
		t.Errorf("first event = %s, want start", events[0].Type)
	}
	if events[len(events)-1].Type != EventFinish {
		t.Errorf("last event = %s, want finish", events[len(events)-1].Type)
	}
	for i, ev := range events {
		if ev.AgentID == "" {
			t.Errorf("event %d (%s) missing agent id", i, ev.Type)
		}
	}
}

func TestUnknownTemplateFailsGracefully(t *testing.T) {
	eng := newTestEngine(t, &mockProvider{}, []AgentTemplate{echoTemplate()})

	res, err := eng.Run(context.Background(), RunRequest{AgentID: "nope", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Output.Type != OutputTypeError || !strings.Contains(res.Output.Message, "unknown agent template") {
		t.Errorf("output = %+v", res.Output)
	}
	// The prompt and the interruption marker are preserved for the retry.
	msgs := res.Session.MainAgent.Messages
	if len(msgs) != 2 || msgs[0].Text() != "hi" {
		t.Errorf("preserved history = %+v", msgs)
	}
}

func TestEmptyAgentIDRejected(t *testing.T) {
	eng := newTestEngine(t, &mockProvider{}, []AgentTemplate{echoTemplate()})
	if _, err := eng.Run(context.Background(), RunRequest{Prompt: "hi"}); err == nil {
		t.Fatal("empty agent id accepted")
	}
}

func TestStructuredOutputNeverSetWarns(t *testing.T) {
	tpl := echoTemplate()
	tpl.OutputMode = OutputStructured

	p := &mockProvider{responses: []ModelResponse{textResponse("forgot to set output")}}
	eng := newTestEngine(t, p, []AgentTemplate{tpl})

	res, events := runCollect(t, context.Background(), eng, RunRequest{AgentID: "echo", Prompt: "go"})

	if res.Output.Type != OutputTypeStructured || res.Output.Value != nil {
		t.Errorf("output = %+v, want null structured value", res.Output)
	}
	warnings := eventsOfType(events, EventWarning)
	if len(warnings) != 1 || !strings.Contains(warnings[0].Text, "set_output") {
		t.Errorf("warnings = %+v", warnings)
	}
}

func TestStructuredOutputSchemaRejection(t *testing.T) {
	tpl := echoTemplate()
	tpl.OutputMode = OutputStructured
	tpl.OutputSchema = []byte(`{"type":"object","properties":{"answer":{"type":"number"}},"required":["answer"]}`)

	p := &mockProvider{responses: []ModelResponse{
		toolResponse(ToolCall{ID: "c1", Name: "set_output", Input: []byte(`{"wrong":"shape"}`)}),
	}}
	eng := newTestEngine(t, p, []AgentTemplate{tpl})

	res, _ := runCollect(t, context.Background(), eng, RunRequest{AgentID: "echo", Prompt: "go"})

	if res.Output.Type != OutputTypeError || !strings.Contains(res.Output.Message, "structured output") {
		t.Errorf("output = %+v", res.Output)
	}
}

func TestAllMessagesOutputExcludesScaffolding(t *testing.T) {
	tpl := echoTemplate()
	tpl.SystemPrompt = "system prompt"
	tpl.OutputMode = OutputAllMessages

	p := &mockProvider{responses: []ModelResponse{textResponse("reply")}}
	eng := newTestEngine(t, p, []AgentTemplate{tpl})

	res, _ := runCollect(t, context.Background(), eng, RunRequest{AgentID: "echo", Prompt: "hi"})

	msgs, ok := res.Output.Value.([]Message)
	if !ok {
		t.Fatalf("value type = %T", res.Output.Value)
	}
	for _, m := range msgs {
		if m.HasTag(TagSystemPrompt) || m.HasTag(TagInstructions) {
			t.Errorf("scaffolding leaked into all_messages output: %+v", m)
		}
	}
	if len(msgs) != 2 {
		t.Errorf("output messages = %d, want 2", len(msgs))
	}
}

// captureStore records persistence calls for assertions.
type captureStore struct {
	mu    sync.Mutex
	saved map[string]*SessionState
	runs  []RunRecord
}

func newCaptureStore() *captureStore {
	return &captureStore{saved: make(map[string]*SessionState)}
}

func (s *captureStore) SaveSession(_ context.Context, id string, state *SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[id] = state.Clone()
	return nil
}

func (s *captureStore) LoadSession(_ context.Context, id string) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[id], nil
}

func (s *captureStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, id)
	return nil
}

func (s *captureStore) ListSessions(context.Context, int) ([]string, error) { return nil, nil }

func (s *captureStore) RecordRun(_ context.Context, rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, rec)
	return nil
}

func (s *captureStore) RunsForSession(context.Context, string) ([]RunRecord, error) {
	return nil, nil
}

func (s *captureStore) Init(context.Context) error { return nil }
func (s *captureStore) Close() error               { return nil }

var _ SessionStore = (*captureStore)(nil)

func TestCommitPersistsTerminalState(t *testing.T) {
	store := newCaptureStore()
	p := &mockProvider{responses: []ModelResponse{textResponse("saved reply")}}
	eng := newTestEngine(t, p, []AgentTemplate{echoTemplate()}, WithSessionStore(store))

	runCollect(t, context.Background(), eng, RunRequest{
		AgentID:   "echo",
		Prompt:    "persist me",
		SessionID: "sess-1",
		PromptID:  "p-1",
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	state := store.saved["sess-1"]
	if state == nil {
		t.Fatal("session not saved")
	}
	if state.MainAgent.LastAssistantText() != "saved reply" {
		t.Errorf("saved history = %q", state.MainAgent.LastAssistantText())
	}
	if len(store.runs) != 1 {
		t.Fatalf("run records = %d", len(store.runs))
	}
	rec := store.runs[0]
	if rec.SessionID != "sess-1" || rec.PromptID != "p-1" || rec.AgentType != "echo" {
		t.Errorf("run record = %+v", rec)
	}
	if rec.OutputType != string(OutputTypeLastMessage) {
		t.Errorf("output type = %q", rec.OutputType)
	}
}

func TestCommitSkippedWithoutSessionID(t *testing.T) {
	store := newCaptureStore()
	p := &mockProvider{}
	eng := newTestEngine(t, p, []AgentTemplate{echoTemplate()}, WithSessionStore(store))

	runCollect(t, context.Background(), eng, RunRequest{AgentID: "echo", Prompt: "ephemeral"})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saved) != 0 || len(store.runs) != 0 {
		t.Error("run without session id was persisted")
	}
}
