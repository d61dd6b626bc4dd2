package stride

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
)

// interruptionMarker is the user-role message recording that a run was
// cancelled with work preserved.
const interruptionMarker = "<system>User interrupted the response. The assistant's previous work has been preserved.</system>"

// defaultEventBuffer bounds the session event channel created by Run.
const defaultEventBuffer = 256

// Engine is the step-driven execution runtime. One engine serves many
// sessions; per-run state lives in the session, so an engine is safe for
// concurrent use once constructed.
type Engine struct {
	provider  Provider
	templates *TemplateRegistry
	tools     *Registry
	extractor ToolCallExtractor
	exchange  *ClientExchange
	store     SessionStore
	filter    FileFilter
	credits   *CreditTable
	logger    *slog.Logger
	tracer    Tracer

	maxAgentSteps int
	eventBuffer   int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRegistry sets the tool registry. Builtin engine-side tools are merged
// in regardless.
func WithRegistry(r *Registry) EngineOption {
	return func(e *Engine) { e.tools = r }
}

// WithExtractor injects the streamed-text tool-call extractor.
func WithExtractor(x ToolCallExtractor) EngineOption {
	return func(e *Engine) { e.extractor = x }
}

// WithExchange connects the client exchange that serves client-side tools
// and the read-files fast path.
func WithExchange(x *ClientExchange) EngineOption {
	return func(e *Engine) { e.exchange = x }
}

// WithSessionStore enables session persistence. Terminal states commit
// best-effort; a failing store never fails a run.
func WithSessionStore(s SessionStore) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithFileFilter sets the authoritative file-access filter. When set, the
// project ignore list is never consulted.
func WithFileFilter(f FileFilter) EngineOption {
	return func(e *Engine) { e.filter = f }
}

// WithCredits sets the pricing table for credit accounting.
func WithCredits(t *CreditTable) EngineOption {
	return func(e *Engine) { e.credits = t }
}

// WithMaxAgentSteps sets the engine-wide step budget default (templates may
// override; default 20).
func WithMaxAgentSteps(n int) EngineOption {
	return func(e *Engine) { e.maxAgentSteps = n }
}

// WithEventBuffer sets the buffer of the event channel Run creates
// internally (default 256). RunStream callers size their own channel.
func WithEventBuffer(n int) EngineOption {
	return func(e *Engine) { e.eventBuffer = n }
}

// WithEngineLogger sets the structured logger. If not set, a no-op logger is
// used (no output).
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer. When set, the engine emits spans for runs and
// steps. Use observer.NewTracer() for an OTEL-backed implementation.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an engine over the given model capability and agent
// templates.
func NewEngine(provider Provider, templates *TemplateRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		provider:    provider,
		templates:   templates,
		eventBuffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tools == nil {
		e.tools = NewRegistry()
	}
	registerBuiltins(e.tools)
	if e.extractor == nil {
		e.extractor = noExtractor{}
	}
	if e.credits == nil {
		e.credits = NewCreditTable(nil)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// RunRequest is one prompt submission.
type RunRequest struct {
	// PromptID correlates the run with the client protocol.
	PromptID string
	// Prompt is the user's text. Content, when set, replaces it with rich
	// parts.
	Prompt  string
	Content []Part
	// PromptParams renders into the prompt message the way spawn params do.
	PromptParams json.RawMessage
	// AgentID names the root agent template.
	AgentID string
	// Model overrides every template's model for this run.
	Model string
	// SessionID keys persistence; empty disables the store for this run.
	SessionID string
	// Session is the state to advance. Nil starts a fresh session.
	Session *SessionState
	// FileContext seeds a fresh session's project view.
	FileContext FileContext
	// ClientTools are dynamically announced client-side tools (MCP
	// discovery), merged into the registry for this run only.
	ClientTools []Definition
}

// RunResult is the terminal answer for one run. Failures are carried in
// Output with the session state preserved; Run returns a non-nil error only
// for malformed requests.
type RunResult struct {
	Session     *SessionState
	Output      Output
	CreditsUsed float64
}

// sessionRun is the per-run shared context every agent of the session sees.
type sessionRun struct {
	eng      *Engine
	state    *SessionState
	sink     *eventSink
	registry *Registry
	model    string

	// mu guards SubagentsByID, which is append-only during a run.
	mu sync.Mutex
}

func (s *sessionRun) addSubagent(a *AgentState) {
	s.mu.Lock()
	if s.state.SubagentsByID == nil {
		s.state.SubagentsByID = make(map[string]*AgentState)
	}
	s.state.SubagentsByID[a.AgentID] = a
	s.mu.Unlock()
}

// Run advances the session with the prompt and blocks until terminal,
// discarding progress events. Use RunStream to observe them.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ch := make(chan Event, e.eventBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
	}()
	res, err := e.RunStream(ctx, req, ch)
	<-done
	return res, err
}

// RunStream advances the session, emitting ordered progress events into ch.
// The channel is closed when the run terminates; the root agent's finish
// event is the last event in it. Cancellation of ctx preserves all work
// appended so far and records the interruption marker.
func (e *Engine) RunStream(ctx context.Context, req RunRequest, ch chan<- Event) (*RunResult, error) {
	sink := newEventSink(ch, e.logger)
	defer sink.close()

	if req.AgentID == "" {
		return nil, errors.New("run: empty agent id")
	}

	state := req.Session
	if state == nil || state.MainAgent == nil {
		state = NewSessionState(req.AgentID, req.FileContext)
	}
	main := state.MainAgent

	// Anything that dies before the loop begins still preserves the state,
	// the prompt, and the interruption marker.
	failBeforeLoop := func(msg string) (*RunResult, error) {
		e.appendUserPrompt(main, req)
		appendMarker(main)
		return &RunResult{Session: state, Output: *ErrorOutput(msg)}, nil
	}

	tpl, err := e.templates.Get(main.AgentType)
	if err != nil {
		return failBeforeLoop(err.Error())
	}

	registry := e.tools
	if len(req.ClientTools) > 0 {
		registry, err = e.tools.WithClientTools(req.ClientTools)
		if err != nil {
			return failBeforeLoop(err.Error())
		}
	}

	collectEphemeral(main)
	e.seedScaffolding(main, tpl)
	e.appendUserPrompt(main, req)

	sess := &sessionRun{eng: e, state: state, sink: sink, registry: registry, model: req.Model}
	root := newAgentRun(sess, tpl, main)

	runCtx := ctx
	var span Span
	if e.tracer != nil {
		runCtx, span = e.tracer.Start(ctx, "engine.run",
			StringAttr("agent.type", main.AgentType),
			StringAttr("agent.id", main.AgentID))
		defer span.End()
	}

	sink.register(main.AgentID)
	// Start precedes every event of the root agent; the matching finish is
	// emitted after all bookkeeping, making it the last event in the stream.
	root.emit(runCtx, Event{Type: EventStart, AgentType: main.AgentType})

	runErr := root.run(runCtx)

	result := &RunResult{Session: state, CreditsUsed: main.CreditsUsed}
	switch {
	case runErr == nil:
		if main.Output != nil {
			result.Output = *main.Output
		}
	case errors.Is(runErr, ErrCancelled):
		appendMarker(main)
		result.Output = *ErrorOutput("run cancelled: " + interruptionMarker)
		main.Output = &result.Output
	default:
		if span != nil {
			span.Error(runErr)
		}
		e.logger.Error("run failed", "agent", main.AgentID, "error", runErr)
		result.Output = *ErrorOutput(runErr.Error())
		main.Output = &result.Output
	}

	e.commit(req, state, result)
	root.emit(runCtx, Event{Type: EventFinish, AgentType: main.AgentType})
	return result, nil
}

// appendUserPrompt appends the prompt tagged USER_PROMPT unless the state
// already ends with an identical user message (server-side echo dedup).
func (e *Engine) appendUserPrompt(main *AgentState, req RunRequest) {
	parts := req.Content
	if len(parts) == 0 {
		if req.Prompt == "" && len(req.PromptParams) == 0 {
			return
		}
		rendered := renderPrompt(spawnEntry{Prompt: req.Prompt, Params: req.PromptParams})
		parts = []Part{TextPart(rendered)}
	}

	if n := len(main.Messages); n > 0 {
		last := main.Messages[n-1]
		if last.Role == RoleUser && last.Text() == textOf(parts) {
			return
		}
	}
	msg, err := NewMessage(RoleUser, parts...)
	if err != nil {
		return
	}
	main.Append(msg.WithTags(TagUserPrompt))
}

func textOf(parts []Part) string {
	var out string
	for _, p := range parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// appendMarker records the interruption marker. Idempotent within a run.
func appendMarker(main *AgentState) {
	if n := len(main.Messages); n > 0 && main.Messages[n-1].Text() == interruptionMarker {
		return
	}
	if m, err := UserMessage(interruptionMarker); err == nil {
		main.Append(m)
	}
}

// seedScaffolding installs the template's system and instructions prompts at
// the head of a history that does not carry them yet.
func (e *Engine) seedScaffolding(main *AgentState, tpl AgentTemplate) {
	for _, m := range main.Messages {
		if m.HasTag(TagSystemPrompt) || m.HasTag(TagInstructions) {
			return
		}
	}
	var seeded []Message
	if tpl.SystemPrompt != "" {
		if m, err := SystemMessage(tpl.SystemPrompt); err == nil {
			seeded = append(seeded, m.WithTags(TagSystemPrompt))
		}
	}
	if tpl.InstructionsPrompt != "" {
		if m, err := SystemMessage(tpl.InstructionsPrompt); err == nil {
			seeded = append(seeded, m.WithTags(TagInstructions))
		}
	}
	if len(seeded) == 0 {
		return
	}
	now := NowUnixMilli()
	for i := range seeded {
		seeded[i].SentAt = now
	}
	main.Messages = append(seeded, main.Messages...)
}

// collectEphemeral garbage-collects the previous run's AGENT_STEP_EPHEMERAL
// tool results together with their paired assistant tool-call parts, so the
// pairing invariant survives the sweep. Assistant messages left empty are
// dropped.
func collectEphemeral(state *AgentState) {
	collected := make(map[string]struct{})
	kept := state.Messages[:0:0]
	for _, m := range state.Messages {
		if m.Role == RoleTool && m.HasTag(TagEphemeral) {
			collected[m.ToolCallID] = struct{}{}
			continue
		}
		kept = append(kept, m)
	}
	if len(collected) == 0 {
		return
	}
	out := kept[:0:0]
	for _, m := range kept {
		if m.Role != RoleAssistant {
			out = append(out, m)
			continue
		}
		parts := slices.DeleteFunc(slices.Clone(m.Parts), func(p Part) bool {
			if p.Kind != PartToolCall || p.ToolCall == nil {
				return false
			}
			_, ok := collected[p.ToolCall.ID]
			return ok
		})
		if len(parts) == 0 {
			continue
		}
		m.Parts = parts
		out = append(out, m)
	}
	state.Messages = out
}

// commit persists the terminal session state when a store and session id are
// configured. Persistence failures are logged, never surfaced.
func (e *Engine) commit(req RunRequest, state *SessionState, result *RunResult) {
	if e.store == nil || req.SessionID == "" {
		return
	}
	ctx := context.Background()
	if err := e.store.SaveSession(ctx, req.SessionID, state); err != nil {
		e.logger.Error("session save failed", "session", req.SessionID, "error", err)
	}
	rec := RunRecord{
		RunID:       NewID(),
		SessionID:   req.SessionID,
		PromptID:    req.PromptID,
		AgentType:   state.MainAgent.AgentType,
		Prompt:      req.Prompt,
		OutputType:  string(result.Output.Type),
		CreditsUsed: result.CreditsUsed,
		FinishedAt:  NowUnixMilli(),
	}
	if result.Output.Type == OutputTypeError {
		rec.Error = result.Output.Message
	}
	if err := e.store.RecordRun(ctx, rec); err != nil {
		e.logger.Error("run record failed", "session", req.SessionID, "error", err)
	}
}
