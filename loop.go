package stride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// defaultMaxAgentSteps caps an agent's step count when neither the template
// nor the engine configures a limit.
const defaultMaxAgentSteps = 20

// maxToolResultTextLen is the maximum rune length for a tool result text part
// stored in history. Results exceeding the limit are truncated with a marker
// so the model knows content was trimmed. Stream events retain the full
// content since they are transient and not accumulated across steps.
const maxToolResultTextLen = 100_000 // ~25K tokens

// maxParallelDispatch caps concurrent tool call goroutines within one step.
const maxParallelDispatch = 10

// agentRun drives one agent through its steps. It owns the agent's state for
// the duration of the run; only an inline child shares the history, and never
// concurrently with its parent.
type agentRun struct {
	sess  *sessionRun
	tpl   AgentTemplate
	state *AgentState

	// hist is the state whose Messages this run appends to. Normally the
	// run's own state; an inline child points at its parent's.
	hist *AgentState

	// chunkEvents reroutes text events as response_chunk (inline children).
	chunkEvents bool

	// hidden marks a run inside a hidden TOOL_CALL subtree: no events reach
	// the stream and spawned children skip session registration. Children
	// inherit the flag, so an entire hidden fan-out stays invisible.
	hidden bool

	// inlineActive guards the one-inline-child-at-a-time rule.
	inlineActive bool

	// limitNoticed latches the step-limit synthetic pair so a handler that
	// keeps yielding STEP past the budget records the cutoff only once.
	limitNoticed bool

	// histMu serializes history mutation from concurrently executing
	// history-mutating builtins within one step.
	histMu sync.Mutex

	logger *slog.Logger
}

func newAgentRun(sess *sessionRun, tpl AgentTemplate, state *AgentState) *agentRun {
	return &agentRun{
		sess:   sess,
		tpl:    tpl,
		state:  state,
		hist:   state,
		logger: sess.eng.logger.With("agent", state.AgentID, "agent_type", state.AgentType),
	}
}

// model resolves the model id: request override, then template.
func (r *agentRun) model() string {
	if r.sess.model != "" {
		return r.sess.model
	}
	return r.tpl.Model
}

func (r *agentRun) maxSteps() int {
	if r.tpl.MaxAgentSteps > 0 {
		return r.tpl.MaxAgentSteps
	}
	if r.sess.eng.maxAgentSteps > 0 {
		return r.sess.eng.maxAgentSteps
	}
	return defaultMaxAgentSteps
}

// emit sends one event stamped with this agent's identity. Runs inside a
// hidden subtree emit nothing.
func (r *agentRun) emit(ctx context.Context, ev Event) {
	if r.hidden {
		return
	}
	ev.AgentID = r.state.AgentID
	if ev.ParentID == "" {
		ev.ParentID = r.state.ParentID
	}
	r.sess.sink.send(ctx, ev)
}

// run drives the agent to termination and shapes its output. A step handler,
// when the template defines one, replaces the default continuation rule
// entirely. The returned error is nil for normal termination including the
// step-limit cutoff; ErrCancelled and model failures propagate to the caller,
// who decides whether the agent's death ends the session.
func (r *agentRun) run(ctx context.Context) error {
	r.logger.Info("agent started", "model", r.model(), "steps_run", r.state.StepsRun)

	var err error
	if r.tpl.Handler != nil {
		err = r.runHandler(ctx)
	} else {
		for {
			var done bool
			done, err = r.step(ctx)
			if err != nil || done {
				break
			}
		}
	}
	if err != nil {
		return err
	}
	r.finalize(ctx)
	r.logger.Info("agent completed", "steps_run", r.state.StepsRun,
		"credits_used", r.state.CreditsUsed)
	return nil
}

// finalize shapes the agent's output from its terminal state.
func (r *agentRun) finalize(ctx context.Context) {
	if r.tpl.OutputMode == OutputStructured && r.state.structuredSet && len(r.tpl.OutputSchema) > 0 {
		var v any
		if jsonErr := unmarshalLoose(r.state.structuredOutput, &v); jsonErr == nil {
			if err := validateAgainst(r.tpl.ID+".output", r.tpl.OutputSchema, v); err != nil {
				schemaErr := &ErrOutputSchema{AgentType: r.tpl.ID, Reason: err.Error()}
				r.logger.Error("structured output rejected", "error", schemaErr)
				r.state.Output = ErrorOutput(schemaErr.Error())
				return
			}
		}
	}
	out, ok := shapeOutput(r.tpl, r.state)
	if !ok {
		r.emit(ctx, Event{Type: EventWarning, Text: "agent terminated without calling set_output; output is null"})
		r.logger.Warn("structured output never set")
	}
	r.state.Output = out
}

// step runs one default cycle: compose, generate, extract, execute, decide.
// done reports that the agent terminates after this step.
func (r *agentRun) step(ctx context.Context) (done bool, err error) {
	if r.state.StepsRun >= r.maxSteps() {
		if !r.limitNoticed {
			r.limitNoticed = true
			r.appendStepLimitNotice(ctx)
		}
		return true, nil
	}

	stepCtx := ctx
	var span Span
	if t := r.sess.eng.tracer; t != nil {
		stepCtx, span = t.Start(ctx, "engine.step",
			StringAttr("agent.type", r.state.AgentType),
			IntAttr("step", r.state.StepsRun))
		defer span.End()
	}

	r.state.StepsRun++

	assistant, err := r.generate(stepCtx)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		return true, err
	}

	calls := assistant.ToolCalls()
	if span != nil {
		span.SetAttr(IntAttr("tool_count", len(calls)))
	}
	if len(calls) == 0 {
		return true, nil
	}
	return r.executeCalls(stepCtx, calls)
}

// generate performs one model call over the composed prompt, streaming parts
// as events, and appends the accumulated assistant message (plus any
// extractor-produced tool calls) to history. On cancellation mid-stream the
// partial text is preserved as an assistant message; an empty partial is not
// appended.
func (r *agentRun) generate(ctx context.Context) (Message, error) {
	req := Request{
		Model:    r.model(),
		Messages: StripTags(r.composeMessages()),
		Tools:    r.sess.registry.Definitions(r.tpl.ToolNames...),
	}

	parts := make(chan Part, 16)
	var streamedText string
	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		for p := range parts {
			switch p.Kind {
			case PartText:
				streamedText += p.Text
				if r.chunkEvents {
					r.emit(ctx, Event{Type: EventResponseChunk, Text: p.Text})
				} else {
					r.emit(ctx, Event{Type: EventText, Text: p.Text})
				}
			case PartReasoning:
				r.emit(ctx, Event{Type: EventReasoningDelta, Text: p.Text})
			case PartToolCall:
				if p.ToolCall != nil {
					r.emit(ctx, Event{Type: EventToolCall, ToolCallID: p.ToolCall.ID, ToolName: p.ToolCall.Name, Input: p.ToolCall.Input})
				}
			}
		}
	}()

	resp, err := r.sess.eng.provider.GenerateStream(ctx, req, parts)
	<-fwdDone

	r.recordUsage(resp.Usage)

	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			if streamedText != "" {
				r.appendAssistant(Message{Role: RoleAssistant, Parts: []Part{TextPart(streamedText)}})
			}
			return Message{}, ErrCancelled
		}
		r.emit(ctx, Event{Type: EventError, Text: err.Error()})
		return Message{}, err
	}

	msg := Message{Role: RoleAssistant, Parts: slices.Clone(resp.Parts)}

	// Tool calls embedded in the streamed text are treated identically to
	// native tool-call parts. Engine-assigned ids when absent.
	for _, tc := range r.sess.eng.extractor.Extract(resp.Text()) {
		if tc.ID == "" {
			tc.ID = NewID()
		}
		msg.Parts = append(msg.Parts, ToolCallPart(tc))
		r.emit(ctx, Event{Type: EventToolCall, ToolCallID: tc.ID, ToolName: tc.Name, Input: tc.Input})
	}

	if len(msg.Parts) > 0 {
		r.appendAssistant(msg)
	}
	return msg, nil
}

// appendAssistant appends an assistant message and re-homes the
// LAST_ASSISTANT_MESSAGE tag onto it.
func (r *agentRun) appendAssistant(msg Message) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	r.hist.clearLastAssistantTag()
	r.hist.Append(msg.WithTags(TagLastAssistant))
}

// composeMessages builds the transport prompt: retained history, the step
// prompt (transport-only, never persisted), aggregation, cache annotation.
func (r *agentRun) composeMessages() []Message {
	msgs := slices.Clone(r.hist.Messages)
	if r.tpl.StepPrompt != "" {
		sp, err := UserMessage(r.tpl.StepPrompt)
		if err == nil {
			msgs = append(msgs, sp.WithTags(TagStepPrompt))
		}
	}
	return AnnotateCacheControl(Aggregate(msgs))
}

func (r *agentRun) recordUsage(u Usage) {
	if u == (Usage{}) {
		return
	}
	credits := r.sess.eng.credits.CreditsFor(r.model(), u)
	r.state.DirectCreditsUsed += credits
	r.state.CreditsUsed += credits
}

// callResult pairs one executed tool call with its classified outcome.
type callResult struct {
	def    Definition
	call   ToolCall
	parts  []Part
	errMsg string // non-empty when the result is an error the model may react to
	hidden bool
}

// executeCalls validates and dispatches the step's tool calls concurrently,
// then appends results in original call order. done reports the default
// termination rule: a terminal tool ran, or every executed tool was soft.
func (r *agentRun) executeCalls(ctx context.Context, calls []ToolCall) (done bool, err error) {
	results := r.dispatchParallel(ctx, calls)

	anyEnds := false
	allSoft := true
	for _, res := range results {
		r.appendResult(ctx, res)
		if res.def.EndsAgentStep {
			anyEnds = true
		}
		if !res.def.Soft {
			allSoft = false
		}
	}

	if ctx.Err() != nil {
		return true, ErrCancelled
	}
	if anyEnds || allSoft {
		return true, nil
	}
	return false, nil
}

// appendResult records one tool outcome in history and on the event stream.
// Hidden tools leave no trace: their tool-call part is removed from the
// assistant message instead of being paired with a result. Media outputs are
// rewritten as user-role file messages because some providers reject tool
// messages carrying binary content; the paired tool message keeps the
// non-media remainder.
func (r *agentRun) appendResult(ctx context.Context, res callResult) {
	if res.hidden {
		r.removeToolCallPart(res.call.ID)
		return
	}

	var toolParts []Part
	var mediaParts []Part
	for _, p := range res.parts {
		if p.Kind == PartMedia {
			mediaParts = append(mediaParts, p)
			continue
		}
		if p.Kind == PartText && len([]rune(p.Text)) > maxToolResultTextLen {
			p.Text = truncateStr(p.Text, maxToolResultTextLen) + "\n\n[output truncated — original was longer]"
		}
		toolParts = append(toolParts, p)
	}
	if res.errMsg != "" {
		toolParts = append(toolParts, TextPart("error: "+res.errMsg))
	}
	if len(toolParts) == 0 && len(mediaParts) > 0 {
		toolParts = []Part{TextPart("[media output attached as user message]")}
	}

	msg, err := ToolMessage(res.call.ID, res.call.Name, toolParts...)
	if err != nil {
		r.logger.Error("tool message construction failed", "tool", res.call.Name, "error", err)
		return
	}
	if !res.def.Durable {
		msg = msg.WithTags(TagEphemeral)
	}
	r.histMu.Lock()
	r.hist.Append(msg)
	r.histMu.Unlock()

	for _, p := range mediaParts {
		fileMsg, ferr := NewMessage(RoleUser, FilePart(p.MimeType, p.Data))
		if ferr == nil {
			r.histMu.Lock()
			r.hist.Append(fileMsg)
			r.histMu.Unlock()
		}
		r.emit(ctx, Event{Type: EventDownload, ToolCallID: res.call.ID, ToolName: res.call.Name, MimeType: p.MimeType, Data: p.Data})
	}

	r.emit(ctx, Event{Type: EventToolResult, ToolCallID: res.call.ID, ToolName: res.call.Name, Output: msg.Parts})
}

// removeToolCallPart strips the tool-call part with the given id from the
// newest assistant message; an assistant message left empty is dropped.
func (r *agentRun) removeToolCallPart(callID string) {
	r.histMu.Lock()
	defer r.histMu.Unlock()
	for i := len(r.hist.Messages) - 1; i >= 0; i-- {
		m := r.hist.Messages[i]
		if m.Role != RoleAssistant {
			continue
		}
		kept := slices.DeleteFunc(slices.Clone(m.Parts), func(p Part) bool {
			return p.Kind == PartToolCall && p.ToolCall != nil && p.ToolCall.ID == callID
		})
		if len(kept) == len(m.Parts) {
			continue
		}
		if len(kept) == 0 {
			r.hist.Messages = slices.Delete(r.hist.Messages, i, i+1)
		} else {
			m.Parts = kept
			r.hist.Messages[i] = m
		}
		return
	}
}

// dispatchCall validates and executes one tool call, classifying failures so
// the step continues and the model can self-correct.
func (r *agentRun) dispatchCall(ctx context.Context, tc ToolCall) callResult {
	def, handler, err := r.sess.registry.Resolve(tc.Name)
	if err != nil {
		return callResult{call: tc, errMsg: err.Error()}
	}
	res := callResult{def: def, call: tc, hidden: def.Hidden}

	if err := r.sess.registry.ValidateInput(tc.Name, tc.Input); err != nil {
		res.errMsg = err.Error()
		return res
	}

	if parts, handled, berr := r.dispatchBuiltin(ctx, tc); handled {
		res.parts = parts
		if berr != nil {
			res.errMsg = berr.Error()
		}
		return res
	}

	if def.ClientSide {
		if r.sess.eng.exchange == nil {
			res.errMsg = (&ErrToolFailed{Name: tc.Name, Err: errors.New("no client connected")}).Error()
			return res
		}
		parts, cerr := r.sess.eng.exchange.CallTool(ctx, def, tc)
		if cerr != nil {
			res.errMsg = cerr.Error()
			return res
		}
		res.parts = parts
		return res
	}

	if handler == nil {
		res.errMsg = (&ErrToolFailed{Name: tc.Name, Err: errors.New("tool has no handler")}).Error()
		return res
	}
	parts, herr := handler(ctx, tc)
	if herr != nil {
		res.errMsg = (&ErrToolFailed{Name: tc.Name, Err: herr}).Error()
		return res
	}
	res.parts = parts
	return res
}

// safeDispatchCall wraps dispatchCall with panic recovery so a misbehaving
// handler becomes a tool error instead of crashing the session.
func (r *agentRun) safeDispatchCall(ctx context.Context, tc ToolCall) (res callResult) {
	defer func() {
		if p := recover(); p != nil {
			res = callResult{call: tc, errMsg: fmt.Sprintf("tool %q panic: %v", tc.Name, p)}
			if def, _, err := r.sess.registry.Resolve(tc.Name); err == nil {
				res.def = def
			}
		}
	}()
	return r.dispatchCall(ctx, tc)
}

// indexedCallResult pairs a result with its position in the original call
// slice, allowing channel-based collection in order.
type indexedCallResult struct {
	idx int
	res callResult
}

// dispatchParallel runs the step's tool calls concurrently and returns
// results in call order. Single calls run inline. Multiple calls use a fixed
// worker pool pulling from a shared work channel; collection is
// context-aware so cancellation mid-flight yields error results for
// incomplete calls instead of blocking.
func (r *agentRun) dispatchParallel(ctx context.Context, calls []ToolCall) []callResult {
	if len(calls) == 1 {
		return []callResult{r.safeDispatchCall(ctx, calls[0])}
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	resultCh := make(chan indexedCallResult, len(calls))
	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedCallResult{w.idx, callResult{call: w.tc, errMsg: ctx.Err().Error()}}
					continue
				}
				resultCh <- indexedCallResult{w.idx, r.safeDispatchCall(ctx, w.tc)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]callResult, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case ir, ok := <-resultCh:
			if !ok {
				break collect
			}
			results[ir.idx] = ir.res
			seen[ir.idx] = true
		case <-ctx.Done():
			for i := range results {
				if !seen[i] {
					results[i] = callResult{call: calls[i], errMsg: ctx.Err().Error()}
				}
			}
			return results
		}
	}
	for i := range results {
		if !seen[i] {
			results[i] = callResult{call: calls[i], errMsg: "result not received"}
		}
	}
	return results
}

// appendStepLimitNotice records the step-budget cutoff as a synthetic
// tool-call/tool-result pair so the pairing invariant survives, and warns the
// stream.
func (r *agentRun) appendStepLimitNotice(ctx context.Context) {
	limitErr := &ErrStepLimit{Steps: r.state.StepsRun}
	callID := NewID()
	r.appendAssistant(Message{Role: RoleAssistant, Parts: []Part{ToolCallPart(ToolCall{ID: callID, Name: "max_steps_reached"})}})
	msg, err := ToolMessage(callID, "max_steps_reached", TextPart(limitErr.Error()+". Stopping here."))
	if err == nil {
		r.histMu.Lock()
		r.hist.Append(msg.WithTags(TagEphemeral))
		r.histMu.Unlock()
	}
	r.emit(ctx, Event{Type: EventWarning, Text: limitErr.Error()})
	r.logger.Warn("step limit reached", "steps", r.state.StepsRun)
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length ≤ n guarantees rune count ≤ n, avoiding the []rune
	// allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
