package stride

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// spawnEntry is one requested child in a spawn_agents call.
type spawnEntry struct {
	AgentType string          `json:"agent_type"`
	Prompt    string          `json:"prompt,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// spawnSlot is one child's outcome in the tool result array. Slots line up
// with the input entries regardless of finish order; a failed child carries a
// structured error in its slot without affecting siblings.
type spawnSlot struct {
	AgentType string  `json:"agentType"`
	AgentID   string  `json:"agentId,omitempty"`
	Output    *Output `json:"output,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// spawnAgents serves the spawn_agents builtin: resolve and validate every
// entry, create child states with parent linkage, run all children
// concurrently, and return their shaped outputs in entry order.
func (r *agentRun) spawnAgents(ctx context.Context, tc ToolCall) ([]Part, error) {
	var in struct {
		Agents []spawnEntry `json:"agents"`
	}
	if err := json.Unmarshal(tc.Input, &in); err != nil {
		return nil, err
	}
	if len(in.Agents) == 0 {
		return nil, fmt.Errorf("spawn_agents: empty agent list")
	}

	slots := make([]spawnSlot, len(in.Agents))
	var wg sync.WaitGroup
	for i, entry := range in.Agents {
		slots[i].AgentType = entry.AgentType

		child, err := r.prepareChild(entry)
		if err != nil {
			slots[i].Error = err.Error()
			continue
		}
		slots[i].AgentID = child.state.AgentID

		wg.Add(1)
		go func(slot *spawnSlot, child *agentRun, prompt string) {
			defer wg.Done()
			r.runChild(ctx, slot, child, prompt)
		}(&slots[i], child, entry.Prompt)
	}
	wg.Wait()

	raw, err := json.Marshal(slots)
	if err != nil {
		return nil, fmt.Errorf("encode spawn result: %w", err)
	}
	return []Part{JSONPart(raw)}, nil
}

// prepareChild resolves and validates one spawn entry and registers the
// child's state with the session. The returned run has seeded history but has
// not started.
func (r *agentRun) prepareChild(entry spawnEntry) (*agentRun, error) {
	if !r.tpl.CanSpawn(entry.AgentType) {
		return nil, &ErrUnspawnable{AgentType: entry.AgentType, Parent: r.state.AgentType}
	}
	tpl, err := r.sess.eng.templates.Get(entry.AgentType)
	if err != nil {
		return nil, err
	}
	if err := validateSpawnInput(tpl, entry); err != nil {
		return nil, err
	}

	state := &AgentState{
		AgentID:   NewID(),
		ParentID:  r.state.AgentID,
		AgentType: entry.AgentType,
	}
	state.Messages = r.seedChildHistory(tpl, entry)

	// A hidden parent leaves no session-visible trace of its children: no
	// ChildIDs entry, no subagent registration. The slot output alone carries
	// the child's result back to the caller.
	if !r.hidden {
		r.histMu.Lock()
		r.state.ChildIDs = append(r.state.ChildIDs, state.AgentID)
		r.histMu.Unlock()
		r.sess.addSubagent(state)
	}

	child := newAgentRun(r.sess, tpl, state)
	child.hidden = r.hidden
	return child, nil
}

// seedChildHistory builds a child's starting messages: a copy of the parent's
// history when the template asks for it, otherwise fresh scaffolding plus the
// rendered prompt.
func (r *agentRun) seedChildHistory(tpl AgentTemplate, entry spawnEntry) []Message {
	if tpl.IncludeMessageHistory {
		r.histMu.Lock()
		defer r.histMu.Unlock()
		return CloneMessages(r.hist.Messages)
	}

	var msgs []Message
	systemPrompt := tpl.SystemPrompt
	if tpl.InheritParentSystemPrompt {
		systemPrompt = r.tpl.SystemPrompt
	}
	if systemPrompt != "" {
		if m, err := SystemMessage(systemPrompt); err == nil {
			msgs = append(msgs, m.WithTags(TagSystemPrompt))
		}
	}
	if tpl.InstructionsPrompt != "" {
		if m, err := SystemMessage(tpl.InstructionsPrompt); err == nil {
			msgs = append(msgs, m.WithTags(TagInstructions))
		}
	}
	if prompt := renderPrompt(entry); prompt != "" {
		if m, err := UserMessage(prompt); err == nil {
			msgs = append(msgs, m.WithTags(TagUserPrompt))
		}
	}
	for i := range msgs {
		msgs[i].SentAt = NowUnixMilli()
	}
	return msgs
}

// renderPrompt folds the entry's prompt and params into the child's opening
// user message.
func renderPrompt(entry spawnEntry) string {
	prompt := entry.Prompt
	if len(entry.Params) > 0 && string(entry.Params) != "null" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += "Parameters:\n" + string(entry.Params)
	}
	return prompt
}

// validateSpawnInput checks prompt and params against the template's input
// schema. Templates without a schema accept anything.
func validateSpawnInput(tpl AgentTemplate, entry spawnEntry) error {
	if len(tpl.InputSchema) == 0 {
		return nil
	}
	doc := map[string]any{}
	if entry.Prompt != "" {
		doc["prompt"] = entry.Prompt
	}
	if len(entry.Params) > 0 {
		var params any
		if err := json.Unmarshal(entry.Params, &params); err != nil {
			return &ErrToolInput{Name: "spawn_agents", Reason: "params is not valid JSON: " + err.Error()}
		}
		doc["params"] = params
	}
	if err := validateAgainst(tpl.ID+".input", tpl.InputSchema, doc); err != nil {
		return &ErrToolInput{Name: "spawn_agents", Reason: err.Error()}
	}
	return nil
}

// runChild drives one spawned child to termination and fills its slot. The
// child's credits roll up into the parent; a handler fault or model failure
// becomes a structured error in the slot, never a parent failure.
func (r *agentRun) runChild(ctx context.Context, slot *spawnSlot, child *agentRun, prompt string) {
	if !child.hidden {
		r.sess.sink.register(child.state.AgentID)
	}
	child.emit(ctx, Event{Type: EventSubagentStart, AgentType: child.state.AgentType, Text: prompt})

	err := child.run(ctx)

	r.histMu.Lock()
	r.state.CreditsUsed += child.state.CreditsUsed
	r.histMu.Unlock()

	if err != nil {
		if child.state.Output == nil {
			child.state.Output = ErrorOutput(err.Error())
		}
		slot.Error = err.Error()
		child.emit(ctx, Event{Type: EventSubagentFinish, AgentType: child.state.AgentType, Text: err.Error()})
		return
	}
	slot.Output = child.state.Output
	child.emit(ctx, Event{Type: EventSubagentFinish, AgentType: child.state.AgentType})
}

// spawnAgentInline serves the spawn_agent_inline builtin: one child that
// mutates the parent's history directly until it calls end_turn. No separate
// result returns to the parent; the child's text streams as response_chunk
// events. Only one inline child may run at a time per parent.
func (r *agentRun) spawnAgentInline(ctx context.Context, tc ToolCall) ([]Part, error) {
	var entry spawnEntry
	if err := json.Unmarshal(tc.Input, &entry); err != nil {
		return nil, err
	}

	r.histMu.Lock()
	if r.inlineActive {
		r.histMu.Unlock()
		return nil, fmt.Errorf("spawn_agent_inline: an inline child is already running")
	}
	r.inlineActive = true
	r.histMu.Unlock()
	defer func() {
		r.histMu.Lock()
		r.inlineActive = false
		r.histMu.Unlock()
	}()

	if !r.tpl.CanSpawn(entry.AgentType) {
		return nil, &ErrUnspawnable{AgentType: entry.AgentType, Parent: r.state.AgentType}
	}
	tpl, err := r.sess.eng.templates.Get(entry.AgentType)
	if err != nil {
		return nil, err
	}
	if err := validateSpawnInput(tpl, entry); err != nil {
		return nil, err
	}

	state := &AgentState{
		AgentID:   NewID(),
		ParentID:  r.state.AgentID,
		AgentType: entry.AgentType,
	}
	if !r.hidden {
		r.histMu.Lock()
		r.state.ChildIDs = append(r.state.ChildIDs, state.AgentID)
		r.histMu.Unlock()
		r.sess.addSubagent(state)
	}

	if prompt := renderPrompt(entry); prompt != "" {
		if m, perr := UserMessage(prompt); perr == nil {
			r.histMu.Lock()
			r.hist.Append(m)
			r.histMu.Unlock()
		}
	}

	child := newAgentRun(r.sess, tpl, state)
	child.hist = r.hist // the inline child writes into the parent's history
	child.chunkEvents = true
	child.hidden = r.hidden

	if !child.hidden {
		r.sess.sink.register(state.AgentID)
	}
	child.emit(ctx, Event{Type: EventSubagentStart, AgentType: entry.AgentType, Text: entry.Prompt})
	err = child.run(ctx)
	r.histMu.Lock()
	r.state.CreditsUsed += child.state.CreditsUsed
	r.histMu.Unlock()
	if err != nil {
		child.emit(ctx, Event{Type: EventSubagentFinish, AgentType: entry.AgentType, Text: err.Error()})
		return nil, err
	}
	child.emit(ctx, Event{Type: EventSubagentFinish, AgentType: entry.AgentType})
	return []Part{TextPart("inline agent finished")}, nil
}
