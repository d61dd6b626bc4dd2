package stride

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

// Engine-side builtin tools. Definitions live here; execution happens inside
// the step loop via dispatchBuiltin, so the registry stores no handlers for
// them. Soft tools never force another step on their own; end_turn is the
// one terminal builtin.
var builtinToolDefs = []Definition{
	{
		Name:          "end_turn",
		Description:   "End the agent's turn immediately.",
		Parameters:    json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		EndsAgentStep: true,
	},
	{
		Name:        "set_output",
		Description: "Set the agent's structured output. Last write wins within a step.",
		Parameters:  json.RawMessage(`{"type":"object"}`),
		Soft:        true,
		Hidden:      true,
	},
	{
		Name:        "add_message",
		Description: "Append a message to the conversation history.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"role":{"type":"string","enum":["user","assistant"]},"content":{"type":"string"}},"required":["role","content"]}`),
		Soft:        true,
	},
	{
		Name:        "set_messages",
		Description: "Replace the conversation history, keeping seeded scaffolding.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"messages":{"type":"array","items":{"type":"object","properties":{"role":{"type":"string","enum":["user","assistant"]},"content":{"type":"string"}},"required":["role","content"]}}},"required":["messages"]}`),
		Soft:        true,
		Hidden:      true,
	},
	{
		Name:        "think_deeply",
		Description: "Record a private chain of thought before acting.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"thought":{"type":"string"}},"required":["thought"]}`),
		Soft:        true,
	},
	{
		Name:        "suggest_followups",
		Description: "Suggest follow-up prompts for the user.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"followups":{"type":"array","items":{"type":"string"}}},"required":["followups"]}`),
		Soft:        true,
	},
	{
		Name:        "task_completed",
		Description: "Mark the current task as completed.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"}}}`),
		Soft:        true,
	},
	{
		Name:        "write_todos",
		Description: "Write or update the working todo list.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"todos":{"type":"array","items":{"type":"object"}}},"required":["todos"]}`),
		Soft:        true,
	},
	{
		Name:        "add_subgoal",
		Description: "Record a new subgoal in the working plan.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"},"objective":{"type":"string"}},"required":["objective"]}`),
		Soft:        true,
	},
	{
		Name:        "update_subgoal",
		Description: "Update the status of an existing subgoal.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"},"status":{"type":"string"},"notes":{"type":"string"}},"required":["id"]}`),
		Soft:        true,
	},
	{
		Name:        "spawn_agents",
		Description: "Spawn subagents that run in parallel and return their outputs in entry order.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"agents":{"type":"array","items":{"type":"object","properties":{"agent_type":{"type":"string"},"prompt":{"type":"string"},"params":{"type":"object"}},"required":["agent_type"]}}},"required":["agents"]}`),
	},
	{
		Name:        "spawn_agent_inline",
		Description: "Run a single subagent inside the current conversation until it calls end_turn.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"agent_type":{"type":"string"},"prompt":{"type":"string"},"params":{"type":"object"}},"required":["agent_type"]}`),
	},
	{
		Name:        "read_files",
		Description: "Read project files through the access gate.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"paths":{"type":"array","items":{"type":"string"}}},"required":["paths"]}`),
	},
}

// registerBuiltins installs the builtin definitions into a registry.
func registerBuiltins(r *Registry) {
	for _, def := range builtinToolDefs {
		r.registerBuiltin(def)
	}
}

// dispatchBuiltin executes the builtin special-case tools. Returns
// (parts, true, err) when the call was handled, or (nil, false, nil) when the
// caller should proceed with its own routing (client exchange, registry
// handlers).
func (r *agentRun) dispatchBuiltin(ctx context.Context, tc ToolCall) ([]Part, bool, error) {
	switch tc.Name {
	case "end_turn":
		return nil, true, nil

	case "set_output":
		r.state.structuredOutput = slices.Clone(tc.Input)
		r.state.structuredSet = true
		return nil, true, nil

	case "add_message":
		var in struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(tc.Input, &in); err != nil {
			return nil, true, err
		}
		msg, err := NewMessage(Role(in.Role), TextPart(in.Content))
		if err != nil {
			return nil, true, err
		}
		r.histMu.Lock()
		r.hist.Append(msg)
		r.histMu.Unlock()
		return []Part{TextPart("message added")}, true, nil

	case "set_messages":
		var in struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.Unmarshal(tc.Input, &in); err != nil {
			return nil, true, err
		}
		var replaced []Message
		r.histMu.Lock()
		for _, m := range r.hist.Messages {
			if m.HasTag(TagSystemPrompt) || m.HasTag(TagInstructions) {
				replaced = append(replaced, m)
			}
		}
		r.histMu.Unlock()
		for _, entry := range in.Messages {
			msg, err := NewMessage(Role(entry.Role), TextPart(entry.Content))
			if err != nil {
				return nil, true, err
			}
			msg.SentAt = NowUnixMilli()
			replaced = append(replaced, msg)
		}
		r.histMu.Lock()
		r.hist.Messages = replaced
		r.histMu.Unlock()
		return nil, true, nil

	case "think_deeply":
		return []Part{TextPart("Thought recorded.")}, true, nil

	case "suggest_followups", "task_completed", "write_todos", "add_subgoal", "update_subgoal":
		// Bookkeeping tools: the call itself is the record; the result is an
		// acknowledgement the model can move past.
		return []Part{TextPart("ok")}, true, nil

	case "spawn_agents":
		parts, err := r.spawnAgents(ctx, tc)
		return parts, true, err

	case "spawn_agent_inline":
		parts, err := r.spawnAgentInline(ctx, tc)
		return parts, true, err

	case "read_files":
		parts, err := r.readFiles(ctx, tc)
		return parts, true, err
	}
	return nil, false, nil
}

// readFiles serves the read_files builtin: the client read-files fast path
// when an exchange is connected, direct disk reads under PROJECT_ROOT
// otherwise. Every path passes the access gate either way.
func (r *agentRun) readFiles(ctx context.Context, tc ToolCall) ([]Part, error) {
	var in struct {
		Paths []string `json:"paths"`
	}
	if err := json.Unmarshal(tc.Input, &in); err != nil {
		return nil, err
	}
	fc := r.sess.state.FileContext
	filter := r.sess.eng.filter

	contents := make(map[string]string, len(in.Paths))
	if ex := r.sess.eng.exchange; ex != nil {
		fetched, err := ex.ReadFiles(ctx, in.Paths)
		if err != nil {
			return nil, err
		}
		for _, p := range in.Paths {
			contents[p] = GateFileContents(fc, filter, p, fetched[p])
		}
	} else {
		for _, p := range in.Paths {
			contents[p] = ReadProjectFile(fc, filter, p)
		}
	}

	raw, err := json.Marshal(contents)
	if err != nil {
		return nil, fmt.Errorf("encode read_files result: %w", err)
	}
	return []Part{JSONPart(raw)}, nil
}

// unmarshalLoose decodes raw JSON into v, treating empty input as null.
func unmarshalLoose(raw json.RawMessage, v *any) error {
	if len(raw) == 0 {
		*v = nil
		return nil
	}
	return json.Unmarshal(raw, v)
}
