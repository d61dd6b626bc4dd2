package stride

import (
	"encoding/json"
	"slices"
)

// AgentState is the live, mutable state of one agent: its message history,
// credit accounting, and family linkage. It is owned and mutated only by the
// step loop driving it; an inline child mutates its parent's history by
// design. Parent and child reference each other by id only, through the
// session's SubagentsByID map.
type AgentState struct {
	AgentID   string `json:"agentId"`
	ParentID  string `json:"parentId,omitempty"`
	AgentType string `json:"agentType"`

	Messages []Message `json:"messages"`

	// CreditsUsed includes every descendant's spend; DirectCreditsUsed counts
	// only this agent's own model calls.
	CreditsUsed       float64 `json:"creditsUsed"`
	DirectCreditsUsed float64 `json:"directCreditsUsed"`

	ChildIDs []string `json:"childIds,omitempty"`
	Output   *Output  `json:"output,omitempty"`
	StepsRun int      `json:"stepsRun,omitempty"`

	// structuredOutput is the last set_output value within the run.
	// Last-write-wins; shaped into Output on termination.
	structuredOutput json.RawMessage
	structuredSet    bool
}

// Append adds messages to the history, stamping SentAt on any that lack it.
func (s *AgentState) Append(msgs ...Message) {
	now := NowUnixMilli()
	for _, m := range msgs {
		if m.SentAt == 0 {
			m.SentAt = now
		}
		s.Messages = append(s.Messages, m)
	}
}

// LastAssistantText returns the text of the newest assistant message, or "".
func (s *AgentState) LastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i].Text()
		}
	}
	return ""
}

// clearLastAssistantTag removes the LAST_ASSISTANT_MESSAGE tag everywhere, so
// the caller can re-home it on the newest assistant message.
func (s *AgentState) clearLastAssistantTag() {
	for i, m := range s.Messages {
		if m.HasTag(TagLastAssistant) {
			s.Messages[i] = m.WithoutTag(TagLastAssistant)
		}
	}
}

// SessionState is everything a session carries between runs: the main agent,
// every subagent it transitively spawned (looked up by id so finish events
// may arrive out of order), and the client's project file context.
type SessionState struct {
	MainAgent     *AgentState            `json:"mainAgent"`
	SubagentsByID map[string]*AgentState `json:"subagentsById,omitempty"`
	FileContext   FileContext            `json:"fileContext"`
}

// NewSessionState creates a fresh session for an agent of the given type.
func NewSessionState(agentType string, fc FileContext) *SessionState {
	return &SessionState{
		MainAgent: &AgentState{
			AgentID:   NewID(),
			AgentType: agentType,
		},
		SubagentsByID: make(map[string]*AgentState),
		FileContext:   fc,
	}
}

// Clone deep-copies the session state. Used to preserve the caller's state
// across a failed run.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	out := &SessionState{FileContext: s.FileContext}
	out.FileContext.IgnorePatterns = slices.Clone(s.FileContext.IgnorePatterns)
	out.FileContext.FileTree = slices.Clone(s.FileContext.FileTree)
	if s.MainAgent != nil {
		out.MainAgent = s.MainAgent.clone()
	}
	if s.SubagentsByID != nil {
		out.SubagentsByID = make(map[string]*AgentState, len(s.SubagentsByID))
		for id, a := range s.SubagentsByID {
			out.SubagentsByID[id] = a.clone()
		}
	}
	return out
}

func (s *AgentState) clone() *AgentState {
	out := *s
	out.Messages = CloneMessages(s.Messages)
	out.ChildIDs = slices.Clone(s.ChildIDs)
	out.structuredOutput = slices.Clone(s.structuredOutput)
	if s.Output != nil {
		o := *s.Output
		out.Output = &o
	}
	return &out
}

// OutputType discriminates the shaped output union.
type OutputType string

const (
	OutputTypeLastMessage OutputType = "lastMessage"
	OutputTypeAllMessages OutputType = "allMessages"
	OutputTypeStructured  OutputType = "structuredOutput"
	OutputTypeError       OutputType = "error"
)

// Output is an agent's shaped terminal result.
type Output struct {
	Type OutputType `json:"type"`
	// Value is []Part for lastMessage, []Message for allMessages, and an
	// arbitrary JSON value for structuredOutput.
	Value any `json:"value,omitempty"`
	// Message is set for error outputs.
	Message string `json:"message,omitempty"`
}

// ErrorOutput returns an error-shaped output.
func ErrorOutput(message string) *Output {
	return &Output{Type: OutputTypeError, Message: message}
}

// shapeOutput converts an agent's terminal state into its template's output
// shape. A structured-output agent that never called set_output shapes to a
// null value; the caller emits the warning event.
func shapeOutput(tpl AgentTemplate, state *AgentState) (*Output, bool) {
	switch tpl.OutputMode {
	case OutputAllMessages:
		var out []Message
		for _, m := range state.Messages {
			if m.HasTag(TagSystemPrompt) || m.HasTag(TagInstructions) {
				continue
			}
			out = append(out, m)
		}
		return &Output{Type: OutputTypeAllMessages, Value: out}, true

	case OutputStructured:
		if !state.structuredSet {
			return &Output{Type: OutputTypeStructured, Value: nil}, false
		}
		var v any
		if err := json.Unmarshal(state.structuredOutput, &v); err != nil {
			return ErrorOutput("structured output is not valid JSON: " + err.Error()), true
		}
		return &Output{Type: OutputTypeStructured, Value: v}, true

	default: // last_message
		for i := len(state.Messages) - 1; i >= 0; i-- {
			if state.Messages[i].Role == RoleAssistant {
				return &Output{Type: OutputTypeLastMessage, Value: state.Messages[i].Parts}, true
			}
		}
		return &Output{Type: OutputTypeLastMessage, Value: []Part{}}, true
	}
}
