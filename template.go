package stride

import (
	"context"
	"encoding/json"
	"fmt"
)

// OutputMode decides how an agent's terminal output is shaped.
type OutputMode string

const (
	// OutputLastMessage returns the terminal assistant message content.
	OutputLastMessage OutputMode = "last_message"
	// OutputAllMessages returns the full history minus seeded scaffolding.
	OutputAllMessages OutputMode = "all_messages"
	// OutputStructured returns the value set by set_output, validated against
	// the template's output schema.
	OutputStructured OutputMode = "structured_output"
)

// AgentTemplate is the read-only definition an agent runs from. Live state
// lives in AgentState; a template is shared by every agent of its type.
type AgentTemplate struct {
	ID                 string          `json:"id"`
	Model              string          `json:"model"`
	SystemPrompt       string          `json:"systemPrompt,omitempty"`
	InstructionsPrompt string          `json:"instructionsPrompt,omitempty"`
	StepPrompt         string          `json:"stepPrompt,omitempty"`
	ToolNames          []string        `json:"toolNames,omitempty"`
	SpawnableAgents    []string        `json:"spawnableAgents,omitempty"`
	InputSchema        json.RawMessage `json:"inputSchema,omitempty"`
	OutputMode         OutputMode      `json:"outputMode,omitempty"`
	OutputSchema       json.RawMessage `json:"outputSchema,omitempty"`

	// IncludeMessageHistory seeds a spawned child with a copy of its parent's
	// history instead of fresh scaffolding.
	IncludeMessageHistory bool `json:"includeMessageHistory,omitempty"`
	// InheritParentSystemPrompt substitutes the parent's system prompt for
	// the template's own when spawning.
	InheritParentSystemPrompt bool `json:"inheritParentSystemPrompt,omitempty"`
	// MaxAgentSteps caps the step count for this agent type. Zero means the
	// engine default.
	MaxAgentSteps int `json:"maxAgentSteps,omitempty"`

	// Handler, when set, replaces the default generate-and-execute cycle with
	// programmatic control flow. Termination is then governed by the handler.
	Handler StepHandler `json:"-"`
}

// CanSpawn reports whether the template's allow-list includes agentType.
func (t AgentTemplate) CanSpawn(agentType string) bool {
	for _, id := range t.SpawnableAgents {
		if id == agentType {
			return true
		}
	}
	return false
}

// DirectiveKind identifies a step handler directive.
type DirectiveKind string

const (
	// DirectiveStep runs exactly one default generate-and-execute cycle.
	DirectiveStep DirectiveKind = "STEP"
	// DirectiveStepAll runs default cycles until the agent would terminate.
	DirectiveStepAll DirectiveKind = "STEP_ALL"
	// DirectiveStepText appends text as an assistant message, counted as one step.
	DirectiveStepText DirectiveKind = "STEP_TEXT"
	// DirectiveGenerateN generates N independent completions of the current
	// prompt and returns them to the handler without touching history.
	DirectiveGenerateN DirectiveKind = "GENERATE_N"
	// DirectiveToolCall invokes a tool directly without a model call.
	DirectiveToolCall DirectiveKind = "TOOL_CALL"
)

// Directive is one unit of work a step handler yields to the driver.
type Directive struct {
	Kind DirectiveKind

	// Text is the assistant text for STEP_TEXT.
	Text string
	// N is the completion count for GENERATE_N.
	N int
	// ToolName and ToolInput describe the call for TOOL_CALL.
	ToolName  string
	ToolInput json.RawMessage
	// Hidden suppresses recording the TOOL_CALL and its result in history.
	// Anything the hidden call produces reaches the handler only through the
	// resume value.
	Hidden bool
}

// Step returns a STEP directive.
func Step() Directive { return Directive{Kind: DirectiveStep} }

// StepAll returns a STEP_ALL directive.
func StepAll() Directive { return Directive{Kind: DirectiveStepAll} }

// StepText returns a STEP_TEXT directive carrying text.
func StepText(text string) Directive { return Directive{Kind: DirectiveStepText, Text: text} }

// GenerateN returns a GENERATE_N directive for n completions.
func GenerateN(n int) Directive { return Directive{Kind: DirectiveGenerateN, N: n} }

// CallTool returns a TOOL_CALL directive.
func CallTool(name string, input json.RawMessage) Directive {
	return Directive{Kind: DirectiveToolCall, ToolName: name, ToolInput: input}
}

// CallToolHidden returns a TOOL_CALL directive whose call and result stay out
// of history.
func CallToolHidden(name string, input json.RawMessage) Directive {
	return Directive{Kind: DirectiveToolCall, ToolName: name, ToolInput: input, Hidden: true}
}

// Resume is the value the driver resumes a step handler with after executing
// its directive. The handler observes only whole-step results, never partial
// generation.
type Resume struct {
	// State is the agent's live state after the directive.
	State *AgentState
	// ToolResult carries the output parts of a TOOL_CALL directive.
	ToolResult []Part
	// StepsComplete reports whether the agent would have terminated under the
	// default rule (STEP, STEP_ALL, and STEP_TEXT directives).
	StepsComplete bool
	// Responses carries the completions of a GENERATE_N directive.
	Responses []ModelResponse
}

// YieldFunc executes one directive and blocks until its resume value is
// ready. The driver never interleaves two directives from one handler.
type YieldFunc func(Directive) (Resume, error)

// StepHandler is an agent's programmatic control flow: a cooperative
// generator that yields directives and receives resume values. When the
// handler returns nil the agent terminates, regardless of whether the model
// would have continued. A non-nil error or a panic is a handler fault: the
// agent terminates with an error output and history is preserved through the
// last completed directive.
type StepHandler func(ctx context.Context, yield YieldFunc) error

// TemplateRegistry resolves agent type ids to templates. Registration happens
// at engine construction; afterwards the registry is immutable and safe for
// concurrent use.
type TemplateRegistry struct {
	templates map[string]AgentTemplate
}

// NewTemplateRegistry creates a registry from the given templates.
func NewTemplateRegistry(templates ...AgentTemplate) (*TemplateRegistry, error) {
	r := &TemplateRegistry{templates: make(map[string]AgentTemplate, len(templates))}
	for _, t := range templates {
		if err := r.add(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *TemplateRegistry) add(t AgentTemplate) error {
	if t.ID == "" {
		return fmt.Errorf("register template: empty id")
	}
	if _, ok := r.templates[t.ID]; ok {
		return fmt.Errorf("register template %s: already registered", t.ID)
	}
	if t.OutputMode == "" {
		t.OutputMode = OutputLastMessage
	}
	switch t.OutputMode {
	case OutputLastMessage, OutputAllMessages, OutputStructured:
	default:
		return fmt.Errorf("register template %s: unknown output mode %q", t.ID, t.OutputMode)
	}
	r.templates[t.ID] = t
	return nil
}

// Get resolves an agent type id.
func (r *TemplateRegistry) Get(id string) (AgentTemplate, error) {
	t, ok := r.templates[id]
	if !ok {
		return AgentTemplate{}, fmt.Errorf("unknown agent template: %s", id)
	}
	return t, nil
}

// Has reports whether id is registered.
func (r *TemplateRegistry) Has(id string) bool {
	_, ok := r.templates[id]
	return ok
}
