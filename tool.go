package stride

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Definition describes one callable tool: its input schema plus the flags the
// step loop schedules by.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON schema for input

	// EndsAgentStep marks terminal tools: invoking one ends the agent's turn
	// after the current step completes.
	EndsAgentStep bool `json:"endsAgentStep,omitempty"`
	// Soft tools never force another step. A step whose executed tools are
	// all soft terminates the agent.
	Soft bool `json:"soft,omitempty"`
	// ClientSide tools round-trip through the client exchange instead of
	// executing in-process.
	ClientSide bool `json:"clientSide,omitempty"`
	// Durable tool results stay in history across runs instead of carrying
	// the default ephemeral tag.
	Durable bool `json:"durable,omitempty"`
	// Hidden tools leave no trace in history: the call part is removed from
	// the assistant message and no tool message is recorded.
	Hidden bool `json:"hidden,omitempty"`
	// TimeoutSeconds bounds the engine-side wait for this tool. Zero means
	// the engine default, -1 disables the deadline.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// Handler executes an engine-side tool call and returns its ordered output
// parts. A nil error with no parts is a valid empty result.
type Handler func(ctx context.Context, call ToolCall) ([]Part, error)

// Registry resolves tool names to definitions and handlers and validates
// call input against the declared schema. Registration happens at engine
// construction; afterwards the registry is immutable and safe for concurrent
// use.
type Registry struct {
	order    []string
	defs     map[string]Definition
	handlers map[string]Handler
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:     make(map[string]Definition),
		handlers: make(map[string]Handler),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Engine-side tools need a handler; client-side tools
// pass nil and are routed through the client exchange. The input schema is
// compiled eagerly so malformed schemas fail at construction, not mid-run.
func (r *Registry) Register(def Definition, h Handler) error {
	if def.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("register tool %s: already registered", def.Name)
	}
	if !def.ClientSide && h == nil {
		return fmt.Errorf("register tool %s: engine-side tool needs a handler", def.Name)
	}
	schema, err := compileSchema(def.Name, def.Parameters)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", def.Name, err)
	}
	r.order = append(r.order, def.Name)
	r.defs[def.Name] = def
	if h != nil {
		r.handlers[def.Name] = h
	}
	if schema != nil {
		r.schemas[def.Name] = schema
	}
	return nil
}

// registerBuiltin adds an engine-dispatched tool definition. Builtins are
// executed by the step loop itself, so no handler is stored; their schemas
// still validate input like any other tool.
func (r *Registry) registerBuiltin(def Definition) {
	if _, ok := r.defs[def.Name]; ok {
		return
	}
	schema, err := compileSchema(def.Name, def.Parameters)
	if err != nil {
		panic(fmt.Sprintf("builtin tool %s: invalid schema: %v", def.Name, err))
	}
	r.order = append(r.order, def.Name)
	r.defs[def.Name] = def
	if schema != nil {
		r.schemas[def.Name] = schema
	}
}

// Resolve returns the definition and handler for name. Client-side tools
// resolve with a nil handler. Unknown names fail with ErrUnknownTool.
func (r *Registry) Resolve(name string) (Definition, Handler, error) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, nil, &ErrUnknownTool{Name: name}
	}
	return def, r.handlers[name], nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.defs[name]
	return ok
}

// Definitions returns the named definitions in the given order. Unknown names
// are skipped: a template may list tools the session did not provide. With no
// names it returns every definition in registration order.
func (r *Registry) Definitions(names ...string) []Definition {
	if len(names) == 0 {
		names = r.order
	}
	out := make([]Definition, 0, len(names))
	for _, n := range names {
		if def, ok := r.defs[n]; ok {
			out = append(out, def)
		}
	}
	return out
}

// ValidateInput checks input against the tool's declared schema. Tools
// without a schema accept anything. Empty input validates as an empty object.
func (r *Registry) ValidateInput(name string, input json.RawMessage) error {
	if _, ok := r.defs[name]; !ok {
		return &ErrUnknownTool{Name: name}
	}
	schema, ok := r.schemas[name]
	if !ok {
		return nil
	}
	var doc any = map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &doc); err != nil {
			return &ErrToolInput{Name: name, Reason: "input is not valid JSON: " + err.Error()}
		}
	}
	if err := schema.Validate(doc); err != nil {
		return &ErrToolInput{Name: name, Reason: err.Error()}
	}
	return nil
}

// WithClientTools returns a copy of the registry extended with dynamically
// announced client-side tools (MCP discovery). The receiver is unchanged.
// Tools whose names collide with registered ones are dropped.
func (r *Registry) WithClientTools(defs []Definition) (*Registry, error) {
	out := NewRegistry()
	for _, name := range r.order {
		out.order = append(out.order, name)
		out.defs[name] = r.defs[name]
		if h, ok := r.handlers[name]; ok {
			out.handlers[name] = h
		}
		if s, ok := r.schemas[name]; ok {
			out.schemas[name] = s
		}
	}
	for _, def := range defs {
		if out.Has(def.Name) {
			continue
		}
		def.ClientSide = true
		if err := out.Register(def, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// compileSchema compiles a raw JSON schema document. A nil or empty schema
// compiles to nil, meaning "accept anything".
func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema is not valid JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

// validateAgainst validates a JSON document against a raw schema. Used for
// spawn input and structured output, which carry their schemas on templates
// rather than in the registry.
func validateAgainst(schemaName string, raw json.RawMessage, doc any) error {
	schema, err := compileSchema(schemaName, raw)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	return schema.Validate(doc)
}
