package stride

import (
	"encoding/json"
	"reflect"
	"slices"
	"strings"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind identifies the shape of a content part.
type PartKind string

const (
	PartText      PartKind = "text"
	PartImage     PartKind = "image"
	PartFile      PartKind = "file"
	PartReasoning PartKind = "reasoning"
	PartToolCall  PartKind = "tool-call"
	PartJSON      PartKind = "json"
	PartMedia     PartKind = "media"
)

// Tags the engine attaches to messages. Tags govern retention, cache marking,
// and aggregation; they are stripped before transport to the model.
const (
	// TagUserPrompt marks the user message that started a run.
	TagUserPrompt = "USER_PROMPT"
	// TagStepPrompt marks the per-step instruction appended at compose time.
	// Step prompts are transport-only and never persisted in history.
	TagStepPrompt = "STEP_PROMPT"
	// TagLastAssistant marks the newest assistant message; re-homed each step.
	TagLastAssistant = "LAST_ASSISTANT_MESSAGE"
	// TagEphemeral marks tool results collected at the start of the next run.
	TagEphemeral = "AGENT_STEP_EPHEMERAL"
	// TagSystemPrompt marks seeded system scaffolding, excluded from
	// all_messages output shaping.
	TagSystemPrompt = "SYSTEM_PROMPT"
	// TagInstructions marks seeded instruction scaffolding.
	TagInstructions = "INSTRUCTIONS_PROMPT"
)

// ProviderOptions is an opaque provider → key → value bag carried by messages
// and parts. The engine only ever writes cache-control entries; everything
// else passes through to the provider adapter untouched.
type ProviderOptions map[string]map[string]any

// ToolCall is a structured request to invoke a tool by name with typed input.
// ID is unique within the owning agent's history.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Part is one ordered unit of message content. Kind decides which fields are
// meaningful: text and reasoning use Text; image, file, and media use
// MimeType/Data/URL; tool-call uses ToolCall; json uses Value.
type Part struct {
	Kind            PartKind        `json:"kind"`
	Text            string          `json:"text,omitempty"`
	MimeType        string          `json:"mimeType,omitempty"`
	Data            string          `json:"data,omitempty"` // base64 payload
	URL             string          `json:"url,omitempty"`
	ToolCall        *ToolCall       `json:"toolCall,omitempty"`
	Value           json.RawMessage `json:"value,omitempty"`
	ProviderOptions ProviderOptions `json:"providerOptions,omitempty"`
}

// TextPart returns a text content part.
func TextPart(text string) Part { return Part{Kind: PartText, Text: text} }

// ReasoningPart returns a reasoning content part.
func ReasoningPart(text string) Part { return Part{Kind: PartReasoning, Text: text} }

// ImagePart returns an image part carrying base64 data.
func ImagePart(mimeType, data string) Part {
	return Part{Kind: PartImage, MimeType: mimeType, Data: data}
}

// FilePart returns a file part carrying base64 data.
func FilePart(mimeType, data string) Part {
	return Part{Kind: PartFile, MimeType: mimeType, Data: data}
}

// ToolCallPart returns an assistant tool-call part.
func ToolCallPart(tc ToolCall) Part { return Part{Kind: PartToolCall, ToolCall: &tc} }

// JSONPart returns a tool output part holding a JSON value.
func JSONPart(v json.RawMessage) Part { return Part{Kind: PartJSON, Value: v} }

// MediaPart returns a tool output part holding binary media.
func MediaPart(mimeType, data string) Part {
	return Part{Kind: PartMedia, MimeType: mimeType, Data: data}
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := p
	if p.ToolCall != nil {
		tc := *p.ToolCall
		tc.Input = slices.Clone(p.ToolCall.Input)
		out.ToolCall = &tc
	}
	out.Value = slices.Clone(p.Value)
	out.ProviderOptions = p.ProviderOptions.clone()
	return out
}

// Message is one entry in an agent's history. The role decides which part
// kinds are valid; tool messages additionally bind the call they answer.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`

	// Tool role only.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`

	Tags            []string        `json:"tags,omitempty"`
	ProviderOptions ProviderOptions `json:"providerOptions,omitempty"`
	SentAt          int64           `json:"sentAt,omitempty"` // ms since epoch
}

// validParts lists the part kinds each role accepts.
var validParts = map[Role][]PartKind{
	RoleSystem:    {PartText},
	RoleUser:      {PartText, PartImage, PartFile},
	RoleAssistant: {PartText, PartReasoning, PartToolCall},
	RoleTool:      {PartJSON, PartMedia, PartText},
}

// NewMessage constructs a role-typed message from parts, enforcing the
// role/part-kind pairing. System, user, and assistant messages require at
// least one part.
func NewMessage(role Role, parts ...Part) (Message, error) {
	allowed, ok := validParts[role]
	if !ok {
		return Message{}, &ErrInvalidContent{Role: role, Reason: "unknown role"}
	}
	if role != RoleTool && len(parts) == 0 {
		return Message{}, &ErrInvalidContent{Role: role, Reason: "empty content"}
	}
	for _, p := range parts {
		if !slices.Contains(allowed, p.Kind) {
			return Message{}, &ErrInvalidContent{Role: role, Reason: "part kind " + string(p.Kind) + " not valid for role"}
		}
	}
	return Message{Role: role, Parts: parts}, nil
}

// SystemMessage constructs a system message from text.
func SystemMessage(text string) (Message, error) {
	if text == "" {
		return Message{}, &ErrInvalidContent{Role: RoleSystem, Reason: "empty content"}
	}
	return NewMessage(RoleSystem, TextPart(text))
}

// UserMessage constructs a user message from text.
func UserMessage(text string) (Message, error) {
	if text == "" {
		return Message{}, &ErrInvalidContent{Role: RoleUser, Reason: "empty content"}
	}
	return NewMessage(RoleUser, TextPart(text))
}

// AssistantMessage constructs an assistant message from text.
func AssistantMessage(text string) (Message, error) {
	if text == "" {
		return Message{}, &ErrInvalidContent{Role: RoleAssistant, Reason: "empty content"}
	}
	return NewMessage(RoleAssistant, TextPart(text))
}

// ToolMessage constructs a tool result message bound to the call it answers.
// Output parts are optional; the binding is not.
func ToolMessage(callID, toolName string, outputs ...Part) (Message, error) {
	if callID == "" || toolName == "" {
		return Message{}, &ErrInvalidContent{Role: RoleTool, Reason: "missing tool call binding"}
	}
	m, err := NewMessage(RoleTool, outputs...)
	if err != nil {
		return Message{}, err
	}
	m.ToolCallID = callID
	m.ToolName = toolName
	return m, nil
}

// WithTags returns a copy of the message carrying the given tags in addition
// to any it already has. Tags are kept sorted and deduplicated.
func (m Message) WithTags(tags ...string) Message {
	out := m
	out.Tags = slices.Clone(m.Tags)
	for _, t := range tags {
		if !slices.Contains(out.Tags, t) {
			out.Tags = append(out.Tags, t)
		}
	}
	slices.Sort(out.Tags)
	return out
}

// WithoutTag returns a copy of the message with the tag removed.
func (m Message) WithoutTag(tag string) Message {
	out := m
	out.Tags = slices.DeleteFunc(slices.Clone(m.Tags), func(t string) bool { return t == tag })
	if len(out.Tags) == 0 {
		out.Tags = nil
	}
	return out
}

// HasTag reports whether the message carries the tag.
func (m Message) HasTag(tag string) bool { return slices.Contains(m.Tags, tag) }

// Text returns the concatenation of the message's text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool-call parts of an assistant message, in order.
func (m Message) ToolCalls() []ToolCall {
	var out []ToolCall
	for _, p := range m.Parts {
		if p.Kind == PartToolCall && p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		out.Parts[i] = p.Clone()
	}
	out.Tags = slices.Clone(m.Tags)
	out.ProviderOptions = m.ProviderOptions.clone()
	return out
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func (po ProviderOptions) clone() ProviderOptions {
	if po == nil {
		return nil
	}
	out := make(ProviderOptions, len(po))
	for provider, kv := range po {
		inner := make(map[string]any, len(kv))
		for k, v := range kv {
			inner[k] = v
		}
		out[provider] = inner
	}
	return out
}

// equalOptions compares provider-option bags by value. Values are arbitrary
// JSON-shaped data, so this leans on reflect.DeepEqual.
func equalOptions(a, b ProviderOptions) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func equalTags(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return slices.Equal(a, b)
}

// aggregatable reports whether b may fuse into a. Tool messages never fuse.
func aggregatable(a, b Message) bool {
	if a.Role != b.Role || a.Role == RoleTool {
		return false
	}
	return equalTags(a.Tags, b.Tags) && equalOptions(a.ProviderOptions, b.ProviderOptions)
}

// Aggregate collapses runs of adjacent same-role messages whose tags and
// provider options are equal. System runs join their text with "\n\n" into a
// single text part; user and assistant runs append part lists. Tool messages
// are never fused. The input is not mutated and order is preserved.
func Aggregate(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if len(out) > 0 && aggregatable(out[len(out)-1], m) {
			last := &out[len(out)-1]
			if m.Role == RoleSystem {
				joined := last.Text() + "\n\n" + m.Text()
				last.Parts = []Part{TextPart(joined)}
			} else {
				for _, p := range m.Parts {
					last.Parts = append(last.Parts, p.Clone())
				}
			}
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

// StripTags returns transport copies of msgs with tags removed. Provider
// options and parts are shared with the input; callers must not mutate them.
func StripTags(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		out[i].Tags = nil
	}
	return out
}
