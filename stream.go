package stride

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// EventType identifies the kind of streaming event.
type EventType string

const (
	// EventStart signals an agent has begun running. It precedes every other
	// event carrying that agent's id.
	EventStart EventType = "start"
	// EventFinish signals an agent has terminated. The root agent's finish is
	// the last event in the stream.
	EventFinish EventType = "finish"
	// EventError carries a non-recoverable failure for one agent.
	EventError EventType = "error"
	// EventText carries an incremental text chunk from the model.
	EventText EventType = "text"
	// EventReasoningDelta carries an incremental reasoning chunk.
	EventReasoningDelta EventType = "reasoning_delta"
	// EventToolCall signals a tool is about to be invoked.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the result of a completed tool call.
	EventToolResult EventType = "tool_result"
	// EventSubagentStart signals a child agent has been spawned.
	EventSubagentStart EventType = "subagent_start"
	// EventSubagentFinish signals a child agent has completed.
	EventSubagentFinish EventType = "subagent_finish"
	// EventResponseChunk carries text an inline child streams into its
	// parent's turn.
	EventResponseChunk EventType = "response_chunk"
	// EventDownload announces a media artifact produced by a tool result.
	EventDownload EventType = "download"
	// EventWarning carries a recoverable anomaly (missing structured output,
	// dropped event, schema mismatch).
	EventWarning EventType = "warning"
)

// Event is one typed entry in the session's ordered progress stream. Every
// event carries the emitting agent's id; subagent events also carry the
// parent's.
type Event struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agentId"`
	ParentID  string    `json:"parentId,omitempty"`
	AgentType string    `json:"agentType,omitempty"`

	// Text carries the chunk for text, reasoning_delta, and response_chunk
	// events, and the message for error and warning events.
	Text string `json:"text,omitempty"`

	// Tool call fields (tool_call, tool_result).
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     []Part          `json:"output,omitempty"`

	// MimeType and Data describe the artifact of a download event.
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// eventSink fans events from every live agent of a session into the single
// caller-owned channel. The channel is bounded: producers block when the
// consumer falls behind, and unblock on session cancellation. Events from
// agent ids that were never registered are dropped with a warning instead of
// propagated.
type eventSink struct {
	ch     chan<- Event
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}

	closeOnce sync.Once
}

func newEventSink(ch chan<- Event, logger *slog.Logger) *eventSink {
	if logger == nil {
		logger = nopLogger
	}
	return &eventSink{ch: ch, logger: logger, known: make(map[string]struct{})}
}

// register admits an agent id to the stream. Called before the agent's start
// event is emitted.
func (s *eventSink) register(agentID string) {
	s.mu.Lock()
	s.known[agentID] = struct{}{}
	s.mu.Unlock()
}

func (s *eventSink) registered(agentID string) bool {
	s.mu.Lock()
	_, ok := s.known[agentID]
	s.mu.Unlock()
	return ok
}

// send delivers one event, blocking while the channel is full. Returns false
// when the event was dropped: unknown agent id or cancelled context.
func (s *eventSink) send(ctx context.Context, ev Event) bool {
	if ev.AgentID != "" && !s.registered(ev.AgentID) {
		s.logger.Warn("dropping event from unknown agent", "type", ev.Type, "agent", ev.AgentID)
		return false
	}
	if s.ch == nil {
		return true
	}
	// Delivery wins over cancellation while the channel has room, so the
	// terminal finish event still reaches a consumer of a cancelled run.
	select {
	case s.ch <- ev:
		return true
	default:
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// close closes the underlying channel exactly once. All orchestrator exit
// paths use this instead of raw close, preventing double-close panics.
func (s *eventSink) close() {
	if s.ch == nil {
		return
	}
	s.closeOnce.Do(func() { close(s.ch) })
}
