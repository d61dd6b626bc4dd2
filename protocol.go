package stride

import (
	"encoding/json"
	"fmt"
)

// Wire actions for the client protocol. Every frame is a JSON envelope with a
// "type" discriminator; DecodeAction and EncodeAction translate between frames
// and the typed structs. The gateway package carries these over WebSocket.

// Client→engine action types.
const (
	ActionInit              = "init"
	ActionPrompt            = "prompt"
	ActionToolCallResponse  = "tool-call-response"
	ActionReadFilesResponse = "read-files-response"
	ActionMCPToolData       = "mcp-tool-data"
	ActionCancelUserInput   = "cancel-user-input"
)

// Engine→client action types.
const (
	ActionResponseChunk         = "response-chunk"
	ActionSubagentResponseChunk = "subagent-response-chunk"
	ActionToolCallRequest       = "tool-call-request"
	ActionReadFiles             = "read-files"
	ActionPromptResponse        = "prompt-response"
	ActionPromptError           = "prompt-error"
	ActionRequestReconnect      = "request-reconnect"
)

// InitAction opens a client connection and seeds its file context.
type InitAction struct {
	FingerprintID string      `json:"fingerprintId"`
	AuthToken     string      `json:"authToken,omitempty"`
	FileContext   FileContext `json:"fileContext"`
	RepoURL       string      `json:"repoUrl,omitempty"`
}

// PromptAction submits one prompt against a session.
type PromptAction struct {
	PromptID      string          `json:"promptId"`
	Prompt        string          `json:"prompt,omitempty"`
	Content       []Part          `json:"content,omitempty"`
	PromptParams  json.RawMessage `json:"promptParams,omitempty"`
	FingerprintID string          `json:"fingerprintId"`
	SessionState  *SessionState   `json:"sessionState,omitempty"`
	ToolResults   []ToolResult    `json:"toolResults,omitempty"`
	Model         string          `json:"model,omitempty"`
	RepoURL       string          `json:"repoUrl,omitempty"`
	AgentID       string          `json:"agentId,omitempty"`
}

// ToolResult answers one outstanding client-side tool call.
type ToolResult struct {
	RequestID string `json:"requestId"`
	Output    []Part `json:"output"`
}

// ToolCallResponseAction delivers a client-side tool result mid-run.
type ToolCallResponseAction struct {
	RequestID string `json:"requestId"`
	Output    []Part `json:"output"`
}

// ReadFilesResponseAction answers a read-files request. A null entry means
// the client could not read the path.
type ReadFilesResponseAction struct {
	Files     map[string]*string `json:"files"`
	RequestID string             `json:"requestId,omitempty"`
}

// MCPToolDataAction announces dynamically discovered client-side tools.
type MCPToolDataAction struct {
	RequestID string       `json:"requestId"`
	Tools     []Definition `json:"tools"`
}

// CancelUserInputAction cancels a running prompt.
type CancelUserInputAction struct {
	AuthToken string `json:"authToken,omitempty"`
	PromptID  string `json:"promptId"`
}

// ResponseChunkAction streams main-agent text to the client.
type ResponseChunkAction struct {
	UserInputID string `json:"userInputId"`
	Chunk       string `json:"chunk"`
}

// SubagentResponseChunkAction streams subagent text, attributed to its agent.
type SubagentResponseChunkAction struct {
	UserInputID     string `json:"userInputId"`
	AgentID         string `json:"agentId"`
	AgentType       string `json:"agentType"`
	Chunk           string `json:"chunk"`
	Prompt          string `json:"prompt,omitempty"`
	ForwardToPrompt bool   `json:"forwardToPrompt,omitempty"`
}

// ToolCallRequestAction asks the client to execute a client-side tool.
type ToolCallRequestAction struct {
	UserInputID string          `json:"userInputId"`
	RequestID   string          `json:"requestId"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input"`
	Timeout     int             `json:"timeout,omitempty"`
	MCPConfig   json.RawMessage `json:"mcpConfig,omitempty"`
}

// ReadFilesAction asks the client for file contents.
type ReadFilesAction struct {
	FilePaths []string `json:"filePaths"`
	RequestID string   `json:"requestId"`
}

// PromptResponseAction is the terminal answer for one prompt.
type PromptResponseAction struct {
	PromptID     string        `json:"promptId"`
	SessionState *SessionState `json:"sessionState"`
	Output       Output        `json:"output"`
}

// PromptErrorAction reports a failed prompt.
type PromptErrorAction struct {
	UserInputID      string  `json:"userInputId"`
	Message          string  `json:"message"`
	Error            string  `json:"error,omitempty"`
	RemainingBalance float64 `json:"remainingBalance,omitempty"`
}

// RequestReconnectAction tells the client to re-establish its connection.
type RequestReconnectAction struct{}

// EncodeAction wraps a typed action in its envelope frame. The type
// discriminator is injected into the action's own JSON object.
func EncodeAction(actionType string, action any) ([]byte, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", actionType, err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("encode %s: action is not an object: %w", actionType, err)
	}
	if obj == nil {
		obj = map[string]json.RawMessage{}
	}
	t, _ := json.Marshal(actionType)
	obj["type"] = t
	return json.Marshal(obj)
}

// DecodeAction parses a frame into its typed action. The second return value
// is the action type; unknown types fail.
func DecodeAction(frame []byte) (any, string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, "", fmt.Errorf("decode action: %w", err)
	}

	var action any
	switch env.Type {
	case ActionInit:
		action = &InitAction{}
	case ActionPrompt:
		action = &PromptAction{}
	case ActionToolCallResponse:
		action = &ToolCallResponseAction{}
	case ActionReadFilesResponse:
		action = &ReadFilesResponseAction{}
	case ActionMCPToolData:
		action = &MCPToolDataAction{}
	case ActionCancelUserInput:
		action = &CancelUserInputAction{}
	case ActionResponseChunk:
		action = &ResponseChunkAction{}
	case ActionSubagentResponseChunk:
		action = &SubagentResponseChunkAction{}
	case ActionToolCallRequest:
		action = &ToolCallRequestAction{}
	case ActionReadFiles:
		action = &ReadFilesAction{}
	case ActionPromptResponse:
		action = &PromptResponseAction{}
	case ActionPromptError:
		action = &PromptErrorAction{}
	case ActionRequestReconnect:
		action = &RequestReconnectAction{}
	default:
		return nil, env.Type, fmt.Errorf("decode action: unknown type %q", env.Type)
	}
	if err := json.Unmarshal(frame, action); err != nil {
		return nil, env.Type, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return action, env.Type, nil
}
