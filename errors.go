package stride

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrInvalidContent reports message construction with content the role
// cannot carry.
type ErrInvalidContent struct {
	Role   Role
	Reason string
}

func (e *ErrInvalidContent) Error() string {
	return fmt.Sprintf("invalid %s message: %s", e.Role, e.Reason)
}

// ErrUnknownTool reports a tool name missing from the registry.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string { return "unknown tool: " + e.Name }

// ErrToolInput reports tool input that failed schema validation.
type ErrToolInput struct {
	Name   string
	Reason string
}

func (e *ErrToolInput) Error() string {
	return fmt.Sprintf("invalid input for tool %s: %s", e.Name, e.Reason)
}

// ErrToolTimeout reports a client-side tool that missed its deadline.
type ErrToolTimeout struct {
	Name    string
	Timeout time.Duration
}

func (e *ErrToolTimeout) Error() string {
	return fmt.Sprintf("tool %s timed out after %s", e.Name, e.Timeout)
}

// ErrToolFailed wraps a tool handler failure.
type ErrToolFailed struct {
	Name string
	Err  error
}

func (e *ErrToolFailed) Error() string { return fmt.Sprintf("tool %s failed: %v", e.Name, e.Err) }
func (e *ErrToolFailed) Unwrap() error { return e.Err }

// ErrHandlerFault wraps a step handler error or recovered panic. The owning
// agent terminates with an error output; the session survives when the parent
// can absorb it.
type ErrHandlerFault struct {
	AgentID string
	Err     error
}

func (e *ErrHandlerFault) Error() string {
	return fmt.Sprintf("step handler fault in agent %s: %v", e.AgentID, e.Err)
}
func (e *ErrHandlerFault) Unwrap() error { return e.Err }

// ErrStepLimit reports an agent that hit its step budget.
type ErrStepLimit struct {
	Steps int
}

func (e *ErrStepLimit) Error() string {
	return fmt.Sprintf("agent step limit reached (%d steps)", e.Steps)
}

// ErrOutputSchema reports a set_output value rejected by the template's
// output schema.
type ErrOutputSchema struct {
	AgentType string
	Reason    string
}

func (e *ErrOutputSchema) Error() string {
	return fmt.Sprintf("structured output for %s rejected: %s", e.AgentType, e.Reason)
}

// ErrUnspawnable reports a spawn of an agent type outside the parent's
// allow-list.
type ErrUnspawnable struct {
	AgentType string
	Parent    string
}

func (e *ErrUnspawnable) Error() string {
	return fmt.Sprintf("agent %s cannot spawn %s", e.Parent, e.AgentType)
}

// ErrCancelled marks work abandoned by cooperative cancellation.
var ErrCancelled = errors.New("cancelled")

// ErrLLM is a provider-level failure that is not an HTTP status error.
// Any provider error that survives the retry middleware is a model failure:
// the root agent terminates and the orchestrator returns an error output.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is an HTTP status failure from a provider endpoint. RetryAfter is
// parsed from the Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value, either delay-seconds or
// an HTTP date. Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
