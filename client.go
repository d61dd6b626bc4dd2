package stride

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// ClientRequestKind identifies what a ClientRequest asks the client to do.
type ClientRequestKind string

const (
	// RequestToolCall asks the client to execute one client-side tool call.
	RequestToolCall ClientRequestKind = "tool-call"
	// RequestReadFiles asks the client to read a batch of project files.
	RequestReadFiles ClientRequestKind = "read-files"
	// RequestCancel tells the client a pending request was cancelled. The
	// client may honor it or not; the engine waits at most the tool timeout.
	RequestCancel ClientRequestKind = "cancel"
)

// ClientRequest is one engine-to-client ask, correlated by RequestID.
type ClientRequest struct {
	RequestID string            `json:"requestId"`
	Kind      ClientRequestKind `json:"kind"`

	// Tool call fields.
	ToolName       string          `json:"toolName,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	TimeoutSeconds int             `json:"timeoutSeconds,omitempty"`

	// Read-files fields.
	FilePaths []string `json:"filePaths,omitempty"`
}

// SendFunc delivers a ClientRequest to the connected client. Implementations
// bridge to the actual transport (WebSocket gateway, test stub). Must not
// block on the client's answer — answers arrive through Resolve.
type SendFunc func(ctx context.Context, req ClientRequest) error

// defaultToolTimeout bounds the engine-side wait for a client tool answer.
const defaultToolTimeout = 30 * time.Second

type pendingAnswer struct {
	parts chan []Part
	files chan map[string]*string
}

// ClientExchange correlates engine-side waits with client answers by request
// id. One exchange serves one client connection; every pending wait is
// single-use and released on answer, timeout, or cancellation.
type ClientExchange struct {
	send    SendFunc
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingAnswer
}

// ExchangeOption configures a ClientExchange.
type ExchangeOption func(*ClientExchange)

// ExchangeTimeout sets the default wait for client answers (default 30s).
func ExchangeTimeout(d time.Duration) ExchangeOption {
	return func(e *ClientExchange) { e.timeout = d }
}

// ExchangeLogger sets the structured logger for exchange events.
func ExchangeLogger(l *slog.Logger) ExchangeOption {
	return func(e *ClientExchange) { e.logger = l }
}

// NewClientExchange creates an exchange that delivers requests through send.
func NewClientExchange(send SendFunc, opts ...ExchangeOption) *ClientExchange {
	e := &ClientExchange{
		send:    send,
		timeout: defaultToolTimeout,
		pending: make(map[string]*pendingAnswer),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	return e
}

// CallTool sends one client-side tool call and blocks until the client
// answers, the deadline passes, or ctx is cancelled. The effective deadline
// is the definition's TimeoutSeconds (zero means the exchange default, -1
// disables). On cancellation the client receives a cancel request and the
// engine grants one more timeout of grace before giving up with ErrCancelled.
func (e *ClientExchange) CallTool(ctx context.Context, def Definition, call ToolCall) ([]Part, error) {
	timeout := e.timeout
	switch {
	case def.TimeoutSeconds > 0:
		timeout = time.Duration(def.TimeoutSeconds) * time.Second
	case def.TimeoutSeconds < 0:
		timeout = 0
	}

	requestID := NewID()
	p := &pendingAnswer{parts: make(chan []Part, 1)}
	e.track(requestID, p)
	defer e.release(requestID)

	req := ClientRequest{
		RequestID:      requestID,
		Kind:           RequestToolCall,
		ToolName:       call.Name,
		Input:          call.Input,
		TimeoutSeconds: def.TimeoutSeconds,
	}
	if err := e.send(ctx, req); err != nil {
		return nil, &ErrToolFailed{Name: call.Name, Err: err}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case parts := <-p.parts:
		return parts, nil
	case <-deadline:
		return nil, &ErrToolTimeout{Name: call.Name, Timeout: timeout}
	case <-ctx.Done():
	}

	// Cancelled mid-wait: advise the client, then grant a bounded grace
	// period in case it still answers.
	graceCtx, cancel := context.WithTimeout(context.Background(), e.graceTimeout(timeout))
	defer cancel()
	if err := e.send(graceCtx, ClientRequest{RequestID: requestID, Kind: RequestCancel}); err != nil {
		e.logger.Warn("cancel request not delivered", "requestId", requestID, "error", err)
	}
	select {
	case parts := <-p.parts:
		return parts, nil
	case <-graceCtx.Done():
		return nil, ErrCancelled
	}
}

// ReadFiles sends the bulk file-read fast path and blocks for the answer.
// The returned map holds nil for files the client could not read.
func (e *ClientExchange) ReadFiles(ctx context.Context, paths []string) (map[string]*string, error) {
	requestID := NewID()
	p := &pendingAnswer{files: make(chan map[string]*string, 1)}
	e.track(requestID, p)
	defer e.release(requestID)

	if err := e.send(ctx, ClientRequest{RequestID: requestID, Kind: RequestReadFiles, FilePaths: paths}); err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case files := <-p.files:
		return files, nil
	case <-deadline:
		return nil, &ErrToolTimeout{Name: "read_files", Timeout: e.timeout}
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// Resolve answers a pending tool call. Unknown or already-answered request
// ids are logged and dropped. Safe for concurrent use.
func (e *ClientExchange) Resolve(requestID string, output []Part) {
	p := e.take(requestID)
	if p == nil || p.parts == nil {
		e.logger.Warn("tool answer for unknown request", "requestId", requestID)
		return
	}
	p.parts <- output
}

// ResolveFiles answers a pending read-files request.
func (e *ClientExchange) ResolveFiles(requestID string, files map[string]*string) {
	p := e.take(requestID)
	if p == nil || p.files == nil {
		e.logger.Warn("file answer for unknown request", "requestId", requestID)
		return
	}
	p.files <- files
}

func (e *ClientExchange) track(requestID string, p *pendingAnswer) {
	e.mu.Lock()
	e.pending[requestID] = p
	e.mu.Unlock()
}

// take removes and returns the pending answer slot, making every resolution
// single-use.
func (e *ClientExchange) take(requestID string) *pendingAnswer {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pending[requestID]
	delete(e.pending, requestID)
	return p
}

func (e *ClientExchange) release(requestID string) {
	e.mu.Lock()
	delete(e.pending, requestID)
	e.mu.Unlock()
}

// graceTimeout bounds the post-cancellation wait. Mirrors the call's own
// timeout but never unbounded.
func (e *ClientExchange) graceTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	if e.timeout > 0 {
		return e.timeout
	}
	return defaultToolTimeout
}
