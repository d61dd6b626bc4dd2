package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	stride "github.com/nevindra/stride"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second
	sendBuffer      = 64
)

// conn is one client connection. A dedicated write loop owns the socket's
// write side; everything else enqueues frames through send.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	engine   *stride.Engine
	exchange *stride.ClientExchange

	mu          sync.Mutex
	fingerprint string
	fileContext stride.FileContext
	clientTools []stride.Definition
	runs        map[string]context.CancelFunc // prompt id -> cancel
	activeRun   string                        // prompt id attributed to exchange traffic

	closeOnce sync.Once
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	c := &conn{
		srv:  s,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		runs: make(map[string]context.CancelFunc),
	}
	exchangeOpts := []stride.ExchangeOption{stride.ExchangeLogger(s.logger)}
	if s.toolTimeout > 0 {
		exchangeOpts = append(exchangeOpts, stride.ExchangeTimeout(s.toolTimeout))
	}
	c.exchange = stride.NewClientExchange(c.sendClientRequest, exchangeOpts...)
	c.engine = s.factory(c.exchange)
	return c
}

func (c *conn) run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		fp := c.fingerprint
		for _, cancel := range c.runs {
			cancel()
		}
		c.mu.Unlock()
		c.srv.unregister(fp, c)
		_ = c.ws.Close()
	})
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxPayloadBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		action, actionType, err := stride.DecodeAction(data)
		if err != nil {
			c.srv.logger.Warn("undecodable frame", "type", actionType, "error", err)
			continue
		}
		c.dispatch(action, actionType)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (c *conn) dispatch(action any, actionType string) {
	switch a := action.(type) {
	case *stride.InitAction:
		c.handleInit(a)
	case *stride.PromptAction:
		c.handlePrompt(a)
	case *stride.ToolCallResponseAction:
		c.exchange.Resolve(a.RequestID, a.Output)
	case *stride.ReadFilesResponseAction:
		c.exchange.ResolveFiles(a.RequestID, a.Files)
	case *stride.MCPToolDataAction:
		c.mu.Lock()
		c.clientTools = a.Tools
		c.mu.Unlock()
	case *stride.CancelUserInputAction:
		c.handleCancel(a)
	default:
		c.srv.logger.Warn("unexpected client action", "type", actionType)
	}
}

func (c *conn) handleInit(a *stride.InitAction) {
	if c.srv.authToken != "" && a.AuthToken != c.srv.authToken {
		c.srv.logger.Warn("init rejected", "fingerprint", a.FingerprintID)
		c.close()
		return
	}
	if a.FingerprintID == "" {
		c.srv.logger.Warn("init without fingerprint")
		return
	}
	c.mu.Lock()
	c.fingerprint = a.FingerprintID
	c.fileContext = a.FileContext
	c.mu.Unlock()
	c.srv.register(a.FingerprintID, c)
	c.srv.logger.Info("client connected", "fingerprint", a.FingerprintID)
}

// handlePrompt starts one run. Prompts are concurrent per connection; each
// gets its own cancellable context registered under its prompt id.
func (c *conn) handlePrompt(a *stride.PromptAction) {
	// Reconnect flow: answers the client carried over from a previous
	// connection settle any still-pending tool calls first.
	for _, tr := range a.ToolResults {
		c.exchange.Resolve(tr.RequestID, tr.Output)
	}

	c.mu.Lock()
	fc := c.fileContext
	tools := c.clientTools
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.runs[a.PromptID] = cancel
	c.activeRun = a.PromptID
	c.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.runs, a.PromptID)
			c.mu.Unlock()
		}()
		c.runPrompt(runCtx, a, fc, tools)
	}()
}

func (c *conn) runPrompt(ctx context.Context, a *stride.PromptAction, fc stride.FileContext, tools []stride.Definition) {
	req := stride.RunRequest{
		PromptID:     a.PromptID,
		Prompt:       a.Prompt,
		Content:      a.Content,
		PromptParams: a.PromptParams,
		AgentID:      a.AgentID,
		Model:        a.Model,
		SessionID:    a.FingerprintID,
		Session:      a.SessionState,
		FileContext:  fc,
		ClientTools:  tools,
	}

	events := make(chan stride.Event, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.forwardEvents(a.PromptID, events)
	}()

	res, err := c.engine.RunStream(ctx, req, events)
	<-done

	if err != nil {
		c.sendAction(stride.ActionPromptError, stride.PromptErrorAction{
			UserInputID: a.PromptID,
			Message:     "prompt rejected",
			Error:       err.Error(),
		})
		return
	}
	c.sendAction(stride.ActionPromptResponse, stride.PromptResponseAction{
		PromptID:     a.PromptID,
		SessionState: res.Session,
		Output:       res.Output,
	})
}

// forwardEvents translates the run's event stream into wire actions. Main
// agent text goes out as response chunks; subagent text is attributed to its
// agent. The first start event identifies the root.
func (c *conn) forwardEvents(promptID string, events <-chan stride.Event) {
	var rootID string
	for ev := range events {
		switch ev.Type {
		case stride.EventStart:
			if rootID == "" {
				rootID = ev.AgentID
			}
		case stride.EventText, stride.EventResponseChunk:
			if ev.AgentID == rootID || ev.Type == stride.EventResponseChunk {
				c.sendAction(stride.ActionResponseChunk, stride.ResponseChunkAction{
					UserInputID: promptID,
					Chunk:       ev.Text,
				})
				continue
			}
			c.sendAction(stride.ActionSubagentResponseChunk, stride.SubagentResponseChunkAction{
				UserInputID: promptID,
				AgentID:     ev.AgentID,
				AgentType:   ev.AgentType,
				Chunk:       ev.Text,
			})
		case stride.EventError:
			c.sendAction(stride.ActionPromptError, stride.PromptErrorAction{
				UserInputID: promptID,
				Message:     ev.Text,
			})
		}
	}
}

func (c *conn) handleCancel(a *stride.CancelUserInputAction) {
	if c.srv.authToken != "" && a.AuthToken != c.srv.authToken {
		c.srv.logger.Warn("cancel rejected", "promptId", a.PromptID)
		return
	}
	c.mu.Lock()
	cancel := c.runs[a.PromptID]
	c.mu.Unlock()
	if cancel == nil {
		c.srv.logger.Warn("cancel for unknown prompt", "promptId", a.PromptID)
		return
	}
	cancel()
}

// sendClientRequest bridges the exchange to the socket: tool calls and file
// reads become wire actions. Cancel advice has no wire action; the exchange's
// grace period still bounds the engine-side wait.
func (c *conn) sendClientRequest(ctx context.Context, req stride.ClientRequest) error {
	c.mu.Lock()
	promptID := c.activeRun
	c.mu.Unlock()

	switch req.Kind {
	case stride.RequestToolCall:
		return c.sendActionCtx(ctx, stride.ActionToolCallRequest, stride.ToolCallRequestAction{
			UserInputID: promptID,
			RequestID:   req.RequestID,
			ToolName:    req.ToolName,
			Input:       req.Input,
			Timeout:     req.TimeoutSeconds,
		})
	case stride.RequestReadFiles:
		return c.sendActionCtx(ctx, stride.ActionReadFiles, stride.ReadFilesAction{
			FilePaths: req.FilePaths,
			RequestID: req.RequestID,
		})
	case stride.RequestCancel:
		c.srv.logger.Debug("tool cancel advised", "requestId", req.RequestID)
		return nil
	default:
		return nil
	}
}

// sendAction encodes and enqueues one frame, blocking while the write buffer
// is full unless the connection is closing.
func (c *conn) sendAction(actionType string, action any) {
	_ = c.sendActionCtx(c.ctx, actionType, action)
}

func (c *conn) sendActionCtx(ctx context.Context, actionType string, action any) error {
	frame, err := stride.EncodeAction(actionType, action)
	if err != nil {
		c.srv.logger.Error("encode failed", "type", actionType, "error", err)
		return err
	}
	select {
	case c.send <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}
