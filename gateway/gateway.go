// Package gateway serves the stride client protocol over WebSocket. Each
// connection carries one client: init seeds its file context, prompts run
// against a per-connection engine, and client-side tool traffic flows through
// a stride.ClientExchange bound to the socket.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	stride "github.com/nevindra/stride"
)

// EngineFactory builds the engine for one connection. The exchange is bound
// to that connection's socket; everything else (provider, templates, store)
// is typically shared across calls.
type EngineFactory func(exchange *stride.ClientExchange) *stride.Engine

// Server upgrades HTTP requests to WebSocket connections speaking the typed
// action protocol. One server serves many clients; clients are keyed by
// fingerprint id, and a fingerprint reconnecting displaces its old
// connection with reconnect advice.
type Server struct {
	factory     EngineFactory
	logger      *slog.Logger
	authToken   string
	toolTimeout time.Duration
	upgrader    websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAuthToken requires clients to present the token in their init and
// cancel actions. Empty disables the check.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.authToken = token }
}

// WithToolTimeout bounds how long a connection's exchange waits for client
// tool answers. Zero keeps the exchange default.
func WithToolTimeout(d time.Duration) Option {
	return func(s *Server) { s.toolTimeout = d }
}

// New creates a Server that builds one engine per connection through factory.
func New(factory EngineFactory, opts ...Option) *Server {
	s := &Server{
		factory: factory,
		conns:   make(map[string]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// ServeHTTP upgrades the request and runs the connection until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	c := newConn(s, ws)
	c.run(r.Context())
}

// Shutdown advises every connected client to reconnect, then closes the
// sockets. Blocks until all connections have drained or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, c := range conns {
			wg.Add(1)
			go func(c *conn) {
				defer wg.Done()
				c.sendAction(stride.ActionRequestReconnect, stride.RequestReconnectAction{})
				c.close()
			}(c)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// register binds a fingerprint to its connection. An existing connection
// under the same fingerprint is told to reconnect and closed; the newest
// socket always wins.
func (s *Server) register(fingerprint string, c *conn) {
	s.mu.Lock()
	old := s.conns[fingerprint]
	s.conns[fingerprint] = c
	s.mu.Unlock()

	if old != nil && old != c {
		s.logger.Info("displacing stale connection", "fingerprint", fingerprint)
		old.sendAction(stride.ActionRequestReconnect, stride.RequestReconnectAction{})
		old.close()
	}
}

// unregister drops the fingerprint binding if c still owns it.
func (s *Server) unregister(fingerprint string, c *conn) {
	if fingerprint == "" {
		return
	}
	s.mu.Lock()
	if s.conns[fingerprint] == c {
		delete(s.conns, fingerprint)
	}
	s.mu.Unlock()
}
