package stride

import (
	"context"
	"errors"
	"testing"
	"time"
)

// stubClient collects requests the exchange sends and exposes them on a
// channel so tests can answer like a remote client would.
type stubClient struct {
	requests chan ClientRequest
}

func newStubClient() *stubClient {
	return &stubClient{requests: make(chan ClientRequest, 8)}
}

func (c *stubClient) send(_ context.Context, req ClientRequest) error {
	c.requests <- req
	return nil
}

func (c *stubClient) next(t *testing.T) ClientRequest {
	t.Helper()
	select {
	case req := <-c.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("no request sent")
		return ClientRequest{}
	}
}

func TestCallToolResolve(t *testing.T) {
	client := newStubClient()
	ex := NewClientExchange(client.send)

	go func() {
		req := client.next(t)
		ex.Resolve(req.RequestID, []Part{TextPart("client says hi")})
	}()

	parts, err := ex.CallTool(context.Background(),
		Definition{Name: "shell", ClientSide: true},
		ToolCall{ID: "c1", Name: "shell", Input: []byte(`{"cmd":"ls"}`)})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(parts) != 1 || parts[0].Text != "client says hi" {
		t.Errorf("parts = %+v", parts)
	}
}

func TestCallToolTimeout(t *testing.T) {
	client := newStubClient()
	ex := NewClientExchange(client.send, ExchangeTimeout(30*time.Millisecond))

	_, err := ex.CallTool(context.Background(),
		Definition{Name: "shell", ClientSide: true},
		ToolCall{ID: "c1", Name: "shell"})

	var timeout *ErrToolTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *ErrToolTimeout", err)
	}
	if timeout.Name != "shell" {
		t.Errorf("timeout tool = %q", timeout.Name)
	}
}

func TestCallToolDefinitionTimeoutOverride(t *testing.T) {
	client := newStubClient()
	// The definition's 1s deadline overrides the much shorter exchange
	// default, leaving time for the answer.
	ex := NewClientExchange(client.send, ExchangeTimeout(10*time.Millisecond))

	go func() {
		req := client.next(t)
		time.Sleep(50 * time.Millisecond)
		ex.Resolve(req.RequestID, []Part{TextPart("slow but in time")})
	}()

	parts, err := ex.CallTool(context.Background(),
		Definition{Name: "shell", ClientSide: true, TimeoutSeconds: 1},
		ToolCall{ID: "c1", Name: "shell"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if parts[0].Text != "slow but in time" {
		t.Errorf("parts = %+v", parts)
	}
}

func TestCallToolCancelGracePeriod(t *testing.T) {
	client := newStubClient()
	ex := NewClientExchange(client.send, ExchangeTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	answered := make(chan struct{})
	go func() {
		defer close(answered)
		req := client.next(t)
		cancel()
		// The cancel advice arrives, then the client still answers within
		// the grace period.
		advice := client.next(t)
		if advice.Kind != RequestCancel || advice.RequestID != req.RequestID {
			t.Errorf("cancel advice = %+v", advice)
			return
		}
		ex.Resolve(req.RequestID, []Part{TextPart("finished anyway")})
	}()

	parts, err := ex.CallTool(ctx,
		Definition{Name: "shell", ClientSide: true},
		ToolCall{ID: "c1", Name: "shell"})
	<-answered
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(parts) != 1 || parts[0].Text != "finished anyway" {
		t.Errorf("parts = %+v", parts)
	}
}

func TestCallToolCancelGraceExpires(t *testing.T) {
	client := newStubClient()
	ex := NewClientExchange(client.send, ExchangeTimeout(30*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		client.next(t)
		cancel()
	}()

	_, err := ex.CallTool(ctx,
		Definition{Name: "shell", ClientSide: true},
		ToolCall{ID: "c1", Name: "shell"})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
}

func TestReadFilesRoundTrip(t *testing.T) {
	client := newStubClient()
	ex := NewClientExchange(client.send)

	content := "package main"
	go func() {
		req := client.next(t)
		if req.Kind != RequestReadFiles || len(req.FilePaths) != 2 {
			t.Errorf("request = %+v", req)
			return
		}
		ex.ResolveFiles(req.RequestID, map[string]*string{
			"main.go":    &content,
			"missing.go": nil,
		})
	}()

	files, err := ex.ReadFiles(context.Background(), []string{"main.go", "missing.go"})
	if err != nil {
		t.Fatalf("ReadFiles: %v", err)
	}
	if files["main.go"] == nil || *files["main.go"] != content {
		t.Errorf("main.go = %v", files["main.go"])
	}
	if files["missing.go"] != nil {
		t.Errorf("missing.go = %v, want nil", files["missing.go"])
	}
}

func TestResolveIsSingleUse(t *testing.T) {
	client := newStubClient()
	ex := NewClientExchange(client.send)

	go func() {
		req := client.next(t)
		ex.Resolve(req.RequestID, []Part{TextPart("first")})
		// The slot is gone; a duplicate answer is dropped, not delivered.
		ex.Resolve(req.RequestID, []Part{TextPart("second")})
	}()

	parts, err := ex.CallTool(context.Background(),
		Definition{Name: "shell", ClientSide: true},
		ToolCall{ID: "c1", Name: "shell"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if parts[0].Text != "first" {
		t.Errorf("parts = %+v", parts)
	}
	// Unknown ids are dropped without panic too.
	ex.Resolve("never-tracked", nil)
	ex.ResolveFiles("never-tracked", nil)
}

func TestCallToolSendFailure(t *testing.T) {
	ex := NewClientExchange(func(context.Context, ClientRequest) error {
		return errors.New("socket gone")
	})

	_, err := ex.CallTool(context.Background(),
		Definition{Name: "shell", ClientSide: true},
		ToolCall{ID: "c1", Name: "shell"})

	var failed *ErrToolFailed
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want *ErrToolFailed", err)
	}
}
