package stride

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRateLimitPassThroughWithoutLimits(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{resp: textResponse("ok")}}}
	p := WithRateLimit(stub)

	resp, err := p.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text() != "ok" {
		t.Errorf("Text = %q", resp.Text())
	}
	if p.Name() != "stub" {
		t.Errorf("Name = %q", p.Name())
	}
}

func TestWithRateLimitRPMBlocks(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: textResponse("one")},
		{resp: textResponse("two")},
	}}
	p := WithRateLimit(stub, RPM(1))

	if _, err := p.Generate(context.Background(), Request{}); err != nil {
		t.Fatalf("first request: %v", err)
	}

	// The second request must block until the window slides; a short
	// deadline turns that block into an observable cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Generate(ctx, Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if stub.calls != 1 {
		t.Errorf("inner calls = %d, want 1", stub.calls)
	}
}

func TestWithRateLimitTPMSoftLimit(t *testing.T) {
	heavy := ModelResponse{
		Parts: []Part{TextPart("heavy")},
		Usage: Usage{InputTokens: 600, OutputTokens: 500},
	}
	stub := &stubProvider{results: []stubResult{
		{resp: heavy},
		{resp: textResponse("blocked")},
	}}
	p := WithRateLimit(stub, TPM(1000))

	// The first request overruns the token budget but still completes.
	if _, err := p.Generate(context.Background(), Request{}); err != nil {
		t.Fatalf("first request: %v", err)
	}

	// With the window saturated, the next request blocks.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Generate(ctx, Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestWithRateLimitStreamClosesChannelWhenBlocked(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{resp: textResponse("one")}}}
	p := WithRateLimit(stub, RPM(1))

	if _, err := p.Generate(context.Background(), Request{}); err != nil {
		t.Fatalf("first request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ch := make(chan Part, 8)
	if _, err := p.GenerateStream(ctx, Request{}, ch); err == nil {
		t.Fatal("blocked stream returned nil error")
	}
	// The channel contract holds on every exit path.
	if _, open := <-ch; open {
		t.Error("channel left open after failed stream")
	}
}

func TestWithRateLimitFailedRequestsDoNotConsumeTokens(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: errors.New("boom"), resp: ModelResponse{Usage: Usage{InputTokens: 10_000}}},
		{resp: textResponse("fine")},
	}}
	p := WithRateLimit(stub, TPM(100))

	if _, err := p.Generate(context.Background(), Request{}); err == nil {
		t.Fatal("error swallowed")
	}
	// The failed call recorded no usage, so the budget is still free.
	if _, err := p.Generate(context.Background(), Request{}); err != nil {
		t.Fatalf("second request blocked by failed usage: %v", err)
	}
}
