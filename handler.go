package stride

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// runHandler drives the template's step handler as a cooperative generator.
// The yield function executes exactly one directive and blocks until its
// resume value is ready, so the handler can never observe partial generation
// and two directives never interleave. When the handler returns nil the agent
// terminates regardless of whether the model would have continued; a non-nil
// error or a panic is a handler fault that terminates the agent with an error
// output, preserving history through the last completed directive.
func (r *agentRun) runHandler(ctx context.Context) error {
	// fatal records a non-recoverable engine error (cancellation, model
	// failure) seen during a directive. Later yields refuse to execute and
	// the fatal error wins over whatever the handler returns.
	var fatal error

	yield := func(d Directive) (Resume, error) {
		if fatal != nil {
			return Resume{State: r.state}, fatal
		}
		if ctx.Err() != nil {
			fatal = ErrCancelled
			return Resume{State: r.state}, fatal
		}
		resume, err := r.execDirective(ctx, d)
		if err != nil && (errors.Is(err, ErrCancelled) || isModelFailure(err)) {
			fatal = err
		}
		resume.State = r.state
		return resume, err
	}

	herr := r.callHandler(ctx, yield)

	if fatal != nil {
		return fatal
	}
	if herr != nil {
		fault := &ErrHandlerFault{AgentID: r.state.AgentID, Err: herr}
		r.emit(ctx, Event{Type: EventError, Text: fault.Error()})
		r.logger.Error("step handler fault", "error", herr)
		r.state.Output = ErrorOutput(fault.Error())
		return fault
	}
	r.finalize(ctx)
	return nil
}

// callHandler invokes the handler with panic recovery: a panicking handler
// is a fault, not a crashed session.
func (r *agentRun) callHandler(ctx context.Context, yield YieldFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.tpl.Handler(ctx, yield)
}

// execDirective executes one directive and builds its resume value.
func (r *agentRun) execDirective(ctx context.Context, d Directive) (Resume, error) {
	switch d.Kind {
	case DirectiveStep:
		done, err := r.step(ctx)
		return Resume{StepsComplete: done}, err

	case DirectiveStepAll:
		for {
			done, err := r.step(ctx)
			if err != nil {
				return Resume{StepsComplete: done}, err
			}
			if done {
				return Resume{StepsComplete: true}, nil
			}
		}

	case DirectiveStepText:
		if d.Text == "" {
			return Resume{}, fmt.Errorf("STEP_TEXT: empty text")
		}
		r.state.StepsRun++
		r.appendAssistant(Message{Role: RoleAssistant, Parts: []Part{TextPart(d.Text)}})
		if r.chunkEvents {
			r.emit(ctx, Event{Type: EventResponseChunk, Text: d.Text})
		} else {
			r.emit(ctx, Event{Type: EventText, Text: d.Text})
		}
		return Resume{StepsComplete: true}, nil

	case DirectiveGenerateN:
		responses, err := r.generateN(ctx, d.N)
		return Resume{Responses: responses}, err

	case DirectiveToolCall:
		return r.execToolCallDirective(ctx, d)
	}
	return Resume{}, fmt.Errorf("unknown directive %q", d.Kind)
}

// generateN produces n independent completions of the current prompt. The
// completions reach only the handler: no events, no history mutation, no
// model call afterwards unless the handler asks for one.
func (r *agentRun) generateN(ctx context.Context, n int) ([]ModelResponse, error) {
	if n <= 0 {
		return nil, fmt.Errorf("GENERATE_N: n must be positive, got %d", n)
	}
	req := Request{
		Model:    r.model(),
		Messages: StripTags(r.composeMessages()),
		Tools:    r.sess.registry.Definitions(r.tpl.ToolNames...),
	}

	responses := make([]ModelResponse, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			resp, err := r.sess.eng.provider.Generate(gctx, req)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, err
	}
	for _, resp := range responses {
		r.recordUsage(resp.Usage)
	}
	return responses, nil
}

// execToolCallDirective invokes a tool directly, without a model call. A
// visible call is recorded as a synthetic assistant tool-call part paired
// with its result; a hidden call leaves no trace and anything it spawned
// stays hidden too — the resume value alone carries the outcome.
func (r *agentRun) execToolCallDirective(ctx context.Context, d Directive) (Resume, error) {
	tc := ToolCall{ID: NewID(), Name: d.ToolName, Input: d.ToolInput}

	if d.Hidden {
		// An inline child exists to mutate visible history, which a hidden
		// call must not do.
		if tc.Name == "spawn_agent_inline" {
			return Resume{ToolResult: []Part{TextPart("error: spawn_agent_inline cannot run hidden")}}, nil
		}
	} else {
		r.emit(ctx, Event{Type: EventToolCall, ToolCallID: tc.ID, ToolName: tc.Name, Input: tc.Input})
		r.appendAssistant(Message{Role: RoleAssistant, Parts: []Part{ToolCallPart(tc)}})
	}

	// Dispatch under the hidden flag so everything downstream, spawned
	// children included, skips events and session registration. Directives
	// never interleave, so restoring the flag afterwards is safe.
	wasHidden := r.hidden
	if d.Hidden {
		r.hidden = true
	}
	res := r.safeDispatchCall(ctx, tc)
	r.hidden = wasHidden

	// appendResult strips the synthetic call part again for tools that are
	// hidden by definition (set_output and friends).
	if !d.Hidden {
		r.appendResult(ctx, res)
	}
	if ctx.Err() != nil {
		return Resume{ToolResult: res.parts}, ErrCancelled
	}

	parts := res.parts
	if res.errMsg != "" {
		parts = append(parts, TextPart("error: "+res.errMsg))
	}
	return Resume{ToolResult: parts}, nil
}

// isModelFailure reports whether err is a provider-level failure that must
// terminate the agent rather than being surfaced to the handler as data.
func isModelFailure(err error) bool {
	var llm *ErrLLM
	var httpErr *ErrHTTP
	return errors.As(err, &llm) || errors.As(err, &httpErr)
}
