package observer

import (
	"context"
	"time"

	stride "github.com/nevindra/stride"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObserveRun wraps one engine run with lifecycle telemetry: a run span that
// parents all inner operations, events and counters tapped from the run's
// event stream, and a terminal log record. Events are forwarded to out in
// order; out is closed when the run's stream closes.
//
//	events := make(chan stride.Event, 64)
//	tapped := make(chan stride.Event, 64)
//	go consume(tapped)
//	result, err := observer.ObserveRun(ctx, inst, events, tapped, func(ctx context.Context) (*stride.RunResult, error) {
//		return engine.RunStream(ctx, req, events)
//	})
func ObserveRun(ctx context.Context, inst *Instruments, in <-chan stride.Event, out chan<- stride.Event, run func(context.Context) (*stride.RunResult, error)) (*stride.RunResult, error) {
	ctx, span := inst.Tracer.Start(ctx, "run.execute")
	start := time.Now()

	var toolCalls, spawns int
	done := make(chan struct{})
	go func() {
		defer close(out)
		defer close(done)
		for ev := range in {
			switch ev.Type {
			case stride.EventToolCall:
				toolCalls++
				span.AddEvent("tool.called", trace.WithAttributes(
					AttrToolName.String(ev.ToolName),
				))
			case stride.EventSubagentStart:
				spawns++
				span.AddEvent("subagent.started", trace.WithAttributes(
					AttrAgentType.String(ev.AgentType),
				))
				inst.SubagentSpawns.Add(ctx, 1, metric.WithAttributes(
					AttrAgentType.String(ev.AgentType),
				))
			case stride.EventError:
				span.AddEvent("run.error", trace.WithAttributes(
					attribute.String("error", ev.Text),
				))
			}
			out <- ev
		}
	}()

	result, err := run(ctx)
	<-done
	defer span.End()

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	agentType := ""
	credits := 0.0
	if result != nil {
		credits = result.CreditsUsed
		if result.Session != nil && result.Session.MainAgent != nil {
			agentType = result.Session.MainAgent.AgentType
		}
		if result.Output.Type == stride.OutputTypeError {
			status = "error"
			span.SetStatus(codes.Error, result.Output.Message)
		}
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if ctx.Err() != nil {
		status = "cancelled"
		span.AddEvent("run.cancelled")
	}

	span.SetAttributes(
		AttrAgentType.String(agentType),
		AttrAgentStatus.String(status),
		AttrCredits.Float64(credits),
		attribute.Int("run.tool_calls", toolCalls),
		attribute.Int("run.subagents", spawns),
	)

	attrs := metric.WithAttributes(
		AttrAgentType.String(agentType),
		attribute.String("status", status),
	)
	inst.RunExecutions.Add(ctx, 1, attrs)
	inst.RunDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentType.String(agentType),
	))
	inst.CreditsTotal.Add(ctx, credits, metric.WithAttributes(
		AttrAgentType.String(agentType),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("run completed"))
	rec.AddAttributes(
		otellog.String("agent.type", agentType),
		otellog.String("run.status", status),
		otellog.Float64("run.credits", credits),
		otellog.Int("run.tool_calls", toolCalls),
		otellog.Int("run.subagents", spawns),
		otellog.Float64("duration_ms", durationMs),
	)
	inst.Logger.Emit(ctx, rec)

	return result, err
}
