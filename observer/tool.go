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

// WrapHandler returns an instrumented tool handler. Register the wrapped
// handler in the engine's registry to get a span, metrics, and a log record
// per execution.
func WrapHandler(name string, inner stride.Handler, inst *Instruments) stride.Handler {
	return func(ctx context.Context, call stride.ToolCall) ([]stride.Part, error) {
		ctx, span := inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
			AttrToolName.String(name),
		))
		defer span.End()
		start := time.Now()

		parts, err := inner(ctx, call)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		resultLen := 0
		for _, p := range parts {
			resultLen += len(p.Text) + len(p.Value)
		}
		span.SetAttributes(
			AttrToolStatus.String(status),
			AttrToolResultLength.Int(resultLen),
		)

		inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrToolName.String(name),
			attribute.String("status", status),
		))
		inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
			AttrToolName.String(name),
		))

		// Structured log
		var rec otellog.Record
		rec.SetSeverity(otellog.SeverityInfo)
		rec.SetBody(otellog.StringValue("tool executed"))
		rec.AddAttributes(
			otellog.String("tool.name", name),
			otellog.String("tool.status", status),
			otellog.Int("tool.result_length", resultLen),
			otellog.Float64("tool.duration_ms", durationMs),
		)
		inst.Logger.Emit(ctx, rec)

		return parts, err
	}
}
