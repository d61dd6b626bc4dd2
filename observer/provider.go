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

// ObservedProvider wraps a stride.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner stride.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces, metrics, and logs.
// The model attribute comes from each request, so one wrapper serves every template.
func WrapProvider(inner stride.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

func (o *ObservedProvider) Generate(ctx context.Context, req stride.Request) (stride.ModelResponse, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(req.Model),
			AttrLLMProvider.String(o.inner.Name()),
		),
	}
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.generate", spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Generate(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, req.Model, "generate", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) GenerateStream(ctx context.Context, req stride.Request, ch chan<- stride.Part) (stride.ModelResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.generate_stream", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
		AttrLLMProvider.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Wrap the channel to count parts. Buffer wrappedCh generously so the
	// inner provider never blocks on send, preventing a deadlock where the
	// goroutine can't drain wrappedCh because ch is full and nobody reads ch
	// until GenerateStream returns.
	bufSize := max(cap(ch), 64)
	wrappedCh := make(chan stride.Part, bufSize)
	parts := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for p := range wrappedCh {
			parts++
			select {
			case ch <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	resp, err := o.inner.GenerateStream(ctx, req, wrappedCh)
	<-done // wait for goroutine to finish before reading parts

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamParts.Int(parts))
	o.record(ctx, span, req.Model, "generate_stream", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedProvider) record(ctx context.Context, span trace.Span, model, method, status string, durationMs float64, usage stride.Usage) {
	credits := o.inst.Credits.CreditsFor(model, usage)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrTokensCached.Int(usage.CachedTokens),
		AttrCredits.Float64(credits),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CreditsTotal.Add(ctx, credits, attrs)
	o.inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.ModelDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("model call completed"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.provider", o.inner.Name()),
		otellog.String("llm.method", method),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("run.credits", credits),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ stride.Provider = (*ObservedProvider)(nil)
