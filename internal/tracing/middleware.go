package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartLoopIteration opens a span around one iteration of the supervisor's
// main loop (hot-reload check, bus drain, UI-state drain, command
// dispatch, list publication). Callers must End the returned span when
// the iteration completes.
func StartLoopIteration(ctx context.Context, tracer trace.Tracer) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, SpanNameLoopIteration, trace.WithSpanKind(trace.SpanKindInternal))
}

// StartChainTick opens a span around one invocation of a chain's entry
// function by its tick goroutine. Callers must End the
// returned span after recording its outcome with EndChainTick.
func StartChainTick(ctx context.Context, tracer trace.Tracer, chainKey, scriptName, instanceID string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := tracer.Start(ctx, SpanNameChainTick, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String(AttrChainKey, chainKey),
		attribute.String(AttrScriptName, scriptName),
		attribute.String(AttrInstanceID, instanceID),
	)
	return ctx, span
}

// EndChainTick records the tick's outcome on span and closes it: the step
// and cycle count reached, whether the tick ran long enough to trigger
// the slow-tick warning, and any crash the entry function raised
// (recorded as an error rather than failing the span's caller).
func EndChainTick(span trace.Span, step int, cycleCount int64, slow bool, crashErr error) {
	defer span.End()
	span.SetAttributes(
		attribute.Int(AttrStep, step),
		attribute.Int64(AttrCycleCount, cycleCount),
		attribute.Bool(AttrTickSlow, slow),
	)
	if slow {
		span.AddEvent(EventSlowTick)
	}
	if crashErr != nil {
		span.AddEvent(EventChainCrashed, trace.WithAttributes(attribute.String(AttrErrorMessage, crashErr.Error())))
		span.RecordError(crashErr)
		span.SetStatus(codes.Error, crashErr.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
