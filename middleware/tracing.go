package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/conductor/job"
)

// tracerName is the instrumentation scope name for conductor tracing.
const tracerName = "github.com/xraph/conductor"

// Tracing returns middleware that wraps each dispatch in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
//
// Span attributes include: conductor.job.id, conductor.job.class,
// conductor.job.kind, conductor.queue, conductor.workflow.id,
// conductor.step.key, conductor.step.attempt.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, s *job.Spec, next Handler) error {
		ctx, span := tracer.Start(ctx, "conductor.job.dispatch",
			trace.WithAttributes(
				attribute.String("conductor.job.id", s.ID.String()),
				attribute.String("conductor.job.class", s.Class),
				attribute.String("conductor.job.kind", string(s.Kind)),
				attribute.String("conductor.queue", s.Queue),
				attribute.String("conductor.workflow.id", s.WorkflowID.String()),
				attribute.String("conductor.step.key", s.StepKey),
				attribute.Int("conductor.step.attempt", s.Attempt),
			),
			trace.WithSpanKind(trace.SpanKindProducer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
