// Tracing instrumentation for plan execution.
package engine

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opspilot-ai/opspilot/internal/capability"
)

// startPlanSpan starts a span covering one execution pass of the plan.
func (e *Engine) startPlanSpan(ctx context.Context) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "plan.run")
	span.SetAttributes(
		attribute.String("plan.id", e.p.ID),
		attribute.Int("plan.pass", e.pass),
		attribute.Int("plan.steps", len(e.passOrder)),
	)
	return ctx, span
}

// endPlanSpan ends the pass span with result info.
func (e *Engine) endPlanSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.String("plan.status", string(e.p.Status)))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startStepSpan starts a span for a single capability invocation.
func (e *Engine) startStepSpan(ctx context.Context, ref capability.Ref, pass int) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "step."+string(ref))
	span.SetAttributes(
		attribute.String("step.capability", string(ref)),
		attribute.Int("step.pass", pass),
	)
	return ctx, span
}

// endStepSpan ends the step span.
func (e *Engine) endStepSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
