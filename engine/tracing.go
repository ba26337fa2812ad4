package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the package-level OpenTelemetry tracer for execution and step
// spans. The engine has no opinion on exporters — whatever TracerProvider
// the host registers via otel.SetTracerProvider is used.
var tracer = otel.Tracer("github.com/flowforge/dagcore/engine")

// startExecutionSpan opens a span covering one Executor.Run call.
func startExecutionSpan(ctx context.Context, executionID, workflowID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dagcore.execution",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("workflow.id", workflowID),
		),
	)
}

// startStepSpan opens a span covering one attempt inside
// StepExecutor.Execute's retry loop.
func startStepSpan(ctx context.Context, executionID, stepName string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dagcore.step",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("step.name", stepName),
			attribute.Int("step.attempt", attempt),
		),
	)
}
