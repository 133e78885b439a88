// Package telemetry configures OpenTelemetry tracing for rule evaluation.
//
// Evaluation spans carry `alertRuleUID` and `orgID`; outcome attributes
// (`firing`, `noData`, `timeout`, `error`) are set when the span ends.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ngalert/schedule"

// Tracer returns tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs OTLP gRPC trace provider.
// Params: ctx for exporter setup, collector endpoint (empty disables tracing), service name and version.
// Returns: shutdown function to call on exit, or setup error.
func InitTraceProvider(ctx context.Context, endpoint, serviceName, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// ExecutionOutcome is what one evaluation job reports on its span.
type ExecutionOutcome struct {
	Firing  bool
	NoData  bool
	Timeout bool
	Err     error
}

// StartExecutionSpan opens `alert execution` span for one rule evaluation.
// Params: ctx parent, tracer (nil uses global), rule uid and org id.
// Returns: derived context and span.
func StartExecutionSpan(ctx context.Context, tracer trace.Tracer, ruleUID string, orgID int64) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = Tracer()
	}
	return tracer.Start(ctx, "alert execution",
		trace.WithAttributes(
			attribute.String("alertRuleUID", ruleUID),
			attribute.Int64("orgID", orgID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndExecutionSpan records outcome attributes and ends the span.
// Params: span and job outcome.
// Returns: none.
func EndExecutionSpan(span trace.Span, outcome ExecutionOutcome) {
	span.SetAttributes(
		attribute.Bool("firing", outcome.Firing),
		attribute.Bool("noData", outcome.NoData),
		attribute.Bool("timeout", outcome.Timeout),
	)
	if outcome.Err != nil {
		span.SetAttributes(attribute.String("error", outcome.Err.Error()))
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	span.End()
}
