package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig controls whether node executions are traced and at what
// sampling rate (spec.md §6 is silent on tracing; this follows the
// teacher's OTEL_* environment convention).
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	SampleRate  float64
}

// TracerProvider wraps an OpenTelemetry TracerProvider for lifecycle
// management. A nil *TracerProvider yields a no-op tracer, so callers can
// pass it through uninitialized in tests.
type TracerProvider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// NewTracerProvider builds a TracerProvider sampling at cfg.SampleRate. It
// has no span exporter wired (spec.md's scope has no collector endpoint to
// ship to); spans are still created and can be inspected via
// sdktrace.WithSpanProcessor in tests that need to assert on them.
func NewTracerProvider(cfg TracingConfig) *TracerProvider {
	if !cfg.Enabled {
		return nil
	}
	res, _ := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(cfg.ServiceName)),
	)

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	return &TracerProvider{tp: tp, tracer: tp.Tracer(cfg.ServiceName)}
}

// Tracer returns the underlying tracer, or a no-op tracer if p is nil.
func (p *TracerProvider) Tracer() trace.Tracer {
	if p == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Shutdown flushes and releases the provider. Safe to call on a nil
// receiver.
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// StartNodeSpan starts a span around a single node execution, tagging it
// with the identifiers an Engine event also carries.
func StartNodeSpan(ctx context.Context, tp *TracerProvider, workflowID, executionID, nodeID, nodeType string) (context.Context, trace.Span) {
	return tp.Tracer().Start(ctx, "node.execute",
		trace.WithAttributes(
			attribute.String("workflow.id", workflowID),
			attribute.String("execution.id", executionID),
			attribute.String("node.id", nodeID),
			attribute.String("node.type", nodeType),
		),
	)
}
