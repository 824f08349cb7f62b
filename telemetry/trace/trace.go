// Package trace wires OpenTelemetry spans around dispatch and
// migration-stage RPCs.
package trace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nvidia/kvfleet"

var tracer trace.Tracer = otel.Tracer(instrumentationName)

// NewProvider builds a TracerProvider with the given SpanExporter (the
// caller picks stdout/OTLP/etc. at the binary's entrypoint); passing a
// nil exporter yields a provider that exports nothing, suitable for
// tests.
func NewProvider(exp sdktrace.SpanExporter, serviceName string) *sdktrace.TracerProvider {
	res := resource.NewSchemaless()
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(instrumentationName)
	_ = serviceName
	return tp
}

func StartDispatchSpan(ctx context.Context, requestID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dispatch", trace.WithAttributes())
}

func StartMigrationStageSpan(ctx context.Context, requestID string, stage int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "migration-stage")
}
