// Package telemetry wires the broker's pipeline-stage tracing, per
// SPEC_FULL.md §2's observability component: one span per stage of the
// execute_tool pipeline (validating, policy_evaluating, secret_resolving,
// token_acquiring, executing, emitting_result), exported over OTLP/HTTP
// when MCP_AUTH_BROKER_OTLP_ENDPOINT is set and otherwise a no-op.
//
// None of the example repos call the OpenTelemetry API directly -- it
// only appears as an indirect dependency of something else in their
// module graphs -- so this wiring follows the upstream otel-go project's
// own documented NewTracerProvider/otlptracehttp setup rather than a
// pattern borrowed from the teacher.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/bdobrica/mcp-auth-broker/internal/broker/server"

// Shutdown flushes and stops the tracer provider; safe to call even when
// Init returned a no-op provider.
type Shutdown func(context.Context) error

// Init installs the process-global tracer provider. endpoint empty means
// spans are created but never exported (otel's default no-op exporter
// behavior via a provider with no span processor).
func Init(ctx context.Context, serviceName, endpoint string) (Shutdown, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	if endpoint == "" {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		return func(ctx context.Context) error { return tp.Shutdown(ctx) }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error { return tp.Shutdown(ctx) }, nil
}

// StartStage starts a span named for the given pipeline stage, per
// spec.md §3's request lifecycle state machine.
func StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, stage)
}
