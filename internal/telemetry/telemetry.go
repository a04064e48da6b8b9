// Package telemetry wires OpenTelemetry tracing for call sessions.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/status"
)

// InstrumentationName names the tracer used for call spans.
const InstrumentationName = "github.com/shhac/quill"

// Setup installs a global tracer provider exporting to an OTLP collector.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the tracer for call spans from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// CallInfo describes a call for its span.
type CallInfo struct {
	Service  string
	Method   string
	Endpoint string
	Mode     string
	Web      bool
}

// StartCall opens the span covering one call session.
func StartCall(ctx context.Context, tracer trace.Tracer, info CallInfo) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "quill.call", trace.WithSpanKind(trace.SpanKindClient))
	system := "grpc"
	if info.Web {
		system = "grpc-web"
	}
	span.SetAttributes(
		semconv.RPCSystemKey.String(system),
		semconv.RPCServiceKey.String(info.Service),
		semconv.RPCMethodKey.String(info.Method),
		attribute.String("net.peer.name", info.Endpoint),
		attribute.String("quill.mode", info.Mode),
	)
	return ctx, span
}

// RecordData notes one inbound message on span.
func RecordData(span trace.Span, stream bool, size int) {
	span.AddEvent("message", trace.WithAttributes(
		attribute.Bool("stream", stream),
		attribute.Int("size", size),
	))
}

// RecordError marks span as failed.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if st, ok := status.FromError(err); ok {
		span.SetAttributes(attribute.String("grpc.code", st.Code().String()))
	}
}
