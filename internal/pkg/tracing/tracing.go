// Package tracing wires OpenTelemetry for churnwatch. Spans cover HTTP
// requests (otelhttp), classifier calls, model fits, detection and monitor
// passes.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/kubilitics/churnwatch"

// Span attribute keys shared across packages.
const (
	CustomerIDKey = attribute.Key("churnwatch.customer_id")
	RuleKey       = attribute.Key("churnwatch.rule")
	DryRunKey     = attribute.Key("churnwatch.dry_run")
)

var tracer trace.Tracer = noop.NewTracerProvider().Tracer(instrumentationName)

// Options configures Init.
type Options struct {
	ServiceName  string
	Endpoint     string  // host:port of the OTLP collector; empty disables tracing
	SamplingRate float64 // fraction of root spans kept
	// Protocol is "grpc" or "http". Empty reads OTEL_EXPORTER_OTLP_(TRACES_)PROTOCOL
	// and falls back to http.
	Protocol string
}

// Init installs the global tracer provider and returns its shutdown function.
func Init(opts Options) (func(), error) {
	if opts.Endpoint == "" {
		return func() {}, nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "churnwatch"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(opts.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exp, err := newExporter(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s exporter: %w", protocol(opts.Protocol), err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(opts.SamplingRate))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = provider.Tracer(instrumentationName)

	return func() {
		_ = provider.Shutdown(context.Background())
	}, nil
}

func newExporter(opts Options) (sdktrace.SpanExporter, error) {
	if protocol(opts.Protocol) == "grpc" {
		return otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(opts.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	}
	return otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpoint(opts.Endpoint),
		otlptracehttp.WithInsecure(),
	)
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// protocol resolves the exporter protocol: explicit value, then the OTEL env vars, then http.
func protocol(explicit string) string {
	for _, v := range []string{
		explicit,
		os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"),
		os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"),
	} {
		if strings.EqualFold(v, "grpc") {
			return "grpc"
		}
		if v != "" {
			return "http"
		}
	}
	return "http"
}

// StartSpanWithAttributes starts a span named name carrying attrs.
func StartSpanWithAttributes(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext extracts the trace ID from context as a string.
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
