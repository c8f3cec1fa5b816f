// Package telemetry provides OpenTelemetry tracing for repocache.
// Queries, cache lookups and invalidations get spans; traces export over
// OTLP/gRPC or to stdout.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const tracerName = "github.com/Siddhant-K-code/repocache"

// Version is reported as the service version resource attribute.
var Version = "dev"

// Config holds tracing configuration.
type Config struct {
	// Enabled turns tracing on/off.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace exporter: "otlp", "stdout", or "none".
	Exporter string `mapstructure:"exporter"`

	// Endpoint is the OTLP collector address (e.g., "localhost:4317").
	Endpoint string `mapstructure:"endpoint"`

	// SampleRate controls the sampling ratio (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`

	// ServiceName overrides the default service name.
	ServiceName string `mapstructure:"service_name"`

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool `mapstructure:"insecure"`
}

// DefaultConfig returns tracing defaults (disabled).
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "otlp",
		Endpoint:    "localhost:4317",
		SampleRate:  1.0,
		ServiceName: "repocache",
		Insecure:    true,
	}
}

// Provider wraps the OTEL TracerProvider.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Init sets up the global TracerProvider based on the config.
// Returns a Provider that must be shut down with Shutdown().
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.Exporter {
	case "otlp":
		exporter, err = otlptracegrpc.New(ctx, otlpOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
	case "none", "":
		return noopProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout, none)", cfg.Exporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(tracerName),
	}, nil
}

func noopProvider() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer(tracerName)}
}

// otlpOptions builds the exporter options. Without Insecure the connection
// uses TLS with the system roots.
func otlpOptions(cfg Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(cfg.ServiceName + "/" + Version)),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	return opts
}

// Shutdown flushes pending spans and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Tracer returns the repocache tracer from the global provider. Spans are
// no-ops until Init installs an exporting provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartRequest creates a root span for an incoming HTTP request.
func (p *Provider) StartRequest(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "repocache.request",
		trace.WithAttributes(attribute.String("repocache.endpoint", endpoint)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartQuery creates a span for a repository query.
func StartQuery(ctx context.Context, t trace.Tracer, repoID, op string) (context.Context, trace.Span) {
	return t.Start(ctx, "repocache.query",
		trace.WithAttributes(
			attribute.String("repocache.repository", repoID),
			attribute.String("repocache.operation", op),
		),
	)
}

// StartInvalidation creates a span for mutation-driven invalidation.
func StartInvalidation(ctx context.Context, t trace.Tracer, repoID, mutation string) (context.Context, trace.Span) {
	return t.Start(ctx, "repocache.invalidate",
		trace.WithAttributes(
			attribute.String("repocache.repository", repoID),
			attribute.String("repocache.mutation", mutation),
		),
	)
}

// RecordOutcome adds the cache outcome and latency to a query span.
func RecordOutcome(span trace.Span, outcome string, latency time.Duration) {
	span.SetAttributes(
		attribute.String("repocache.cache.outcome", outcome),
		attribute.Int64("repocache.latency_us", latency.Microseconds()),
	)
}

// RecordInvalidation adds the number of removed entries to a span.
func RecordInvalidation(span trace.Span, removed int) {
	span.SetAttributes(attribute.Int("repocache.invalidated", removed))
}

// RecordError records an error on a span.
func RecordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
