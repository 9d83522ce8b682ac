package observability

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xiaozhi-mcp/mcp-mux"

// TracingConfig controls how the global trace/meter providers are built.
// TraceWriter/MetricWriter default to io.Discard-backed exporters when nil,
// which keeps tracing wired but silent for tests and for deployments that
// don't want stdout spam.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	TraceWriter    io.Writer
	MetricWriter   io.Writer
}

// InitTracing builds the global TracerProvider and MeterProvider backed by
// the OTel stdout exporters, returning a shutdown function that flushes and
// closes both. Call shutdown during graceful termination.
func InitTracing(ctx context.Context, cfg TracingConfig) (shutdown func(context.Context) error, err error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	traceWriter := cfg.TraceWriter
	if traceWriter == nil {
		traceWriter = io.Discard
	}
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceWriter))
	if err != nil {
		return nil, fmt.Errorf("build trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricWriter := cfg.MetricWriter
	if metricWriter == nil {
		metricWriter = io.Discard
	}
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricWriter))
	if err != nil {
		return nil, fmt.Errorf("build metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(shutdownCtx context.Context) error {
		var errs []error
		if err := tp.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
		if err := mp.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
		return errors.Join(errs...)
	}, nil
}

// Tracer returns the package-wide tracer, sourced from whatever
// TracerProvider is currently registered with otel (a no-op one until
// InitTracing runs).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Meter returns the package-wide meter, sourced from whatever
// MeterProvider is currently registered with otel.
func Meter() metric.Meter {
	return otel.Meter(tracerName)
}

// StartSpan starts a span under Tracer() with the given name.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}
