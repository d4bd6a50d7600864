package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// BootstrapConfig configures the OTLP/HTTP exporter this service sends
// spans to when telemetry is enabled.
type BootstrapConfig struct {
	ServiceName string
	Endpoint    string // host:port, e.g. "otel-collector:4318"
	URLPath     string // default "/v1/traces"
	Insecure    bool
	Headers     map[string]string
}

// Provider owns the process-wide tracer provider and its exporter.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	exporter       *otlptrace.Exporter
}

// Bootstrap wires an OTLP/HTTP exporter into a global TracerProvider
// (SPEC_FULL.md §2's ambient tracing commitment), grounded on the
// teacher's MLflow observability integration
// (pkg/observability/mlflow.New) generalized away from its
// MLflow-specific experiment headers.
func Bootstrap(cfg BootstrapConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "antigravity-proxy"
	}
	if cfg.URLPath == "" {
		cfg.URLPath = "/v1/traces"
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithURLPath(cfg.URLPath),
		otlptracehttp.WithHeaders(cfg.Headers),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tracerProvider: tp, exporter: exporter}, nil
}

// Tracer returns a tracer off this provider's TracerProvider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tracerProvider.Tracer(name)
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: failed to shutdown tracer provider: %w", err)
	}
	return nil
}
