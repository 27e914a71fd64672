// Package telemetry provides a thin OpenTelemetry tracer provider, wired
// through the control-plane client, deploy handler, and cleanup handler so
// poll cycles, step executions, and cleanup runs are observable spans.
// It is tracing only (no metrics, no OTLP exporter) since a singleton host
// agent has nowhere local to run a collector; spans are written to stdout
// for operator inspection.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the tracer provider.
type Config struct {
	AgentID    string
	Version    string
	Enabled    bool
	PrettyJSON bool
}

// Provider owns the process's tracer provider.
type Provider struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	logger         *slog.Logger
}

// noopTracer returns a tracer that discards spans, used when telemetry is
// disabled so call sites never need a nil check.
func noopTracer() trace.Tracer {
	return otel.Tracer("kraken-agent/noop")
}

// New creates a Provider. When config.Enabled is false, Tracer() returns a
// no-op tracer and Shutdown is a no-op.
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{config: config, logger: logger}

	if !config.Enabled {
		p.tracer = noopTracer()
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("kraken-agent"),
			semconv.ServiceVersion(config.Version),
			attribute.String("kraken.agent_id", config.AgentID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	opts := []stdouttrace.Option{}
	if config.PrettyJSON {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create stdout exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	p.tracer = p.tracerProvider.Tracer("kraken-agent", trace.WithInstrumentationVersion(config.Version))
	return p, nil
}

// Tracer returns the provider's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// StartSpan starts a named span, returning the derived context and the span
// (callers must call span.End(), typically via defer).
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider == nil {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		p.logger.Warn("telemetry: shutdown failed", "error", err)
		return err
	}
	return nil
}
