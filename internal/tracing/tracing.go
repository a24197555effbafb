// Package tracing wraps each attempt of a retryable mcpsession operation
// (including the pipeline's "messages" calls, which go through
// ExecuteWithRetry) in an OpenTelemetry span. Tracing is opt-in and costs nothing
// when disabled — the provider degrades to a no-op tracer.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys set by the session supervisor.
const (
	AttrSessionName = "mcpsession.name"
	AttrAgentName   = "agent.name"
	AttrAttempt     = "operation.attempt"
)

// Config selects whether tracing is active and where spans go.
type Config struct {
	Enabled     bool
	ServiceName string
}

// Provider manages the tracer used throughout the pipeline.
type Provider struct {
	sdkProvider *sdktrace.TracerProvider
	tracer      trace.Tracer
	enabled     bool
}

// NewProvider builds a Provider. When cfg.Enabled is false, a no-op tracer
// is returned with zero overhead.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("noop"), enabled: false}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ax-agent-studio"
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: create stdout exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	return &Provider{sdkProvider: provider, tracer: provider.Tracer(serviceName), enabled: true}, nil
}

// Shutdown flushes any pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.sdkProvider == nil {
		return nil
	}
	return p.sdkProvider.Shutdown(ctx)
}

// WrapOperation starts a span named name, runs fn, and records fn's error
// (if any) on the span before returning it — the span helper
// mcpsession.Supervisor.ExecuteWithRetry wraps every attempt in.
func (p *Provider) WrapOperation(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}
