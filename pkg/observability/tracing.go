// Package observability wires OpenTelemetry tracing for the pipeline.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/datalinkhq/datalink"

// TracingConfig controls trace export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
	// Pretty enables human-readable exporter output for development
	Pretty bool `yaml:"pretty" json:"pretty"`
}

// InitTracing installs a global tracer provider and returns a shutdown
// function. With tracing disabled it returns a no-op shutdown.
func InitTracing(cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var opts []stdouttrace.Option
	if cfg.Pretty {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate > 0 && cfg.SampleRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// StartQuerySpan opens a span for one query execution.
func StartQuerySpan(ctx context.Context, sourceType, sourceName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "datalink.query",
		trace.WithAttributes(
			attribute.String("datalink.source_type", sourceType),
			attribute.String("datalink.source_name", sourceName),
		))
}

// StartConnectSpan opens a span for one connection attempt.
func StartConnectSpan(ctx context.Context, sourceType, sourceName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "datalink.connect",
		trace.WithAttributes(
			attribute.String("datalink.source_type", sourceType),
			attribute.String("datalink.source_name", sourceName),
		))
}

// EndSpan closes the span, recording err when present.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
