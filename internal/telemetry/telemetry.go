// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Setup installs stdout trace and metric providers. When enabled is false it
// returns a no-op shutdown function and the global no-op providers stay in
// place.
// The returned shutdown function must be called on exit.
func Setup(serviceName, version string, enabled bool) (shutdown func(context.Context) error, err error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otel resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

// Tracer returns a tracer for the given package.
func Tracer(pkg string) trace.Tracer {
	return otel.Tracer(pkg)
}

// GenAI semantic convention keys recorded on LLM dispatch spans.
const (
	GenAISystem               = attribute.Key("gen_ai.system")
	GenAIRequestModel         = attribute.Key("gen_ai.request.model")
	GenAIUsageInputTokens     = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokens    = attribute.Key("gen_ai.usage.output_tokens")
	GenAIResponseFinishReason = attribute.Key("gen_ai.response.finish_reason")

	PromptTotalChars  = attribute.Key("sqlwarden.prompt.total_chars")
	PromptSystemChars = attribute.Key("sqlwarden.prompt.system_chars")
	PromptTruncated   = attribute.Key("sqlwarden.prompt.truncated")
	DBStatement       = attribute.Key("db.statement")
	DBSystem          = attribute.Key("db.system")
)

// LLMRequestAttributes creates standard attributes for LLM requests.
func LLMRequestAttributes(system, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAISystem.String(system),
		GenAIRequestModel.String(model),
	}
}

// LLMUsageAttributes creates attributes for token usage.
func LLMUsageAttributes(inputTokens, outputTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAIUsageInputTokens.Int(inputTokens),
		GenAIUsageOutputTokens.Int(outputTokens),
	}
}

type correlationKey struct{}

type correlation struct {
	traceID string
	spanID  string
}

// WithCorrelation stores request correlation ids, as carried by the
// X-Trace-Id and X-Span-Id headers, on ctx.
func WithCorrelation(ctx context.Context, traceID, spanID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlation{traceID: traceID, spanID: spanID})
}

// TraceContextFrom returns trace_id and span_id from the span in ctx, if any.
func TraceContextFrom(ctx context.Context) (traceID, spanID string) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return "", ""
	}
	return span.SpanContext().TraceID().String(), span.SpanContext().SpanID().String()
}

// TraceIDs returns the request's correlation ids, falling back to the
// active otel span when no correlation ids were set.
func TraceIDs(ctx context.Context) (traceID, spanID string) {
	if c, ok := ctx.Value(correlationKey{}).(correlation); ok && c.traceID != "" {
		return c.traceID, c.spanID
	}
	return TraceContextFrom(ctx)
}

// LogTraceFields returns a zerolog Func hook that adds trace_id and span_id
// to the event when ids are available in ctx:
//
//	log.Info().Func(telemetry.LogTraceFields(ctx)).Msg("...")
func LogTraceFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		traceID, spanID := TraceIDs(ctx)
		if traceID != "" {
			e.Str("trace_id", traceID)
		}
		if spanID != "" {
			e.Str("span_id", spanID)
		}
	}
}
