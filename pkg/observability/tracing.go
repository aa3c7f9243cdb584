package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// otelSpan adapts an OpenTelemetry span to the Span interface
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

func (s *otelSpan) RecordError(err error) { s.span.RecordError(err) }

func (s *otelSpan) SpanContext() trace.SpanContext { return s.span.SpanContext() }

// NewStartSpanFunc returns a StartSpanFunc bound to the named tracer from
// the global OpenTelemetry provider. With no SDK installed this yields
// no-op spans, which is the intended default for the gateway.
func NewStartSpanFunc(tracerName string) StartSpanFunc {
	tracer := otel.Tracer(tracerName)
	return func(ctx context.Context, name string) (context.Context, Span) {
		ctx, span := tracer.Start(ctx, name)
		return ctx, &otelSpan{span: span}
	}
}

// NoOpSpan is a span that does nothing
type NoOpSpan struct{}

// End implements Span
func (s *NoOpSpan) End() {}

// SetAttribute implements Span
func (s *NoOpSpan) SetAttribute(key string, value interface{}) {}

// RecordError implements Span
func (s *NoOpSpan) RecordError(err error) {}

// SpanContext implements Span
func (s *NoOpSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

// NoOpStartSpan is a StartSpanFunc that returns NoOpSpans
func NoOpStartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}
