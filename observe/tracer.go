package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/jonwraymond/ruleops/fault"
)

// RuleMeta identifies one rule evaluation for telemetry purposes.
type RuleMeta struct {
	ID          string   // Rule id (required)
	Version     string   // Rule version (optional)
	Tags        []string // Rule tags (optional)
	ExecutionID string   // Execution the evaluation belongs to (optional)
}

// SpanName returns the deterministic span name for this rule.
// Format: rule.eval.<id>
func (m RuleMeta) SpanName() string {
	return "rule.eval." + m.ID
}

// Tracer wraps OpenTelemetry tracing with rule-specific span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for a rule evaluation.
	StartSpan(ctx context.Context, meta RuleMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error.
	EndSpan(span trace.Span, err error)
}

type tracerImpl struct {
	tracer trace.Tracer
}

// NewTracer creates a Tracer wrapping the given OpenTelemetry tracer.
func NewTracer(t trace.Tracer) Tracer {
	if t == nil {
		return newNoopTracer()
	}
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with rule metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta RuleMeta) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("rule.id", meta.ID),
		attribute.Bool("rule.error", false),
	}
	if meta.Version != "" {
		attrs = append(attrs, attribute.String("rule.version", meta.Version))
	}
	if meta.ExecutionID != "" {
		attrs = append(attrs, attribute.String("execution.id", meta.ExecutionID))
	}
	if len(meta.Tags) > 0 {
		attrs = append(attrs, attribute.StringSlice("rule.tags", meta.Tags))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.Bool("rule.error", true),
			attribute.String("rule.error_kind", fault.KindOf(err).String()),
		)
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

type noopTracer struct {
	noop trace.Tracer
}

func newNoopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta RuleMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, _ error) {
	span.End()
}
