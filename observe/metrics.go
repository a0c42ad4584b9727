package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jonwraymond/ruleops/fault"
)

// Metrics records rule execution metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordEvaluation records one rule evaluation with duration and error status.
	RecordEvaluation(ctx context.Context, meta RuleMeta, duration time.Duration, err error)

	// RecordRetry records a retry of a resilience operation.
	RecordRetry(ctx context.Context, op string, attempt int)

	// RecordBreakerTransition records a circuit breaker state change.
	RecordBreakerTransition(ctx context.Context, op, from, to string)
}

type metricsImpl struct {
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	retryCount   metric.Int64Counter
	breakerCount metric.Int64Counter
}

// NewMetrics creates Metrics backed by meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	totalCount, err := meter.Int64Counter(
		"rule.eval.total",
		metric.WithDescription("Total number of rule evaluations"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"rule.eval.errors",
		metric.WithDescription("Total number of failed rule evaluations"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"rule.eval.duration_ms",
		metric.WithDescription("Rule evaluation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retryCount, err := meter.Int64Counter(
		"resilience.retry.total",
		metric.WithDescription("Total number of retried attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	breakerCount, err := meter.Int64Counter(
		"resilience.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		totalCount:   totalCount,
		errorCount:   errorCount,
		durationHist: durationHist,
		retryCount:   retryCount,
		breakerCount: breakerCount,
	}, nil
}

func (m *metricsImpl) RecordEvaluation(ctx context.Context, meta RuleMeta, duration time.Duration, err error) {
	opt := metric.WithAttributes(attribute.String("rule.id", meta.ID))

	m.totalCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule.id", meta.ID),
			attribute.String("error.kind", fault.KindOf(err).String()),
		))
	}
	m.durationHist.Record(ctx, float64(duration)/float64(time.Millisecond), opt)
}

func (m *metricsImpl) RecordRetry(ctx context.Context, op string, attempt int) {
	m.retryCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Int("attempt", attempt),
	))
}

func (m *metricsImpl) RecordBreakerTransition(ctx context.Context, op, from, to string) {
	m.breakerCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// NopMetrics returns Metrics that record nothing.
func NopMetrics() Metrics { return noopMetrics{} }

type noopMetrics struct{}

func (noopMetrics) RecordEvaluation(context.Context, RuleMeta, time.Duration, error) {}
func (noopMetrics) RecordRetry(context.Context, string, int)                         {}
func (noopMetrics) RecordBreakerTransition(context.Context, string, string, string)  {}
