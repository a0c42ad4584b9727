package observe

import (
	"context"
	"time"

	"github.com/jonwraymond/ruleops/document"
)

// EvalFunc is the signature of a single rule evaluation.
type EvalFunc func(ctx context.Context, meta RuleMeta, input document.Value) (document.Value, error)

// Middleware wraps rule evaluation with tracing, metrics and logging.
//
// Contract:
//   - Concurrency: Wrap returns a function safe for concurrent use.
//   - Context: the span is propagated to the wrapped function through ctx.
//   - Errors: errors from the wrapped function are recorded and returned unchanged.
//   - Ownership: input and output values pass through untouched.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
}

// NewMiddleware creates a Middleware. Nil components are replaced by no-ops.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = newNoopTracer()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// Wrap wraps fn with tracing, metrics and logging.
func (m *Middleware) Wrap(fn EvalFunc) EvalFunc {
	return func(ctx context.Context, meta RuleMeta, input document.Value) (document.Value, error) {
		ctx, span := m.tracer.StartSpan(ctx, meta)
		start := time.Now()

		out, err := fn(ctx, meta, input)

		duration := time.Since(start)
		m.tracer.EndSpan(span, err)
		m.metrics.RecordEvaluation(ctx, meta, duration, err)

		log := m.logger.WithRule(meta)
		if err != nil {
			log.Error(ctx, "rule evaluation failed", F("duration", duration), F("error", err))
		} else {
			log.Debug(ctx, "rule evaluation completed", F("duration", duration))
		}

		return out, err
	}
}

// Metrics returns the metrics recorder used by the middleware.
func (m *Middleware) Metrics() Metrics { return m.metrics }

// Logger returns the logger used by the middleware.
func (m *Middleware) Logger() Logger { return m.logger }

// MiddlewareFromObserver creates a Middleware from an Observer.
func MiddlewareFromObserver(obs Observer) (*Middleware, error) {
	if obs == nil {
		return nil, ErrNilObserver
	}

	metrics, err := NewMetrics(obs.Meter())
	if err != nil {
		return nil, err
	}

	return NewMiddleware(NewTracer(obs.Tracer()), metrics, obs.Logger()), nil
}
