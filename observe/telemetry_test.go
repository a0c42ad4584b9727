package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jonwraymond/ruleops/document"
	"github.com/jonwraymond/ruleops/fault"
)

func newRecordingTracer(t *testing.T) (Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewTracer(tp.Tracer("test")), rec
}

func newRecordingMetrics(t *testing.T) (Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("aggregation is %T, want Sum[int64]", data)
	}
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRuleMeta_SpanName(t *testing.T) {
	if got := (RuleMeta{ID: "pricing"}).SpanName(); got != "rule.eval.pricing" {
		t.Errorf("SpanName() = %q", got)
	}
}

func TestTracer_RecordsAttributesAndErrors(t *testing.T) {
	tracer, rec := newRecordingTracer(t)

	_, span := tracer.StartSpan(context.Background(), RuleMeta{ID: "a", Version: "1", Tags: []string{"x"}, ExecutionID: "e"})
	tracer.EndSpan(span, fault.New(fault.KindTimeout, "rule:a", "a", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "rule.eval.a" {
		t.Errorf("span name = %q", s.Name())
	}
	if s.Status().Code != codes.Error {
		t.Errorf("status = %v, want error", s.Status().Code)
	}

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["rule.error_kind"].AsString() != "timeout" {
		t.Errorf("rule.error_kind = %v", attrs["rule.error_kind"])
	}
	if attrs["execution.id"].AsString() != "e" {
		t.Errorf("execution.id = %v", attrs["execution.id"])
	}
	if !attrs["rule.error"].AsBool() {
		t.Error("rule.error should be true")
	}
}

func TestNewTracer_NilIsNoop(t *testing.T) {
	tracer := NewTracer(nil)
	_, span := tracer.StartSpan(context.Background(), RuleMeta{ID: "a"})
	tracer.EndSpan(span, errors.New("ignored"))
}

func TestMetrics_RecordEvaluation(t *testing.T) {
	m, reader := newRecordingMetrics(t)
	ctx := context.Background()

	m.RecordEvaluation(ctx, RuleMeta{ID: "a"}, 5*time.Millisecond, nil)
	m.RecordEvaluation(ctx, RuleMeta{ID: "a"}, 7*time.Millisecond, errors.New("boom"))
	m.RecordRetry(ctx, "rule:a", 2)
	m.RecordBreakerTransition(ctx, "rule:a", "closed", "open")

	data := collect(t, reader)
	if got := sumOf(t, data["rule.eval.total"]); got != 2 {
		t.Errorf("rule.eval.total = %d, want 2", got)
	}
	if got := sumOf(t, data["rule.eval.errors"]); got != 1 {
		t.Errorf("rule.eval.errors = %d, want 1", got)
	}
	if got := sumOf(t, data["resilience.retry.total"]); got != 1 {
		t.Errorf("resilience.retry.total = %d, want 1", got)
	}
	if got := sumOf(t, data["resilience.breaker.transitions"]); got != 1 {
		t.Errorf("resilience.breaker.transitions = %d, want 1", got)
	}
	hist, ok := data["rule.eval.duration_ms"].(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
		t.Errorf("rule.eval.duration_ms = %+v", data["rule.eval.duration_ms"])
	}
}

func TestMiddleware_Wrap(t *testing.T) {
	tracer, rec := newRecordingTracer(t)
	metrics, reader := newRecordingMetrics(t)
	mw := NewMiddleware(tracer, metrics, NopLogger())

	want := document.MustFromAny(map[string]any{"ok": true})
	errBoom := errors.New("boom")

	wrapped := mw.Wrap(func(ctx context.Context, meta RuleMeta, input document.Value) (document.Value, error) {
		if meta.ID == "bad" {
			return document.Null(), errBoom
		}
		return want, nil
	})

	out, err := wrapped(context.Background(), RuleMeta{ID: "good"}, document.Null())
	if err != nil || !out.Equal(want) {
		t.Errorf("wrapped(good) = %v, %v", out, err)
	}
	if _, err := wrapped(context.Background(), RuleMeta{ID: "bad"}, document.Null()); !errors.Is(err, errBoom) {
		t.Errorf("wrapped(bad) error = %v, want errBoom", err)
	}

	if got := len(rec.Ended()); got != 2 {
		t.Errorf("spans = %d, want 2", got)
	}
	if got := sumOf(t, collect(t, reader)["rule.eval.errors"]); got != 1 {
		t.Errorf("rule.eval.errors = %d, want 1", got)
	}
}

func TestMiddlewareFromObserver(t *testing.T) {
	if _, err := MiddlewareFromObserver(nil); !errors.Is(err, ErrNilObserver) {
		t.Errorf("nil observer error = %v, want ErrNilObserver", err)
	}

	obs, err := NewObserver(context.Background(), Config{ServiceName: "ruleops-test"})
	if err != nil {
		t.Fatalf("NewObserver() error = %v", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	mw, err := MiddlewareFromObserver(obs)
	if err != nil {
		t.Fatalf("MiddlewareFromObserver() error = %v", err)
	}
	if mw.Metrics() == nil || mw.Logger() == nil {
		t.Error("middleware components should be set")
	}
}
