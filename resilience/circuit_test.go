package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/ruleops/fault"
)

var errBoom = errors.New("boom")

func failing(ctx context.Context) error    { return errBoom }
func succeeding(ctx context.Context) error { return nil }

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if cb.config.FailureThreshold != 5 {
		t.Errorf("FailureThreshold = %d, want 5", cb.config.FailureThreshold)
	}
	if cb.config.SuccessThreshold != 1 {
		t.Errorf("SuccessThreshold = %d, want 1", cb.config.SuccessThreshold)
	}
	if cb.config.ResetTimeout != 60*time.Second {
		t.Errorf("ResetTimeout = %v, want 60s", cb.config.ResetTimeout)
	}
	if cb.config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cb.config.Timeout)
	}
	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "rule:a",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		ResetTimeout:     30 * time.Millisecond,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	if cb.State() != StateClosed {
		t.Fatalf("State() after 1 failure = %v, want closed", cb.State())
	}
	_ = cb.Execute(ctx, failing)
	if cb.State() != StateOpen {
		t.Fatalf("State() after 2 failures = %v, want open", cb.State())
	}

	invoked := false
	err := cb.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if invoked {
		t.Error("open breaker invoked the operation")
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("error = %v, want circuit open", err)
	}
	if !fault.IsRetryable(err) {
		t.Error("circuit open error should be retryable")
	}

	time.Sleep(40 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() after reset timeout = %v, want half-open", cb.State())
	}

	if err := cb.Execute(ctx, succeeding); err != nil {
		t.Fatalf("trial call error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State() after trial success = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	time.Sleep(30 * time.Millisecond)

	_ = cb.Execute(ctx, failing)
	if cb.State() != StateOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_SuccessThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold:    1,
		SuccessThreshold:    2,
		ResetTimeout:        20 * time.Millisecond,
		HalfOpenMaxRequests: 2,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	time.Sleep(30 * time.Millisecond)

	_ = cb.Execute(ctx, succeeding)
	if cb.State() != StateHalfOpen {
		t.Fatalf("State() after 1 success = %v, want half-open", cb.State())
	}
	_ = cb.Execute(ctx, succeeding)
	if cb.State() != StateClosed {
		t.Errorf("State() after 2 successes = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, succeeding)
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)

	if cb.State() != StateClosed {
		t.Errorf("State() = %v, want closed", cb.State())
	}
	if got := cb.Stats().FailureCount; got != 2 {
		t.Errorf("FailureCount = %d, want 2", got)
	}
}

func TestCircuitBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Timeout: 10 * time.Millisecond})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want timeout", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("State() = %v, want open", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var (
		mu      sync.Mutex
		changes []string
	)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     20 * time.Millisecond,
		OnStateChange: func(from, to State) {
			mu.Lock()
			changes = append(changes, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	time.Sleep(30 * time.Millisecond)
	_ = cb.Execute(ctx, succeeding)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("changes[%d] = %q, want %q", i, changes[i], want[i])
		}
	}
}

func TestCircuitBreaker_StatsAndReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "rule:b", FailureThreshold: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, succeeding)
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, succeeding) // rejected

	s := cb.Stats()
	if s.Name != "rule:b" || s.State != StateOpen {
		t.Errorf("Stats() = %+v", s)
	}
	if s.TotalRequests != 3 || s.TotalFailures != 2 || s.TotalSuccesses != 1 || s.TotalRejected != 1 {
		t.Errorf("totals = %d/%d/%d/%d, want 3/2/1/1", s.TotalRequests, s.TotalFailures, s.TotalSuccesses, s.TotalRejected)
	}
	if s.LastFailureAt.IsZero() || s.LastSuccessAt.IsZero() {
		t.Error("last failure/success timestamps should be set")
	}

	cb.Reset()
	s = cb.Stats()
	if s.State != StateClosed || s.TotalRequests != 0 || s.FailureCount != 0 {
		t.Errorf("Stats() after Reset = %+v", s)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
