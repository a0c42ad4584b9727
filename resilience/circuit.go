package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/jonwraymond/ruleops/fault"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is blocking all requests.
	StateOpen
	// StateHalfOpen means the circuit is testing if the service recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Name is the operation name the breaker guards.
	Name string

	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	// Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit.
	// Default: 1
	SuccessThreshold int

	// ResetTimeout is how long after the last failure an open circuit
	// admits a trial request.
	// Default: 60 seconds
	ResetTimeout time.Duration

	// Timeout bounds each request passing through the breaker. An exceeded
	// timeout counts as a failure.
	// Default: 30 seconds. Negative disables.
	Timeout time.Duration

	// HalfOpenMaxRequests is the max concurrent trial requests while half-open.
	// Default: 1
	HalfOpenMaxRequests int

	// OnStateChange is called after the circuit state changes, outside the
	// breaker lock.
	OnStateChange func(from, to State)

	// IsFailure determines if an error should count as a failure.
	// Default: all non-nil errors are failures.
	IsFailure func(err error) bool
}

type transition struct{ from, to State }

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	halfOpenCount  int
	lastFailure    time.Time
	lastSuccess    time.Time
	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	// Apply defaults
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Execute runs the operation through the circuit breaker. An open circuit
// rejects the call with a retryable circuit-open error without invoking op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	var err error
	if cb.config.Timeout > 0 {
		err = runWithTimeout(ctx, cb.config.Name, cb.config.Timeout, op)
	} else {
		err = op(ctx)
	}
	cb.afterRequest(err)
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	state, changes := cb.currentStateLocked()
	cb.mu.Unlock()
	cb.notify(changes)
	return state
}

// Reset resets the circuit breaker to closed state and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	oldState := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenCount = 0
	cb.lastFailure = time.Time{}
	cb.lastSuccess = time.Time{}
	cb.totalRequests = 0
	cb.totalFailures = 0
	cb.totalSuccesses = 0
	cb.totalRejected = 0
	cb.mu.Unlock()

	if oldState != StateClosed {
		cb.notify([]transition{{oldState, StateClosed}})
	}
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	state, changes := cb.currentStateLocked()

	var err error
	switch state {
	case StateOpen:
		err = fault.New(fault.KindCircuitOpen, cb.config.Name, "", nil)
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			err = fault.New(fault.KindCircuitOpen, cb.config.Name, "", nil)
		} else {
			cb.halfOpenCount++
		}
	}
	if err != nil {
		cb.totalRejected++
	} else {
		cb.totalRequests++
	}
	cb.mu.Unlock()

	cb.notify(changes)
	return err
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()

	isFailure := cb.config.IsFailure(err)
	oldState := cb.state
	now := time.Now()

	if isFailure {
		cb.totalFailures++
		cb.lastFailure = now
	} else {
		cb.totalSuccesses++
		cb.lastSuccess = now
	}

	switch cb.state {
	case StateClosed:
		if isFailure {
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				cb.state = StateOpen
			}
		} else {
			cb.failures = 0
		}

	case StateHalfOpen:
		if cb.halfOpenCount > 0 {
			cb.halfOpenCount--
		}
		if isFailure {
			cb.successes = 0
			cb.state = StateOpen
		} else {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.state = StateClosed
				cb.failures = 0
				cb.successes = 0
			}
		}

	case StateOpen:
		// A request admitted before the circuit opened finished late.
		if isFailure {
			cb.failures++
		}
	}

	newState := cb.state
	cb.mu.Unlock()

	if oldState != newState {
		cb.notify([]transition{{oldState, newState}})
	}
}

// currentStateLocked moves an open circuit to half-open once ResetTimeout
// has elapsed since the last failure.
func (cb *CircuitBreaker) currentStateLocked() (State, []transition) {
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.config.ResetTimeout {
		cb.state = StateHalfOpen
		cb.halfOpenCount = 0
		cb.successes = 0
		return cb.state, []transition{{StateOpen, StateHalfOpen}}
	}
	return cb.state, nil
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.config.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.config.OnStateChange(c.from, c.to)
	}
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	state, changes := cb.currentStateLocked()
	stats := CircuitBreakerStats{
		Name:           cb.config.Name,
		State:          state,
		FailureCount:   cb.failures,
		SuccessCount:   cb.successes,
		TotalRequests:  cb.totalRequests,
		TotalFailures:  cb.totalFailures,
		TotalSuccesses: cb.totalSuccesses,
		TotalRejected:  cb.totalRejected,
		LastFailureAt:  cb.lastFailure,
		LastSuccessAt:  cb.lastSuccess,
	}
	cb.mu.Unlock()
	cb.notify(changes)
	return stats
}

// CircuitBreakerStats contains circuit breaker statistics.
type CircuitBreakerStats struct {
	Name           string    `json:"name"`
	State          State     `json:"state"`
	FailureCount   int       `json:"failure_count"`
	SuccessCount   int       `json:"success_count"`
	TotalRequests  int64     `json:"total_requests"`
	TotalFailures  int64     `json:"total_failures"`
	TotalSuccesses int64     `json:"total_successes"`
	TotalRejected  int64     `json:"total_rejected"`
	LastFailureAt  time.Time `json:"last_failure_at,omitzero"`
	LastSuccessAt  time.Time `json:"last_success_at,omitzero"`
}

// MarshalText lets State serialize by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
