package resilience

import (
	"errors"
	"fmt"

	"github.com/jonwraymond/ruleops/fault"
)

// Sentinel errors for resilience operations.
var (
	// ErrCircuitOpen is matched by errors returned when the circuit breaker is open.
	ErrCircuitOpen = fault.ErrCircuitOpen

	// ErrRateLimitExceeded is matched by errors returned when the rate limit is exceeded.
	ErrRateLimitExceeded = fault.ErrRateLimitExceeded

	// ErrTimeout is matched by errors returned when an operation times out.
	ErrTimeout = fault.ErrTimeout

	// ErrMaxRetriesExceeded is returned when max retry attempts are exhausted.
	ErrMaxRetriesExceeded = errors.New("resilience: max retries exceeded")

	// ErrBulkheadFull is returned when the bulkhead is at capacity.
	ErrBulkheadFull = errors.New("resilience: bulkhead at capacity")

	// ErrQueueFull is returned when the rate limiter queue is full.
	ErrQueueFull = errors.New("resilience: rate limiter queue full")
)

// RetryError is returned when every attempt of an operation failed with a
// retryable error. It matches both ErrMaxRetriesExceeded and the last failure.
type RetryError struct {
	// Op is the operation name.
	Op string

	// Attempts is the number of invocations made.
	Attempts int

	// Err is the last failure.
	Err error
}

// Error implements the error interface.
func (e *RetryError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("resilience: failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("resilience: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

// Unwrap returns ErrMaxRetriesExceeded and the last failure.
func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.Err}
}
