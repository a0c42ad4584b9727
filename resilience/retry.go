package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jonwraymond/ruleops/fault"
)

// transientKeywords mark an unclassified error as transient when they appear
// in its message.
var transientKeywords = []string{
	"timeout",
	"network",
	"connection",
	"temporary",
	"rate limit",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
}

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// Op is the operation name reported in RetryError.
	Op string

	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	// Default: 100ms
	BaseDelay time.Duration

	// MaxDelay caps the backoff before jitter is added.
	// Default: 30s
	MaxDelay time.Duration

	// BackoffMultiplier is the exponential backoff multiplier.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFactor adds up to delay*JitterFactor of random delay.
	// Default: 0.1. Negative disables jitter.
	JitterFactor float64

	// ShouldRetry decides whether a failed attempt is retried. attempt is the
	// 1-based number of the attempt that failed.
	// Default: DefaultShouldRetry
	ShouldRetry func(err error, attempt int) bool

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultShouldRetry never retries invalid input or cancellation, retries
// errors classified or marked retryable, and otherwise matches the message
// against well-known transient failure keywords.
func DefaultShouldRetry(err error, _ int) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, fault.ErrInvalidInput) {
		return false
	}
	if fault.IsRetryable(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range transientKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Retry implements retry with exponential backoff.
type Retry struct {
	config RetryConfig
}

// NewRetry creates a new retry handler.
func NewRetry(config RetryConfig) *Retry {
	// Apply defaults
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.JitterFactor == 0 {
		config.JitterFactor = 0.1
	}
	if config.ShouldRetry == nil {
		config.ShouldRetry = DefaultShouldRetry
	}

	return &Retry{config: config}
}

// Execute runs the operation with retry logic.
//
// A failure the predicate rejects is returned as is. When every attempt
// fails with a retryable error, a *RetryError wrapping the last failure is
// returned.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.config.ShouldRetry(err, attempt) {
			return err
		}

		if attempt >= r.config.MaxAttempts {
			break
		}

		delay := r.Delay(attempt)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &RetryError{Op: r.config.Op, Attempts: r.config.MaxAttempts, Err: lastErr}
}

// Delay returns the backoff before retry number n (n >= 1):
// min(base*multiplier^(n-1), max) plus up to that value times JitterFactor.
func (r *Retry) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	multiplier := math.Pow(r.config.BackoffMultiplier, float64(n-1))
	raw := float64(r.config.BaseDelay) * multiplier

	delay := r.config.MaxDelay
	if raw < float64(r.config.MaxDelay) {
		delay = time.Duration(raw)
	}

	if r.config.JitterFactor > 0 && delay > 0 {
		span := int64(float64(delay) * r.config.JitterFactor)
		if span > 0 {
			// #nosec G404 -- jitter is non-cryptographic timing variance.
			delay += time.Duration(rand.Int64N(span))
		}
	}

	return delay
}

// Config returns the retry configuration.
func (r *Retry) Config() RetryConfig {
	return r.config
}
