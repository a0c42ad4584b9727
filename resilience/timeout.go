package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/jonwraymond/ruleops/fault"
)

// TimeoutConfig configures the timeout wrapper.
type TimeoutConfig struct {
	// Op is the operation name attached to timeout errors.
	Op string

	// Timeout is the maximum duration for the operation.
	// Default: 30 seconds
	Timeout time.Duration
}

// Timeout wraps operations with a timeout.
type Timeout struct {
	config TimeoutConfig
}

// NewTimeout creates a new timeout wrapper.
func NewTimeout(config TimeoutConfig) *Timeout {
	// Apply defaults
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Timeout{config: config}
}

// Execute runs the operation with a timeout. An exceeded deadline returns a
// fault.KindTimeout error; the operation keeps running in the background
// and its result is discarded.
func (t *Timeout) Execute(ctx context.Context, op func(context.Context) error) error {
	return runWithTimeout(ctx, t.config.Op, t.config.Timeout, op)
}

// Config returns the timeout configuration.
func (t *Timeout) Config() TimeoutConfig {
	return t.config
}

// ExecuteWithTimeout is a convenience function to run an operation with timeout.
func ExecuteWithTimeout(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	t := NewTimeout(TimeoutConfig{Timeout: timeout})
	return t.Execute(ctx, op)
}

func runWithTimeout(ctx context.Context, name string, timeout time.Duration, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		if errors.Is(err, context.DeadlineExceeded) && fault.KindOf(err) == fault.KindUnknown {
			return fault.New(fault.KindTimeout, name, "", err)
		}
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fault.New(fault.KindTimeout, name, "", context.DeadlineExceeded)
		}
		return ctx.Err()
	}
}
