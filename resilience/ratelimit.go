package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonwraymond/ruleops/fault"
)

// LimitStrategy selects what happens when the window is at capacity.
type LimitStrategy string

const (
	// StrategyReject fails immediately with a retryable rate-limit error.
	StrategyReject LimitStrategy = "reject"
	// StrategyQueue polls at QueueInterval until a slot frees, failing when
	// more than MaxQueueSize callers are already waiting.
	StrategyQueue LimitStrategy = "queue"
	// StrategyDelay sleeps until the oldest entry ages out of the window.
	StrategyDelay LimitStrategy = "delay"
)

// ParseLimitStrategy parses a strategy name.
func ParseLimitStrategy(s string) (LimitStrategy, error) {
	switch LimitStrategy(s) {
	case StrategyReject, StrategyQueue, StrategyDelay:
		return LimitStrategy(s), nil
	case "":
		return StrategyReject, nil
	default:
		return "", fmt.Errorf("resilience: unknown rate limit strategy %q", s)
	}
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// Name is the operation name attached to rate limit errors.
	Name string

	// MaxRequests is the number of requests allowed inside Window.
	// Default: 100
	MaxRequests int

	// Window is the sliding window size.
	// Default: 1 minute
	Window time.Duration

	// Strategy is applied when the window is at capacity.
	// Default: StrategyReject
	Strategy LimitStrategy

	// QueueInterval is the polling interval of StrategyQueue.
	// Default: 100ms
	QueueInterval time.Duration

	// MaxQueueSize is the number of callers allowed to wait under
	// StrategyQueue.
	// Default: 100
	MaxQueueSize int
}

// slot is one request counted against the window.
type slot struct {
	at time.Time
}

// RateLimiter implements a sliding window rate limiter. Requests count
// against the window while in flight and until they age out; a request
// that completes releases its entry immediately.
type RateLimiter struct {
	config RateLimiterConfig

	mu      sync.Mutex
	window  []*slot
	waiting int
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	// Apply defaults
	if config.MaxRequests <= 0 {
		config.MaxRequests = 100
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Strategy == "" {
		config.Strategy = StrategyReject
	}
	if config.QueueInterval <= 0 {
		config.QueueInterval = 100 * time.Millisecond
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 100
	}

	return &RateLimiter{config: config}
}

// Acquire takes a slot in the window according to the configured strategy.
// The returned release func removes the slot and must be called once the
// operation completes.
func (rl *RateLimiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s, _ := rl.tryAcquire(); s != nil {
		return rl.releaser(s), nil
	}

	switch rl.config.Strategy {
	case StrategyQueue:
		return rl.queue(ctx)
	case StrategyDelay:
		return rl.delay(ctx)
	default:
		return nil, rl.exceeded(nil)
	}
}

// Allow takes a slot without waiting and reports whether it succeeded.
// The slot is held until it ages out of the window.
func (rl *RateLimiter) Allow() bool {
	s, _ := rl.tryAcquire()
	return s != nil
}

// Execute runs the operation if admitted by the rate limiter.
func (rl *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	release, err := rl.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	return op(ctx)
}

// queue polls at QueueInterval until a slot frees.
func (rl *RateLimiter) queue(ctx context.Context) (func(), error) {
	rl.mu.Lock()
	if rl.waiting >= rl.config.MaxQueueSize {
		rl.mu.Unlock()
		return nil, rl.exceeded(ErrQueueFull)
	}
	rl.waiting++
	rl.mu.Unlock()

	defer func() {
		rl.mu.Lock()
		rl.waiting--
		rl.mu.Unlock()
	}()

	ticker := time.NewTicker(rl.config.QueueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if s, _ := rl.tryAcquire(); s != nil {
				return rl.releaser(s), nil
			}
		}
	}
}

// delay sleeps until the oldest entry ages out of the window, then retries.
func (rl *RateLimiter) delay(ctx context.Context) (func(), error) {
	for {
		s, wait := rl.tryAcquire()
		if s != nil {
			return rl.releaser(s), nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire prunes the window and takes a slot if one is free. When the
// window is full it returns how long until the oldest entry ages out.
func (rl *RateLimiter) tryAcquire() (*slot, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.pruneLocked(now)

	if len(rl.window) < rl.config.MaxRequests {
		s := &slot{at: now}
		rl.window = append(rl.window, s)
		return s, 0
	}

	wait := rl.window[0].at.Add(rl.config.Window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return nil, wait
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-rl.config.Window)
	i := 0
	for i < len(rl.window) && !rl.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		rl.window = append(rl.window[:0], rl.window[i:]...)
	}
}

func (rl *RateLimiter) releaser(s *slot) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			rl.mu.Lock()
			defer rl.mu.Unlock()
			for i, w := range rl.window {
				if w == s {
					rl.window = append(rl.window[:i], rl.window[i+1:]...)
					return
				}
			}
		})
	}
}

func (rl *RateLimiter) exceeded(cause error) error {
	return fault.New(fault.KindRateLimitExceeded, rl.config.Name, "", cause)
}

// InFlight returns the number of entries currently counted in the window.
func (rl *RateLimiter) InFlight() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.pruneLocked(time.Now())
	return len(rl.window)
}

// Waiting returns the number of callers queued under StrategyQueue.
func (rl *RateLimiter) Waiting() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.waiting
}

// Reset empties the window.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.window = nil
}

// Config returns the rate limiter configuration.
func (rl *RateLimiter) Config() RateLimiterConfig {
	return rl.config
}
