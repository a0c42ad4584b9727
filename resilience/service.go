package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonwraymond/ruleops/fault"
)

// ServiceConfig configures a Service. Breaker, limiter and bulkhead configs
// are templates: each operation name gets its own instance.
type ServiceConfig struct {
	// Retry is the default retry policy.
	Retry RetryConfig

	// CircuitBreaker is the default breaker config.
	// Default IsFailure ignores invalid input, missing rules and cancellation.
	CircuitBreaker CircuitBreakerConfig

	// RateLimiter enables per-operation rate limiting when set.
	// Default: nil (no limiting)
	RateLimiter *RateLimiterConfig

	// Bulkhead enables per-operation concurrency limits when set.
	// Default: nil (no bulkhead)
	Bulkhead *BulkheadConfig

	// AttemptTimeout bounds each attempt when positive.
	// Default: 0 (only the breaker timeout applies)
	AttemptTimeout time.Duration

	// OnRetry is called before each retry of any operation.
	OnRetry func(name string, attempt int, err error, delay time.Duration)

	// OnStateChange is called after any breaker changes state.
	OnStateChange func(name string, from, to State)
}

// OperationConfig overrides the service templates for one operation name.
// Nil fields fall back to the service defaults.
type OperationConfig struct {
	CircuitBreaker *CircuitBreakerConfig
	RateLimiter    *RateLimiterConfig
	Bulkhead       *BulkheadConfig
}

// Service is a registry of resilience records keyed by operation name.
// Records are created lazily and each guards its own state, so calls for
// different operations never contend on a shared lock.
type Service struct {
	config ServiceConfig

	mu        sync.RWMutex
	overrides map[string]OperationConfig
	breakers  map[string]*CircuitBreaker
	limiters  map[string]*RateLimiter
	bulkheads map[string]*Bulkhead
}

// NewService creates a new resilience service.
func NewService(config ServiceConfig) *Service {
	if config.CircuitBreaker.IsFailure == nil {
		config.CircuitBreaker.IsFailure = countsAsFailure
	}
	return &Service{
		config:    config,
		overrides: make(map[string]OperationConfig),
		breakers:  make(map[string]*CircuitBreaker),
		limiters:  make(map[string]*RateLimiter),
		bulkheads: make(map[string]*Bulkhead),
	}
}

// countsAsFailure ignores failures that say nothing about the health of the
// protected dependency.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, fault.ErrInvalidInput) &&
		!errors.Is(err, fault.ErrRuleNotFound)
}

// CallOption adjusts a single Execute call.
type CallOption func(*callOptions)

type callOptions struct {
	retry          RetryConfig
	noRetry        bool
	noBreaker      bool
	noLimit        bool
	attemptTimeout time.Duration
}

// WithRetryConfig replaces the retry policy for the call.
func WithRetryConfig(cfg RetryConfig) CallOption {
	return func(o *callOptions) { o.retry = cfg }
}

// WithMaxAttempts overrides the retry attempt limit for the call.
func WithMaxAttempts(n int) CallOption {
	return func(o *callOptions) { o.retry.MaxAttempts = n }
}

// WithShouldRetry overrides the retry predicate for the call.
func WithShouldRetry(fn func(err error, attempt int) bool) CallOption {
	return func(o *callOptions) { o.retry.ShouldRetry = fn }
}

// WithAttemptTimeout bounds each attempt of the call.
func WithAttemptTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.attemptTimeout = d }
}

// WithoutRetry disables retry for the call.
func WithoutRetry() CallOption {
	return func(o *callOptions) { o.noRetry = true }
}

// WithoutCircuitBreaker bypasses the breaker for the call.
func WithoutCircuitBreaker() CallOption {
	return func(o *callOptions) { o.noBreaker = true }
}

// WithoutRateLimit bypasses the rate limiter for the call.
func WithoutRateLimit() CallOption {
	return func(o *callOptions) { o.noLimit = true }
}

// Configure sets per-operation overrides. Existing records for name are
// dropped so the next call picks up the new config.
func (s *Service) Configure(name string, cfg OperationConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[name] = cfg
	delete(s.breakers, name)
	delete(s.limiters, name)
	delete(s.bulkheads, name)
}

// Execute runs op under the resilience records for name, composed as
// rate limit → bulkhead → circuit breaker → retry → attempt timeout.
func (s *Service) Execute(ctx context.Context, name string, op func(context.Context) error, opts ...CallOption) error {
	o := callOptions{retry: s.config.Retry, attemptTimeout: s.config.AttemptTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	var execOpts []ExecutorOption
	if !o.noLimit {
		if rl := s.limiter(name); rl != nil {
			execOpts = append(execOpts, WithRateLimiter(rl))
		}
	}
	if b := s.bulkhead(name); b != nil {
		execOpts = append(execOpts, WithBulkhead(b))
	}
	if !o.noBreaker {
		execOpts = append(execOpts, WithCircuitBreaker(s.breaker(name)))
	}
	if !o.noRetry {
		rc := o.retry
		rc.Op = name
		userHook := rc.OnRetry
		rc.OnRetry = func(attempt int, err error, delay time.Duration) {
			if userHook != nil {
				userHook(attempt, err, delay)
			}
			if s.config.OnRetry != nil {
				s.config.OnRetry(name, attempt, err, delay)
			}
		}
		execOpts = append(execOpts, WithRetry(NewRetry(rc)))
	}
	if o.attemptTimeout > 0 {
		execOpts = append(execOpts, WithTimeoutConfig(NewTimeout(TimeoutConfig{Op: name, Timeout: o.attemptTimeout})))
	}

	return NewExecutor(execOpts...).Execute(ctx, op)
}

// Do runs op through s.Execute and returns its value.
func Do[T any](ctx context.Context, s *Service, name string, op func(context.Context) (T, error), opts ...CallOption) (T, error) {
	var (
		mu  sync.Mutex
		out T
	)
	err := s.Execute(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		// An attempt abandoned by a timeout must not publish its value.
		if err := ctx.Err(); err != nil {
			return err
		}
		mu.Lock()
		out = v
		mu.Unlock()
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	mu.Lock()
	defer mu.Unlock()
	return out, nil
}

// Stats returns the breaker statistics for name.
func (s *Service) Stats(name string) (CircuitBreakerStats, bool) {
	s.mu.RLock()
	cb, ok := s.breakers[name]
	s.mu.RUnlock()
	if !ok {
		return CircuitBreakerStats{}, false
	}
	return cb.Stats(), true
}

// AllStats returns the statistics of every breaker, keyed by name.
func (s *Service) AllStats() map[string]CircuitBreakerStats {
	s.mu.RLock()
	breakers := make(map[string]*CircuitBreaker, len(s.breakers))
	for name, cb := range s.breakers {
		breakers[name] = cb
	}
	s.mu.RUnlock()

	out := make(map[string]CircuitBreakerStats, len(breakers))
	for name, cb := range breakers {
		out[name] = cb.Stats()
	}
	return out
}

// BulkheadStats returns the bulkhead statistics for name. It reports false
// when bulkheads are off for name or name has not run yet.
func (s *Service) BulkheadStats(name string) (BulkheadStats, bool) {
	s.mu.RLock()
	b := s.bulkheads[name]
	s.mu.RUnlock()
	if b == nil {
		return BulkheadStats{}, false
	}
	return b.Stats(), true
}

// AllBulkheadStats returns the statistics of every bulkhead, keyed by name.
func (s *Service) AllBulkheadStats() map[string]BulkheadStats {
	s.mu.RLock()
	bulkheads := make([]*Bulkhead, 0, len(s.bulkheads))
	for _, b := range s.bulkheads {
		if b != nil {
			bulkheads = append(bulkheads, b)
		}
	}
	s.mu.RUnlock()

	out := make(map[string]BulkheadStats, len(bulkheads))
	for _, b := range bulkheads {
		st := b.Stats()
		out[st.Name] = st
	}
	return out
}

// Names returns the operation names with a breaker record, sorted.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset destroys the records for name. It reports whether a breaker existed.
func (s *Service) Reset(name string) bool {
	s.mu.Lock()
	cb, ok := s.breakers[name]
	delete(s.breakers, name)
	delete(s.limiters, name)
	delete(s.bulkheads, name)
	s.mu.Unlock()

	if ok {
		cb.Reset()
	}
	return ok
}

// ResetAll destroys every record.
func (s *Service) ResetAll() {
	s.mu.Lock()
	breakers := s.breakers
	s.breakers = make(map[string]*CircuitBreaker)
	s.limiters = make(map[string]*RateLimiter)
	s.bulkheads = make(map[string]*Bulkhead)
	s.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}

// Limiter returns the rate limiter for name, or nil when limiting is off.
func (s *Service) Limiter(name string) *RateLimiter {
	return s.limiter(name)
}

func (s *Service) breaker(name string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}

	cfg := s.config.CircuitBreaker
	if o := s.overrides[name].CircuitBreaker; o != nil {
		cfg = *o
		if cfg.IsFailure == nil {
			cfg.IsFailure = s.config.CircuitBreaker.IsFailure
		}
	}
	cfg.Name = name
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(from, to State) {
		if userHook != nil {
			userHook(from, to)
		}
		if s.config.OnStateChange != nil {
			s.config.OnStateChange(name, from, to)
		}
	}

	cb = NewCircuitBreaker(cfg)
	s.breakers[name] = cb
	return cb
}

func (s *Service) limiter(name string) *RateLimiter {
	s.mu.RLock()
	rl, ok := s.limiters[name]
	s.mu.RUnlock()
	if ok {
		return rl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rl, ok := s.limiters[name]; ok {
		return rl
	}

	cfg := s.config.RateLimiter
	if o := s.overrides[name].RateLimiter; o != nil {
		cfg = o
	}
	if cfg == nil {
		s.limiters[name] = nil
		return nil
	}
	c := *cfg
	c.Name = name
	rl = NewRateLimiter(c)
	s.limiters[name] = rl
	return rl
}

func (s *Service) bulkhead(name string) *Bulkhead {
	s.mu.RLock()
	b, ok := s.bulkheads[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bulkheads[name]; ok {
		return b
	}

	cfg := s.config.Bulkhead
	if o := s.overrides[name].Bulkhead; o != nil {
		cfg = o
	}
	if cfg == nil {
		s.bulkheads[name] = nil
		return nil
	}
	c := *cfg
	c.Name = name
	b = NewBulkhead(c)
	s.bulkheads[name] = b
	return b
}
