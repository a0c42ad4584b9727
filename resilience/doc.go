// Package resilience provides the retry, circuit breaker, rate limiter,
// bulkhead and timeout wrappers that protect every call crossing a latency
// boundary: loading a rule, evaluating a rule, refreshing a cache entry.
//
// # Patterns
//
//   - Circuit Breaker: per operation name state machine (closed, open,
//     half-open). Open breakers reject calls with a retryable circuit-open
//     error without invoking the operation.
//
//   - Retry: exponential backoff with jitter, governed by a ShouldRetry
//     predicate.
//
//   - Rate Limiter: sliding window of in-flight and recent requests with
//     reject, queue and delay strategies.
//
//   - Bulkhead: limits concurrent operations.
//
//   - Timeout: bounds a single attempt.
//
// # Composition
//
// Executor composes the patterns in the order
// rate limit → bulkhead → circuit breaker → retry → timeout.
//
// Service is a registry of breakers, limiters and bulkheads keyed by
// operation name. Records are created lazily on first use and live until
// Reset:
//
//	svc := resilience.NewService(resilience.ServiceConfig{})
//
//	out, err := resilience.Do(ctx, svc, "rule:pricing", func(ctx context.Context) (float64, error) {
//	    return price(ctx)
//	})
//
// Errors returned by the wrappers are classified with the fault package, so
// errors.Is(err, fault.ErrCircuitOpen) and fault.IsRetryable work across
// package boundaries.
package resilience
