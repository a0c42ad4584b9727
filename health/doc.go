// Package health reports whether a rule service can serve evaluations.
//
// A Checker reports one component as Healthy, Degraded or Unhealthy. The
// Aggregator runs registered checkers concurrently under a shared timeout
// and folds them into one Report. The package ships checkers for the rule
// cache, the resilience breakers and the upstream rule source.
//
//	agg := health.NewAggregator(health.AggregatorConfig{})
//	agg.Register("rules", health.NewRuleCacheChecker(rules, 1))
//	agg.Register("breakers", health.NewBreakerChecker(svc, 0.5))
//	report := agg.Report(ctx)
//
// Handlers expose liveness (/healthz), readiness (/readyz) and a detailed
// JSON report (/health).
package health
