package health

import (
	"context"
	"fmt"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/loader"
	"github.com/jonwraymond/ruleops/resilience"
)

// RuleCacheChecker is unhealthy until the rule cache holds at least MinRules
// rules, and degraded once it is full and evicting.
type RuleCacheChecker struct {
	rules    *cache.RuleCache
	minRules int
}

// NewRuleCacheChecker creates a RuleCacheChecker.
func NewRuleCacheChecker(rules *cache.RuleCache, minRules int) *RuleCacheChecker {
	return &RuleCacheChecker{rules: rules, minRules: minRules}
}

// Name returns "rules".
func (c *RuleCacheChecker) Name() string { return "rules" }

// Check inspects the cache statistics.
func (c *RuleCacheChecker) Check(context.Context) Result {
	s := c.rules.Stats()
	details := map[string]any{
		"size":       s.Size,
		"max_size":   s.MaxSize,
		"generation": s.Generation,
		"evictions":  s.Evictions,
	}
	switch {
	case s.Size < c.minRules:
		return Unhealthy(fmt.Sprintf("%d rules cached, need %d", s.Size, c.minRules), ErrCheckFailed).WithDetails(details)
	case s.Size >= s.MaxSize && s.Evictions > 0:
		return Degraded(fmt.Sprintf("rule cache full at %d and evicting", s.MaxSize)).WithDetails(details)
	default:
		return Healthy(fmt.Sprintf("%d rules cached", s.Size)).WithDetails(details)
	}
}

// BreakerChecker is degraded while any breaker is open and unhealthy when
// the open share of breakers reaches the threshold.
type BreakerChecker struct {
	svc       *resilience.Service
	threshold float64
}

// NewBreakerChecker creates a BreakerChecker. A threshold outside (0, 1]
// defaults to 0.5.
func NewBreakerChecker(svc *resilience.Service, threshold float64) *BreakerChecker {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	return &BreakerChecker{svc: svc, threshold: threshold}
}

// Name returns "breakers".
func (c *BreakerChecker) Name() string { return "breakers" }

// Check counts open breakers.
func (c *BreakerChecker) Check(context.Context) Result {
	stats := c.svc.AllStats()
	var open []string
	for name, s := range stats {
		if s.State == resilience.StateOpen {
			open = append(open, name)
		}
	}
	details := map[string]any{"total": len(stats), "open": len(open)}
	if len(open) > 0 {
		details["open_operations"] = open
	}

	switch {
	case len(open) == 0:
		return Healthy(fmt.Sprintf("%d breakers closed", len(stats))).WithDetails(details)
	case float64(len(open))/float64(len(stats)) >= c.threshold:
		return Unhealthy(fmt.Sprintf("%d of %d breakers open", len(open), len(stats)), ErrCheckFailed).WithDetails(details)
	default:
		return Degraded(fmt.Sprintf("%d of %d breakers open", len(open), len(stats))).WithDetails(details)
	}
}

// UpstreamChecker probes the rule source.
type UpstreamChecker struct {
	src loader.Pinger
}

// NewUpstreamChecker creates an UpstreamChecker.
func NewUpstreamChecker(src loader.Pinger) *UpstreamChecker {
	return &UpstreamChecker{src: src}
}

// Name returns "upstream".
func (c *UpstreamChecker) Name() string { return "upstream" }

// Check reports an unreachable source as degraded: cached rules can still
// be evaluated.
func (c *UpstreamChecker) Check(ctx context.Context) Result {
	if err := c.src.Ping(ctx); err != nil {
		r := Degraded("rule source unreachable")
		r.Error = err
		return r
	}
	return Healthy("rule source reachable")
}
