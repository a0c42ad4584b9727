package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/fault"
	"github.com/jonwraymond/ruleops/resilience"
)

func fillRules(t *testing.T, rc *cache.RuleCache, n int) {
	t.Helper()
	for i := range n {
		id := fmt.Sprintf("r%d", i)
		e := cache.NewEntry(id, "1", nil, time.Unix(0, 0), []byte("true"))
		if err := rc.Set(id, e.Content, e.Metadata); err != nil {
			t.Fatalf("Set(%s) error = %v", id, err)
		}
	}
}

func TestRuleCacheChecker(t *testing.T) {
	rc := cache.NewRuleCache(cache.RuleCacheConfig{MaxSize: 2})
	c := NewRuleCacheChecker(rc, 1)

	if r := c.Check(context.Background()); r.Status != StatusUnhealthy {
		t.Errorf("empty cache = %v, want unhealthy", r.Status)
	}
	fillRules(t, rc, 1)
	if r := c.Check(context.Background()); r.Status != StatusHealthy {
		t.Errorf("one rule = %v (%s), want healthy", r.Status, r.Message)
	}
	fillRules(t, rc, 3)
	r := c.Check(context.Background())
	if r.Status != StatusDegraded {
		t.Errorf("evicting cache = %v (%s), want degraded", r.Status, r.Message)
	}
	if r.Details["max_size"] != 2 {
		t.Errorf("details = %v", r.Details)
	}
}

func TestBreakerChecker(t *testing.T) {
	svc := resilience.NewService(resilience.ServiceConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour},
	})
	c := NewBreakerChecker(svc, 0.5)
	ctx := context.Background()

	if r := c.Check(ctx); r.Status != StatusHealthy {
		t.Errorf("no breakers = %v, want healthy", r.Status)
	}

	ok := func(context.Context) error { return nil }
	bad := func(context.Context) error { return fault.New(fault.KindNetwork, "", "", errors.New("down")) }
	for _, name := range []string{"rule:a", "rule:b", "rule:c"} {
		_ = svc.Execute(ctx, name, ok, resilience.WithoutRetry())
	}
	_ = svc.Execute(ctx, "rule:a", bad, resilience.WithoutRetry())
	if r := c.Check(ctx); r.Status != StatusDegraded {
		t.Errorf("1 of 3 open = %v, want degraded", r.Status)
	}

	_ = svc.Execute(ctx, "rule:b", bad, resilience.WithoutRetry())
	if r := c.Check(ctx); r.Status != StatusUnhealthy {
		t.Errorf("2 of 3 open = %v, want unhealthy", r.Status)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestUpstreamChecker(t *testing.T) {
	up := NewUpstreamChecker(pingFunc(func(context.Context) error { return nil }))
	if r := up.Check(context.Background()); r.Status != StatusHealthy {
		t.Errorf("reachable = %v", r.Status)
	}

	cause := errors.New("connection refused")
	down := NewUpstreamChecker(pingFunc(func(context.Context) error { return cause }))
	r := down.Check(context.Background())
	if r.Status != StatusDegraded || !errors.Is(r.Error, cause) {
		t.Errorf("unreachable = %v, %v; want degraded with cause", r.Status, r.Error)
	}
}
