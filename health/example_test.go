package health_test

import (
	"context"
	"fmt"
	"time"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/health"
)

func ExampleAggregator_Report() {
	rules := cache.NewRuleCache(cache.RuleCacheConfig{})
	e := cache.NewEntry("pricing", "1.0.0", nil, time.Unix(0, 0), []byte(`{"expression":"true"}`))
	_ = rules.Set(e.Metadata.ID, e.Content, e.Metadata)

	agg := health.NewAggregator(health.AggregatorConfig{})
	agg.Register("rules", health.NewRuleCacheChecker(rules, 1))
	agg.Register("source", health.NewCheckerFunc("source", func(context.Context) health.Result {
		return health.Degraded("rule source slow")
	}))

	report := agg.Report(context.Background())
	fmt.Println(report.Status)
	fmt.Println(report.Checks["rules"].Message)
	// Output:
	// degraded
	// 1 rules cached
}
