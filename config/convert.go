package config

import (
	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/engine"
	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/resilience"
	"github.com/jonwraymond/ruleops/version"
)

// ResilienceService returns the resilience.ServiceConfig described by c.
// Hooks are left for the caller to set.
func (c *Config) ResilienceService() resilience.ServiceConfig {
	r := c.Resilience
	sc := resilience.ServiceConfig{
		Retry: resilience.RetryConfig{
			MaxAttempts:       r.MaxAttempts,
			BaseDelay:         r.BaseDelay,
			MaxDelay:          r.MaxDelay,
			BackoffMultiplier: r.BackoffMultiplier,
			JitterFactor:      r.JitterFactor,
		},
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: r.FailureThreshold,
			SuccessThreshold: r.SuccessThreshold,
			ResetTimeout:     r.ResetTimeout,
			Timeout:          r.RequestTimeout,
		},
	}
	// Zero means "off" here; the resilience package reads zero as "default"
	// and negative as "off".
	if r.JitterFactor == 0 {
		sc.Retry.JitterFactor = -1
	}
	if r.RequestTimeout == 0 {
		sc.CircuitBreaker.Timeout = -1
	}
	if r.RateLimit.Enabled {
		// Validate has rejected unknown strategies.
		strategy, _ := resilience.ParseLimitStrategy(r.RateLimit.Strategy)
		sc.RateLimiter = &resilience.RateLimiterConfig{
			MaxRequests:   r.RateLimit.MaxRequests,
			Window:        r.RateLimit.Window,
			Strategy:      strategy,
			QueueInterval: r.RateLimit.QueueInterval,
			MaxQueueSize:  r.RateLimit.MaxQueueSize,
		}
	}
	if r.Bulkhead > 0 {
		sc.Bulkhead = &resilience.BulkheadConfig{MaxConcurrent: r.Bulkhead}
	}
	return sc
}

// Observer returns the observe.Config described by c.
func (c *Config) Observer(version string) observe.Config {
	o := c.Observe
	return observe.Config{
		ServiceName: c.Service.Name,
		Version:     version,
		Tracing: observe.TracingConfig{
			Enabled:   o.TracingExporter != "" && o.TracingExporter != "none",
			Exporter:  o.TracingExporter,
			SamplePct: o.SamplePct,
		},
		Metrics: observe.MetricsConfig{
			Enabled:  o.MetricsExporter != "" && o.MetricsExporter != "none",
			Exporter: o.MetricsExporter,
		},
		Logging: observe.LoggingConfig{
			Enabled: true,
			Level:   o.LogLevel,
			Format:  o.LogFormat,
		},
	}
}

// EngineDefaults returns the execution settings of c. Collaborators such
// as Resilience and Logger are left for the caller to set.
func (c *Config) EngineDefaults() engine.Config {
	e := c.Engine
	return engine.Config{
		Concurrency:      e.Concurrency,
		RuleTimeout:      e.RuleTimeout,
		FailFast:         e.FailFast,
		StopOnError:      e.StopOnError,
		Pipeline:         e.Pipeline,
		StopBatchOnError: !e.ContinueOnError,
		CollectProfile:   e.Profile,
	}
}

// VersionManager returns the version.Config described by c.
func (c *Config) VersionManager(logger observe.Logger) version.Config {
	return version.Config{
		ProjectID:    c.Service.ProjectID,
		MaxSnapshots: c.Version.MaxSnapshots,
		Concurrency:  c.Version.Concurrency,
		DeepCheck:    c.Version.DeepCheck,
		Logger:       logger,
	}
}

// ResultPolicy returns the result cache policy. Caching is disabled when
// cache.result_ttl is zero.
func (c *Config) ResultPolicy() cache.Policy {
	if c.Cache.ResultTTL <= 0 {
		return cache.NoCachePolicy()
	}
	p := cache.DefaultPolicy()
	p.DefaultTTL = c.Cache.ResultTTL
	if p.MaxTTL < p.DefaultTTL {
		p.MaxTTL = p.DefaultTTL
	}
	return p
}
