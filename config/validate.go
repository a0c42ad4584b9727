package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/resilience"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed [%s]: %s", e.Field, e.Message)
}

// Validate reports every invalid field, joined. Each joined error is a
// *ValidationError.
func (c *Config) Validate() error {
	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Service.Name == "" {
		fail("service.name", "must not be empty")
	}

	if c.Server.Addr == "" {
		fail("server.addr", "must not be empty")
	}
	if c.Server.MaxBodyBytes <= 0 {
		fail("server.max_body_bytes", "must be positive, got %d", c.Server.MaxBodyBytes)
	}

	switch c.Loader.Type {
	case "http":
		if c.Loader.BaseURL == "" {
			fail("loader.base_url", "required when loader.type is http")
		} else if u, err := url.Parse(c.Loader.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			fail("loader.base_url", "must be an absolute URL, got %q", c.Loader.BaseURL)
		}
		if c.Loader.SigningKey != "" && len(c.Loader.SigningKey) < 32 {
			fail("loader.signing_key", "must be at least 32 bytes")
		}
	case "file":
		if c.Loader.Root == "" {
			fail("loader.root", "required when loader.type is file")
		}
	default:
		fail("loader.type", "must be http or file, got %q", c.Loader.Type)
	}

	if c.Cache.MaxRules < 0 {
		fail("cache.max_rules", "must not be negative, got %d", c.Cache.MaxRules)
	}
	if c.Cache.ResultTTL < 0 {
		fail("cache.result_ttl", "must not be negative")
	}

	if c.Engine.Concurrency <= 0 {
		fail("engine.concurrency", "must be positive, got %d", c.Engine.Concurrency)
	}
	if c.Engine.RuleTimeout <= 0 {
		fail("engine.rule_timeout", "must be positive")
	}

	if c.Resilience.MaxAttempts <= 0 {
		fail("resilience.max_attempts", "must be positive, got %d", c.Resilience.MaxAttempts)
	}
	if c.Resilience.BackoffMultiplier < 1 {
		fail("resilience.backoff_multiplier", "must be at least 1, got %g", c.Resilience.BackoffMultiplier)
	}
	if c.Resilience.JitterFactor < 0 || c.Resilience.JitterFactor > 1 {
		fail("resilience.jitter_factor", "must be between 0 and 1, got %g", c.Resilience.JitterFactor)
	}
	if c.Resilience.FailureThreshold <= 0 {
		fail("resilience.failure_threshold", "must be positive, got %d", c.Resilience.FailureThreshold)
	}
	switch rt := c.Resilience.RequestTimeout; {
	case rt < 0:
		fail("resilience.request_timeout", "must not be negative")
	case rt > 0 && c.Resilience.MaxAttempts > 1 && rt <= c.Engine.RuleTimeout:
		// The breaker timeout spans every attempt.
		fail("resilience.request_timeout", "must exceed engine.rule_timeout (%s) for retries to run, got %s",
			c.Engine.RuleTimeout, rt)
	}
	if rl := c.Resilience.RateLimit; rl.Enabled {
		if rl.MaxRequests <= 0 {
			fail("resilience.rate_limit.max_requests", "must be positive when enabled")
		}
		if _, err := resilience.ParseLimitStrategy(rl.Strategy); err != nil {
			fail("resilience.rate_limit.strategy", "%v", err)
		}
		if rl.QueueInterval <= 0 {
			fail("resilience.rate_limit.queue_interval", "must be positive when enabled")
		}
		if rl.MaxQueueSize < 0 {
			fail("resilience.rate_limit.max_queue_size", "must not be negative, got %d", rl.MaxQueueSize)
		}
	}

	if c.Version.MaxSnapshots < 0 {
		fail("version.max_snapshots", "must not be negative, got %d", c.Version.MaxSnapshots)
	}
	if c.Version.RefreshInterval < 0 {
		fail("version.refresh_interval", "must not be negative")
	}

	if !slices.Contains(observe.ValidLogLevels, c.Observe.LogLevel) {
		fail("observe.log_level", "must be debug, info, warn or error, got %q", c.Observe.LogLevel)
	}
	if !slices.Contains(observe.ValidLogFormats, c.Observe.LogFormat) {
		fail("observe.log_format", "must be json or console, got %q", c.Observe.LogFormat)
	}
	if !slices.Contains(observe.ValidTracingExporters, c.Observe.TracingExporter) {
		fail("observe.tracing_exporter", "unknown exporter %q", c.Observe.TracingExporter)
	}
	if c.Observe.SamplePct < 0 || c.Observe.SamplePct > 1 {
		fail("observe.sample_pct", "must be in [0, 1], got %v", c.Observe.SamplePct)
	}
	if !slices.Contains(observe.ValidMetricsExporters, c.Observe.MetricsExporter) {
		fail("observe.metrics_exporter", "unknown exporter %q", c.Observe.MetricsExporter)
	}

	return errors.Join(errs...)
}
