// Package config loads ruleops configuration.
//
// Values come from, in increasing priority: built-in defaults, an optional
// YAML file, and RULEOPS_* environment variables (nested keys join with
// underscores, so loader.base_url is RULEOPS_LOADER_BASE_URL). Secret
// fields may reference the environment with ${VAR} or a secret provider
// with secretref:<provider>:<ref>; see Resolver.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RULEOPS"

// Config is the full ruleops configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Server     ServerConfig     `mapstructure:"server"`
	Loader     LoaderConfig     `mapstructure:"loader"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Version    VersionConfig    `mapstructure:"version"`
	Observe    ObserveConfig    `mapstructure:"observe"`
}

// ServiceConfig names the service and the rule project it serves.
type ServiceConfig struct {
	Name      string `mapstructure:"name"`
	ProjectID string `mapstructure:"project_id"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// LoaderConfig selects and configures the rule source.
type LoaderConfig struct {
	// Type is "http" or "file".
	Type string `mapstructure:"type"`

	BaseURL    string        `mapstructure:"base_url"`
	SigningKey string        `mapstructure:"signing_key"`
	Audience   string        `mapstructure:"audience"`
	Timeout    time.Duration `mapstructure:"timeout"`

	Root     string        `mapstructure:"root"`
	Watch    bool          `mapstructure:"watch"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// CacheConfig sizes the rule cache and the evaluation result cache.
type CacheConfig struct {
	MaxRules int `mapstructure:"max_rules"`

	// ResultTTL enables result caching when positive.
	ResultTTL        time.Duration `mapstructure:"result_ttl"`
	ResultMaxEntries int           `mapstructure:"result_max_entries"`
}

// EngineConfig holds execution defaults.
type EngineConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	RuleTimeout     time.Duration `mapstructure:"rule_timeout"`
	FailFast        bool          `mapstructure:"fail_fast"`
	StopOnError     bool          `mapstructure:"stop_on_error"`
	Pipeline        bool          `mapstructure:"pipeline"`
	ContinueOnError bool          `mapstructure:"continue_on_error"`
	Profile         bool          `mapstructure:"profile"`
}

// ResilienceConfig holds retry, breaker and rate limit settings.
type ResilienceConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	JitterFactor      float64       `mapstructure:"jitter_factor"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	SuccessThreshold  int           `mapstructure:"success_threshold"`
	ResetTimeout      time.Duration `mapstructure:"reset_timeout"`
	// RequestTimeout bounds one call through the breaker, retries
	// included. Zero disables it.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      RateLimit     `mapstructure:"rate_limit"`
	Bulkhead       int           `mapstructure:"bulkhead"`
}

// RateLimit configures the per-operation sliding window limiter.
type RateLimit struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxRequests   int           `mapstructure:"max_requests"`
	Window        time.Duration `mapstructure:"window"`
	Strategy      string        `mapstructure:"strategy"`
	QueueInterval time.Duration `mapstructure:"queue_interval"`
	MaxQueueSize  int           `mapstructure:"max_queue_size"`
}

// VersionConfig configures version tracking.
type VersionConfig struct {
	MaxSnapshots    int           `mapstructure:"max_snapshots"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	DeepCheck       bool          `mapstructure:"deep_check"`
	Concurrency     int           `mapstructure:"concurrency"`
}

// ObserveConfig configures logging, tracing and metrics.
type ObserveConfig struct {
	LogLevel        string  `mapstructure:"log_level"`
	LogFormat       string  `mapstructure:"log_format"`
	TracingExporter string  `mapstructure:"tracing_exporter"`
	SamplePct       float64 `mapstructure:"sample_pct"`
	MetricsExporter string  `mapstructure:"metrics_exporter"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "ruleops")
	v.SetDefault("service.project_id", "default")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 4<<20)

	v.SetDefault("loader.type", "file")
	v.SetDefault("loader.base_url", "")
	v.SetDefault("loader.signing_key", "")
	v.SetDefault("loader.audience", "")
	v.SetDefault("loader.timeout", 30*time.Second)
	v.SetDefault("loader.root", "./rules")
	v.SetDefault("loader.watch", false)
	v.SetDefault("loader.debounce", 200*time.Millisecond)

	v.SetDefault("cache.max_rules", 1000)
	v.SetDefault("cache.result_ttl", time.Duration(0))
	v.SetDefault("cache.result_max_entries", 10000)

	v.SetDefault("engine.concurrency", 10)
	v.SetDefault("engine.rule_timeout", 30*time.Second)
	v.SetDefault("engine.fail_fast", false)
	v.SetDefault("engine.stop_on_error", false)
	v.SetDefault("engine.pipeline", false)
	v.SetDefault("engine.continue_on_error", true)
	v.SetDefault("engine.profile", false)

	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.base_delay", 100*time.Millisecond)
	v.SetDefault("resilience.max_delay", 30*time.Second)
	v.SetDefault("resilience.backoff_multiplier", 2.0)
	v.SetDefault("resilience.jitter_factor", 0.1)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.success_threshold", 1)
	v.SetDefault("resilience.reset_timeout", 60*time.Second)
	v.SetDefault("resilience.request_timeout", 2*time.Minute)
	v.SetDefault("resilience.rate_limit.enabled", false)
	v.SetDefault("resilience.rate_limit.max_requests", 100)
	v.SetDefault("resilience.rate_limit.window", time.Minute)
	v.SetDefault("resilience.rate_limit.strategy", "reject")
	v.SetDefault("resilience.rate_limit.queue_interval", 100*time.Millisecond)
	v.SetDefault("resilience.rate_limit.max_queue_size", 100)
	v.SetDefault("resilience.bulkhead", 0)

	v.SetDefault("version.max_snapshots", 5)
	v.SetDefault("version.refresh_interval", time.Duration(0))
	v.SetDefault("version.deep_check", false)
	v.SetDefault("version.concurrency", 4)

	v.SetDefault("observe.log_level", "info")
	v.SetDefault("observe.log_format", "json")
	v.SetDefault("observe.tracing_exporter", "none")
	v.SetDefault("observe.sample_pct", 1.0)
	v.SetDefault("observe.metrics_exporter", "prometheus")
}

// Load reads the configuration. path names an optional YAML file; an empty
// path skips the file. Secret fields are resolved with DefaultResolver.
// Load does not validate; call Validate.
func Load(path string) (*Config, error) {
	return LoadWithResolver(context.Background(), path, DefaultResolver())
}

// LoadWithResolver is Load with a caller-supplied secret resolver.
func LoadWithResolver(ctx context.Context, path string, r *Resolver) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	for field, p := range c.secretFields() {
		resolved, err := r.ResolveValue(ctx, *p)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", field, err)
		}
		*p = resolved
	}
	return &c, nil
}

// secretFields returns the fields that may carry secret references.
func (c *Config) secretFields() map[string]*string {
	return map[string]*string{
		"loader.signing_key": &c.Loader.SigningKey,
		"loader.base_url":    &c.Loader.BaseURL,
	}
}
