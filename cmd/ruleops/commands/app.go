package commands

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/config"
	"github.com/jonwraymond/ruleops/engine"
	"github.com/jonwraymond/ruleops/evaluator"
	"github.com/jonwraymond/ruleops/health"
	"github.com/jonwraymond/ruleops/loader"
	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/resilience"
	"github.com/jonwraymond/ruleops/version"
)

// app holds the wired components of one ruleops process.
type app struct {
	cfg       *config.Config
	registry  *prometheus.Registry
	observer  observe.Observer
	logger    observe.Logger
	loader    loader.Loader
	rules     *cache.RuleCache
	evaluator *evaluator.ExprEvaluator
	versions  *version.Manager
	engine    *engine.Engine
	health    *health.Aggregator
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}

	oc := cfg.Observer(Version)
	oc.Metrics.Registerer = a.registry
	obs, err := observe.NewObserver(ctx, oc)
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}
	a.observer = obs
	a.logger = obs.Logger()

	mw, err := observe.MiddlewareFromObserver(obs)
	if err != nil {
		return nil, err
	}
	notifier := observe.MultiNotifier{
		observe.LogNotifier{Logger: a.logger},
		observe.MetricsNotifier{Metrics: mw.Metrics()},
	}

	svc := resilience.NewService(engine.EventHooks(cfg.ResilienceService(), notifier, a.logger))

	a.loader, err = newLoader(cfg, svc, a.logger)
	if err != nil {
		return nil, err
	}

	a.evaluator = evaluator.New(evaluator.Config{Logger: a.logger})
	a.rules = cache.NewRuleCache(cache.RuleCacheConfig{
		MaxSize: cfg.Cache.MaxRules,
		OnEvict: func(id string) {
			a.evaluator.Forget(id)
			a.logger.Debug(context.Background(), "rule evicted", observe.F("rule.id", id))
		},
	})
	a.versions = version.NewManager(a.rules, a.loader, cfg.VersionManager(a.logger))

	ec := cfg.EngineDefaults()
	ec.Resilience = svc
	ec.Middleware = mw
	ec.Notifier = notifier
	ec.Logger = a.logger
	if policy := cfg.ResultPolicy(); policy.ShouldCache() {
		rm, err := cache.NewResultMiddleware(cache.NewMemoryCache(cfg.Cache.ResultMaxEntries), cache.NewDefaultKeyer(), policy, cache.DefaultSkipRule)
		if err != nil {
			return nil, err
		}
		ec.ResultCache = rm
	}
	a.engine, err = engine.New(a.rules, a.evaluator, ec)
	if err != nil {
		return nil, err
	}

	a.health = health.NewAggregator(health.AggregatorConfig{Logger: a.logger})
	a.health.Register("rules", health.NewRuleCacheChecker(a.rules, 1))
	a.health.Register("breakers", health.NewBreakerChecker(svc, 0))
	if p, ok := a.loader.(loader.Pinger); ok {
		a.health.Register("upstream", health.NewUpstreamChecker(p))
	}
	return a, nil
}

func newLoader(cfg *config.Config, svc *resilience.Service, logger observe.Logger) (loader.Loader, error) {
	lc := cfg.Loader
	switch lc.Type {
	case "http":
		hc := loader.HTTPConfig{
			BaseURL:    lc.BaseURL,
			Client:     &http.Client{Timeout: lc.Timeout},
			Audience:   lc.Audience,
			Resilience: svc,
			Logger:     logger,
		}
		if lc.SigningKey != "" {
			hc.SigningKey = []byte(lc.SigningKey)
		}
		return loader.NewHTTPLoader(hc)
	case "file":
		return loader.NewFileLoader(loader.FileConfig{Root: lc.Root, Debounce: lc.Debounce, Logger: logger})
	default:
		return nil, fmt.Errorf("unknown loader type %q", lc.Type)
	}
}

// close flushes telemetry.
func (a *app) close(ctx context.Context) error {
	return a.observer.Shutdown(ctx)
}
