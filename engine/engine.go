package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/document"
	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/resilience"
	"github.com/jonwraymond/ruleops/selector"
)

// Rule is one rule handed to an Evaluator. Content is borrowed from the
// cache for the duration of the call and must not be modified.
type Rule struct {
	ID       string
	Content  []byte
	Metadata cache.RuleMetadata
}

// Evaluation is the outcome of evaluating one rule.
type Evaluation struct {
	Result  document.Value
	Elapsed time.Duration
	Trace   any
}

// Evaluator runs one rule against one input.
//
// Contract:
//   - Concurrency: Evaluate is called from many goroutines at once.
//   - Context: implementations should return promptly when ctx is done; an
//     evaluation that outlives its deadline is abandoned and its result
//     discarded.
//   - Errors: malformed rule content should be reported as
//     fault.KindInvalidInput; other failures may be returned as is.
type Evaluator interface {
	Evaluate(ctx context.Context, rule Rule, input document.Value) (Evaluation, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, rule Rule, input document.Value) (Evaluation, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, rule Rule, input document.Value) (Evaluation, error) {
	return f(ctx, rule, input)
}

// Errors returned by the engine.
var (
	// ErrNilCache indicates New was called without a rule cache.
	ErrNilCache = errors.New("engine: rule cache is nil")

	// ErrNilEvaluator indicates New was called without an evaluator.
	ErrNilEvaluator = errors.New("engine: evaluator is nil")

	// ErrSkipped is recorded for batch pairs not started because another rule
	// failed for the same input.
	ErrSkipped = errors.New("engine: skipped after an earlier failure for the same input")
)

// Config configures an Engine.
type Config struct {
	// Concurrency bounds concurrent evaluations and the batch chunk size.
	// Default: 10
	Concurrency int

	// RuleTimeout bounds each evaluation attempt.
	// Default: 30s
	RuleTimeout time.Duration

	// FailFast stops issuing parallel work after the first failure and
	// returns that failure.
	FailFast bool

	// StopOnError halts sequential, mixed and staged execution at the first
	// failure and returns it.
	StopOnError bool

	// Pipeline merges map outputs into the input of later rules.
	Pipeline bool

	// StopBatchOnError skips the rules of a batch input that have not
	// started yet once one of its rules failed; they are recorded as
	// ErrSkipped.
	// Default: false (every rule runs for every input)
	StopBatchOnError bool

	// CollectProfile attaches a Profile to every result.
	CollectProfile bool

	// Resilience protects every evaluation.
	// Default: a Service with default settings whose retry and breaker
	// events are sent to Notifier
	Resilience *resilience.Service

	// Resolver resolves selectors for Execute.
	// Default: selector.NewResolver with no dependencies
	Resolver *selector.Resolver

	// ResultCache caches evaluation results when set.
	ResultCache *cache.ResultMiddleware

	// Middleware adds tracing, metrics and logging to every evaluation.
	// Default: no-op middleware
	Middleware *observe.Middleware

	// Notifier receives execution events. Notifier panics are recovered.
	Notifier observe.Notifier

	// Logger receives engine diagnostics.
	// Default: observe.NopLogger()
	Logger observe.Logger
}

// Option overrides an execution setting for one call.
type Option func(*runConfig)

type runConfig struct {
	concurrency     int
	failFast        bool
	stopOnError     bool
	pipeline        bool
	continueOnError bool
	profile         bool
}

// WithConcurrency overrides Config.Concurrency.
func WithConcurrency(n int) Option {
	return func(c *runConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithFailFast overrides Config.FailFast.
func WithFailFast(v bool) Option { return func(c *runConfig) { c.failFast = v } }

// WithStopOnError overrides Config.StopOnError.
func WithStopOnError(v bool) Option { return func(c *runConfig) { c.stopOnError = v } }

// WithPipeline overrides Config.Pipeline.
func WithPipeline(v bool) Option { return func(c *runConfig) { c.pipeline = v } }

// WithContinueOnError overrides Config.StopBatchOnError with its negation.
func WithContinueOnError(v bool) Option { return func(c *runConfig) { c.continueOnError = v } }

// WithProfile overrides Config.CollectProfile.
func WithProfile(v bool) Option { return func(c *runConfig) { c.profile = v } }

// Result is the outcome of one execution.
type Result struct {
	ExecutionID string                    `json:"execution_id"`
	Results     map[string]document.Value `json:"results"`
	Errors      map[string]error          `json:"-"`
	Elapsed     time.Duration             `json:"elapsed"`
	Plan        *selector.Plan            `json:"plan,omitempty"`
	Profile     *Profile                  `json:"profile,omitempty"`
}

func newResult(execID string) *Result {
	return &Result{
		ExecutionID: execID,
		Results:     make(map[string]document.Value),
		Errors:      make(map[string]error),
	}
}

// Failed reports whether any rule failed.
func (r *Result) Failed() bool { return len(r.Errors) > 0 }

// Err joins the per-rule errors in rule id order, or returns nil.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, id := range sortedKeys(r.Errors) {
		errs = append(errs, r.Errors[id])
	}
	return errors.Join(errs...)
}

// BatchResult is the outcome of ExecuteBatch. Items[i] belongs to input i.
type BatchResult struct {
	ExecutionID string        `json:"execution_id"`
	Items       []*Result     `json:"items"`
	Elapsed     time.Duration `json:"elapsed"`
	Profile     *Profile      `json:"profile,omitempty"`
}

// Engine executes rules from a cache.
type Engine struct {
	cfg      Config
	rules    *cache.RuleCache
	eval     Evaluator
	svc      *resilience.Service
	resolver *selector.Resolver
	logger   observe.Logger
	mw       *observe.Middleware
}

// New creates an Engine.
func New(rules *cache.RuleCache, eval Evaluator, cfg Config) (*Engine, error) {
	if rules == nil {
		return nil, ErrNilCache
	}
	if eval == nil {
		return nil, ErrNilEvaluator
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.RuleTimeout <= 0 {
		cfg.RuleTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	if cfg.Resilience == nil {
		cfg.Resilience = resilience.NewService(EventHooks(resilience.ServiceConfig{}, cfg.Notifier, cfg.Logger))
	}
	if cfg.Resolver == nil {
		cfg.Resolver = selector.NewResolver(selector.ResolverConfig{})
	}
	if cfg.Middleware == nil {
		cfg.Middleware = observe.NewMiddleware(nil, nil, nil)
	}

	e := &Engine{
		cfg:      cfg,
		rules:    rules,
		eval:     eval,
		svc:      cfg.Resilience,
		resolver: cfg.Resolver,
		logger:   cfg.Logger,
		mw:       cfg.Middleware,
	}
	return e, nil
}

// Resilience returns the service protecting evaluations.
func (e *Engine) Resilience() *resilience.Service { return e.svc }

// Rules returns the rule cache.
func (e *Engine) Rules() *cache.RuleCache { return e.rules }

func (e *Engine) runConfig(opts []Option) runConfig {
	rc := runConfig{
		concurrency:     e.cfg.Concurrency,
		failFast:        e.cfg.FailFast,
		stopOnError:     e.cfg.StopOnError,
		pipeline:        e.cfg.Pipeline,
		continueOnError: !e.cfg.StopBatchOnError,
		profile:         e.cfg.CollectProfile,
	}
	for _, opt := range opts {
		opt(&rc)
	}
	return rc
}

// RuleOperation returns the resilience operation name of a rule.
func RuleOperation(id string) string { return "rule:" + id }

// ruleFromOperation reverses RuleOperation; other names yield "".
func ruleFromOperation(name string) string {
	id, ok := strings.CutPrefix(name, "rule:")
	if !ok {
		return ""
	}
	return id
}

// EventHooks returns cfg with OnRetry and OnStateChange hooks that send
// retry_attempt and breaker_state_change events to n. Existing hooks are
// kept and run first.
func EventHooks(cfg resilience.ServiceConfig, n observe.Notifier, logger observe.Logger) resilience.ServiceConfig {
	if n == nil {
		return cfg
	}
	prevRetry, prevState := cfg.OnRetry, cfg.OnStateChange

	cfg.OnRetry = func(name string, attempt int, err error, delay time.Duration) {
		if prevRetry != nil {
			prevRetry(name, attempt, err, delay)
		}
		observe.SafeNotify(context.Background(), n, observe.Event{
			Type:      observe.EventRetryAttempt,
			RuleID:    ruleFromOperation(name),
			Operation: name,
			Attempt:   attempt,
			Duration:  delay,
			Err:       err,
		}, logger)
	}
	cfg.OnStateChange = func(name string, from, to resilience.State) {
		if prevState != nil {
			prevState(name, from, to)
		}
		observe.SafeNotify(context.Background(), n, observe.Event{
			Type:      observe.EventBreakerStateChange,
			RuleID:    ruleFromOperation(name),
			Operation: name,
			From:      from.String(),
			To:        to.String(),
		}, logger)
	}
	return cfg
}
