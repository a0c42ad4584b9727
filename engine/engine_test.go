package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/document"
	"github.com/jonwraymond/ruleops/fault"
	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/resilience"
	"github.com/jonwraymond/ruleops/selector"
)

type ruleFunc func(ctx context.Context, input document.Value) (document.Value, error)

// fakeEvaluator dispatches on rule id and records the inputs it saw.
type fakeEvaluator struct {
	mu     sync.Mutex
	rules  map[string]ruleFunc
	inputs map[string][]document.Value
	calls  atomic.Int32
}

func newFakeEvaluator() *fakeEvaluator {
	return &fakeEvaluator{rules: make(map[string]ruleFunc), inputs: make(map[string][]document.Value)}
}

func (f *fakeEvaluator) on(id string, fn ruleFunc) *fakeEvaluator {
	f.rules[id] = fn
	return f
}

func (f *fakeEvaluator) seen(id string) []document.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]document.Value(nil), f.inputs[id]...)
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, rule Rule, input document.Value) (Evaluation, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.inputs[rule.ID] = append(f.inputs[rule.ID], input)
	fn := f.rules[rule.ID]
	f.mu.Unlock()
	if fn == nil {
		return Evaluation{Result: document.Bool(true)}, nil
	}
	out, err := fn(ctx, input)
	return Evaluation{Result: out}, err
}

func returns(v any) ruleFunc {
	return func(context.Context, document.Value) (document.Value, error) {
		return document.MustFromAny(v), nil
	}
}

func fails(msg string) ruleFunc {
	return func(context.Context, document.Value) (document.Value, error) {
		return document.Null(), errors.New(msg)
	}
}

func newRules(t *testing.T, ids ...string) *cache.RuleCache {
	t.Helper()
	rc := cache.NewRuleCache(cache.RuleCacheConfig{})
	entries := make(map[string]cache.Entry, len(ids))
	for _, id := range ids {
		entries[id] = cache.NewEntry(id, "1.0.0", []string{"t"}, time.Unix(0, 0), []byte(`{"expression":"true"}`))
	}
	if err := rc.SetMultiple(entries); err != nil {
		t.Fatalf("SetMultiple() error = %v", err)
	}
	return rc
}

// noRetry keeps failing tests fast.
func noRetry() *resilience.Service {
	return resilience.NewService(resilience.ServiceConfig{Retry: resilience.RetryConfig{MaxAttempts: 1}})
}

func newEngine(t *testing.T, eval Evaluator, cfg Config, ids ...string) *Engine {
	t.Helper()
	if cfg.Resilience == nil {
		cfg.Resilience = noRetry()
	}
	e, err := New(newRules(t, ids...), eval, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, newFakeEvaluator(), Config{}); !errors.Is(err, ErrNilCache) {
		t.Errorf("New(nil cache) error = %v, want ErrNilCache", err)
	}
	if _, err := New(cache.NewRuleCache(cache.RuleCacheConfig{}), nil, Config{}); !errors.Is(err, ErrNilEvaluator) {
		t.Errorf("New(nil evaluator) error = %v, want ErrNilEvaluator", err)
	}
}

func TestExecuteParallel_ErrorsAreContained(t *testing.T) {
	eval := newFakeEvaluator().on("a", returns(1)).on("b", fails("boom")).on("c", returns(3))
	e := newEngine(t, eval, Config{}, "a", "b", "c")

	res, err := e.ExecuteParallel(context.Background(), []string{"a", "b", "c"}, document.Null())
	if err != nil {
		t.Fatalf("ExecuteParallel() error = %v", err)
	}
	if len(res.Results) != 2 || len(res.Errors) != 1 {
		t.Fatalf("results = %d, errors = %d; want 2 and 1", len(res.Results), len(res.Errors))
	}
	if !res.Results["c"].Equal(document.Number(3)) {
		t.Errorf("c = %v, want 3", res.Results["c"])
	}
	var fe *fault.Error
	if !errors.As(res.Errors["b"], &fe) || fe.RuleID != "b" || fe.Kind != fault.KindExecution {
		t.Errorf("b error = %v, want execution fault for rule b", res.Errors["b"])
	}
	if res.ExecutionID == "" {
		t.Error("ExecutionID is empty")
	}
	if res.Err() == nil || !res.Failed() {
		t.Error("Err()/Failed() should report the failure")
	}
}

func TestExecuteParallel_MissingRule(t *testing.T) {
	e := newEngine(t, newFakeEvaluator(), Config{}, "a")

	res, err := e.ExecuteParallel(context.Background(), []string{"a", "ghost"}, document.Null())
	if err != nil {
		t.Fatalf("ExecuteParallel() error = %v", err)
	}
	if !errors.Is(res.Errors["ghost"], fault.ErrRuleNotFound) {
		t.Errorf("ghost error = %v, want RuleNotFound", res.Errors["ghost"])
	}
}

func TestExecuteParallel_FailFast(t *testing.T) {
	started := make(chan struct{})
	eval := newFakeEvaluator().
		on("bad", func(context.Context, document.Value) (document.Value, error) {
			<-started
			return document.Null(), errors.New("boom")
		}).
		on("slow", func(ctx context.Context, _ document.Value) (document.Value, error) {
			close(started)
			<-ctx.Done()
			return document.Null(), ctx.Err()
		})
	e := newEngine(t, eval, Config{FailFast: true}, "bad", "slow")

	res, err := e.ExecuteParallel(context.Background(), []string{"bad", "slow"}, document.Null())
	if err == nil {
		t.Fatal("ExecuteParallel() error = nil, want the first failure")
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || fe.RuleID != "bad" {
		t.Errorf("error = %v, want failure of rule bad", err)
	}
	if _, ok := res.Errors["slow"]; ok {
		t.Errorf("cancelled sibling recorded as failure: %v", res.Errors["slow"])
	}
}

func TestExecuteParallel_ConcurrencyBound(t *testing.T) {
	var active, peak atomic.Int32
	slow := func(context.Context, document.Value) (document.Value, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return document.Null(), nil
	}
	ids := []string{"r1", "r2", "r3", "r4", "r5", "r6"}
	eval := newFakeEvaluator()
	for _, id := range ids {
		eval.on(id, slow)
	}
	e := newEngine(t, eval, Config{Concurrency: 2}, ids...)

	if _, err := e.ExecuteParallel(context.Background(), ids, document.Null()); err != nil {
		t.Fatalf("ExecuteParallel() error = %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestExecuteSequential_Pipeline(t *testing.T) {
	eval := newFakeEvaluator().on("a", returns(map[string]any{"x": 1}))
	e := newEngine(t, eval, Config{Pipeline: true}, "a", "b")

	input := document.MustFromAny(map[string]any{"y": 2})
	if _, err := e.ExecuteSequential(context.Background(), []string{"a", "b"}, input); err != nil {
		t.Fatalf("ExecuteSequential() error = %v", err)
	}

	seen := eval.seen("b")
	want := document.MustFromAny(map[string]any{"y": 2, "x": 1})
	if len(seen) != 1 || !seen[0].Equal(want) {
		t.Errorf("b input = %v, want %v", seen, want)
	}
}

func TestExecuteSequential_ErrorHandling(t *testing.T) {
	eval := newFakeEvaluator().
		on("a", returns(map[string]any{"x": 1})).
		on("b", fails("boom"))

	t.Run("continue with last successful input", func(t *testing.T) {
		e := newEngine(t, eval, Config{Pipeline: true}, "a", "b", "c")
		res, err := e.ExecuteSequential(context.Background(), []string{"a", "b", "c"}, document.MustFromAny(map[string]any{}))
		if err != nil {
			t.Fatalf("ExecuteSequential() error = %v", err)
		}
		if _, ok := res.Errors["b"]; !ok {
			t.Error("b failure not recorded")
		}
		if _, ok := res.Results["c"]; !ok {
			t.Error("c did not run")
		}
		seen := eval.seen("c")
		if len(seen) == 0 || !seen[len(seen)-1].Equal(document.MustFromAny(map[string]any{"x": 1})) {
			t.Errorf("c input = %v, want output of a", seen)
		}
	})

	t.Run("stop on error", func(t *testing.T) {
		e := newEngine(t, eval, Config{}, "a", "b", "d")
		res, err := e.ExecuteSequential(context.Background(), []string{"a", "b", "d"}, document.Null(), WithStopOnError(true))
		if err == nil {
			t.Fatal("ExecuteSequential() error = nil, want failure of b")
		}
		if _, ok := res.Results["a"]; !ok {
			t.Error("partial result lost a")
		}
		if _, ok := res.Results["d"]; ok {
			t.Error("d ran after stop")
		}
	})
}

func TestExecuteMixed(t *testing.T) {
	eval := newFakeEvaluator().
		on("a", returns(map[string]any{"a": true})).
		on("b", returns(map[string]any{"b": true}))
	e := newEngine(t, eval, Config{Pipeline: true}, "a", "b", "c")

	groups := []selector.Group{
		{Rules: []string{"a", "b"}, Mode: selector.ModeParallel},
		{Rules: []string{"c"}, Mode: selector.ModeSequential},
	}
	res, err := e.ExecuteMixed(context.Background(), groups, document.MustFromAny(map[string]any{}))
	if err != nil {
		t.Fatalf("ExecuteMixed() error = %v", err)
	}
	if len(res.Results) != 3 {
		t.Errorf("results = %d, want 3", len(res.Results))
	}
	want := document.MustFromAny(map[string]any{"a": true, "b": true})
	if seen := eval.seen("c"); len(seen) != 1 || !seen[0].Equal(want) {
		t.Errorf("c input = %v, want %v", seen, want)
	}
}

func TestExecuteMixed_InvalidGroupsEvaluateNothing(t *testing.T) {
	eval := newFakeEvaluator()
	e := newEngine(t, eval, Config{}, "a")

	_, err := e.ExecuteMixed(context.Background(), []selector.Group{{Rules: []string{"a", "ghost"}, Mode: selector.ModeParallel}}, document.Null())
	if !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("ExecuteMixed() error = %v, want InvalidInput", err)
	}
	if n := eval.calls.Load(); n != 0 {
		t.Errorf("evaluator called %d times", n)
	}
}

func TestValidateExecutionGroups(t *testing.T) {
	e := newEngine(t, newFakeEvaluator(), Config{}, "a", "b")

	tests := []struct {
		name   string
		groups []selector.Group
		want   []GroupError
	}{
		{
			name:   "valid",
			groups: []selector.Group{{Rules: []string{"a"}, Mode: selector.ModeParallel}, {Rules: []string{"b"}, Mode: selector.ModeSequential}},
		},
		{
			name: "every problem reported",
			groups: []selector.Group{
				{Rules: []string{"a", "ghost"}, Mode: "fanout"},
				{Rules: nil, Mode: selector.ModeSequential},
				{Rules: []string{"a"}, Mode: selector.ModeParallel},
			},
			want: []GroupError{
				{Group: 0, Reason: `invalid mode "fanout"`},
				{Group: 0, RuleID: "ghost", Reason: "rule not found"},
				{Group: 1, Reason: "no rules"},
				{Group: 2, RuleID: "a", Reason: "already in group 0"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.ValidateExecutionGroups(tt.groups)
			if len(tt.want) == 0 {
				if err != nil {
					t.Fatalf("ValidateExecutionGroups() error = %v", err)
				}
				return
			}
			if !errors.Is(err, fault.ErrInvalidInput) {
				t.Fatalf("error = %v, want InvalidInput", err)
			}
			joined, ok := errors.Unwrap(err).(interface{ Unwrap() []error })
			if !ok {
				t.Fatalf("error %v does not wrap a joined list", err)
			}
			got := joined.Unwrap()
			if len(got) != len(tt.want) {
				t.Fatalf("got %d problems, want %d: %v", len(got), len(tt.want), err)
			}
			for i, w := range tt.want {
				ge, ok := got[i].(*GroupError)
				if !ok || *ge != w {
					t.Errorf("problem %d = %v, want %v", i, got[i], &w)
				}
			}
		})
	}
}

func TestExecute_ResolvesAndRunsPlan(t *testing.T) {
	eval := newFakeEvaluator().on("a", returns(map[string]any{"a": 1}))
	e := newEngine(t, eval, Config{
		Pipeline: true,
		Resolver: selector.NewResolver(selector.ResolverConfig{
			Analyzer: selector.StaticDependencies{"b": {"a"}},
		}),
	}, "a", "b")

	sel := selector.Selector{IDs: []string{"b", "a"}, Mode: selector.Mode{Type: selector.ModeParallel}}
	res, err := e.Execute(context.Background(), sel, document.MustFromAny(map[string]any{}))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Plan == nil || len(res.Plan.Stages) != 2 {
		t.Fatalf("plan = %+v, want two stages", res.Plan)
	}
	if seen := eval.seen("b"); len(seen) != 1 || !seen[0].Equal(document.MustFromAny(map[string]any{"a": 1})) {
		t.Errorf("b input = %v, want output of its dependency a", seen)
	}
}

func TestExecute_InvalidSelector(t *testing.T) {
	eval := newFakeEvaluator()
	e := newEngine(t, eval, Config{}, "a")

	_, err := e.Execute(context.Background(), selector.Selector{Mode: selector.Mode{Type: selector.ModeParallel}}, document.Null())
	if !errors.Is(err, fault.ErrInvalidInput) {
		t.Fatalf("Execute() error = %v, want InvalidInput", err)
	}
	if eval.calls.Load() != 0 {
		t.Error("evaluator called for an invalid selector")
	}
}

func TestExecutePlan_StopOnErrorHaltsStages(t *testing.T) {
	eval := newFakeEvaluator().on("a", fails("boom"))
	e := newEngine(t, eval, Config{StopOnError: true}, "a", "b")

	plan := &selector.Plan{Mode: selector.ModeSequential, RuleIDs: []string{"a", "b"}, Stages: [][]string{{"a"}, {"b"}}}
	res, err := e.ExecutePlan(context.Background(), plan, document.Null())
	if err == nil {
		t.Fatal("ExecutePlan() error = nil")
	}
	if _, ok := res.Results["b"]; ok {
		t.Error("b ran after a failed stage")
	}
}

func TestRuleTimeout(t *testing.T) {
	eval := newFakeEvaluator().on("slow", func(ctx context.Context, _ document.Value) (document.Value, error) {
		<-ctx.Done()
		return document.Null(), ctx.Err()
	})
	e := newEngine(t, eval, Config{RuleTimeout: 20 * time.Millisecond}, "slow", "fast")

	res, err := e.ExecuteParallel(context.Background(), []string{"slow", "fast"}, document.Null())
	if err != nil {
		t.Fatalf("ExecuteParallel() error = %v; a rule timeout must not fail the execution", err)
	}
	got := res.Errors["slow"]
	if !errors.Is(got, fault.ErrTimeout) {
		t.Fatalf("slow error = %v, want timeout", got)
	}
	var fe *fault.Error
	if !errors.As(got, &fe) || fe.RuleID != "slow" {
		t.Errorf("timeout not attributed to rule slow: %v", got)
	}
	if _, ok := res.Results["fast"]; !ok {
		t.Error("fast rule affected by sibling timeout")
	}
}

func TestNotifier_EventsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var types []observe.EventType
	n := observe.MultiNotifier{
		observe.NotifierFunc(func(context.Context, observe.Event) { panic("sink exploded") }),
		observe.NotifierFunc(func(_ context.Context, ev observe.Event) {
			mu.Lock()
			types = append(types, ev.Type)
			mu.Unlock()
		}),
	}
	eval := newFakeEvaluator().on("b", fails("boom"))
	e := newEngine(t, eval, Config{Notifier: n}, "a", "b")

	res, err := e.ExecuteSequential(context.Background(), []string{"a", "b"}, document.Null())
	if err != nil {
		t.Fatalf("ExecuteSequential() error = %v", err)
	}
	if _, ok := res.Results["a"]; !ok {
		t.Error("notifier panic changed the outcome")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []observe.EventType{
		observe.EventExecutionStart, observe.EventExecutionSuccess,
		observe.EventExecutionStart, observe.EventExecutionError,
	}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestEventHooks_RetryEvents(t *testing.T) {
	var retries atomic.Int32
	n := observe.NotifierFunc(func(_ context.Context, ev observe.Event) {
		if ev.Type == observe.EventRetryAttempt && ev.RuleID == "flaky" {
			retries.Add(1)
		}
	})
	svc := resilience.NewService(EventHooks(resilience.ServiceConfig{
		Retry: resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, JitterFactor: -1},
	}, n, nil))

	var calls atomic.Int32
	eval := newFakeEvaluator().on("flaky", func(context.Context, document.Value) (document.Value, error) {
		if calls.Add(1) < 3 {
			return document.Null(), fault.New(fault.KindNetwork, "", "", errors.New("upstream reset"))
		}
		return document.Bool(true), nil
	})
	e := newEngine(t, eval, Config{Resilience: svc}, "flaky")

	res, err := e.ExecuteParallel(context.Background(), []string{"flaky"}, document.Null())
	if err != nil || res.Failed() {
		t.Fatalf("ExecuteParallel() = %v, %v", res.Errors, err)
	}
	if got := retries.Load(); got != 2 {
		t.Errorf("retry events = %d, want 2", got)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("invocations = %d, want 3", got)
	}
}

func TestResultCache(t *testing.T) {
	mw, err := cache.NewResultMiddleware(cache.NewMemoryCache(100), nil, cache.DefaultPolicy(), nil)
	if err != nil {
		t.Fatalf("NewResultMiddleware() error = %v", err)
	}
	eval := newFakeEvaluator().on("a", returns(42))
	e := newEngine(t, eval, Config{ResultCache: mw}, "a")

	input := document.MustFromAny(map[string]any{"k": "v"})
	for range 3 {
		res, err := e.ExecuteParallel(context.Background(), []string{"a"}, input)
		if err != nil {
			t.Fatalf("ExecuteParallel() error = %v", err)
		}
		if !res.Results["a"].Equal(document.Number(42)) {
			t.Fatalf("a = %v, want 42", res.Results["a"])
		}
	}
	if got := eval.calls.Load(); got != 1 {
		t.Errorf("evaluator calls = %d, want 1", got)
	}
	if mw.Hits() != 2 {
		t.Errorf("hits = %d, want 2", mw.Hits())
	}
}

func TestProfile(t *testing.T) {
	e := newEngine(t, newFakeEvaluator(), Config{}, "a", "b")

	res, err := e.ExecuteParallel(context.Background(), []string{"a", "b"}, document.Null(), WithProfile(true))
	if err != nil {
		t.Fatalf("ExecuteParallel() error = %v", err)
	}
	p := res.Profile
	if p == nil {
		t.Fatal("Profile is nil")
	}
	if p.Rules["a"].Count != 1 || p.Rules["b"].Count != 1 {
		t.Errorf("rule timings = %+v", p.Rules)
	}
	if p.PeakConcurrency < 1 || p.Efficiency < 0 || p.Efficiency > 1 {
		t.Errorf("peak = %d, efficiency = %v", p.PeakConcurrency, p.Efficiency)
	}

	res, _ = e.ExecuteParallel(context.Background(), []string{"a"}, document.Null())
	if res.Profile != nil {
		t.Error("Profile collected without being enabled")
	}
}

func TestBottlenecks(t *testing.T) {
	rules := map[string]RuleTiming{
		"fast1": {Count: 1, Total: 10 * time.Millisecond},
		"fast2": {Count: 1, Total: 10 * time.Millisecond},
		"fast3": {Count: 1, Total: 10 * time.Millisecond},
		"slow":  {Count: 1, Total: 170 * time.Millisecond},
	}
	got := bottlenecks(rules)
	if len(got) != 1 {
		t.Fatalf("bottlenecks = %v, want only slow", got)
	}
}
