package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/ruleops/document"
	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/selector"
)

// run is the state of one execution.
type run struct {
	id   string
	rc   runConfig
	prof *profiler

	start time.Time
	mu    sync.Mutex
	res   *Result
}

func (e *Engine) newRun(opts []Option) *run {
	rc := e.runConfig(opts)
	id := uuid.NewString()
	return &run{
		id:    id,
		rc:    rc,
		prof:  newProfiler(rc.profile, rc.concurrency),
		start: time.Now(),
		res:   newResult(id),
	}
}

func (r *run) record(id string, out document.Value, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.res.Errors[id] = err
		delete(r.res.Results, id)
		return
	}
	r.res.Results[id] = out
	delete(r.res.Errors, id)
}

func (r *run) finish() *Result {
	r.res.Elapsed = time.Since(r.start)
	r.res.Profile = r.prof.finish()
	return r.res
}

// ExecuteParallel evaluates every rule in ids concurrently against input,
// at most Concurrency at a time. Rule failures are recorded in the result
// and do not stop siblings. With FailFast the first failure cancels
// outstanding work and is returned with the partial result.
func (e *Engine) ExecuteParallel(ctx context.Context, ids []string, input document.Value, opts ...Option) (*Result, error) {
	r := e.newRun(opts)
	_, err := e.runStage(ctx, r, ids, input)
	return r.finish(), err
}

// ExecuteSequential evaluates ids one at a time in order. With Pipeline,
// each map output is merged into the input of the next rule. With
// StopOnError the first failure halts the sequence and is returned with the
// partial result; otherwise it is recorded and the next rule receives the
// last successful input.
func (e *Engine) ExecuteSequential(ctx context.Context, ids []string, input document.Value, opts ...Option) (*Result, error) {
	r := e.newRun(opts)
	_, err := e.runSequence(ctx, r, ids, input)
	return r.finish(), err
}

// ExecuteMixed runs groups in order, each in its own mode. Groups are
// validated before anything is evaluated. With Pipeline the merged output of
// a group becomes the input of the next.
func (e *Engine) ExecuteMixed(ctx context.Context, groups []selector.Group, input document.Value, opts ...Option) (*Result, error) {
	if err := e.ValidateExecutionGroups(groups); err != nil {
		return nil, err
	}
	r := e.newRun(opts)
	cur := input
	for _, g := range groups {
		var err error
		switch g.Mode {
		case selector.ModeSequential:
			cur, err = e.runSequence(ctx, r, g.Rules, cur)
		default:
			cur, err = e.runStage(ctx, r, g.Rules, cur)
			if err == nil && r.rc.stopOnError {
				err = r.firstError(g.Rules)
			}
		}
		if err != nil {
			return r.finish(), err
		}
		if err := ctx.Err(); err != nil {
			return r.finish(), err
		}
	}
	return r.finish(), nil
}

// ExecutePlan runs the stages of plan in order with the rules of a stage
// evaluated concurrently. With Pipeline the merged output of a stage becomes
// the input of the next. StopOnError halts after a stage with a failure.
func (e *Engine) ExecutePlan(ctx context.Context, plan *selector.Plan, input document.Value, opts ...Option) (*Result, error) {
	r := e.newRun(opts)
	r.res.Plan = plan
	err := e.runPlan(ctx, r, plan, input)
	return r.finish(), err
}

// Plan validates and resolves sel against the rule cache without running it.
func (e *Engine) Plan(ctx context.Context, sel selector.Selector) (*selector.Plan, error) {
	return e.resolver.Resolve(ctx, sel, e.rules)
}

// Execute validates and resolves sel against the rule cache, then runs the
// resulting plan. Invalid selectors fail before any rule is evaluated.
func (e *Engine) Execute(ctx context.Context, sel selector.Selector, input document.Value, opts ...Option) (*Result, error) {
	plan, err := e.Plan(ctx, sel)
	if err != nil {
		return nil, err
	}
	e.logger.Debug(ctx, "executing plan",
		observe.F("mode", string(plan.Mode)),
		observe.F("rules", len(plan.RuleIDs)),
		observe.F("stages", len(plan.Stages)),
	)
	return e.ExecutePlan(ctx, plan, input, opts...)
}

func (e *Engine) runPlan(ctx context.Context, r *run, plan *selector.Plan, input document.Value) error {
	if plan == nil {
		return nil
	}
	cur := input
	for _, stage := range plan.Stages {
		next, err := e.runStage(ctx, r, stage, cur)
		if err == nil && r.rc.stopOnError {
			err = r.firstError(stage)
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		cur = next
	}
	return nil
}

// runStage evaluates ids concurrently. It returns the input merged with the
// stage's map outputs in ids order, and an error only when FailFast tripped
// or ctx ended.
func (e *Engine) runStage(ctx context.Context, r *run, ids []string, input document.Value) (document.Value, error) {
	var (
		g      *errgroup.Group
		gctx   = ctx
		outs   = make([]document.Value, len(ids))
		failed = make([]bool, len(ids))
	)
	if r.rc.failFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = new(errgroup.Group)
	}
	g.SetLimit(r.rc.concurrency)

	for i, id := range ids {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			out, err := e.evaluate(gctx, r.id, id, input, r.prof)
			if err != nil {
				failed[i] = true
				// Siblings aborted by a fail-fast cancellation are not failures
				// of their own.
				if r.rc.failFast && ctx.Err() == nil && gctx.Err() != nil && errors.Is(err, context.Canceled) {
					return nil
				}
				r.record(id, out, err)
				if r.rc.failFast {
					return err
				}
				return nil
			}
			outs[i] = out
			r.record(id, out, nil)
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		return input, err
	}
	if err := ctx.Err(); err != nil {
		return input, err
	}

	if !r.rc.pipeline {
		return input, nil
	}
	cur := input
	for i := range ids {
		if !failed[i] {
			cur = document.Merge(cur, outs[i])
		}
	}
	return cur, nil
}

// runSequence evaluates ids in order and returns the last successful
// (possibly merged) input.
func (e *Engine) runSequence(ctx context.Context, r *run, ids []string, input document.Value) (document.Value, error) {
	cur := input
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return cur, err
		}
		out, err := e.evaluate(ctx, r.id, id, cur, r.prof)
		r.record(id, out, err)
		if err != nil {
			if r.rc.stopOnError || r.rc.failFast {
				return cur, err
			}
			continue
		}
		if r.rc.pipeline {
			cur = document.Merge(cur, out)
		}
	}
	return cur, nil
}

// firstError returns the recorded error of the first failed id in ids.
func (r *run) firstError(ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if err, ok := r.res.Errors[id]; ok {
			return err
		}
	}
	return nil
}
