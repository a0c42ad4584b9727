package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jonwraymond/ruleops/cache"
	"github.com/jonwraymond/ruleops/document"
	"github.com/jonwraymond/ruleops/fault"
	"github.com/jonwraymond/ruleops/observe"
	"github.com/jonwraymond/ruleops/resilience"
)

// evaluate runs one rule against input: events, profiling, observe
// middleware, result cache, resilience and timeout, in that order from the
// outside in. Errors always carry the rule id.
func (e *Engine) evaluate(ctx context.Context, execID, id string, input document.Value, prof *profiler) (document.Value, error) {
	start := time.Now()
	e.notify(ctx, observe.Event{Type: observe.EventExecutionStart, RuleID: id, ExecutionID: execID})
	prof.begin()

	out, err := e.evaluateEntry(ctx, execID, id, input)

	d := time.Since(start)
	prof.end(id, d, err)
	if err != nil {
		e.notify(ctx, observe.Event{Type: observe.EventExecutionError, RuleID: id, ExecutionID: execID, Duration: d, Err: err})
		return document.Null(), err
	}
	e.notify(ctx, observe.Event{Type: observe.EventExecutionSuccess, RuleID: id, ExecutionID: execID, Duration: d})
	return out, nil
}

func (e *Engine) evaluateEntry(ctx context.Context, execID, id string, input document.Value) (document.Value, error) {
	op := RuleOperation(id)
	entry, ok := e.rules.Entry(id)
	if !ok {
		return document.Null(), fault.New(fault.KindRuleNotFound, op, id, nil)
	}

	meta := observe.RuleMeta{
		ID:          id,
		Version:     entry.Metadata.Version,
		Tags:        entry.Metadata.Tags,
		ExecutionID: execID,
	}
	wrapped := e.mw.Wrap(func(ctx context.Context, _ observe.RuleMeta, input document.Value) (document.Value, error) {
		return e.cached(ctx, entry, input)
	})

	out, err := wrapped(ctx, meta, input)
	if err != nil {
		return document.Null(), fault.Wrap(fault.KindExecution, op, id, err)
	}
	return out, nil
}

// cached consults the result cache, if any, before evaluating.
func (e *Engine) cached(ctx context.Context, entry cache.Entry, input document.Value) (document.Value, error) {
	run := func(ctx context.Context) (document.Value, error) {
		return e.protected(ctx, entry, input)
	}
	if e.cfg.ResultCache == nil {
		return run(ctx)
	}
	out, _, err := e.cfg.ResultCache.Evaluate(ctx, entry.Metadata, input, run)
	return out, err
}

// protected runs the evaluator under the rule's resilience records with
// RuleTimeout bounding each attempt.
func (e *Engine) protected(ctx context.Context, entry cache.Entry, input document.Value) (document.Value, error) {
	id := entry.Metadata.ID
	op := RuleOperation(id)
	rule := Rule{ID: id, Content: entry.Content, Metadata: entry.Metadata}

	return resilience.Do(ctx, e.svc, op, func(ctx context.Context) (document.Value, error) {
		ev, err := e.eval.Evaluate(ctx, rule, input)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && fault.KindOf(err) == fault.KindUnknown {
				return document.Null(), fault.New(fault.KindTimeout, op, id, err)
			}
			return document.Null(), fault.Wrap(fault.KindExecution, op, id, err)
		}
		return ev.Result, nil
	}, resilience.WithAttemptTimeout(e.cfg.RuleTimeout))
}

func (e *Engine) notify(ctx context.Context, ev observe.Event) {
	if e.cfg.Notifier == nil {
		return
	}
	observe.SafeNotify(ctx, e.cfg.Notifier, ev, e.logger)
}
