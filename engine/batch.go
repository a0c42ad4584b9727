package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/ruleops/document"
	"github.com/jonwraymond/ruleops/observe"
)

// ExecuteBatch evaluates every rule in ids against every input. Inputs are
// processed in chunks of Concurrency; all rule × input pairs of a chunk run
// concurrently and a chunk starts only after the previous one finished.
//
// Items[i] holds the outcome for inputs[i] and is independent of every other
// input. With StopBatchOnError, a failure for one input cancels that
// input's remaining rules, which are recorded as ErrSkipped.
//
// The returned error is non-nil only when ctx ended; the items finished so
// far are still returned.
func (e *Engine) ExecuteBatch(ctx context.Context, ids []string, inputs []document.Value, opts ...Option) (*BatchResult, error) {
	rc := e.runConfig(opts)
	br := &BatchResult{
		ExecutionID: uuid.NewString(),
		Items:       make([]*Result, len(inputs)),
	}
	prof := newProfiler(rc.profile, rc.concurrency*max(len(ids), 1))
	start := time.Now()

	e.logger.Debug(ctx, "executing batch",
		observe.F("execution_id", br.ExecutionID),
		observe.F("rules", len(ids)),
		observe.F("inputs", len(inputs)),
		observe.F("chunk_size", rc.concurrency),
	)

	var err error
	for chunk, lo := 0, 0; lo < len(inputs); chunk, lo = chunk+1, lo+rc.concurrency {
		if err = ctx.Err(); err != nil {
			break
		}
		hi := min(lo+rc.concurrency, len(inputs))
		chunkStart := time.Now()
		e.runChunk(ctx, br, rc, prof, ids, inputs, lo, hi)
		prof.batch(chunk, hi-lo, (hi-lo)*len(ids), time.Since(chunkStart))
	}
	for i, item := range br.Items {
		if item == nil {
			br.Items[i] = newResult(br.ExecutionID)
		}
	}

	br.Elapsed = time.Since(start)
	br.Profile = prof.finish()
	return br, err
}

// batchItem collects the outcome of one input.
type batchItem struct {
	mu     sync.Mutex
	res    *Result
	start  time.Time
	failed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

func (e *Engine) runChunk(ctx context.Context, br *BatchResult, rc runConfig, prof *profiler, ids []string, inputs []document.Value, lo, hi int) {
	items := make([]*batchItem, hi-lo)
	for k := range items {
		ictx, cancel := context.WithCancel(ctx)
		items[k] = &batchItem{res: newResult(br.ExecutionID), start: time.Now(), ctx: ictx, cancel: cancel}
	}

	var g errgroup.Group
	for k, item := range items {
		input := inputs[lo+k]
		for _, id := range ids {
			g.Go(func() error {
				e.runPair(ctx, rc, prof, br.ExecutionID, item, id, input)
				return nil
			})
		}
	}
	_ = g.Wait()

	for k, item := range items {
		item.cancel()
		item.res.Elapsed = time.Since(item.start)
		br.Items[lo+k] = item.res
	}
}

func (e *Engine) runPair(ctx context.Context, rc runConfig, prof *profiler, execID string, item *batchItem, id string, input document.Value) {
	if !rc.continueOnError && item.failed.Load() {
		item.record(id, document.Null(), skipped(id))
		return
	}

	out, err := e.evaluate(item.ctx, execID, id, input, prof)
	if err != nil {
		// Cancelled because a sibling rule for this input failed.
		if !rc.continueOnError && ctx.Err() == nil && item.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			item.record(id, document.Null(), skipped(id))
			return
		}
		item.record(id, out, err)
		if !rc.continueOnError && item.failed.CompareAndSwap(false, true) {
			item.cancel()
		}
		return
	}
	item.record(id, out, nil)
}

func (it *batchItem) record(id string, out document.Value, err error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if err != nil {
		it.res.Errors[id] = err
		return
	}
	it.res.Results[id] = out
}

func skipped(id string) error {
	return fmt.Errorf("rule %s: %w", id, ErrSkipped)
}
