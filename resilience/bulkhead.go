package resilience

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonwraymond/ruleops/fault"
)

// BulkheadConfig configures a per-operation concurrency bound.
type BulkheadConfig struct {
	// Name is the operation name attached to rejection errors and stats.
	Name string

	// MaxConcurrent is the number of calls allowed in flight at once.
	// Default: 10
	MaxConcurrent int

	// MaxWait is how long a caller queues for a slot before it is
	// rejected.
	// Default: 0 (reject immediately)
	MaxWait time.Duration
}

// BulkheadStats is a snapshot of one bulkhead.
type BulkheadStats struct {
	Name          string        `json:"name"`
	MaxConcurrent int           `json:"max_concurrent"`
	InFlight      int           `json:"in_flight"`
	Peak          int           `json:"peak"`
	Waiting       int           `json:"waiting"`
	Admitted      int64         `json:"admitted"`
	Waited        int64         `json:"waited"`
	Rejected      int64         `json:"rejected"`
	TotalWait     time.Duration `json:"total_wait"`
}

// Bulkhead bounds the calls of one operation that run at the same time.
// Queued callers are admitted in arrival order: a released slot is handed
// straight to the oldest waiter, so a newcomer never overtakes the queue.
type Bulkhead struct {
	config BulkheadConfig

	mu       sync.Mutex
	inFlight int
	waiters  []chan struct{}
	stats    BulkheadStats
}

// NewBulkhead creates a Bulkhead.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	return &Bulkhead{config: config}
}

// Acquire takes a slot, queueing up to MaxWait. A full bulkhead yields a
// retryable fault.KindRateLimitExceeded error matching ErrBulkheadFull.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.inFlight < b.config.MaxConcurrent && len(b.waiters) == 0 {
		b.inFlight++
		b.admittedLocked()
		b.mu.Unlock()
		return nil
	}
	if b.config.MaxWait <= 0 {
		b.stats.Rejected++
		b.mu.Unlock()
		return b.full()
	}
	ready := make(chan struct{})
	b.waiters = append(b.waiters, ready)
	b.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(b.config.MaxWait)
	defer timer.Stop()

	var err error
	select {
	case <-ready:
		b.mu.Lock()
		b.stats.Waited++
		b.stats.TotalWait += time.Since(start)
		b.mu.Unlock()
		return nil
	case <-timer.C:
		err = b.full()
	case <-ctx.Done():
		err = ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.waiters, ready); i >= 0 {
		b.waiters = slices.Delete(b.waiters, i, i+1)
	} else {
		// Release handed the slot over as we gave up.
		b.releaseLocked()
	}
	if ctx.Err() == nil {
		b.stats.Rejected++
	}
	return err
}

// Release returns a slot taken by Acquire.
func (b *Bulkhead) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()
}

func (b *Bulkhead) releaseLocked() {
	if b.inFlight == 0 {
		return
	}
	if len(b.waiters) > 0 {
		next := b.waiters[0]
		b.waiters = b.waiters[1:]
		b.admittedLocked()
		close(next)
		return
	}
	b.inFlight--
}

func (b *Bulkhead) admittedLocked() {
	b.stats.Admitted++
	b.stats.Peak = max(b.stats.Peak, b.inFlight)
}

func (b *Bulkhead) full() error {
	return fault.New(fault.KindRateLimitExceeded, b.config.Name, "", ErrBulkheadFull)
}

// Execute runs op inside the bulkhead.
func (b *Bulkhead) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	return op(ctx)
}

// Stats returns a snapshot of the bulkhead.
func (b *Bulkhead) Stats() BulkheadStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Name = b.config.Name
	s.MaxConcurrent = b.config.MaxConcurrent
	s.InFlight = b.inFlight
	s.Waiting = len(b.waiters)
	return s
}
