package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/ruleops/fault"
)

func TestBulkhead_RejectsWhenFull(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Name: "loader.load_one", MaxConcurrent: 2})

	for i := 0; i < 2; i++ {
		if err := b.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire() #%d error = %v", i+1, err)
		}
	}

	err := b.Acquire(context.Background())
	if !errors.Is(err, ErrBulkheadFull) {
		t.Fatalf("Acquire() error = %v, want ErrBulkheadFull", err)
	}
	if !fault.IsRetryable(err) {
		t.Error("bulkhead rejection should be retryable")
	}

	b.Release()
	if err := b.Acquire(context.Background()); err != nil {
		t.Errorf("Acquire after release error = %v", err)
	}
	st := b.Stats()
	if st.Rejected != 1 || st.Admitted != 3 || st.Peak != 2 || st.Name != "loader.load_one" {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestBulkhead_WaitsForSlot(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{MaxConcurrent: 1, MaxWait: 200 * time.Millisecond})
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Release()
	}()

	if err := b.Acquire(context.Background()); err != nil {
		t.Errorf("waiting Acquire() error = %v", err)
	}
}

func TestBulkhead_ContextCancellation(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{MaxConcurrent: 1, MaxWait: time.Second})
	_ = b.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := b.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire() error = %v, want context.Canceled", err)
	}
}

func TestBulkhead_BoundsConcurrency(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{MaxConcurrent: 3, MaxWait: time.Second})

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		highest atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), func(ctx context.Context) error {
				n := active.Add(1)
				defer active.Add(-1)
				for {
					h := highest.Load()
					if n <= h || highest.CompareAndSwap(h, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				return nil
			})
		}()
	}
	wg.Wait()

	if h := highest.Load(); h > 3 {
		t.Errorf("max concurrent = %d, want <= 3", h)
	}
	st := b.Stats()
	if st.InFlight != 0 || st.Waiting != 0 || st.MaxConcurrent != 3 || st.Admitted != 12 || st.Peak > 3 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestBulkhead_AdmitsWaitersInOrder(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{MaxConcurrent: 1, MaxWait: time.Second})
	if err := b.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Acquire(context.Background()); err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			b.Release()
		}()
		// Queue the waiters one at a time.
		for b.Stats().Waiting != i+1 {
			time.Sleep(time.Millisecond)
		}
	}
	b.Release()
	wg.Wait()

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("admission order = %v, want [0 1 2]", order)
	}
	st := b.Stats()
	if st.Waited != 3 || st.InFlight != 0 || st.Peak != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestBulkhead_TimedOutWaiterLeavesQueue(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{MaxConcurrent: 1, MaxWait: 10 * time.Millisecond})
	_ = b.Acquire(context.Background())

	if err := b.Acquire(context.Background()); !errors.Is(err, ErrBulkheadFull) {
		t.Fatalf("Acquire() error = %v, want ErrBulkheadFull", err)
	}
	b.Release()

	st := b.Stats()
	if st.Waiting != 0 || st.InFlight != 0 || st.Rejected != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestService_BulkheadStats(t *testing.T) {
	svc := NewService(ServiceConfig{Bulkhead: &BulkheadConfig{MaxConcurrent: 2}})
	if _, ok := svc.BulkheadStats("rule:a"); ok {
		t.Error("BulkheadStats() before any call should report false")
	}

	for range 3 {
		if err := svc.Execute(context.Background(), "rule:a", func(context.Context) error { return nil }); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	st, ok := svc.BulkheadStats("rule:a")
	if !ok || st.Admitted != 3 || st.MaxConcurrent != 2 || st.Name != "rule:a" {
		t.Errorf("BulkheadStats() = %+v, %v", st, ok)
	}
	if all := svc.AllBulkheadStats(); len(all) != 1 || all["rule:a"].Admitted != 3 {
		t.Errorf("AllBulkheadStats() = %+v", all)
	}

	off := NewService(ServiceConfig{})
	_ = off.Execute(context.Background(), "rule:a", func(context.Context) error { return nil })
	if all := off.AllBulkheadStats(); len(all) != 0 {
		t.Errorf("AllBulkheadStats() without bulkheads = %+v", all)
	}
}
