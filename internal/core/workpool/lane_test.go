package workpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueueRunsTask(t *testing.T) {
	mgr := NewManager(1, 0)

	var ran bool
	err := mgr.Enqueue(context.Background(), "test", "", func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("task did not run")
	}
}

func TestEnqueuePropagatesError(t *testing.T) {
	mgr := NewManager(1, 0)

	want := fmt.Errorf("task failed")
	err := mgr.Enqueue(context.Background(), "test", "", func(ctx context.Context) error {
		return want
	})
	if err != want {
		t.Fatalf("got error %v, want %v", err, want)
	}
}

func TestConcurrencyLimitOne(t *testing.T) {
	mgr := NewManager(1, 0)

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.Enqueue(context.Background(), "serial", "", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					old := atomic.LoadInt32(&maxActive)
					if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected max concurrency 1, observed %d", maxActive)
	}
}

func TestWatchdogForceCancels(t *testing.T) {
	mgr := NewManager(1, 20*time.Millisecond)

	err := mgr.Enqueue(context.Background(), "slow", "", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected watchdog cancellation error")
	}
}

func TestPanicRecoveredAsError(t *testing.T) {
	mgr := NewManager(1, 0)

	err := mgr.Enqueue(context.Background(), "panicky", "", func(ctx context.Context) error {
		panic("boom")
	})
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
}

func TestSeparateLanesRunConcurrently(t *testing.T) {
	mgr := NewManager(1, 0)

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan string, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = mgr.Enqueue(context.Background(), "lane-a", "", func(ctx context.Context) error {
			<-start
			results <- "a"
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		_ = mgr.Enqueue(context.Background(), "lane-b", "", func(ctx context.Context) error {
			<-start
			results <- "b"
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond) // let both lanes enqueue before releasing
	close(start)
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	for r := range results {
		seen[r] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both lanes to complete, got %v", seen)
	}
}
