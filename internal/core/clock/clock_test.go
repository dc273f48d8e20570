package clock

import (
	"context"
	"testing"
	"time"
)

func TestFakeClockAfterFiresOnAdvance(t *testing.T) {
	fc := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	fired := false
	fc.After(5*time.Minute, func(ctx context.Context) { fired = true })

	fc.Advance(4 * time.Minute)
	if fired {
		t.Fatal("fired before delay elapsed")
	}

	fc.Advance(2 * time.Minute)
	if !fired {
		t.Fatal("expected job to fire once delay elapsed")
	}
}

func TestFakeClockAfterFiresOnlyOnce(t *testing.T) {
	fc := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	count := 0
	fc.After(1*time.Minute, func(ctx context.Context) { count++ })

	fc.Advance(10 * time.Minute)
	if count != 1 {
		t.Fatalf("expected one-shot to fire exactly once, got %d", count)
	}
}

func TestFakeClockEveryRepeats(t *testing.T) {
	fc := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	count := 0
	fc.Every(1*time.Minute, false, func(ctx context.Context) { count++ })

	fc.Advance(3*time.Minute + 30*time.Second)
	if count != 3 {
		t.Fatalf("expected 3 ticks, got %d", count)
	}
}

func TestFakeClockCancelStopsFiring(t *testing.T) {
	fc := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	count := 0
	h := fc.Every(1*time.Minute, false, func(ctx context.Context) { count++ })

	fc.Advance(2 * time.Minute)
	h.Cancel()
	fc.Advance(5 * time.Minute)

	if count != 2 {
		t.Fatalf("expected firing to stop after cancel, got %d", count)
	}
}

func TestFakeClockAlignedStartsOnBoundary(t *testing.T) {
	fc := NewFake(time.Date(2026, 1, 1, 0, 3, 0, 0, time.UTC))

	var firedAt time.Time
	fc.Every(5*time.Minute, true, func(ctx context.Context) { firedAt = fc.Now() })

	fc.Advance(2 * time.Minute) // now at :05
	if firedAt.IsZero() {
		t.Fatal("expected aligned tick to fire at the 5-minute boundary")
	}
	if firedAt.Minute() != 5 {
		t.Fatalf("expected first tick aligned to :05, fired at :%02d", firedAt.Minute())
	}
}

func TestFakeClockPendingJobs(t *testing.T) {
	fc := NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	h1 := fc.After(time.Minute, func(ctx context.Context) {})
	fc.After(time.Minute, func(ctx context.Context) {})

	if got := fc.PendingJobs(); got != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", got)
	}
	h1.Cancel()
	if got := fc.PendingJobs(); got != 1 {
		t.Fatalf("expected 1 pending job after cancel, got %d", got)
	}
}

func TestRealClockAfterFires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rc := New(ctx)

	done := make(chan struct{})
	rc.After(10*time.Millisecond, func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for After job to fire")
	}
}

func TestRealClockCancelPreventsFire(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rc := New(ctx)

	fired := make(chan struct{}, 1)
	h := rc.After(30*time.Millisecond, func(ctx context.Context) { fired <- struct{}{} })
	h.Cancel()

	select {
	case <-fired:
		t.Fatal("job fired despite cancellation")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestRealClockPanicIsContained(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rc := New(ctx)

	done := make(chan struct{})
	rc.After(5*time.Millisecond, func(ctx context.Context) {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("panicking job never ran to completion")
	}
}
