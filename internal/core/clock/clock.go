// Package clock provides the scheduling primitives shared by
// PeriodicChecker, StateCheckpointer, and the CLI's hourly usage-ledger
// export (§4.B): one-shot delays, clock-aligned repeating ticks, and
// cron-spec recurring jobs. Production code depends on the Clock
// interface rather than calling time.After/time.Ticker directly so tests
// can substitute FakeClock and assert on scheduling decisions without
// sleeping.
//
// The clock-aligned tick loop (fire at :00, :05, :10 for a 5m interval)
// is grounded on internal/daemon/heartbeat.go's nextAlignedTime/run loop;
// cron-spec support is grounded on internal/agent/tools/cron.go's use of
// robfig/cron/v3 for recurring jobs (that file itself depended on the
// removed session-manager layer and was not kept).
package clock

import (
	"context"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/crewlyhq/crewly/internal/logging"
)

// Handle cancels a scheduled job. Cancel is idempotent.
type Handle interface {
	Cancel()
}

// Clock is the scheduling capability injected into components that need
// to run code later or on a recurring basis.
type Clock interface {
	Now() time.Time

	// After runs fn once after d elapses, unless cancelled first.
	After(d time.Duration, fn func(ctx context.Context)) Handle

	// Every runs fn repeatedly every d. If aligned is true, ticks land on
	// clock boundaries (e.g. every 5m fires at :00/:05/:10) rather than
	// d after the call to Every.
	Every(d time.Duration, aligned bool, fn func(ctx context.Context)) Handle

	// Cron runs fn on the given cron spec. RealClock builds its parser
	// with robfig/cron's WithSeconds, so specs are 6-field (seconds
	// first), matching the teacher's internal/agent/tools/cron.go usage.
	Cron(spec string, fn func(ctx context.Context)) (Handle, error)
}

// handle implements Handle via a cancel func, guarded so repeated Cancel
// calls are safe.
type handle struct {
	mu     sync.Mutex
	cancel func()
}

func (h *handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

func newHandle(cancel func()) *handle {
	return &handle{cancel: cancel}
}

// RealClock is the production Clock backed by time.Timer/time.Ticker and
// a robfig/cron/v3 scheduler for Cron jobs.
type RealClock struct {
	ctx  context.Context
	cron *cronlib.Cron
}

// New creates a RealClock bound to ctx; every scheduled job stops when ctx
// is cancelled. The embedded cron scheduler is started immediately.
func New(ctx context.Context) *RealClock {
	c := &RealClock{
		ctx:  ctx,
		cron: cronlib.New(cronlib.WithSeconds()),
	}
	c.cron.Start()
	go func() {
		<-ctx.Done()
		stopCtx := c.cron.Stop()
		<-stopCtx.Done()
	}()
	return c
}

func (c *RealClock) Now() time.Time { return time.Now() }

func (c *RealClock) After(d time.Duration, fn func(ctx context.Context)) Handle {
	ctx, cancel := context.WithCancel(c.ctx)
	timer := time.AfterFunc(d, func() {
		if ctx.Err() != nil {
			return
		}
		runProtected(ctx, fn)
	})
	return newHandle(func() {
		timer.Stop()
		cancel()
	})
}

func (c *RealClock) Every(d time.Duration, aligned bool, fn func(ctx context.Context)) Handle {
	ctx, cancel := context.WithCancel(c.ctx)
	go func() {
		if aligned {
			if !waitUntil(ctx, nextAlignedTime(time.Now(), d)) {
				return
			}
			runProtected(ctx, fn)
		}
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runProtected(ctx, fn)
			}
		}
	}()
	return newHandle(cancel)
}

func (c *RealClock) Cron(spec string, fn func(ctx context.Context)) (Handle, error) {
	entryCtx, cancel := context.WithCancel(c.ctx)
	id, err := c.cron.AddFunc(spec, func() {
		if entryCtx.Err() != nil {
			return
		}
		runProtected(entryCtx, fn)
	})
	if err != nil {
		cancel()
		return nil, err
	}
	return newHandle(func() {
		c.cron.Remove(id)
		cancel()
	}), nil
}

// runProtected isolates a scheduled callback: a panic inside fn must
// never take down the scheduling goroutine.
func runProtected(ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("[clock] panic in scheduled job: %v", r)
		}
	}()
	fn(ctx)
}

// waitUntil blocks until t or ctx cancellation, returning false on cancel.
func waitUntil(ctx context.Context, t time.Time) bool {
	timer := time.NewTimer(time.Until(t))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// nextAlignedTime returns the next clock-aligned time for the given
// interval: for a 5m interval at 00:03 it returns 00:05.
func nextAlignedTime(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}
