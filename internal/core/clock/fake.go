package clock

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a test double for Clock: time only moves forward when
// Advance is called, and jobs fire synchronously at that point so tests
// don't race a background goroutine.
type FakeClock struct {
	mu   sync.Mutex
	now  time.Time
	jobs map[int]*fakeJob
	next int
}

type fakeJob struct {
	fireAt   time.Time
	interval time.Duration // 0 for one-shot
	fn       func(ctx context.Context)
	cancelled bool
}

// NewFake creates a FakeClock starting at t.
func NewFake(t time.Time) *FakeClock {
	return &FakeClock{now: t, jobs: make(map[int]*fakeJob)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration, fn func(ctx context.Context)) Handle {
	return c.schedule(d, 0, fn)
}

func (c *FakeClock) Every(d time.Duration, aligned bool, fn func(ctx context.Context)) Handle {
	first := d
	if aligned {
		first = nextAlignedTime(c.Now(), d).Sub(c.Now())
	}
	return c.schedule(first, d, fn)
}

// Cron is not interpreted by FakeClock; tests needing cron semantics
// should drive the job function directly rather than through the fake.
func (c *FakeClock) Cron(spec string, fn func(ctx context.Context)) (Handle, error) {
	return newHandle(func() {}), nil
}

func (c *FakeClock) schedule(delay, interval time.Duration, fn func(ctx context.Context)) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.next
	c.next++
	job := &fakeJob{fireAt: c.now.Add(delay), interval: interval, fn: fn}
	c.jobs[id] = job

	return newHandle(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if j, ok := c.jobs[id]; ok {
			j.cancelled = true
			delete(c.jobs, id)
		}
	})
}

// Advance moves fake time forward by d, firing every job whose fireAt
// falls at or before the new time, in fireAt order. Repeating jobs are
// rescheduled for fireAt+interval after firing, so a repeating job fires
// once for every interval that falls within the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.now = target
	c.mu.Unlock()

	for {
		c.mu.Lock()
		dueID, dueJob := 0, (*fakeJob)(nil)
		for id, job := range c.jobs {
			if !job.cancelled && !job.fireAt.After(target) && (dueJob == nil || job.fireAt.Before(dueJob.fireAt)) {
				dueID, dueJob = id, job
			}
		}
		c.mu.Unlock()
		if dueJob == nil {
			return
		}

		runProtected(context.Background(), dueJob.fn)

		c.mu.Lock()
		if j, ok := c.jobs[dueID]; ok && !j.cancelled {
			if j.interval > 0 {
				j.fireAt = j.fireAt.Add(j.interval)
			} else {
				delete(c.jobs, dueID)
			}
		}
		c.mu.Unlock()
	}
}

// PendingJobs returns the number of scheduled (not yet fired/cancelled)
// one-shot jobs and active repeating jobs.
func (c *FakeClock) PendingJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}
