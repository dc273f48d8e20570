// Package periodic implements PeriodicChecker (§4.H): a per-session set
// of recurring schedules — an initial check, a progress check, a commit
// reminder, and a continuation-trigger schedule that routes through
// ContinuationEngine instead of messaging the session directly.
//
// Grounded on the teacher's internal/daemon.Heartbeat: the clock-aligned
// tick loop, the Wake(reason) non-blocking trigger, dedup-by-hash of
// repeated prompts, and quiet-hours suppression are all generalized here
// from one process-wide heartbeat timer to independent per-session,
// per-purpose schedules (§4.B adaptive clamping applied to each).
package periodic

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/crewlyhq/crewly/internal/core/clock"
	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/core/ports"
	"github.com/crewlyhq/crewly/internal/logging"
)

const (
	DefaultInitialDelay       = 5 * time.Minute
	DefaultProgressInterval   = 30 * time.Minute
	DefaultCommitInterval     = 25 * time.Minute
	DefaultContinuationPeriod = 10 * time.Minute
)

// AdaptiveConfig clamps a schedule's interval based on recent activity
// (§4.B): highly-active sessions tick more often, idle sessions less.
type AdaptiveConfig struct {
	Enabled     bool
	MinInterval time.Duration
	MaxInterval time.Duration
	Factor      float64 // multiplier/divisor applied per tick; default 1.5
}

func (a AdaptiveConfig) next(current time.Duration, highlyActive, idle bool) time.Duration {
	factor := a.Factor
	if factor <= 1 {
		factor = 1.5
	}
	next := current
	switch {
	case highlyActive:
		next = time.Duration(float64(current) / factor)
	case idle:
		next = time.Duration(float64(current) * factor)
	}
	if a.MinInterval > 0 && next < a.MinInterval {
		next = a.MinInterval
	}
	if a.MaxInterval > 0 && next > a.MaxInterval {
		next = a.MaxInterval
	}
	if next <= 0 {
		next = current
	}
	return next
}

// SessionConfig is one session's schedule configuration.
type SessionConfig struct {
	InitialDelay       time.Duration
	ProgressInterval   time.Duration
	CommitInterval     time.Duration
	ContinuationPeriod time.Duration
	Adaptive           AdaptiveConfig
	QuietHours         func(time.Time) bool
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.CommitInterval == 0 {
		c.CommitInterval = DefaultCommitInterval
	}
	if c.ContinuationPeriod == 0 {
		c.ContinuationPeriod = DefaultContinuationPeriod
	}
	return c
}

// ScheduledCheckFunc routes a continuation-trigger tick through
// ContinuationEngine.Handle rather than writing to the session directly.
type ScheduledCheckFunc func(ctx context.Context, ref model.SessionRef) error

type sessionState struct {
	mu           sync.Mutex
	cfg          SessionConfig
	progressIv   time.Duration
	commitIv     time.Duration
	continueIv   time.Duration
	lastHash     map[string]uint64
	handles      []clock.Handle
	stopped      bool
}

// Checker is PeriodicChecker: one instance serves every session in a
// process.
type Checker struct {
	clk      clock.Clock
	port     ports.SessionPort
	onCheck  ScheduledCheckFunc

	mu       sync.Mutex
	sessions map[model.SessionRef]*sessionState
}

// NewChecker creates a Checker. onCheck is invoked by the
// continuation-trigger schedule; it is typically (*continuation.Engine).Handle
// bound with Trigger=scheduled_check.
func NewChecker(clk clock.Clock, port ports.SessionPort, onCheck ScheduledCheckFunc) *Checker {
	return &Checker{
		clk:      clk,
		port:     port,
		onCheck:  onCheck,
		sessions: make(map[model.SessionRef]*sessionState),
	}
}

// StartSession schedules all four per-session checks for ref. Calling it
// again for an already-scheduled session first stops the prior schedule.
func (c *Checker) StartSession(ctx context.Context, ref model.SessionRef, cfg SessionConfig) {
	c.StopSession(ref)
	cfg = cfg.withDefaults()

	st := &sessionState{
		cfg:        cfg,
		progressIv: cfg.ProgressInterval,
		commitIv:   cfg.CommitInterval,
		continueIv: cfg.ContinuationPeriod,
		lastHash:   make(map[string]uint64),
	}

	c.mu.Lock()
	c.sessions[ref] = st
	c.mu.Unlock()

	st.handles = append(st.handles, c.clk.After(cfg.InitialDelay, func(tickCtx context.Context) {
		c.tickMessage(tickCtx, ref, st, "initial_check", InitialCheckMessage)
	}))

	c.scheduleRecurring(ref, st, "progress_check", func() time.Duration { return st.progressIv },
		func(d time.Duration) { st.progressIv = d },
		ProgressCheckMessage)

	c.scheduleRecurring(ref, st, "commit_reminder", func() time.Duration { return st.commitIv },
		func(d time.Duration) { st.commitIv = d },
		CommitReminderMessage)

	c.scheduleContinuationTrigger(ref, st)
}

// StopSession cancels every scheduled check for ref. Idempotent.
func (c *Checker) StopSession(ref model.SessionRef) {
	c.mu.Lock()
	st, ok := c.sessions[ref]
	if ok {
		delete(c.sessions, ref)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.stopped = true
	handles := st.handles
	st.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

// scheduleRecurring self-reschedules after each tick so the interval can
// adapt between ticks; clock.Every's fixed period can't do that.
func (c *Checker) scheduleRecurring(ref model.SessionRef, st *sessionState, kind string, getIv func() time.Duration, setIv func(time.Duration), message string) {
	var scheduleNext func()
	scheduleNext = func() {
		st.mu.Lock()
		if st.stopped {
			st.mu.Unlock()
			return
		}
		iv := getIv()
		st.mu.Unlock()

		h := c.clk.After(iv, func(tickCtx context.Context) {
			highlyActive, idle := c.activity(tickCtx, ref)
			if st.cfg.Adaptive.Enabled {
				setIv(st.cfg.Adaptive.next(iv, highlyActive, idle))
			}
			c.tickMessage(tickCtx, ref, st, kind, message)
			scheduleNext()
		})
		st.mu.Lock()
		st.handles = append(st.handles, h)
		st.mu.Unlock()
	}
	scheduleNext()
}

func (c *Checker) scheduleContinuationTrigger(ref model.SessionRef, st *sessionState) {
	var scheduleNext func()
	scheduleNext = func() {
		st.mu.Lock()
		if st.stopped {
			st.mu.Unlock()
			return
		}
		iv := st.continueIv
		st.mu.Unlock()

		h := c.clk.After(iv, func(tickCtx context.Context) {
			highlyActive, idle := c.activity(tickCtx, ref)
			st.mu.Lock()
			if st.cfg.Adaptive.Enabled {
				st.continueIv = st.cfg.Adaptive.next(iv, highlyActive, idle)
			}
			quiet := st.cfg.QuietHours != nil && st.cfg.QuietHours(c.clk.Now())
			st.mu.Unlock()

			if !quiet && c.onCheck != nil {
				if err := c.onCheck(tickCtx, ref); err != nil {
					logging.Errorf("[periodic] scheduled_check failed for session=%s: %v", ref, err)
				}
			}
			scheduleNext()
		})
		st.mu.Lock()
		st.handles = append(st.handles, h)
		st.mu.Unlock()
	}
	scheduleNext()
}

// activity queries the port for the session's current activity level.
// highlyActive is approximated as "not idle and alive"; a richer signal
// would need output-rate tracking, which the port does not expose.
func (c *Checker) activity(ctx context.Context, ref model.SessionRef) (highlyActive, idle bool) {
	alive, err := c.port.IsAlive(ctx, ref)
	if err != nil || !alive {
		return false, true
	}
	isIdle, err := c.port.IsAssistantIdle(ctx, ref)
	if err != nil {
		return false, false
	}
	return !isIdle, isIdle
}

// tickMessage writes a direct message to the session, applying
// quiet-hours suppression and dedup-by-hash: if the session's captured
// output hasn't changed since this schedule's last tick, nothing
// happened worth a reminder about, so the tick is skipped.
func (c *Checker) tickMessage(ctx context.Context, ref model.SessionRef, st *sessionState, kind, message string) {
	st.mu.Lock()
	quiet := st.cfg.QuietHours != nil && st.cfg.QuietHours(c.clk.Now())
	st.mu.Unlock()
	if quiet {
		return
	}

	output, err := c.port.CaptureOutput(ctx, ref)
	dup := false
	if err == nil {
		st.mu.Lock()
		h := hashMessage(kind + ":" + output)
		dup = st.lastHash[kind] == h
		st.lastHash[kind] = h
		st.mu.Unlock()
	}
	if dup {
		return
	}
	if err := c.port.WriteInput(ctx, ref, message+"\n"); err != nil {
		logging.Errorf("[periodic] %s failed for session=%s: %v", kind, ref, err)
	}
}

func hashMessage(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

const (
	InitialCheckMessage   = "This is an automated check-in shortly after session start. If you're waiting on anything, say so; otherwise continue."
	ProgressCheckMessage  = "Automated progress check: please summarize what's been done so far and what's left."
	CommitReminderMessage = "Automated reminder: if you have uncommitted work that represents a stable checkpoint, consider committing it now."
)
