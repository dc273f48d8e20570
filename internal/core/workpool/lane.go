// Package workpool provides a bounded-concurrency, per-lane task queue with
// watchdog force-cancellation and panic recovery. Its one user in this
// codebase is ContinuationEngine, which gives each SessionRef its own lane
// with MaxConcurrent=1: that is what makes ACTING non-reentrant per session
// (§4.D, §5) while different sessions still advance fully in parallel.
// QualityGateRunner does not use it; it bounds parallel gates with its own
// semaphore.
package workpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crewlyhq/crewly/internal/logging"
)

// Task is one unit of work submitted to a lane.
type Task struct {
	ID          string
	Lane        string
	Description string
	Run         func(ctx context.Context) error
	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Err         error
}

// LaneState tracks the queue and in-flight entries for a single lane.
type LaneState struct {
	Lane          string
	Queue         []*entry
	active        []*entry
	MaxConcurrent int
	watchdog      time.Duration
	draining      bool
	mu            sync.Mutex
}

type entry struct {
	task    *Task
	resolve chan error
	ctx     context.Context
	cancel  context.CancelFunc
}

// Event is emitted on task lifecycle transitions for observability.
type Event struct {
	Type string // task_enqueued, task_started, task_completed, task_cancelled
	Lane string
	Task Task
}

// Manager multiplexes named lanes, each independently bounded.
type Manager struct {
	mu      sync.RWMutex
	lanes   map[string]*LaneState
	onEvent func(Event)

	// defaultConcurrency is applied to lanes created with no explicit call
	// to SetConcurrency; 0 means unlimited.
	defaultConcurrency int
	// defaultWatchdog force-cancels any task exceeding this duration as a
	// last-resort safety net if cooperative cancellation fails.
	defaultWatchdog time.Duration
}

// NewManager creates a lane manager. defaultConcurrency and
// defaultWatchdog apply to lanes with no explicit override.
func NewManager(defaultConcurrency int, defaultWatchdog time.Duration) *Manager {
	return &Manager{
		lanes:              make(map[string]*LaneState),
		defaultConcurrency: defaultConcurrency,
		defaultWatchdog:    defaultWatchdog,
	}
}

// OnEvent registers a callback invoked (from a new goroutine) on every lane
// lifecycle event.
func (m *Manager) OnEvent(fn func(Event)) {
	m.onEvent = fn
}

func (m *Manager) emit(e Event) {
	if fn := m.onEvent; fn != nil {
		go fn(e)
	}
}

func (m *Manager) laneState(lane string) *LaneState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.lanes[lane]; ok {
		return state
	}
	state := &LaneState{
		Lane:          lane,
		MaxConcurrent: m.defaultConcurrency,
		watchdog:      m.defaultWatchdog,
	}
	m.lanes[lane] = state
	return state
}

// SetConcurrency overrides a lane's concurrency bound. 0 means unlimited.
func (m *Manager) SetConcurrency(lane string, maxConcurrent int) {
	state := m.laneState(lane)
	state.mu.Lock()
	if maxConcurrent < 0 {
		maxConcurrent = 0
	}
	state.MaxConcurrent = maxConcurrent
	state.mu.Unlock()
	m.drain(lane)
}

// SetWatchdog overrides a lane's force-cancellation timeout.
func (m *Manager) SetWatchdog(lane string, d time.Duration) {
	state := m.laneState(lane)
	state.mu.Lock()
	state.watchdog = d
	state.mu.Unlock()
}

// Enqueue submits a task to a lane and blocks until it completes, is
// cancelled, or the caller's context is done.
func (m *Manager) Enqueue(ctx context.Context, lane string, description string, fn func(ctx context.Context) error) error {
	state := m.laneState(lane)

	taskCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		task: &Task{
			ID:          fmt.Sprintf("%s-%d", lane, time.Now().UnixNano()),
			Lane:        lane,
			Description: description,
			Run:         fn,
			EnqueuedAt:  time.Now(),
		},
		resolve: make(chan error, 1),
		ctx:     taskCtx,
		cancel:  cancel,
	}

	state.mu.Lock()
	state.Queue = append(state.Queue, e)
	queueSize := len(state.Queue) + len(state.active)
	state.mu.Unlock()

	logging.Debugf("[workpool] enqueued lane=%s queueSize=%d", lane, queueSize)
	m.emit(Event{Type: "task_enqueued", Lane: lane, Task: *e.task})
	m.drain(lane)

	select {
	case err := <-e.resolve:
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

func (m *Manager) drain(lane string) {
	state := m.laneState(lane)

	state.mu.Lock()
	if state.draining {
		state.mu.Unlock()
		return
	}
	state.draining = true
	state.mu.Unlock()

	m.pump(state)
}

func (m *Manager) pump(state *LaneState) {
	for {
		state.mu.Lock()
		atCapacity := state.MaxConcurrent > 0 && len(state.active) >= state.MaxConcurrent
		if atCapacity || len(state.Queue) == 0 {
			state.draining = false
			state.mu.Unlock()
			return
		}

		e := state.Queue[0]
		state.Queue = state.Queue[1:]
		state.active = append(state.active, e)
		watchdogDur := state.watchdog
		state.mu.Unlock()

		go m.run(state, e, watchdogDur)
	}
}

func (m *Manager) run(state *LaneState, e *entry, watchdogDur time.Duration) {
	e.task.StartedAt = time.Now()
	m.emit(Event{Type: "task_started", Lane: state.Lane, Task: *e.task})

	var watchdog *time.Timer
	if watchdogDur > 0 {
		watchdog = time.AfterFunc(watchdogDur, func() {
			logging.Warnf("[workpool] watchdog force-cancelling task in lane=%s after %v", state.Lane, watchdogDur)
			e.cancel()
		})
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("[workpool] panic in lane=%s task: %v", state.Lane, r)
				err = fmt.Errorf("panic in lane task: %v", r)
			}
		}()
		err = e.task.Run(e.ctx)
	}()
	if watchdog != nil {
		watchdog.Stop()
	}

	e.task.CompletedAt = time.Now()
	e.task.Err = err

	state.mu.Lock()
	for i, a := range state.active {
		if a == e {
			state.active = append(state.active[:i], state.active[i+1:]...)
			break
		}
	}
	state.mu.Unlock()

	m.emit(Event{Type: "task_completed", Lane: state.Lane, Task: *e.task})
	e.resolve <- err
	close(e.resolve)

	m.pump(state)
}

// QueueSize returns the number of queued+active tasks in a lane.
func (m *Manager) QueueSize(lane string) int {
	m.mu.RLock()
	state, ok := m.lanes[lane]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.Queue) + len(state.active)
}

// CancelActive cancels every in-flight task in a lane and returns the count.
func (m *Manager) CancelActive(lane string) int {
	m.mu.RLock()
	state, ok := m.lanes[lane]
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	cancelled := len(state.active)
	for _, e := range state.active {
		m.emit(Event{Type: "task_cancelled", Lane: state.Lane, Task: *e.task})
		e.cancel()
	}
	return cancelled
}
