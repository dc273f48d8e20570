// Package lifecycle provides event hooks for orchestrator startup and shutdown.
package lifecycle

import (
	"sync"

	"github.com/crewlyhq/crewly/internal/logging"
)

// Event identifies a lifecycle moment in the orchestrator process.
type Event string

const (
	EventDaemonStarted           Event = "daemon_started"
	EventReconcileComplete       Event = "reconcile_complete"
	EventSessionEscalated        Event = "session_escalated"
	EventSelfImprovementTripped  Event = "self_improvement_tripped"
	EventShutdownStarted         Event = "shutdown_started"
	EventShutdownComplete        Event = "shutdown_complete"
)

// Handler handles a lifecycle event. data is event-specific (may be nil).
type Handler func(event Event, data any)

// Manager manages lifecycle event subscriptions and dispatching.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// global is the process-wide lifecycle manager. Per spec §9, process-global
// state is limited to the self-improvement marker and the usage ledger;
// this hook registry is not state, only a wiring point, and every other
// capability (SessionPort, TaskRepo, Clock, ...) is passed explicitly.
var global = &Manager{
	handlers: make(map[Event][]Handler),
}

// On registers a handler for a lifecycle event.
func On(event Event, handler Handler) {
	global.On(event, handler)
}

// Emit dispatches an event to all registered handlers, synchronously, in
// registration order.
func Emit(event Event, data any) {
	global.Emit(event, data)
}

func (m *Manager) On(event Event, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

func (m *Manager) Emit(event Event, data any) {
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	logging.Infof("[lifecycle] emitting event: %s", event)
	for _, h := range handlers {
		h(event, data)
	}
}

// OnShutdown registers a handler invoked when a shutdown signal is received,
// before timers are cancelled and state is checkpointed.
func OnShutdown(handler func()) {
	On(EventShutdownStarted, func(e Event, data any) {
		handler()
	})
}

// OnSessionEscalated registers a handler invoked whenever a session reaches
// the terminal ESCALATED state (§4.D state machine).
func OnSessionEscalated(handler func(sessionRef string)) {
	On(EventSessionEscalated, func(e Event, data any) {
		if ref, ok := data.(string); ok {
			handler(ref)
		}
	})
}
