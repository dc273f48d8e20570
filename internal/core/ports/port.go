// Package ports defines SessionPort (§4.A), the narrow boundary between
// the orchestration core and whatever actually hosts a PTY-backed agent
// process. The core never imports a concrete session manager; it depends
// on this interface so the continuation/periodic/checkpoint components
// can be tested against FakePort instead of a real terminal.
//
// Grounded on internal/agenthub's AgentConnection/Hub pattern (a narrow
// capability object per live connection, keyed by an opaque ID) with the
// websocket transport stripped out — SessionPort has no concept of wire
// framing, only input/output/liveness.
package ports

import (
	"context"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// SessionPort is the capability the orchestration core holds for one live
// session. Implementations own the actual PTY/process; the core only
// ever writes input, captures output, and polls liveness/idle state.
type SessionPort interface {
	// WriteInput sends text to the session's controlling process as if
	// typed, e.g. a continuation prompt.
	WriteInput(ctx context.Context, ref model.SessionRef, text string) error

	// CaptureOutput returns everything written to the terminal since the
	// last capture for this ref. Implementations decide their own
	// buffering/cursor semantics; the core treats the result as opaque
	// text to hand to the analyzer.
	CaptureOutput(ctx context.Context, ref model.SessionRef) (string, error)

	// IsAlive reports whether the underlying process is still running.
	IsAlive(ctx context.Context, ref model.SessionRef) (bool, error)

	// IsAssistantIdle reports whether the hosted agent looks idle (no
	// active generation/tool call) — used by PeriodicChecker and the
	// idle-timeout continuation trigger.
	IsAssistantIdle(ctx context.Context, ref model.SessionRef) (bool, error)
}
