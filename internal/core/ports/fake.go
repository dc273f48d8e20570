package ports

import (
	"context"
	"fmt"
	"sync"

	"github.com/crewlyhq/crewly/internal/core/errs"
	"github.com/crewlyhq/crewly/internal/core/model"
)

// FakePort is an in-memory SessionPort for tests: it records written
// input, returns caller-seeded output, and tracks liveness/idle flags per
// session without touching a real process.
type FakePort struct {
	mu       sync.Mutex
	sessions map[model.SessionRef]*fakeSession
}

type fakeSession struct {
	output   string
	alive    bool
	idle     bool
	inputLog []string
}

// NewFakePort creates an empty FakePort.
func NewFakePort() *FakePort {
	return &FakePort{sessions: make(map[model.SessionRef]*fakeSession)}
}

// Seed registers a session with an initial output/alive/idle state.
func (f *FakePort) Seed(ref model.SessionRef, output string, alive, idle bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[ref] = &fakeSession{output: output, alive: alive, idle: idle}
}

// SetOutput overwrites the captured output for a seeded session.
func (f *FakePort) SetOutput(ref model.SessionRef, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[ref]; ok {
		s.output = output
	}
}

// SetAlive overwrites the liveness flag for a seeded session.
func (f *FakePort) SetAlive(ref model.SessionRef, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[ref]; ok {
		s.alive = alive
	}
}

// InputLog returns every string written via WriteInput, in order.
func (f *FakePort) InputLog(ref model.SessionRef) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[ref]; ok {
		return append([]string(nil), s.inputLog...)
	}
	return nil
}

func (f *FakePort) WriteInput(ctx context.Context, ref model.SessionRef, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[ref]
	if !ok {
		return fmt.Errorf("%w: %s", errs.ErrSessionNotFound, ref)
	}
	if !s.alive {
		return fmt.Errorf("%w: %s", errs.ErrWriteRejected, ref)
	}
	s.inputLog = append(s.inputLog, text)
	return nil
}

func (f *FakePort) CaptureOutput(ctx context.Context, ref model.SessionRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", errs.ErrSessionNotFound, ref)
	}
	return s.output, nil
}

func (f *FakePort) IsAlive(ctx context.Context, ref model.SessionRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[ref]
	if !ok {
		return false, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, ref)
	}
	return s.alive, nil
}

func (f *FakePort) IsAssistantIdle(ctx context.Context, ref model.SessionRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[ref]
	if !ok {
		return false, fmt.Errorf("%w: %s", errs.ErrSessionNotFound, ref)
	}
	return s.idle, nil
}

var _ SessionPort = (*FakePort)(nil)
