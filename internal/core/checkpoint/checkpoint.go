// Package checkpoint implements StateCheckpointer (§4.I): a periodic,
// atomically-written JSON snapshot of the orchestrator's in-memory state,
// and the resume-instruction logic a restarted process consults to pick
// up where the last one left off.
//
// Grounded on the teacher's internal/db.NewSQLite: the directory-creation
// and durability idiom there (os.MkdirAll before opening the store, then
// never let a half-written file become visible) is generalized from a
// WAL-mode SQLite file to a plain JSON snapshot written via temp-file and
// rename, since §3 describes OrchestratorState as a single document
// rather than a relational store.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/crewlyhq/crewly/internal/core/clock"
	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/logging"
)

const (
	// CurrentVersion is written into every snapshot; LoadState compares
	// against it to detect a format that needs migration.
	CurrentVersion = 1

	// DefaultMaxPersistedMessages caps how many messages of each
	// conversation are retained in a snapshot.
	DefaultMaxPersistedMessages = 50

	// DefaultCheckpointInterval is how often the periodic timer saves.
	DefaultCheckpointInterval = 60 * time.Second

	// MaxRestartCount mirrors the self-improvement reconciler's forced-rollback
	// threshold (selfimprove.MaxRestartCount); nothing in this package reads it.
	MaxRestartCount = 3
)

// StateProvider supplies the live in-memory state to be snapshotted.
// The checkpointer owns persistence only; it never mutates orchestrator
// state itself.
type StateProvider func(ctx context.Context) model.OrchestratorState

// Checkpointer is StateCheckpointer: it owns one JSON snapshot file on
// disk, written atomically, and the periodic timer that refreshes it.
type Checkpointer struct {
	path     string
	provide  StateProvider
	clk      clock.Clock
	interval time.Duration
	maxMsgs  int

	mu           sync.Mutex
	timerHandle  clock.Handle
	restartCount int
	lastSnapshot *model.OrchestratorState
}

// Option configures a Checkpointer.
type Option func(*Checkpointer)

// WithInterval overrides the default 60s periodic save interval.
func WithInterval(d time.Duration) Option {
	return func(c *Checkpointer) { c.interval = d }
}

// WithMaxPersistedMessages overrides the default 50-message conversation cap.
func WithMaxPersistedMessages(n int) Option {
	return func(c *Checkpointer) { c.maxMsgs = n }
}

// NewCheckpointer creates a Checkpointer that persists to path.
func NewCheckpointer(path string, provide StateProvider, clk clock.Clock, opts ...Option) *Checkpointer {
	c := &Checkpointer{
		path:     path,
		provide:  provide,
		clk:      clk,
		interval: DefaultCheckpointInterval,
		maxMsgs:  DefaultMaxPersistedMessages,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start begins the periodic save timer. Calling it twice without an
// intervening PrepareForShutdown replaces the prior timer.
func (c *Checkpointer) Start(ctx context.Context) {
	c.mu.Lock()
	if c.timerHandle != nil {
		c.timerHandle.Cancel()
	}
	c.timerHandle = c.clk.Every(c.interval, false, func(tickCtx context.Context) {
		if err := c.SaveState(tickCtx, model.ReasonScheduled); err != nil {
			logging.Errorf("[checkpoint] scheduled save failed: %v", err)
		}
	})
	c.mu.Unlock()
}

// LastSnapshot returns the most recent state this Checkpointer has
// either saved or loaded, without touching disk. ok is false if neither
// has happened yet.
func (c *Checkpointer) LastSnapshot() (state model.OrchestratorState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSnapshot == nil {
		return model.OrchestratorState{}, false
	}
	return *c.lastSnapshot, true
}

// PrepareForShutdown saves a final snapshot with reason=before_restart
// and cancels the periodic timer.
func (c *Checkpointer) PrepareForShutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.timerHandle != nil {
		c.timerHandle.Cancel()
		c.timerHandle = nil
	}
	c.mu.Unlock()
	return c.SaveState(ctx, model.ReasonBeforeRestart)
}

// SaveState writes a JSON snapshot of the current state to disk
// atomically: it is written to a temp file in the same directory, then
// renamed over the destination so a reader never observes a partial
// write, mirroring the teacher's MkdirAll-before-open durability idiom.
func (c *Checkpointer) SaveState(ctx context.Context, reason model.CheckpointReason) error {
	state := c.provide(ctx)
	state.Version = CurrentVersion
	state.CheckpointedAt = c.clk.Now()
	state.CheckpointReason = reason

	c.mu.Lock()
	state.Metadata.RestartCount = c.restartCount
	c.mu.Unlock()

	state.Conversations = trimConversations(state.Conversations, c.maxMsgs)

	dir := filepath.Dir(c.path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create checkpoint directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}

	c.mu.Lock()
	cp := state
	c.lastSnapshot = &cp
	c.mu.Unlock()

	logging.Infof("[checkpoint] saved state reason=%s path=%s", reason, c.path)
	return nil
}

// trimConversations keeps only the last maxMsgs messages of each
// conversation, matching the shape the spec calls for without mutating
// the caller's slice.
func trimConversations(in []model.Conversation, maxMsgs int) []model.Conversation {
	if maxMsgs <= 0 {
		return in
	}
	out := make([]model.Conversation, len(in))
	for i, conv := range in {
		out[i] = conv
		if len(conv.Messages) > maxMsgs {
			out[i].Messages = append([]model.ConversationMessage(nil), conv.Messages[len(conv.Messages)-maxMsgs:]...)
		}
	}
	return out
}

// LoadState reads the last snapshot from disk, or returns nil if none
// exists yet. A version mismatch is not fatal: the snapshot is still
// decoded and returned best-effort, with a logged warning, since any
// single-document migration is simpler handled by the caller inspecting
// State.Version than by the checkpointer guessing at schema deltas.
func (c *Checkpointer) LoadState(ctx context.Context) (*model.OrchestratorState, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var state model.OrchestratorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint file: %w", err)
	}
	if state.Version != CurrentVersion {
		logging.Warnf("[checkpoint] loaded state version=%d, expected %d; loading best-effort", state.Version, CurrentVersion)
	}

	c.mu.Lock()
	c.restartCount = state.Metadata.RestartCount + 1
	cp := state
	c.lastSnapshot = &cp
	c.mu.Unlock()

	return &state, nil
}

// GenerateResumeInstructions turns a loaded snapshot into the concrete
// set of things a freshly-started orchestrator should do next.
func (c *Checkpointer) GenerateResumeInstructions(ctx context.Context, previous *model.OrchestratorState) model.ResumeInstructions {
	if previous == nil {
		return model.ResumeInstructions{}
	}

	var instructions model.ResumeInstructions

	hasCheckpoint := previous.SelfImprovement != nil
	for _, t := range previous.Tasks {
		if t.Status != model.TaskInProgress && t.Status != model.TaskPaused {
			continue
		}
		instructions.TasksToResume = append(instructions.TasksToResume, model.TaskToResume{
			Task:                 t,
			ResumeFromCheckpoint: hasCheckpoint,
		})
	}
	sort.Slice(instructions.TasksToResume, func(i, j int) bool {
		return instructions.TasksToResume[i].Task.ID < instructions.TasksToResume[j].Task.ID
	})

	cutoff := c.clk.Now().Add(-time.Hour)
	for _, conv := range previous.Conversations {
		if conv.UpdatedAt.After(cutoff) {
			instructions.ConversationsToResume = append(instructions.ConversationsToResume, conv)
		}
	}

	restartNum := previous.Metadata.RestartCount + 1
	instructions.Notifications = append(instructions.Notifications, fmt.Sprintf(
		"Orchestrator restarted (restart #%d); resuming %d in-progress/paused task(s) and %d recently-active conversation(s).",
		restartNum, len(instructions.TasksToResume), len(instructions.ConversationsToResume)))

	if previous.SelfImprovement != nil {
		marker := previous.SelfImprovement
		instructions.Notifications = append(instructions.Notifications, fmt.Sprintf(
			"WARNING: a self-improvement task was mid-flight at shutdown (phase=%s, id=%s); verify its changes before continuing.",
			marker.Phase, marker.ID))
	}

	return instructions
}
