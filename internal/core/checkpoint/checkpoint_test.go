package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crewlyhq/crewly/internal/core/clock"
	"github.com/crewlyhq/crewly/internal/core/model"
)

func tempCheckpointPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.json")
}

func staticState(state model.OrchestratorState) StateProvider {
	return func(ctx context.Context) model.OrchestratorState { return state }
}

func TestSaveStateWritesAtomicallyAndIsLoadable(t *testing.T) {
	path := tempCheckpointPath(t)
	clk := clock.NewFake(time.Now())

	state := model.OrchestratorState{
		ID:       "orc-1",
		Tasks:    []model.Task{{ID: "t1", Status: model.TaskInProgress}},
		Projects: []string{"proj-a"},
	}
	cp := NewCheckpointer(path, staticState(state), clk)

	if err := cp.SaveState(context.Background(), model.ReasonUserRequest); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected checkpoint file to exist: %v", err)
	}

	// no leftover temp files
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			t.Fatalf("expected only the final checkpoint file, found stray entry %q", e.Name())
		}
	}

	loaded, err := cp.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if loaded == nil || loaded.ID != "orc-1" {
		t.Fatalf("expected loaded state to round-trip, got %+v", loaded)
	}
	if loaded.CheckpointReason != model.ReasonUserRequest {
		t.Fatalf("expected reason user_request, got %q", loaded.CheckpointReason)
	}
}

func TestLoadStateReturnsNilWhenNoSnapshotExists(t *testing.T) {
	path := tempCheckpointPath(t)
	clk := clock.NewFake(time.Now())
	cp := NewCheckpointer(path, staticState(model.OrchestratorState{}), clk)

	state, err := cp.LoadState(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state, got %+v", state)
	}
}

func TestSaveStateTrimsConversationsToMaxPersistedMessages(t *testing.T) {
	path := tempCheckpointPath(t)
	clk := clock.NewFake(time.Now())

	var msgs []model.ConversationMessage
	for i := 0; i < 80; i++ {
		msgs = append(msgs, model.ConversationMessage{Role: "assistant", Content: "msg"})
	}
	state := model.OrchestratorState{
		Conversations: []model.Conversation{{SessionRef: "s1", Messages: msgs}},
	}
	cp := NewCheckpointer(path, staticState(state), clk, WithMaxPersistedMessages(50))

	if err := cp.SaveState(context.Background(), model.ReasonScheduled); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	loaded, err := cp.LoadState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Conversations[0].Messages) != 50 {
		t.Fatalf("expected trimmed to 50 messages, got %d", len(loaded.Conversations[0].Messages))
	}
}

func TestLoadStateLogsButSucceedsOnVersionMismatch(t *testing.T) {
	path := tempCheckpointPath(t)
	clk := clock.NewFake(time.Now())
	cp := NewCheckpointer(path, staticState(model.OrchestratorState{}), clk)

	if err := cp.SaveState(context.Background(), model.ReasonScheduled); err != nil {
		t.Fatal(err)
	}

	// Simulate an older snapshot format by rewriting the version field.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	patched := []byte(`{"Version": 0}`)
	_ = data
	if err := os.WriteFile(path, patched, 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := cp.LoadState(context.Background())
	if err != nil {
		t.Fatalf("expected best-effort load to succeed, got error: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a non-nil state despite version mismatch")
	}
}

func TestPrepareForShutdownSavesAndCancelsTimer(t *testing.T) {
	path := tempCheckpointPath(t)
	clk := clock.NewFake(time.Now())
	cp := NewCheckpointer(path, staticState(model.OrchestratorState{ID: "orc-1"}), clk, WithInterval(time.Minute))

	cp.Start(context.Background())
	if err := cp.PrepareForShutdown(context.Background()); err != nil {
		t.Fatalf("PrepareForShutdown failed: %v", err)
	}

	loaded, err := cp.LoadState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if loaded.CheckpointReason != model.ReasonBeforeRestart {
		t.Fatalf("expected before_restart reason, got %q", loaded.CheckpointReason)
	}

	if clk.PendingJobs() != 0 {
		t.Fatalf("expected periodic timer cancelled, got %d pending jobs", clk.PendingJobs())
	}
}

func TestStartRunsPeriodicSave(t *testing.T) {
	path := tempCheckpointPath(t)
	clk := clock.NewFake(time.Now())
	cp := NewCheckpointer(path, staticState(model.OrchestratorState{ID: "orc-1"}), clk, WithInterval(time.Minute))

	cp.Start(context.Background())
	clk.Advance(time.Minute)

	loaded, err := cp.LoadState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("expected periodic save to have written a snapshot")
	}
	if loaded.CheckpointReason != model.ReasonScheduled {
		t.Fatalf("expected scheduled reason, got %q", loaded.CheckpointReason)
	}
}

func TestGenerateResumeInstructionsFiltersTasksAndConversations(t *testing.T) {
	path := tempCheckpointPath(t)
	now := time.Now()
	clk := clock.NewFake(now)
	cp := NewCheckpointer(path, staticState(model.OrchestratorState{}), clk)

	previous := &model.OrchestratorState{
		Tasks: []model.Task{
			{ID: "t1", Status: model.TaskInProgress},
			{ID: "t2", Status: model.TaskPaused},
			{ID: "t3", Status: model.TaskCompleted},
		},
		Conversations: []model.Conversation{
			{SessionRef: "recent", UpdatedAt: now.Add(-10 * time.Minute)},
			{SessionRef: "stale", UpdatedAt: now.Add(-2 * time.Hour)},
		},
		Metadata: model.StateMetadata{RestartCount: 1},
	}

	instructions := cp.GenerateResumeInstructions(context.Background(), previous)

	if len(instructions.TasksToResume) != 2 {
		t.Fatalf("expected 2 resumable tasks, got %d", len(instructions.TasksToResume))
	}
	if len(instructions.ConversationsToResume) != 1 || instructions.ConversationsToResume[0].SessionRef != "recent" {
		t.Fatalf("expected only the recently-active conversation, got %+v", instructions.ConversationsToResume)
	}
	if len(instructions.Notifications) == 0 {
		t.Fatal("expected at least one notification summarizing the restart")
	}
}

func TestGenerateResumeInstructionsFlagsMidFlightSelfImprovement(t *testing.T) {
	path := tempCheckpointPath(t)
	clk := clock.NewFake(time.Now())
	cp := NewCheckpointer(path, staticState(model.OrchestratorState{}), clk)

	previous := &model.OrchestratorState{
		SelfImprovement: &model.ImprovementMarker{ID: "imp-1", Phase: model.PhaseValidating},
	}

	instructions := cp.GenerateResumeInstructions(context.Background(), previous)

	found := false
	for _, n := range instructions.Notifications {
		if strings.Contains(n, "imp-1") && strings.Contains(n, "validating") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a notification warning about the mid-flight self-improvement marker, got %v", instructions.Notifications)
	}
}

func TestGenerateResumeInstructionsNilPreviousIsEmpty(t *testing.T) {
	path := tempCheckpointPath(t)
	clk := clock.NewFake(time.Now())
	cp := NewCheckpointer(path, staticState(model.OrchestratorState{}), clk)

	instructions := cp.GenerateResumeInstructions(context.Background(), nil)
	if len(instructions.TasksToResume) != 0 || len(instructions.ConversationsToResume) != 0 || len(instructions.Notifications) != 0 {
		t.Fatalf("expected empty instructions for nil previous state, got %+v", instructions)
	}
}
