package selfimprove

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewlyhq/crewly/internal/core/model"
)

func TestReconcileNoMarkerReturnsNoPending(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "markers"))
	r := NewReconciler(t.TempDir(), store, WithGitOps(&fakeGit{}))

	result := r.Reconcile(context.Background())
	if result.HadPending {
		t.Fatal("expected no pending marker")
	}
}

func TestReconcilePlanningPhaseDeletesMarkerWithoutRollback(t *testing.T) {
	markerDir := filepath.Join(t.TempDir(), "markers")
	store := NewStore(markerDir)
	git := &fakeGit{checkpoint: true, resetOK: true}
	notify := &fakeNotify{}
	r := NewReconciler(t.TempDir(), store, WithGitOps(git), WithNotificationSink(notify))

	if err := store.Save(&model.ImprovementMarker{ID: "m1", Phase: model.PhasePlanning}); err != nil {
		t.Fatal(err)
	}

	result := r.Reconcile(context.Background())
	if !result.HadPending {
		t.Fatal("expected a pending marker")
	}

	current, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if current != nil {
		t.Fatalf("expected marker deleted after planning-phase reconcile, got %+v", current)
	}
	if len(git.resetCalls) != 0 {
		t.Fatal("expected no rollback for a marker that never mutated files")
	}
	if notify.count() != 1 {
		t.Fatalf("expected one cancellation notification, got %d", notify.count())
	}
}

func TestReconcileForcesRollbackAfterMaxRestarts(t *testing.T) {
	projectDir := t.TempDir()
	markerDir := filepath.Join(t.TempDir(), "markers")
	store := NewStore(markerDir)
	git := &fakeGit{checkpoint: true, resetOK: true}
	notify := &fakeNotify{}
	r := NewReconciler(projectDir, store, WithGitOps(git), WithNotificationSink(notify))

	marker := &model.ImprovementMarker{
		ID:           "m1",
		Phase:        model.PhaseChangesApplied,
		RestartCount: MaxRestartCount, // next increment pushes it over the limit
		Backup:       &model.Backup{GitCommit: "abc123"},
	}
	if err := store.Save(marker); err != nil {
		t.Fatal(err)
	}

	result := r.Reconcile(context.Background())
	if !result.HadPending {
		t.Fatal("expected pending marker")
	}
	if result.Marker.Phase != model.PhaseComplete {
		t.Fatalf("expected forced rollback to complete (failure), got phase %s", result.Marker.Phase)
	}
	if result.Marker.Error != "too many restarts" {
		t.Fatalf("expected error set to too many restarts, got %q", result.Marker.Error)
	}
	if len(git.resetCalls) != 1 || git.resetCalls[0] != "abc123" {
		t.Fatalf("expected a git reset to the checkpointed commit, got %v", git.resetCalls)
	}

	history, err := store.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected marker moved to history, got %d entries", len(history))
	}
}

func TestReconcileChangesAppliedRunsValidationAndCompletesOnPass(t *testing.T) {
	projectDir := t.TempDir()
	markerDir := filepath.Join(t.TempDir(), "markers")
	store := NewStore(markerDir)
	git := &fakeGit{checkpoint: true, resetOK: true}
	notify := &fakeNotify{}
	r := NewReconciler(projectDir, store, WithGitOps(git), WithNotificationSink(notify))

	marker := &model.ImprovementMarker{
		ID:         "m1",
		Phase:      model.PhaseChangesApplied,
		Validation: model.Validation{Required: []string{"true"}},
		Backup:     &model.Backup{GitCommit: "abc123"},
	}
	if err := store.Save(marker); err != nil {
		t.Fatal(err)
	}

	result := r.Reconcile(context.Background())
	if result.Marker.Phase != model.PhaseComplete {
		t.Fatalf("expected validation pass to complete the marker, got phase %s", result.Marker.Phase)
	}
	if len(git.resetCalls) != 0 {
		t.Fatal("expected no rollback when validation passes")
	}
	if notify.count() != 1 {
		t.Fatalf("expected one completion notification, got %d", notify.count())
	}
}

func TestReconcileChangesAppliedRollsBackOnValidationFailure(t *testing.T) {
	projectDir := t.TempDir()
	markerDir := filepath.Join(t.TempDir(), "markers")
	store := NewStore(markerDir)
	git := &fakeGit{checkpoint: true, resetOK: true}
	r := NewReconciler(projectDir, store, WithGitOps(git))

	marker := &model.ImprovementMarker{
		ID:         "m1",
		Phase:      model.PhaseChangesApplied,
		Validation: model.Validation{Required: []string{"false"}},
		Backup:     &model.Backup{GitCommit: "abc123"},
	}
	if err := store.Save(marker); err != nil {
		t.Fatal(err)
	}

	result := r.Reconcile(context.Background())
	if result.Marker.Phase != model.PhaseComplete {
		t.Fatalf("expected rollback to complete (failure), got phase %s", result.Marker.Phase)
	}
	if len(git.resetCalls) != 1 {
		t.Fatalf("expected a rollback reset, got %v", git.resetCalls)
	}
}

func TestReconcileFallsBackToFileRestoreWhenGitResetFails(t *testing.T) {
	projectDir := t.TempDir()
	target := filepath.Join(projectDir, "target.txt")
	if err := os.WriteFile(target, []byte("mutated"), 0o644); err != nil {
		t.Fatal(err)
	}

	backupDir := t.TempDir()
	backupPath := filepath.Join(backupDir, "0")
	if err := os.WriteFile(backupPath, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	markerDir := filepath.Join(t.TempDir(), "markers")
	store := NewStore(markerDir)
	git := &fakeGit{checkpoint: true, resetOK: false}
	r := NewReconciler(projectDir, store, WithGitOps(git))

	marker := &model.ImprovementMarker{
		ID:         "m1",
		Phase:      model.PhaseChangesApplied,
		Validation: model.Validation{Required: []string{"false"}},
		Backup: &model.Backup{
			GitCommit: "abc123",
			Files:     []model.BackupFile{{OriginalPath: "target.txt", BackupPath: backupPath, Existed: true}},
		},
	}
	if err := store.Save(marker); err != nil {
		t.Fatal(err)
	}

	r.Reconcile(context.Background())

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Fatalf("expected file restored from backup, got %q", data)
	}
}

func TestReconcileValidatingPhaseSkipsAlreadyPassedChecks(t *testing.T) {
	projectDir := t.TempDir()
	markerDir := filepath.Join(t.TempDir(), "markers")
	store := NewStore(markerDir)
	git := &fakeGit{checkpoint: true, resetOK: true}
	r := NewReconciler(projectDir, store, WithGitOps(git))

	started := time.Now()
	marker := &model.ImprovementMarker{
		ID:    "m1",
		Phase: model.PhaseValidating,
		Validation: model.Validation{
			Required:  []string{"true", "true"},
			Results:   []model.ValidationResult{{Check: "true", Passed: true}},
			StartedAt: &started,
		},
		Backup: &model.Backup{GitCommit: "abc123"},
	}
	if err := store.Save(marker); err != nil {
		t.Fatal(err)
	}

	result := r.Reconcile(context.Background())
	if result.Marker.Phase != model.PhaseComplete {
		t.Fatalf("expected validation resume to complete, got phase %s", result.Marker.Phase)
	}
}

func TestReconcileRolledBackMovesToHistory(t *testing.T) {
	projectDir := t.TempDir()
	markerDir := filepath.Join(t.TempDir(), "markers")
	store := NewStore(markerDir)
	r := NewReconciler(projectDir, store, WithGitOps(&fakeGit{}))

	marker := &model.ImprovementMarker{
		ID:       "m1",
		Phase:    model.PhaseRolledBack,
		Rollback: &model.Rollback{Reason: "validation failed"},
	}
	if err := store.Save(marker); err != nil {
		t.Fatal(err)
	}

	r.Reconcile(context.Background())

	current, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if current != nil {
		t.Fatal("expected marker archived out of the active slot")
	}
	history, err := store.History()
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
}

func TestReconcileCompletePhaseDeletesStaleMarker(t *testing.T) {
	markerDir := filepath.Join(t.TempDir(), "markers")
	store := NewStore(markerDir)
	r := NewReconciler(t.TempDir(), store, WithGitOps(&fakeGit{}))

	if err := store.Save(&model.ImprovementMarker{ID: "m1", Phase: model.PhaseComplete}); err != nil {
		t.Fatal(err)
	}

	r.Reconcile(context.Background())

	current, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if current != nil {
		t.Fatal("expected stale complete marker deleted")
	}
}
