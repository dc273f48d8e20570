package selfimprove

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crewlyhq/crewly/internal/core/errs"
	"github.com/crewlyhq/crewly/internal/core/model"
)

type fakeGit struct {
	mu         sync.Mutex
	checkpoint bool
	resetOK    bool
	resetCalls []string
}

func (g *fakeGit) Checkpoint(repoPath string) (string, string, bool) {
	if !g.checkpoint {
		return "", "", false
	}
	return "abc123", "main", true
}

func (g *fakeGit) ResetHard(repoPath, commit string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetCalls = append(g.resetCalls, commit)
	return g.resetOK
}

type fakeNotify struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (n *fakeNotify) Notify(ctx context.Context, note model.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotify) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newTestDriver(t *testing.T, opts ...Option) (*Driver, string) {
	t.Helper()
	projectDir := t.TempDir()
	markerDir := filepath.Join(t.TempDir(), "markers")
	base := append([]Option{WithGitOps(&fakeGit{checkpoint: true, resetOK: true})}, opts...)
	return NewDriver(projectDir, markerDir, base...), projectDir
}

func TestPlanComputesRiskAndRequiresRestart(t *testing.T) {
	d, _ := newTestDriver(t)
	marker, err := d.Plan(context.Background(), PlanInput{
		Description: "bump dependency",
		TargetFiles: []string{"go.mod"},
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if marker.Phase != model.PhasePlanning {
		t.Fatalf("expected phase planning, got %s", marker.Phase)
	}
	if marker.RiskLevel != model.RiskHigh {
		t.Fatalf("expected high risk for go.mod, got %s", marker.RiskLevel)
	}
	if !marker.RequiresRestart {
		t.Fatal("expected go.mod change to require restart")
	}
}

func TestPlanRejectsWhenMarkerAlreadyActive(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()
	if _, err := d.Plan(ctx, PlanInput{Description: "first"}); err != nil {
		t.Fatal(err)
	}
	_, err := d.Plan(ctx, PlanInput{Description: "second"})
	if !errors.Is(err, errs.ErrMarkerConflict) {
		t.Fatalf("expected ErrMarkerConflict, got %v", err)
	}
}

func TestExecuteBacksUpBeforeMutatingAndAppliesChanges(t *testing.T) {
	d, projectDir := newTestDriver(t)
	ctx := context.Background()

	existing := filepath.Join(projectDir, "existing.txt")
	if err := os.WriteFile(existing, []byte("old content"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := d.Plan(ctx, PlanInput{
		Description: "rewrite file",
		TargetFiles: []string{"existing.txt", "new.txt"},
		Changes: []model.Change{
			{File: "existing.txt", Type: model.ChangeModify, NewContent: "new content"},
			{File: "new.txt", Type: model.ChangeCreate, NewContent: "created"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	marker, err := d.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if marker.Phase != model.PhaseChangesApplied {
		t.Fatalf("expected changes_applied, got %s", marker.Phase)
	}
	if marker.Backup == nil || len(marker.Backup.Files) != 2 {
		t.Fatalf("expected backup info for 2 files, got %+v", marker.Backup)
	}
	for _, c := range marker.Changes {
		if !c.Applied {
			t.Fatalf("expected change to %s to be applied", c.File)
		}
	}

	data, err := os.ReadFile(existing)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new content" {
		t.Fatalf("expected file content updated, got %q", data)
	}
	if _, err := os.Stat(filepath.Join(projectDir, "new.txt")); err != nil {
		t.Fatalf("expected new.txt to be created: %v", err)
	}
}

func TestExecuteRejectsWithoutPlanningMarker(t *testing.T) {
	d, _ := newTestDriver(t)
	if _, err := d.Execute(context.Background()); !errors.Is(err, errs.ErrMarkerConflict) {
		t.Fatalf("expected ErrMarkerConflict, got %v", err)
	}
}

func TestCancelOnlyAllowedBeforeMutation(t *testing.T) {
	notify := &fakeNotify{}
	d, _ := newTestDriver(t, WithNotificationSink(notify))
	ctx := context.Background()

	if _, err := d.Plan(ctx, PlanInput{Description: "x", TargetFiles: []string{"a.txt"}}); err != nil {
		t.Fatal(err)
	}
	if err := d.Cancel(ctx); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	status, err := d.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status != nil {
		t.Fatalf("expected no active marker after cancel, got %+v", status)
	}
	if notify.count() != 1 {
		t.Fatalf("expected one cancellation notification, got %d", notify.count())
	}
}

func TestCancelRejectedAfterChangesApplied(t *testing.T) {
	d, _ := newTestDriver(t)
	ctx := context.Background()
	if _, err := d.Plan(ctx, PlanInput{Description: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Execute(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Cancel(ctx); !errors.Is(err, errs.ErrMarkerConflict) {
		t.Fatalf("expected ErrMarkerConflict, got %v", err)
	}
}

func TestHistoryEmptyBeforeAnyCompletion(t *testing.T) {
	d, _ := newTestDriver(t)
	history, err := d.History(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(history))
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
