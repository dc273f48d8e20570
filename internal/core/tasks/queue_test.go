package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/core/ports"
)

type memRepo struct {
	tasks map[string]*model.Task
}

func newMemRepo(tasks ...model.Task) *memRepo {
	r := &memRepo{tasks: make(map[string]*model.Task)}
	for i := range tasks {
		t := tasks[i]
		r.tasks[t.ID] = &t
	}
	return r
}

func (r *memRepo) List(ctx context.Context) ([]model.Task, error) {
	out := make([]model.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	return out, nil
}

func (r *memRepo) Get(ctx context.Context, id string) (*model.Task, error) {
	t, ok := r.tasks[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *t
	return &cp, nil
}

func (r *memRepo) Create(ctx context.Context, t *model.Task) error {
	r.tasks[t.ID] = t
	return nil
}

func (r *memRepo) Update(ctx context.Context, t *model.Task) error {
	r.tasks[t.ID] = t
	return nil
}

func (r *memRepo) CurrentFor(ctx context.Context, ref model.SessionRef) (*model.Task, error) {
	for _, t := range r.tasks {
		if t.SessionRef == ref && t.Status == model.TaskInProgress {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func TestEligibleExcludesBlockedAndNonOpen(t *testing.T) {
	now := time.Now()
	tasks := []model.Task{
		{ID: "a", Status: model.TaskOpen, Dependencies: []string{"b"}, CreatedAt: now},
		{ID: "b", Status: model.TaskOpen, CreatedAt: now},
		{ID: "c", Status: model.TaskInProgress, CreatedAt: now},
	}
	got := Eligible(tasks)
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only task b eligible, got %v", got)
	}
}

func TestFindNextTaskScenarioS5(t *testing.T) {
	// S5: Queue [T_a{priority:high, deps:[T_b]}, T_c{priority:medium, deps:[]}], T_b not completed.
	now := time.Now()
	allTasks := []model.Task{
		{ID: "T_a", Status: model.TaskOpen, Priority: model.PriorityHigh, Dependencies: []string{"T_b"}, RequiredRole: "dev", CreatedAt: now},
		{ID: "T_b", Status: model.TaskOpen, RequiredRole: "dev", CreatedAt: now},
		{ID: "T_c", Status: model.TaskOpen, Priority: model.PriorityMedium, RequiredRole: "dev", CreatedAt: now},
	}
	rule := RoleMatchRule{Role: "dev"}
	got := FindNextTask(allTasks, rule, PrioritizeByPriority)
	if got == nil || got.ID != "T_c" {
		t.Fatalf("expected T_c, got %v", got)
	}
}

func TestFindNextTaskRoleExclusive(t *testing.T) {
	now := time.Now()
	allTasks := []model.Task{
		{ID: "a", Status: model.TaskOpen, RequiredRole: "qa", CreatedAt: now},
	}
	rule := RoleMatchRule{Role: "dev", AllowedRoles: []string{"qa"}, Exclusive: true}
	if got := FindNextTask(allTasks, rule, PrioritizeByPriority); got != nil {
		t.Fatalf("exclusive rule must not fall back to AllowedRoles, got %v", got)
	}

	rule.Exclusive = false
	if got := FindNextTask(allTasks, rule, PrioritizeByPriority); got == nil {
		t.Fatal("non-exclusive rule should match via AllowedRoles")
	}
}

func TestFindNextTaskFIFOOrdering(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	allTasks := []model.Task{
		{ID: "new", Status: model.TaskOpen, RequiredRole: "dev", CreatedAt: newer},
		{ID: "old", Status: model.TaskOpen, RequiredRole: "dev", CreatedAt: older},
	}
	got := FindNextTask(allTasks, RoleMatchRule{Role: "dev"}, PrioritizeFIFO)
	if got == nil || got.ID != "old" {
		t.Fatalf("expected FIFO to pick the older task, got %v", got)
	}
}

func TestAssignNextTaskRejectsAtConcurrencyLimit(t *testing.T) {
	repo := newMemRepo(model.Task{ID: "a", Status: model.TaskOpen, RequiredRole: "dev", CreatedAt: time.Now()})
	port := ports.NewFakePort()
	ref := model.SessionRef("s1")
	port.Seed(ref, "", true, true)

	result, err := AssignNextTask(context.Background(), repo, port, ref, RoleMatchRule{Role: "dev"}, PrioritizeByPriority, 1, 1, DefaultAssignmentTemplate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Assigned {
		t.Fatal("expected assignment to be rejected at concurrency limit")
	}
}

func TestAssignNextTaskBindsAndWritesPrompt(t *testing.T) {
	repo := newMemRepo(model.Task{ID: "a", Title: "Write tests", Status: model.TaskOpen, RequiredRole: "dev", CreatedAt: time.Now()})
	port := ports.NewFakePort()
	ref := model.SessionRef("s1")
	port.Seed(ref, "", true, true)

	result, err := AssignNextTask(context.Background(), repo, port, ref, RoleMatchRule{Role: "dev"}, PrioritizeByPriority, 0, 1, DefaultAssignmentTemplate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Assigned || result.Task.ID != "a" {
		t.Fatalf("expected task a to be assigned, got %v", result)
	}

	updated, _ := repo.Get(context.Background(), "a")
	if updated.Status != model.TaskInProgress || updated.SessionRef != ref {
		t.Fatalf("task not transitioned correctly: %+v", updated)
	}

	log := port.InputLog(ref)
	if len(log) != 1 {
		t.Fatalf("expected one prompt written, got %d", len(log))
	}
}

func TestAssignNextTaskNoEligibleTask(t *testing.T) {
	repo := newMemRepo()
	port := ports.NewFakePort()
	ref := model.SessionRef("s1")
	port.Seed(ref, "", true, true)

	result, err := AssignNextTask(context.Background(), repo, port, ref, RoleMatchRule{Role: "dev"}, PrioritizeByPriority, 0, 1, DefaultAssignmentTemplate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Assigned {
		t.Fatal("expected no assignment when queue is empty")
	}
}

func TestBlockedComputesDependencyGap(t *testing.T) {
	byID := map[string]model.Task{
		"dep1": {ID: "dep1", Status: model.TaskCompleted},
		"dep2": {ID: "dep2", Status: model.TaskOpen},
	}
	t1 := model.Task{ID: "t1", Dependencies: []string{"dep1", "dep2", "dep3"}}
	got := Blocked(t1, byID)
	if len(got) != 2 {
		t.Fatalf("expected 2 blocking deps (dep2 incomplete, dep3 missing), got %v", got)
	}
}
