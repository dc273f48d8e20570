package tasks

import (
	"context"
	"fmt"
	"sort"

	"github.com/crewlyhq/crewly/internal/core/errs"
	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/core/ports"
	"github.com/crewlyhq/crewly/internal/core/template"
)

// Prioritization is the ordering strategy findNextTask applies.
type Prioritization string

const (
	PrioritizeByPriority Prioritization = "priority"
	PrioritizeFIFO       Prioritization = "fifo"
	PrioritizeByDeadline Prioritization = "deadline"
)

// RoleMatchRule decides whether a task is eligible for a given requesting
// role. Exclusive rules short-circuit the role hierarchy: only an exact
// match is accepted, regardless of AllowedRoles.
type RoleMatchRule struct {
	Role         string
	AllowedRoles []string
	Exclusive    bool
	TaskTypes    []string // if non-empty, task.TaskType must be a member
}

func (r RoleMatchRule) matchesRole(required string) bool {
	if required == r.Role {
		return true
	}
	if r.Exclusive {
		return false
	}
	for _, allowed := range r.AllowedRoles {
		if required == allowed {
			return true
		}
	}
	return false
}

func (r RoleMatchRule) matchesTaskType(taskType string) bool {
	if len(r.TaskTypes) == 0 {
		return true
	}
	if taskType == "" {
		return true
	}
	for _, t := range r.TaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// Blocked computes, for one task against the full task set, the set of
// dependency IDs that are not yet completed.
func Blocked(t model.Task, byID map[string]model.Task) []string {
	var blocking []string
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != model.TaskCompleted {
			blocking = append(blocking, dep)
		}
	}
	return blocking
}

func indexByID(tasks []model.Task) map[string]model.Task {
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}

// Eligible filters tasks to those with an open status and no blocking
// dependency.
func Eligible(allTasks []model.Task) []model.Task {
	byID := indexByID(allTasks)
	var out []model.Task
	for _, t := range allTasks {
		if t.Status != model.TaskOpen {
			continue
		}
		if len(Blocked(t, byID)) > 0 {
			continue
		}
		out = append(out, t)
	}
	return out
}

// FindNextTask selects the next task for rule against the full task list,
// applying the role/blocked/task-type filter then the prioritization sort.
// Returns nil if nothing qualifies.
func FindNextTask(allTasks []model.Task, rule RoleMatchRule, prioritization Prioritization) *model.Task {
	candidates := Eligible(allTasks)

	filtered := candidates[:0:0]
	for _, t := range candidates {
		if !rule.matchesRole(t.RequiredRole) {
			continue
		}
		if !rule.matchesTaskType(t.TaskType) {
			continue
		}
		filtered = append(filtered, t)
	}
	if len(filtered) == 0 {
		return nil
	}

	sortTasks(filtered, prioritization)
	return &filtered[0]
}

func sortTasks(tasks []model.Task, prioritization Prioritization) {
	switch prioritization {
	case PrioritizeFIFO:
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})
	case PrioritizeByDeadline:
		sort.SliceStable(tasks, func(i, j int) bool {
			di, dj := tasks[i].Deadline, tasks[j].Deadline
			if di == nil && dj == nil {
				return tasks[i].Priority.Rank() > tasks[j].Priority.Rank()
			}
			if di == nil {
				return false
			}
			if dj == nil {
				return true
			}
			if !di.Equal(*dj) {
				return di.Before(*dj)
			}
			return tasks[i].Priority.Rank() > tasks[j].Priority.Rank()
		})
	default: // PrioritizeByPriority
		sort.SliceStable(tasks, func(i, j int) bool {
			ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
			if ri != rj {
				return ri > rj
			}
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		})
	}
}

// AssignmentResult is the outcome of AssignNextTask.
type AssignmentResult struct {
	Assigned bool
	Task     *model.Task
}

const defaultMaxConcurrentTasks = 1

// AssignNextTask implements the §4.F assignment algorithm: reject if the
// agent is already at its concurrent-task limit, otherwise bind the
// highest-priority eligible task to the session and inject the rendered
// assignment prompt via port.
func AssignNextTask(
	ctx context.Context,
	repo Repo,
	port ports.SessionPort,
	ref model.SessionRef,
	rule RoleMatchRule,
	prioritization Prioritization,
	currentConcurrentTasks int,
	maxConcurrentTasks int,
	assignmentTemplate string,
) (AssignmentResult, error) {
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if currentConcurrentTasks >= maxConcurrentTasks {
		return AssignmentResult{}, nil
	}

	allTasks, err := repo.List(ctx)
	if err != nil {
		return AssignmentResult{}, fmt.Errorf("list tasks: %w", err)
	}

	next := FindNextTask(allTasks, rule, prioritization)
	if next == nil {
		return AssignmentResult{}, nil
	}

	// Dependency ordering invariant: re-verify against a fresh index
	// immediately before transitioning, since the list above may be
	// stale relative to concurrent writers.
	fresh, err := repo.List(ctx)
	if err != nil {
		return AssignmentResult{}, fmt.Errorf("list tasks: %w", err)
	}
	byID := indexByID(fresh)
	if blocked := Blocked(*next, byID); len(blocked) > 0 {
		return AssignmentResult{}, fmt.Errorf("%w: %s blocked by %v", errs.ErrDependencyBlocked, next.ID, blocked)
	}

	next.Status = model.TaskInProgress
	next.SessionRef = ref
	if err := repo.Update(ctx, next); err != nil {
		return AssignmentResult{}, fmt.Errorf("assign task: %w", err)
	}

	prompt := template.Render(assignmentTemplate, template.Data{
		"TASK_TITLE":       next.Title,
		"TASK_DESCRIPTION": next.Description,
		"TASK_ID":          next.ID,
	})
	if err := port.WriteInput(ctx, ref, prompt+"\n"); err != nil {
		return AssignmentResult{}, fmt.Errorf("write assignment prompt: %w", err)
	}

	return AssignmentResult{Assigned: true, Task: next}, nil
}

// DefaultAssignmentTemplate is the built-in prompt used when no project
// override is configured.
const DefaultAssignmentTemplate = `New task assigned: {{TASK_TITLE}}

{{TASK_DESCRIPTION}}

Task ID: {{TASK_ID}}`
