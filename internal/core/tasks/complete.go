package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/crewlyhq/crewly/internal/core/errs"
	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/core/quality"
)

// GateRunner is the narrow slice of quality.Runner CompleteTask depends
// on, so tests can substitute a fake rather than spawn real subprocesses.
type GateRunner interface {
	RunAll(ctx context.Context, projectPath string, cfg model.GateConfig, opts quality.RunOptions) (quality.Results, error)
}

// CompleteInput is the input to CompleteTask.
type CompleteInput struct {
	TaskID      string
	ProjectPath string
	GateConfig  model.GateConfig
	GateNames   []string // restricts RunAll to these gates, if non-empty
	Branch      string
	SkipGates   bool
}

// CompleteResult is what CompleteTask returns: either the task was marked
// completed, or one or more required gates failed and the task was sent
// back around for another iteration.
type CompleteResult struct {
	Success     bool
	Task        *model.Task
	FailedGates []model.GateResult
	// FollowUp is set when Success is false: an explicit_request event for
	// the caller (normally the continuation engine) to Handle next. It
	// carries no recommendation; the engine derives one from its own
	// analysis of the session output.
	FollowUp *model.ContinuationEvent
}

// CompleteTask implements the tasks.completeTask RPC (§4.E/§4.F,
// scenario S2): run the project's quality gates against in.TaskID's
// current task unless SkipGates is set, persist the per-gate results on
// the task, and only transition it to TaskCompleted if every required
// gate passed. A failed required gate never marks the task complete —
// it increments Iterations and surfaces an explicit_request continuation
// event instead. That event does not carry a pre-set recommendation.
func CompleteTask(ctx context.Context, repo Repo, runner GateRunner, in CompleteInput) (CompleteResult, error) {
	task, err := repo.Get(ctx, in.TaskID)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("get task %s: %w", in.TaskID, err)
	}
	if task == nil {
		return CompleteResult{}, fmt.Errorf("%w: task %s not found", errs.ErrInvalidTaskState, in.TaskID)
	}
	if task.Status != model.TaskInProgress {
		return CompleteResult{}, fmt.Errorf("%w: task %s is %s, not in_progress", errs.ErrInvalidTaskState, task.ID, task.Status)
	}

	if in.SkipGates {
		task.Status = model.TaskCompleted
		if err := repo.Update(ctx, task); err != nil {
			return CompleteResult{}, fmt.Errorf("update task %s: %w", task.ID, err)
		}
		return CompleteResult{Success: true, Task: task}, nil
	}

	results, err := runner.RunAll(ctx, in.ProjectPath, in.GateConfig, quality.RunOptions{
		GateNames: in.GateNames,
		Branch:    in.Branch,
	})
	if err != nil {
		return CompleteResult{}, fmt.Errorf("run quality gates for task %s: %w", task.ID, err)
	}

	task.QualityGateResults = results.Gates

	if !results.AllRequiredPassed {
		task.Iterations++
		if err := repo.Update(ctx, task); err != nil {
			return CompleteResult{}, fmt.Errorf("update task %s: %w", task.ID, err)
		}

		var failed []model.GateResult
		for _, g := range results.Gates {
			if g.Required && !g.Passed {
				failed = append(failed, g)
			}
		}

		followUp := model.ContinuationEvent{
			SessionRef: task.SessionRef,
			Trigger:    model.TriggerExplicitRequest,
			Timestamp:  time.Now(),
		}
		return CompleteResult{
			Success:     false,
			Task:        task,
			FailedGates: failed,
			FollowUp:    &followUp,
		}, nil
	}

	task.Status = model.TaskCompleted
	if err := repo.Update(ctx, task); err != nil {
		return CompleteResult{}, fmt.Errorf("update task %s: %w", task.ID, err)
	}
	return CompleteResult{Success: true, Task: task}, nil
}
