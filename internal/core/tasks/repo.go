// Package tasks implements TaskQueue/AutoAssigner (§4.F): dependency-aware
// eligibility computation, role/priority-based next-task selection, and
// assignment that injects a rendered prompt via SessionPort.
//
// The read-then-index rebuild style (load everything, compute derived
// blocked/eligible state in memory, never mutate storage to answer a
// query) is grounded on internal/agent/recovery/recovery.go's
// GetRecoverableTasks, generalized from session-restart recovery to
// continuous queue maintenance.
package tasks

import (
	"context"

	"github.com/google/uuid"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// Repo persists tasks. The queue rebuilds its in-memory index from this on
// every mutation-sensitive operation rather than caching long-lived state,
// per the "single writer, non-blocking snapshot readers" policy (§5).
type Repo interface {
	List(ctx context.Context) ([]model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	Create(ctx context.Context, t *model.Task) error
	Update(ctx context.Context, t *model.Task) error
	CurrentFor(ctx context.Context, ref model.SessionRef) (*model.Task, error)
}

// NewTaskID generates an identifier for a newly created task.
func NewTaskID() string { return uuid.New().String() }
