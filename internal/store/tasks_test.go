package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crewly.db")
	s, err := store.NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTaskRepoCreateGetRoundTrips(t *testing.T) {
	s := newTestStore(t)
	repo := store.NewTaskRepo(s)
	ctx := context.Background()

	deadline := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	task := &model.Task{
		ID:            "task-1",
		Title:         "wire up store",
		Status:        model.TaskOpen,
		Priority:      model.PriorityHigh,
		RequiredRole:  "backend",
		TaskType:      "feature",
		Dependencies:  []string{"task-0"},
		MaxIterations: 3,
		SessionRef:    model.SessionRef("sess-1"),
		Deadline:      &deadline,
		CreatedAt:     time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, repo.Create(ctx, task))

	got, err := repo.Get(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, model.PriorityHigh, got.Priority)
	assert.Len(t, got.Dependencies, 1)
	require.NotNil(t, got.Deadline)
	assert.True(t, got.Deadline.Equal(deadline))
}

func TestTaskRepoGetMissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	repo := store.NewTaskRepo(s)

	got, err := repo.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTaskRepoUpdateChangesStatusAndGates(t *testing.T) {
	s := newTestStore(t)
	repo := store.NewTaskRepo(s)
	ctx := context.Background()

	task := &model.Task{ID: "task-2", Title: "t", Status: model.TaskOpen, Priority: model.PriorityLow, CreatedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, task))

	task.Status = model.TaskCompleted
	task.QualityGateResults = []model.GateResult{{Name: "go test ./...", Passed: true, Required: true}}
	require.NoError(t, repo.Update(ctx, task))

	got, err := repo.Get(ctx, "task-2")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, got.Status)
	require.Len(t, got.QualityGateResults, 1)
	assert.True(t, got.QualityGateResults[0].Passed)
}

func TestTaskRepoUpdateMissingReturnsError(t *testing.T) {
	s := newTestStore(t)
	repo := store.NewTaskRepo(s)

	err := repo.Update(context.Background(), &model.Task{ID: "ghost", Status: model.TaskOpen, CreatedAt: time.Now()})
	assert.Error(t, err)
}

func TestTaskRepoCurrentForMatchesInProgressOnly(t *testing.T) {
	s := newTestStore(t)
	repo := store.NewTaskRepo(s)
	ctx := context.Background()
	ref := model.SessionRef("sess-current")

	open := &model.Task{ID: "a", Status: model.TaskOpen, SessionRef: ref, CreatedAt: time.Now().Add(-time.Hour)}
	inProgress := &model.Task{ID: "b", Status: model.TaskInProgress, SessionRef: ref, CreatedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, open))
	require.NoError(t, repo.Create(ctx, inProgress))

	got, err := repo.CurrentFor(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.ID)
}

func TestTaskRepoListOrdersByCreatedAt(t *testing.T) {
	s := newTestStore(t)
	repo := store.NewTaskRepo(s)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"first", "second", "third"} {
		task := &model.Task{ID: id, Status: model.TaskOpen, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, repo.Create(ctx, task))
	}

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "first", all[0].ID)
	assert.Equal(t, "third", all[2].ID)
}
