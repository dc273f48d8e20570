package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// TaskRepo is the SQLite-backed tasks.Repo implementation, grounded on
// the raw database/sql CRUD idiom (parameterized queries, explicit
// Scan, unix-timestamp columns) in the teacher's session.Manager.
type TaskRepo struct {
	db *sql.DB
}

// NewTaskRepo builds a TaskRepo over s's connection.
func NewTaskRepo(s *Store) *TaskRepo {
	return &TaskRepo{db: s.db}
}

func (r *TaskRepo) List(ctx context.Context) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, description, status, priority, required_role, task_type,
		       dependencies, iterations, max_iterations, quality_gate_results,
		       session_ref, deadline, created_at
		FROM tasks
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*model.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, priority, required_role, task_type,
		       dependencies, iterations, max_iterations, quality_gate_results,
		       session_ref, deadline, created_at
		FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (r *TaskRepo) Create(ctx context.Context, t *model.Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	gates, err := json.Marshal(t.QualityGateResults)
	if err != nil {
		return fmt.Errorf("marshal quality gate results: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, required_role,
		                    task_type, dependencies, iterations, max_iterations,
		                    quality_gate_results, session_ref, deadline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), string(t.Priority), t.RequiredRole,
		t.TaskType, string(deps), t.Iterations, t.MaxIterations, string(gates),
		string(t.SessionRef), nullableUnix(t.Deadline), t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

func (r *TaskRepo) Update(ctx context.Context, t *model.Task) error {
	deps, err := json.Marshal(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	gates, err := json.Marshal(t.QualityGateResults)
	if err != nil {
		return fmt.Errorf("marshal quality gate results: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, description = ?, status = ?, priority = ?,
		       required_role = ?, task_type = ?, dependencies = ?, iterations = ?,
		       max_iterations = ?, quality_gate_results = ?, session_ref = ?, deadline = ?
		WHERE id = ?`,
		t.Title, t.Description, string(t.Status), string(t.Priority), t.RequiredRole,
		t.TaskType, string(deps), t.Iterations, t.MaxIterations, string(gates),
		string(t.SessionRef), nullableUnix(t.Deadline), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: rows affected: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update task %s: not found", t.ID)
	}
	return nil
}

func (r *TaskRepo) CurrentFor(ctx context.Context, ref model.SessionRef) (*model.Task, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, priority, required_role, task_type,
		       dependencies, iterations, max_iterations, quality_gate_results,
		       session_ref, deadline, created_at
		FROM tasks
		WHERE session_ref = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1`, string(ref), string(model.TaskInProgress))

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current task for %s: %w", ref, err)
	}
	return &t, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (model.Task, error) {
	var (
		t                    model.Task
		status, priority     string
		deps, gates          string
		sessionRef           string
		deadline             sql.NullInt64
		createdAt            int64
	)
	if err := s.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &t.RequiredRole,
		&t.TaskType, &deps, &t.Iterations, &t.MaxIterations, &gates,
		&sessionRef, &deadline, &createdAt); err != nil {
		return model.Task{}, err
	}

	t.Status = model.TaskStatus(status)
	t.Priority = model.Priority(priority)
	t.SessionRef = model.SessionRef(sessionRef)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()

	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return model.Task{}, fmt.Errorf("unmarshal dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(gates), &t.QualityGateResults); err != nil {
		return model.Task{}, fmt.Errorf("unmarshal quality gate results: %w", err)
	}
	if deadline.Valid {
		d := time.Unix(deadline.Int64, 0).UTC()
		t.Deadline = &d
	}
	return t, nil
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
