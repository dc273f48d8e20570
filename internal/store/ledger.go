package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// UsageLedger is the SQLite-backed budget.Ledger implementation: an
// append-only table scanned per agent since a given timestamp.
type UsageLedger struct {
	db *sql.DB
}

// NewUsageLedger builds a UsageLedger over s's connection.
func NewUsageLedger(s *Store) *UsageLedger {
	return &UsageLedger{db: s.db}
}

func (l *UsageLedger) Append(ctx context.Context, rec model.UsageRecord) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_records (agent_id, session_ref, project_path, timestamp,
		                           input_tokens, output_tokens, model, operation, task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AgentID, string(rec.SessionRef), rec.ProjectPath, rec.Timestamp.Unix(),
		rec.InputTokens, rec.OutputTokens, rec.Model, rec.Operation, rec.TaskID,
	)
	if err != nil {
		return fmt.Errorf("append usage record for %s: %w", rec.AgentID, err)
	}
	return nil
}

// ScanRange returns every usage record across all agents with a timestamp
// in [start, end), ordered by time. Unlike Scan, it is not scoped to a
// single agent: it backs the day-bucketed JSONL export (§6), which
// mirrors the whole ledger's activity for a UTC day, not one agent's.
func (l *UsageLedger) ScanRange(ctx context.Context, start, end time.Time) ([]model.UsageRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT agent_id, session_ref, project_path, timestamp, input_tokens,
		       output_tokens, model, operation, task_id
		FROM usage_records
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC`, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("scan usage range [%s, %s): %w", start, end, err)
	}
	defer rows.Close()

	var out []model.UsageRecord
	for rows.Next() {
		var (
			rec        model.UsageRecord
			sessionRef string
			ts         int64
		)
		if err := rows.Scan(&rec.AgentID, &sessionRef, &rec.ProjectPath, &ts,
			&rec.InputTokens, &rec.OutputTokens, &rec.Model, &rec.Operation, &rec.TaskID); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		rec.SessionRef = model.SessionRef(sessionRef)
		rec.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *UsageLedger) Scan(ctx context.Context, agentID string, since time.Time) ([]model.UsageRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT agent_id, session_ref, project_path, timestamp, input_tokens,
		       output_tokens, model, operation, task_id
		FROM usage_records
		WHERE agent_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC`, agentID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("scan usage for %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []model.UsageRecord
	for rows.Next() {
		var (
			rec        model.UsageRecord
			sessionRef string
			ts         int64
		)
		if err := rows.Scan(&rec.AgentID, &sessionRef, &rec.ProjectPath, &ts,
			&rec.InputTokens, &rec.OutputTokens, &rec.Model, &rec.Operation, &rec.TaskID); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		rec.SessionRef = model.SessionRef(sessionRef)
		rec.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
