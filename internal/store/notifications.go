package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// NotificationLog is the SQLite-backed notification store. It satisfies
// both continuation.NotificationSink and selfimprove.NotificationSink,
// which share the same Notify(ctx, model.Notification) error shape.
type NotificationLog struct {
	db *sql.DB
}

// NewNotificationLog builds a NotificationLog over s's connection.
func NewNotificationLog(s *Store) *NotificationLog {
	return &NotificationLog{db: s.db}
}

// Notify persists n. An empty ID is rejected rather than silently
// generating one, since callers own identity assignment.
func (l *NotificationLog) Notify(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		return fmt.Errorf("notify: notification has no ID")
	}

	var analysis sql.NullString
	if n.Analysis != nil {
		b, err := json.Marshal(n.Analysis)
		if err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}
		analysis = sql.NullString{String: string(b), Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO notifications (id, type, session_ref, reason, analysis, timestamp, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Type), string(n.SessionRef), n.Reason, analysis, n.Timestamp.Unix(), boolToInt(n.Acknowledged),
	)
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", n.ID, err)
	}
	return nil
}

// Unacknowledged returns all notifications with Acknowledged == false,
// oldest first, for a dashboard or CLI to surface.
func (l *NotificationLog) Unacknowledged(ctx context.Context) ([]model.Notification, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, type, session_ref, reason, analysis, timestamp, acknowledged
		FROM notifications
		WHERE acknowledged = 0
		ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unacknowledged notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// Acknowledge marks a notification as read.
func (l *NotificationLog) Acknowledge(ctx context.Context, id string) error {
	res, err := l.db.ExecContext(ctx, `UPDATE notifications SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("acknowledge notification %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("acknowledge notification %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("acknowledge notification %s: not found", id)
	}
	return nil
}

func scanNotifications(rows *sql.Rows) ([]model.Notification, error) {
	var out []model.Notification
	for rows.Next() {
		var (
			n          model.Notification
			typ        string
			sessionRef string
			analysis   sql.NullString
			ts         int64
			ack        int
		)
		if err := rows.Scan(&n.ID, &typ, &sessionRef, &n.Reason, &analysis, &ts, &ack); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		n.Type = model.NotificationType(typ)
		n.SessionRef = model.SessionRef(sessionRef)
		n.Timestamp = time.Unix(ts, 0).UTC()
		n.Acknowledged = ack != 0
		if analysis.Valid {
			var a model.AgentStateAnalysis
			if err := json.Unmarshal([]byte(analysis.String), &a); err != nil {
				return nil, fmt.Errorf("unmarshal analysis: %w", err)
			}
			n.Analysis = &a
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
