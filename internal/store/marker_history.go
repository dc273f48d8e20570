package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// MarkerHistoryIndex is a queryable SQL index of completed self-improvement
// markers, kept alongside selfimprove.Store's bounded JSON history
// directory (which remains the source of truth the reconciler reads from
// on restart). This index exists so a dashboard can search/filter past
// improvements without walking the history directory.
type MarkerHistoryIndex struct {
	db *sql.DB
}

// NewMarkerHistoryIndex builds a MarkerHistoryIndex over s's connection.
func NewMarkerHistoryIndex(s *Store) *MarkerHistoryIndex {
	return &MarkerHistoryIndex{db: s.db}
}

// Record indexes a marker at the moment it's archived.
func (idx *MarkerHistoryIndex) Record(ctx context.Context, marker model.ImprovementMarker) error {
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("marshal marker %s: %w", marker.ID, err)
	}

	_, err = idx.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO marker_history (id, description, phase, risk_level, archived_at, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		marker.ID, marker.Description, string(marker.Phase), string(marker.RiskLevel), time.Now().Unix(), string(data),
	)
	if err != nil {
		return fmt.Errorf("index marker %s: %w", marker.ID, err)
	}
	return nil
}

// Search returns indexed markers whose description contains a substring
// match for q (SQLite LIKE, case-insensitive for ASCII; good enough for an
// operator console),
// most recently archived first. An empty q returns everything.
func (idx *MarkerHistoryIndex) Search(ctx context.Context, q string) ([]model.ImprovementMarker, error) {
	rows, err := idx.db.QueryContext(ctx, `
		SELECT data FROM marker_history
		WHERE description LIKE '%' || ? || '%'
		ORDER BY archived_at DESC`, q)
	if err != nil {
		return nil, fmt.Errorf("search marker history: %w", err)
	}
	defer rows.Close()

	var out []model.ImprovementMarker
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan marker history row: %w", err)
		}
		var m model.ImprovementMarker
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("unmarshal marker history row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
