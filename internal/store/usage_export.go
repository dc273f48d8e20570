package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// UsageExporter writes day-bucketed JSONL snapshots of UsageLedger's
// SQLite rows, for external tools that still expect the flat-file layout
// (§6: append-only JSONL under usage/YYYY-MM-DD.log) rather than querying
// the database directly. SQLite stays the source of truth; the JSONL
// file is a regenerated view, not a second ledger, so re-exporting a day
// is always safe to repeat.
type UsageExporter struct {
	ledger *UsageLedger
	dir    string
}

// NewUsageExporter creates an exporter writing under dir (typically
// "<home>/.crewly/usage").
func NewUsageExporter(ledger *UsageLedger, dir string) *UsageExporter {
	return &UsageExporter{ledger: ledger, dir: dir}
}

// ExportDay scans every usage record for the UTC day containing day and
// (re)writes dir/YYYY-MM-DD.log as one JSON object per line, oldest
// first. It returns the path written.
func (x *UsageExporter) ExportDay(ctx context.Context, day time.Time) (string, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	records, err := x.ledger.ScanRange(ctx, start, end)
	if err != nil {
		return "", fmt.Errorf("export usage for %s: %w", start.Format("2006-01-02"), err)
	}

	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return "", fmt.Errorf("create usage export dir %s: %w", x.dir, err)
	}

	path := filepath.Join(x.dir, start.Format("2006-01-02")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open usage export %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("write usage record to %s: %w", path, err)
		}
	}
	return path, nil
}
