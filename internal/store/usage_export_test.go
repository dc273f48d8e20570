package store_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/store"
)

func TestUsageExporterWritesDayBucketedJSONL(t *testing.T) {
	s := newTestStore(t)
	ledger := store.NewUsageLedger(s)
	ctx := context.Background()

	day := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	records := []model.UsageRecord{
		{AgentID: "agent-a", Timestamp: day.Add(1 * time.Hour), InputTokens: 100, OutputTokens: 10, Model: "x"},
		{AgentID: "agent-b", Timestamp: day.Add(20 * time.Hour), InputTokens: 50, OutputTokens: 5, Model: "x"},
		{AgentID: "agent-a", Timestamp: day.Add(-1 * time.Hour), InputTokens: 999, OutputTokens: 1, Model: "x"}, // previous day, excluded
	}
	for _, r := range records {
		require.NoError(t, ledger.Append(ctx, r))
	}

	dir := t.TempDir()
	exporter := store.NewUsageExporter(ledger, dir)
	path, err := exporter.ExportDay(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2026-03-05.log"), path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []model.UsageRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec model.UsageRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, lines, 2)
	assert.Equal(t, "agent-a", lines[0].AgentID)
	assert.Equal(t, "agent-b", lines[1].AgentID)
}

func TestUsageExporterOverwritesOnReExport(t *testing.T) {
	s := newTestStore(t)
	ledger := store.NewUsageLedger(s)
	ctx := context.Background()

	day := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.Append(ctx, model.UsageRecord{AgentID: "agent-a", Timestamp: day.Add(time.Hour), InputTokens: 1, OutputTokens: 1, Model: "x"}))

	dir := t.TempDir()
	exporter := store.NewUsageExporter(ledger, dir)
	_, err := exporter.ExportDay(ctx, day)
	require.NoError(t, err)

	require.NoError(t, ledger.Append(ctx, model.UsageRecord{AgentID: "agent-b", Timestamp: day.Add(2 * time.Hour), InputTokens: 2, OutputTokens: 2, Model: "x"}))
	path, err := exporter.ExportDay(ctx, day)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var count int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	assert.Equal(t, 2, count, "re-export must reflect the full current table, not append duplicates")
}
