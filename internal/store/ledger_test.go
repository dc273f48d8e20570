package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/store"
)

func TestUsageLedgerAppendAndScanFiltersByAgentAndSince(t *testing.T) {
	s := newTestStore(t)
	ledger := store.NewUsageLedger(s)
	ctx := context.Background()

	now := time.Now()
	records := []model.UsageRecord{
		{AgentID: "agent-a", Timestamp: now.Add(-48 * time.Hour), InputTokens: 100, OutputTokens: 10, Model: "x"},
		{AgentID: "agent-a", Timestamp: now.Add(-1 * time.Hour), InputTokens: 200, OutputTokens: 20, Model: "x"},
		{AgentID: "agent-b", Timestamp: now, InputTokens: 999, OutputTokens: 1, Model: "x"},
	}
	for _, r := range records {
		require.NoError(t, ledger.Append(ctx, r))
	}

	since := now.Add(-24 * time.Hour)
	got, err := ledger.Scan(ctx, "agent-a", since)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 200, got[0].InputTokens)
}

func TestUsageLedgerScanEmptyForUnknownAgent(t *testing.T) {
	s := newTestStore(t)
	ledger := store.NewUsageLedger(s)

	got, err := ledger.Scan(context.Background(), "nobody", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}
