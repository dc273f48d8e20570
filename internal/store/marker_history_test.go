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

func TestMarkerHistoryIndexRecordAndSearch(t *testing.T) {
	s := newTestStore(t)
	idx := store.NewMarkerHistoryIndex(s)
	ctx := context.Background()

	markers := []model.ImprovementMarker{
		{ID: "m1", Description: "add retry backoff to session recovery", Phase: model.PhaseComplete, RiskLevel: model.RiskMedium, CreatedAt: time.Now(), UpdatedAt: time.Now()},
		{ID: "m2", Description: "tune budget warning threshold", Phase: model.PhaseComplete, RiskLevel: model.RiskLow, CreatedAt: time.Now(), UpdatedAt: time.Now()},
	}
	for _, m := range markers {
		require.NoError(t, idx.Record(ctx, m))
	}

	got, err := idx.Search(ctx, "retry")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)

	all, err := idx.Search(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMarkerHistoryIndexRecordReplacesExistingID(t *testing.T) {
	s := newTestStore(t)
	idx := store.NewMarkerHistoryIndex(s)
	ctx := context.Background()

	m := model.ImprovementMarker{ID: "m1", Description: "first pass", Phase: model.PhaseComplete, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, idx.Record(ctx, m))
	m.Description = "revised description"
	require.NoError(t, idx.Record(ctx, m))

	got, err := idx.Search(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "revised description", got[0].Description)
}
