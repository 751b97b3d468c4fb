package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	alarms "asset-alerting/internal/alarms/domain"
)

func TestExecutionLogRepositoryDeleteByAsset(t *testing.T) {
	ctx := context.Background()
	repo := NewExecutionLogRepository()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Append(ctx, alarms.ExecutionLogEntry{ID: "a", RuleID: "r1", AssetID: "pump-7", StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, repo.Append(ctx, alarms.ExecutionLogEntry{ID: "b", RuleID: "r2", AssetID: "fan-1", StartedAt: base}))

	removed, err := repo.DeleteByAsset(ctx, "pump-7")
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)
	require.Equal(t, 1, repo.Len())

	entries, total, err := repo.List(ctx, alarms.LogFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "fan-1", entries[0].AssetID)
}

func TestExecutionLogRepositoryListAndStats(t *testing.T) {
	ctx := context.Background()
	repo := NewExecutionLogRepository()
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	statuses := []alarms.ExecutionStatus{alarms.StatusSuccess, alarms.StatusWarning, alarms.StatusError, alarms.StatusSuccess}
	for i, status := range statuses {
		require.NoError(t, repo.Append(ctx, alarms.ExecutionLogEntry{
			RuleID:     "r1",
			AssetID:    "pump-7",
			StartedAt:  now.Add(-time.Duration(i) * time.Hour),
			Status:     status,
			Satisfied:  i == 0,
			DurationMs: int64(10 * (i + 1)),
		}))
	}
	require.NoError(t, repo.Append(ctx, alarms.ExecutionLogEntry{RuleID: "r1", AssetID: "pump-7", StartedAt: now.Add(-48 * time.Hour), Status: alarms.StatusError}))

	page, total, err := repo.List(ctx, alarms.LogFilter{RuleID: "r1", Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
	require.Equal(t, now.Add(-2*time.Hour), page[0].StartedAt)

	stats, err := repo.Stats(ctx, "r1", "", now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(4), stats.Total)
	require.Equal(t, int64(2), stats.Success)
	require.Equal(t, int64(1), stats.Warning)
	require.Equal(t, int64(1), stats.Error)
	require.Equal(t, int64(1), stats.Satisfied)
	require.InDelta(t, 25.0, stats.AvgDurationMs, 1e-9)
	require.Equal(t, now, stats.LastExecutedAt)
}

func TestRuleRepositoryFilters(t *testing.T) {
	ctx := context.Background()
	repo := NewRuleRepository()
	require.NoError(t, repo.Create(ctx, alarms.Rule{ID: "r1", AssetID: "pump-7", IsActive: true}))
	require.NoError(t, repo.Create(ctx, alarms.Rule{ID: "r2", AssetID: "pump-7"}))
	require.NoError(t, repo.Create(ctx, alarms.Rule{ID: "r3", AssetID: "fan-1", IsActive: true}))
	require.Error(t, repo.Create(ctx, alarms.Rule{ID: "r1"}))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)

	byAsset, err := repo.ListByAsset(ctx, "pump-7")
	require.NoError(t, err)
	require.Len(t, byAsset, 2)

	require.ErrorIs(t, repo.Delete(ctx, "missing"), alarms.ErrNotFound)
	got, err := repo.Get(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestComputationRepositoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewComputationRepository()
	for _, ref := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, repo.Record(ctx, alarms.ComputationRecord{AssetID: "pump-7", RunID: ref}))
	}
	records, err := repo.ListByAsset(ctx, "pump-7", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "run-3", records[0].RunID)

	deleted, err := repo.DeleteByAsset(ctx, "pump-7")
	require.NoError(t, err)
	require.Equal(t, int64(3), deleted)
	records, err = repo.ListByAsset(ctx, "pump-7", 0)
	require.NoError(t, err)
	require.Empty(t, records)
}
