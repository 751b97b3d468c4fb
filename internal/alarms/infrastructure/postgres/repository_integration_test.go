package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	alarms "asset-alerting/internal/alarms/domain"
	storage "asset-alerting/internal/storage/postgres"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	require.NoError(t, storage.Migrate(dsn, zerolog.Nop()))
	db, err := storage.Open(context.Background(), dsn, storage.PoolConfig{MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRuleRepositoryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewRuleRepository(db)
	assetID := "asset-" + uuid.NewString()

	rule := alarms.Rule{
		ID:      uuid.NewString(),
		Name:    "pump temperature",
		AssetID: assetID,
		Conditions: []alarms.Condition{{
			ID:        "c1",
			Kind:      alarms.ConditionSimple,
			Parameter: "temperature",
			Operator:  alarms.OperatorGreater,
			Threshold: 80.0,
		}},
		Actions:              []alarms.Action{{ID: "a1", Kind: alarms.ActionPublish, Topic: "alerts/pump"}},
		IsActive:             true,
		CheckIntervalSeconds: 60,
	}
	require.NoError(t, repo.Create(ctx, rule))
	t.Cleanup(func() { _ = repo.Delete(ctx, rule.ID) })

	loaded, err := repo.Get(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, rule.Name, loaded.Name)
	require.Len(t, loaded.Conditions, 1)
	require.Equal(t, "temperature", loaded.Conditions[0].Parameter)
	require.Len(t, loaded.Actions, 1)

	byAsset, err := repo.ListByAsset(ctx, assetID)
	require.NoError(t, err)
	require.Len(t, byAsset, 1)

	rule.IsActive = false
	require.NoError(t, repo.Update(ctx, rule))
	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	for _, r := range active {
		require.NotEqual(t, rule.ID, r.ID)
	}

	require.NoError(t, repo.Delete(ctx, rule.ID))
	require.ErrorIs(t, repo.Delete(ctx, rule.ID), alarms.ErrNotFound)
	missing, err := repo.Get(ctx, rule.ID)
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestExecutionLogRepositoryPagingAndStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewExecutionLogRepository(db)
	assetID := "asset-" + uuid.NewString()
	t.Cleanup(func() { _, _ = repo.DeleteByAsset(ctx, assetID) })

	now := time.Now().UTC().Truncate(time.Millisecond)
	statuses := []alarms.ExecutionStatus{alarms.StatusSuccess, alarms.StatusWarning, alarms.StatusError}
	for i := 0; i < 5; i++ {
		entry := alarms.ExecutionLogEntry{
			ID:        uuid.NewString(),
			RuleID:    "rule-1",
			RuleName:  "r",
			AssetID:   assetID,
			Trigger:   alarms.TriggerScheduled,
			StartedAt: now.Add(time.Duration(i) * time.Second),
			Status:    statuses[i%3],
			Satisfied: i%2 == 0,
			ConditionResults: map[string]alarms.ConditionResult{
				"c1": {Kind: alarms.ConditionSimple, Parameter: "temperature", Satisfied: i%2 == 0},
			},
			DurationMs: int64(10 * (i + 1)),
		}
		require.NoError(t, repo.Append(ctx, entry))
		require.NoError(t, repo.Append(ctx, entry), "append is idempotent by id")
	}

	page, total, err := repo.List(ctx, alarms.LogFilter{AssetID: assetID, Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, page, 2)
	require.True(t, page[0].StartedAt.After(page[1].StartedAt))
	require.True(t, page[0].ConditionResults["c1"].Satisfied)

	stats, err := repo.Stats(ctx, "", assetID, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(5), stats.Total)
	require.Equal(t, int64(2), stats.Success)
	require.Equal(t, int64(2), stats.Warning)
	require.Equal(t, int64(1), stats.Error)
	require.Equal(t, int64(3), stats.Satisfied)
	require.InDelta(t, 30.0, stats.AvgDurationMs, 0.001)

	deleted, err := repo.DeleteByAsset(ctx, assetID)
	require.NoError(t, err)
	require.Equal(t, int64(5), deleted)
}

func TestComputationRepositoryListsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewComputationRepository(db)
	assetID := "asset-" + uuid.NewString()
	t.Cleanup(func() { _, _ = repo.DeleteByAsset(ctx, assetID) })

	now := time.Now().UTC()
	for i, ref := range []string{"older", "newer"} {
		require.NoError(t, repo.Record(ctx, alarms.ComputationRecord{
			AssetID:        assetID,
			RuleID:         "rule-1",
			ComputationRef: ref,
			RunID:          "run-" + ref,
			RecordedAt:     now.Add(time.Duration(i) * time.Minute),
		}))
	}
	records, err := repo.ListByAsset(ctx, assetID, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "newer", records[0].ComputationRef)

	deleted, err := repo.DeleteByAsset(ctx, assetID)
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)
}
