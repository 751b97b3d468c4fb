package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	storage "asset-alerting/internal/storage/postgres"
	telemetry "asset-alerting/internal/telemetry/domain"
	telemetrypostgres "asset-alerting/internal/telemetry/infrastructure/postgres"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	if err := storage.Migrate(dsn, zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := storage.Open(context.Background(), dsn, storage.PoolConfig{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTelemetry_LatestValuesAndHistory(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	assetID := "asset-telemetry-it"
	now := time.Now().UTC().Truncate(time.Second)

	repo := telemetrypostgres.NewTelemetryRepository(db, telemetrypostgres.WithNow(func() time.Time { return now }))
	if _, err := repo.DeleteByAsset(ctx, assetID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() { _, _ = repo.DeleteByAsset(ctx, assetID) })

	measurements := make([]telemetry.Measurement, 0, 48)
	for hour := 47; hour >= 0; hour-- {
		ts := now.Add(-time.Duration(hour) * time.Hour)
		measurements = append(measurements, telemetry.FromPayload(assetID, map[string]any{
			"temperature": float64(100 - hour),
			"state":       "running",
		}, ts, "test")...)
	}
	if err := repo.InsertMeasurements(ctx, measurements); err != nil {
		t.Fatalf("insert measurements: %v", err)
	}

	latest, err := repo.LatestValues(ctx, assetID, []string{"temperature", "state", "missing"}, 24)
	if err != nil {
		t.Fatalf("latest values: %v", err)
	}
	if latest["temperature"] != 100.0 {
		t.Fatalf("expected latest temperature 100, got %v", latest["temperature"])
	}
	if latest["state"] != "running" {
		t.Fatalf("expected state running, got %v", latest["state"])
	}
	if _, ok := latest["missing"]; ok {
		t.Fatalf("missing key should be absent")
	}

	history, err := repo.History(ctx, assetID, "temperature", 12)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 13 {
		t.Fatalf("expected 13 samples in 12h window, got %d", len(history))
	}
	for i := 1; i < len(history); i++ {
		if !history[i-1].At.Before(history[i].At) {
			t.Fatalf("history not ascending at %d", i)
		}
	}

	stale, err := repo.LatestValues(ctx, assetID, []string{"temperature"}, 0)
	if err != nil {
		t.Fatalf("latest without lookback: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("expected one value without lookback, got %d", len(stale))
	}
}
