package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"asset-alerting/internal/analytics/domain/anomaly"
	"asset-alerting/internal/telemetry/domain"
)

const defaultTelemetryTable = "telemetry_points"

// TelemetryRepository is a Postgres time series of asset readings.
type TelemetryRepository struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// NewTelemetryRepository constructs a repository with default table name.
func NewTelemetryRepository(db *sql.DB, opts ...RepositoryOption) *TelemetryRepository {
	repo := &TelemetryRepository{
		db:    db,
		table: defaultTelemetryTable,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*TelemetryRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *TelemetryRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// WithNow overrides the reference time of lookback windows.
func WithNow(now func() time.Time) RepositoryOption {
	return func(repo *TelemetryRepository) {
		if now != nil {
			repo.now = now
		}
	}
}

// InsertMeasurements upserts measurements in one transaction.
func (r *TelemetryRepository) InsertMeasurements(ctx context.Context, measurements []telemetry.Measurement) error {
	if r == nil || r.db == nil {
		return errors.New("telemetry repo: nil db")
	}
	if len(measurements) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	asset_id,
	point_key,
	ts,
	value_numeric,
	value_text,
	quality,
	source
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)
ON CONFLICT (asset_id, point_key, ts)
DO UPDATE SET
	value_numeric = EXCLUDED.value_numeric,
	value_text = EXCLUDED.value_text,
	quality = EXCLUDED.quality,
	source = EXCLUDED.source,
	updated_at = NOW()`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, m := range measurements {
		if m.AssetID == "" || m.PointKey == "" || m.TS.IsZero() {
			_ = tx.Rollback()
			return errors.New("telemetry repo: invalid measurement")
		}

		valueNumeric := sql.NullFloat64{}
		if m.ValueNumeric != nil {
			valueNumeric = sql.NullFloat64{Float64: *m.ValueNumeric, Valid: true}
		}
		valueText := sql.NullString{}
		if m.ValueText != nil {
			valueText = sql.NullString{String: *m.ValueText, Valid: true}
		}

		if _, err := stmt.ExecContext(
			ctx,
			m.AssetID,
			m.PointKey,
			m.TS.UTC(),
			valueNumeric,
			valueText,
			m.Quality,
			m.Source,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// LatestValues returns the newest reading of each key within the lookback
// window. Keys with no reading are absent from the result.
func (r *TelemetryRepository) LatestValues(ctx context.Context, assetID string, keys []string, lookbackHours int) (map[string]any, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("telemetry repo: nil db")
	}
	if assetID == "" {
		return nil, errors.New("telemetry repo: empty asset id")
	}
	result := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	var since time.Time
	if lookbackHours > 0 {
		since = r.now().Add(-time.Duration(lookbackHours) * time.Hour)
	}

	query := fmt.Sprintf(`
SELECT DISTINCT ON (point_key) point_key, value_numeric, value_text
FROM %s
WHERE asset_id = $1
	AND point_key = ANY($2)
	AND ts >= $3
ORDER BY point_key, ts DESC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, assetID, keys, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var numeric sql.NullFloat64
		var text sql.NullString
		if err := rows.Scan(&key, &numeric, &text); err != nil {
			return nil, err
		}
		switch {
		case numeric.Valid:
			result[key] = numeric.Float64
		case text.Valid:
			result[key] = text.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// History returns numeric readings of one field over the trailing hours,
// oldest first.
func (r *TelemetryRepository) History(ctx context.Context, assetID, field string, hours int) ([]anomaly.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("telemetry repo: nil db")
	}
	if assetID == "" || field == "" || hours <= 0 {
		return nil, errors.New("telemetry repo: invalid history arguments")
	}
	since := r.now().Add(-time.Duration(hours) * time.Hour)

	query := fmt.Sprintf(`
SELECT ts, value_numeric
FROM %s
WHERE asset_id = $1
	AND point_key = $2
	AND ts >= $3
	AND value_numeric IS NOT NULL
ORDER BY ts ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, assetID, field, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []anomaly.Sample
	for rows.Next() {
		var ts time.Time
		var value float64
		if err := rows.Scan(&ts, &value); err != nil {
			return nil, err
		}
		samples = append(samples, anomaly.Sample{At: ts.UTC(), Value: value})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// DeleteByAsset removes every reading of one asset.
func (r *TelemetryRepository) DeleteByAsset(ctx context.Context, assetID string) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("telemetry repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE asset_id = $1`, r.table), assetID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
