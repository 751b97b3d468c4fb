package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alarms "asset-alerting/internal/alarms/domain"
)

// ComputationRepository stores computation references per asset.
type ComputationRepository struct {
	db *sql.DB
}

// NewComputationRepository constructs a repository.
func NewComputationRepository(db *sql.DB) *ComputationRepository {
	return &ComputationRepository{db: db}
}

// Record inserts a reference.
func (r *ComputationRepository) Record(ctx context.Context, record alarms.ComputationRecord) error {
	if r == nil || r.db == nil {
		return errors.New("computation repo: nil db")
	}
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO asset_computation_refs (
	asset_id, rule_id, condition_id, computation_ref, run_id, result_ref, recorded_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.AssetID, record.RuleID, record.ConditionID, record.ComputationRef,
		record.RunID, record.ResultRef, record.RecordedAt.UTC())
	return err
}

// ListByAsset returns the newest references of an asset first.
func (r *ComputationRepository) ListByAsset(ctx context.Context, assetID string, limit int) ([]alarms.ComputationRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("computation repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT asset_id, rule_id, condition_id, computation_ref, run_id, result_ref, recorded_at
FROM asset_computation_refs
WHERE asset_id = $1
ORDER BY recorded_at DESC
LIMIT $2`, assetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.ComputationRecord
	for rows.Next() {
		var rec alarms.ComputationRecord
		if err := rows.Scan(&rec.AssetID, &rec.RuleID, &rec.ConditionID, &rec.ComputationRef, &rec.RunID, &rec.ResultRef, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.RecordedAt = rec.RecordedAt.UTC()
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteByAsset removes the references of one asset.
func (r *ComputationRepository) DeleteByAsset(ctx context.Context, assetID string) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("computation repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM asset_computation_refs WHERE asset_id = $1`, assetID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
