package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	alarms "asset-alerting/internal/alarms/domain"
)

// ExecutionLogRepository is the append-only Postgres execution log.
type ExecutionLogRepository struct {
	db *sql.DB
}

// NewExecutionLogRepository constructs a repository.
func NewExecutionLogRepository(db *sql.DB) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db}
}

// Append inserts an entry. Re-inserting the same id is a no-op.
func (r *ExecutionLogRepository) Append(ctx context.Context, entry alarms.ExecutionLogEntry) error {
	if r == nil || r.db == nil {
		return errors.New("execution log repo: nil db")
	}
	if entry.ID == "" {
		return errors.New("execution log repo: empty id")
	}
	results, err := json.Marshal(entry.ConditionResults)
	if err != nil {
		return fmt.Errorf("execution log repo: encode results: %w", err)
	}
	contextJSON, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("execution log repo: encode context: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO execution_logs (
	id, rule_id, rule_name, asset_id, trigger, started_at, duration_ms, status,
	satisfied, condition_results, computation_ref, error_message, context, actions_dispatched
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8,
	$9, $10, $11, $12, $13, $14
)
ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.RuleID, entry.RuleName, entry.AssetID, string(entry.Trigger), entry.StartedAt.UTC(),
		entry.DurationMs, string(entry.Status), entry.Satisfied, results, entry.ComputationRef,
		entry.ErrorMessage, contextJSON, entry.ActionsDispatched)
	return err
}

// List returns one page of matching entries, newest first, and the total.
func (r *ExecutionLogRepository) List(ctx context.Context, filter alarms.LogFilter) ([]alarms.ExecutionLogEntry, int, error) {
	if r == nil || r.db == nil {
		return nil, 0, errors.New("execution log repo: nil db")
	}
	filter = filter.Normalize()
	where, args := logWhere(filter.RuleID, filter.AssetID, time.Time{})

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, filter.PageSize, filter.Offset())
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id, rule_id, rule_name, asset_id, trigger, started_at, duration_ms, status,
	satisfied, condition_results, computation_ref, error_message, context, actions_dispatched
FROM execution_logs%s
ORDER BY started_at DESC, id
LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]alarms.ExecutionLogEntry, 0, filter.PageSize)
	for rows.Next() {
		var (
			e         alarms.ExecutionLogEntry
			trigger   string
			status    string
			results   []byte
			ctxJSON   []byte
			errorMsg  sql.NullString
			compRef   sql.NullString
			startedAt time.Time
		)
		if err := rows.Scan(
			&e.ID, &e.RuleID, &e.RuleName, &e.AssetID, &trigger, &startedAt, &e.DurationMs, &status,
			&e.Satisfied, &results, &compRef, &errorMsg, &ctxJSON, &e.ActionsDispatched,
		); err != nil {
			return nil, 0, err
		}
		e.Trigger = alarms.TriggerKind(trigger)
		e.Status = alarms.ExecutionStatus(status)
		e.StartedAt = startedAt.UTC()
		e.ComputationRef = compRef.String
		e.ErrorMessage = errorMsg.String
		if len(results) > 0 {
			if err := json.Unmarshal(results, &e.ConditionResults); err != nil {
				return nil, 0, fmt.Errorf("execution log repo: decode results of %s: %w", e.ID, err)
			}
		}
		if len(ctxJSON) > 0 && string(ctxJSON) != "null" {
			if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
				return nil, 0, fmt.Errorf("execution log repo: decode context of %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Stats aggregates entries started at or after since.
func (r *ExecutionLogRepository) Stats(ctx context.Context, ruleID, assetID string, since time.Time) (alarms.ExecutionStats, error) {
	if r == nil || r.db == nil {
		return alarms.ExecutionStats{}, errors.New("execution log repo: nil db")
	}
	where, args := logWhere(ruleID, assetID, since)
	var (
		stats   alarms.ExecutionStats
		avg     sql.NullFloat64
		lastRun sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COUNT(*) FILTER (WHERE status = 'success'),
	COUNT(*) FILTER (WHERE status = 'warning'),
	COUNT(*) FILTER (WHERE status = 'error'),
	COUNT(*) FILTER (WHERE satisfied),
	AVG(duration_ms)::float8,
	MAX(started_at)
FROM execution_logs`+where, args...).Scan(
		&stats.Total, &stats.Success, &stats.Warning, &stats.Error, &stats.Satisfied, &avg, &lastRun)
	if err != nil {
		return alarms.ExecutionStats{}, err
	}
	if avg.Valid {
		stats.AvgDurationMs = avg.Float64
	}
	if lastRun.Valid {
		stats.LastExecutedAt = lastRun.Time.UTC()
	}
	return stats, nil
}

// DeleteByAsset removes every entry of one asset.
func (r *ExecutionLogRepository) DeleteByAsset(ctx context.Context, assetID string) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("execution log repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM execution_logs WHERE asset_id = $1`, assetID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func logWhere(ruleID, assetID string, since time.Time) (string, []any) {
	var clauses []string
	var args []any
	if ruleID != "" {
		args = append(args, ruleID)
		clauses = append(clauses, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if assetID != "" {
		args = append(args, assetID)
		clauses = append(clauses, fmt.Sprintf("asset_id = $%d", len(args)))
	}
	if !since.IsZero() {
		args = append(args, since.UTC())
		clauses = append(clauses, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
