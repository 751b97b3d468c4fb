package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	alarms "asset-alerting/internal/alarms/domain"
)

const ruleColumns = `id, name, asset_id, conditions, actions, is_active, check_interval_seconds, created_at, updated_at`

// RuleRepository is a Postgres repository for alert rules. Conditions and
// actions are stored as JSONB.
type RuleRepository struct {
	db *sql.DB
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db *sql.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Create inserts a rule.
func (r *RuleRepository) Create(ctx context.Context, rule alarms.Rule) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	conditions, actions, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO alert_rules (`+ruleColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rule.ID, rule.Name, rule.AssetID, conditions, actions, rule.IsActive,
		rule.CheckIntervalSeconds, rule.CreatedAt, rule.UpdatedAt)
	return err
}

// Update replaces a rule.
func (r *RuleRepository) Update(ctx context.Context, rule alarms.Rule) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	conditions, actions, err := encodeRuleBody(rule)
	if err != nil {
		return err
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = time.Now().UTC()
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE alert_rules
SET name = $2, asset_id = $3, conditions = $4, actions = $5, is_active = $6,
	check_interval_seconds = $7, updated_at = $8
WHERE id = $1`,
		rule.ID, rule.Name, rule.AssetID, conditions, actions, rule.IsActive,
		rule.CheckIntervalSeconds, rule.UpdatedAt)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// Delete removes a rule.
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// Get loads a rule by id. It returns nil when absent.
func (r *RuleRepository) Get(ctx context.Context, id string) (*alarms.Rule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

// List returns every rule.
func (r *RuleRepository) List(ctx context.Context) ([]alarms.Rule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY created_at ASC`)
}

// ListActive returns active rules.
func (r *RuleRepository) ListActive(ctx context.Context) ([]alarms.Rule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE is_active = TRUE ORDER BY created_at ASC`)
}

// ListByAsset returns the rules of one asset.
func (r *RuleRepository) ListByAsset(ctx context.Context, assetID string) ([]alarms.Rule, error) {
	return r.query(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE asset_id = $1 ORDER BY created_at ASC`, assetID)
}

func (r *RuleRepository) query(ctx context.Context, query string, args ...any) ([]alarms.Rule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (alarms.Rule, error) {
	var rule alarms.Rule
	var conditions, actions []byte
	if err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.AssetID,
		&conditions,
		&actions,
		&rule.IsActive,
		&rule.CheckIntervalSeconds,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return alarms.Rule{}, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
			return alarms.Rule{}, fmt.Errorf("rule repo: decode conditions of %s: %w", rule.ID, err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &rule.Actions); err != nil {
			return alarms.Rule{}, fmt.Errorf("rule repo: decode actions of %s: %w", rule.ID, err)
		}
	}
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return rule, nil
}

func encodeRuleBody(rule alarms.Rule) ([]byte, []byte, error) {
	conditions := rule.Conditions
	if conditions == nil {
		conditions = []alarms.Condition{}
	}
	actions := rule.Actions
	if actions == nil {
		actions = []alarms.Action{}
	}
	c, err := json.Marshal(conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("rule repo: encode conditions: %w", err)
	}
	a, err := json.Marshal(actions)
	if err != nil {
		return nil, nil, fmt.Errorf("rule repo: encode actions: %w", err)
	}
	return c, a, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return alarms.ErrNotFound
	}
	return nil
}
