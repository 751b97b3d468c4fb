package application

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	alarms "asset-alerting/internal/alarms/domain"
)

const statsWindow = 24 * time.Hour

// ExecutionLogger writes and queries the evaluation audit trail.
type ExecutionLogger struct {
	store ExecutionLogStore
	clock Clock
}

// NewExecutionLogger constructs a logger over a store.
func NewExecutionLogger(store ExecutionLogStore, clock Clock) (*ExecutionLogger, error) {
	if store == nil {
		return nil, errors.New("alarms execution logger: nil store")
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &ExecutionLogger{store: store, clock: clock}, nil
}

// Record appends one entry, assigning an id when missing.
func (l *ExecutionLogger) Record(ctx context.Context, entry alarms.ExecutionLogEntry) (alarms.ExecutionLogEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ConditionResults == nil {
		entry.ConditionResults = map[string]alarms.ConditionResult{}
	}
	return entry, l.store.Append(ctx, entry)
}

// List returns one page of entries and the total match count.
func (l *ExecutionLogger) List(ctx context.Context, filter alarms.LogFilter) ([]alarms.ExecutionLogEntry, int, error) {
	return l.store.List(ctx, filter.Normalize())
}

// Stats aggregates entries of the trailing day.
func (l *ExecutionLogger) Stats(ctx context.Context, ruleID, assetID string) (alarms.ExecutionStats, error) {
	return l.store.Stats(ctx, ruleID, assetID, l.clock.Now().Add(-statsWindow))
}

// PurgeAsset bulk-deletes the entries of one asset.
func (l *ExecutionLogger) PurgeAsset(ctx context.Context, assetID string) (int64, error) {
	if assetID == "" {
		return 0, errors.New("alarms execution logger: empty asset id")
	}
	return l.store.DeleteByAsset(ctx, assetID)
}
