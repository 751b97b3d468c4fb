package application

import (
	"context"
	"time"

	alarms "asset-alerting/internal/alarms/domain"
	"asset-alerting/internal/analytics/domain/anomaly"
	"asset-alerting/internal/computeadapter"
)

// TimeSeries serves snapshots and history of asset readings.
type TimeSeries interface {
	LatestValues(ctx context.Context, assetID string, keys []string, lookbackHours int) (map[string]any, error)
	History(ctx context.Context, assetID, field string, hours int) ([]anomaly.Sample, error)
}

// RuleStore persists alert rules.
type RuleStore interface {
	Create(ctx context.Context, rule alarms.Rule) error
	Update(ctx context.Context, rule alarms.Rule) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*alarms.Rule, error)
	List(ctx context.Context) ([]alarms.Rule, error)
	ListActive(ctx context.Context) ([]alarms.Rule, error)
	ListByAsset(ctx context.Context, assetID string) ([]alarms.Rule, error)
}

// ExecutionLogStore persists execution log entries.
type ExecutionLogStore interface {
	Append(ctx context.Context, entry alarms.ExecutionLogEntry) error
	List(ctx context.Context, filter alarms.LogFilter) ([]alarms.ExecutionLogEntry, int, error)
	Stats(ctx context.Context, ruleID, assetID string, since time.Time) (alarms.ExecutionStats, error)
	DeleteByAsset(ctx context.Context, assetID string) (int64, error)
}

// ComputationRecorder links computation runs to assets.
type ComputationRecorder interface {
	Record(ctx context.Context, record alarms.ComputationRecord) error
	ListByAsset(ctx context.Context, assetID string, limit int) ([]alarms.ComputationRecord, error)
	DeleteByAsset(ctx context.Context, assetID string) (int64, error)
}

// Computation runs external computations to completion.
type Computation interface {
	Run(ctx context.Context, computationRef string, parameters map[string]any, timeoutMs, maxRetries int) (computeadapter.Result, error)
}

// Publisher sends a message to every bus session subscribed to topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, message []byte) error
}

// WebhookSender posts a payload to an arbitrary endpoint.
type WebhookSender interface {
	Send(ctx context.Context, url string, payload any) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
