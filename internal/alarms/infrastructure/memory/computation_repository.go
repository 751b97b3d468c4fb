package memory

import (
	"context"
	"sync"

	alarms "asset-alerting/internal/alarms/domain"
)

// ComputationRepository keeps computation references per asset.
type ComputationRepository struct {
	mu      sync.RWMutex
	records map[string][]alarms.ComputationRecord
}

// NewComputationRepository constructs a repository.
func NewComputationRepository() *ComputationRepository {
	return &ComputationRepository{records: make(map[string][]alarms.ComputationRecord)}
}

// Record stores a reference.
func (r *ComputationRepository) Record(ctx context.Context, record alarms.ComputationRecord) error {
	_ = ctx
	r.mu.Lock()
	r.records[record.AssetID] = append(r.records[record.AssetID], record)
	r.mu.Unlock()
	return nil
}

// ListByAsset returns the newest references of an asset first.
func (r *ComputationRepository) ListByAsset(ctx context.Context, assetID string, limit int) ([]alarms.ComputationRecord, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.records[assetID]
	out := make([]alarms.ComputationRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DeleteByAsset drops every reference of an asset.
func (r *ComputationRepository) DeleteByAsset(ctx context.Context, assetID string) (int64, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	n := int64(len(r.records[assetID]))
	delete(r.records, assetID)
	return n, nil
}
