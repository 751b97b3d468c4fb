package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	alarms "asset-alerting/internal/alarms/domain"
)

// ExecutionLogRepository is an append-only in-memory log store.
type ExecutionLogRepository struct {
	mu      sync.RWMutex
	entries []alarms.ExecutionLogEntry
}

// NewExecutionLogRepository constructs a repository.
func NewExecutionLogRepository() *ExecutionLogRepository {
	return &ExecutionLogRepository{}
}

// Append stores one entry.
func (r *ExecutionLogRepository) Append(ctx context.Context, entry alarms.ExecutionLogEntry) error {
	_ = ctx
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	return nil
}

// List returns one page of matching entries, newest first, and the total.
func (r *ExecutionLogRepository) List(ctx context.Context, filter alarms.LogFilter) ([]alarms.ExecutionLogEntry, int, error) {
	_ = ctx
	filter = filter.Normalize()
	matched := r.matching(filter.RuleID, filter.AssetID, time.Time{})
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	total := len(matched)
	start := filter.Offset()
	if start >= total {
		return []alarms.ExecutionLogEntry{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// Stats aggregates entries started at or after since.
func (r *ExecutionLogRepository) Stats(ctx context.Context, ruleID, assetID string, since time.Time) (alarms.ExecutionStats, error) {
	_ = ctx
	var stats alarms.ExecutionStats
	var totalDuration int64
	for _, e := range r.matching(ruleID, assetID, since) {
		stats.Total++
		totalDuration += e.DurationMs
		switch e.Status {
		case alarms.StatusSuccess:
			stats.Success++
		case alarms.StatusWarning:
			stats.Warning++
		case alarms.StatusError:
			stats.Error++
		}
		if e.Satisfied {
			stats.Satisfied++
		}
		if e.StartedAt.After(stats.LastExecutedAt) {
			stats.LastExecutedAt = e.StartedAt
		}
	}
	if stats.Total > 0 {
		stats.AvgDurationMs = float64(totalDuration) / float64(stats.Total)
	}
	return stats, nil
}

// DeleteByAsset removes every entry of one asset.
func (r *ExecutionLogRepository) DeleteByAsset(ctx context.Context, assetID string) (int64, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	var removed int64
	for _, e := range r.entries {
		if e.AssetID == assetID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return removed, nil
}

// Len returns the number of stored entries.
func (r *ExecutionLogRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *ExecutionLogRepository) matching(ruleID, assetID string, since time.Time) []alarms.ExecutionLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]alarms.ExecutionLogEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if ruleID != "" && e.RuleID != ruleID {
			continue
		}
		if assetID != "" && e.AssetID != assetID {
			continue
		}
		if !since.IsZero() && e.StartedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out
}
