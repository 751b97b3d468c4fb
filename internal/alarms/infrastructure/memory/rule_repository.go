package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	alarms "asset-alerting/internal/alarms/domain"
)

// RuleRepository is an in-memory rule store for demo/testing.
type RuleRepository struct {
	mu    sync.RWMutex
	rules map[string]alarms.Rule
}

// NewRuleRepository constructs a repository.
func NewRuleRepository() *RuleRepository {
	return &RuleRepository{rules: make(map[string]alarms.Rule)}
}

// Create inserts a rule.
func (r *RuleRepository) Create(ctx context.Context, rule alarms.Rule) error {
	_ = ctx
	if rule.ID == "" {
		return errors.New("rule repo: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.ID]; exists {
		return errors.New("rule repo: duplicate id")
	}
	r.rules[rule.ID] = rule
	return nil
}

// Update replaces a rule.
func (r *RuleRepository) Update(ctx context.Context, rule alarms.Rule) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.ID]; !exists {
		return alarms.ErrNotFound
	}
	r.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule.
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[id]; !exists {
		return alarms.ErrNotFound
	}
	delete(r.rules, id)
	return nil
}

// Get loads a rule. It returns nil when absent.
func (r *RuleRepository) Get(ctx context.Context, id string) (*alarms.Rule, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

// List returns every rule.
func (r *RuleRepository) List(ctx context.Context) ([]alarms.Rule, error) {
	return r.filter(ctx, func(alarms.Rule) bool { return true })
}

// ListActive returns active rules.
func (r *RuleRepository) ListActive(ctx context.Context) ([]alarms.Rule, error) {
	return r.filter(ctx, func(rule alarms.Rule) bool { return rule.IsActive })
}

// ListByAsset returns the rules of one asset.
func (r *RuleRepository) ListByAsset(ctx context.Context, assetID string) ([]alarms.Rule, error) {
	return r.filter(ctx, func(rule alarms.Rule) bool { return rule.AssetID == assetID })
}

func (r *RuleRepository) filter(ctx context.Context, keep func(alarms.Rule) bool) ([]alarms.Rule, error) {
	_ = ctx
	r.mu.RLock()
	out := make([]alarms.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if keep(rule) {
			out = append(out, rule)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
