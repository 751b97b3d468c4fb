package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	alarms "asset-alerting/internal/alarms/domain"
	"asset-alerting/internal/logger"
)

// Evaluator runs one evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) Outcome
}

// AssetTeardown reports what RemoveAsset cleaned up.
type AssetTeardown struct {
	RulesDeleted       int   `json:"rules_deleted"`
	StatesCleared      int   `json:"states_cleared"`
	ExecutionsPurged   int64 `json:"executions_purged"`
	ComputationsPurged int64 `json:"computations_purged"`
}

// Registry owns the rule set, its timers and the triggered-state table.
type Registry struct {
	store     RuleStore
	evaluator Evaluator
	states    *StateTable
	scheduler *Scheduler
	logs      *ExecutionLogger
	records   ComputationRecorder
	clock     Clock

	mu    sync.RWMutex
	rules map[string]alarms.Rule

	log zerolog.Logger
}

// RegistryOption customizes the registry.
type RegistryOption func(*Registry)

// WithScheduler assigns the scheduler.
func WithScheduler(scheduler *Scheduler) RegistryOption {
	return func(r *Registry) {
		if scheduler != nil {
			r.scheduler = scheduler
		}
	}
}

// WithExecutionLogger enables execution log purges on asset removal.
func WithExecutionLogger(logs *ExecutionLogger) RegistryOption {
	return func(r *Registry) {
		r.logs = logs
	}
}

// WithComputationRecords enables computation reference purges on asset
// removal.
func WithComputationRecords(records ComputationRecorder) RegistryOption {
	return func(r *Registry) {
		r.records = records
	}
}

// WithRegistryClock assigns a clock.
func WithRegistryClock(clock Clock) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry constructs a registry.
func NewRegistry(store RuleStore, evaluator Evaluator, states *StateTable, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, errors.New("alarms registry: nil rule store")
	}
	if evaluator == nil {
		return nil, errors.New("alarms registry: nil evaluator")
	}
	if states == nil {
		return nil, errors.New("alarms registry: nil state table")
	}
	registry := &Registry{
		store:     store,
		evaluator: evaluator,
		states:    states,
		clock:     systemClock{},
		rules:     make(map[string]alarms.Rule),
		log:       logger.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(registry)
	}
	if registry.scheduler == nil {
		registry.scheduler = NewScheduler()
	}
	return registry, nil
}

// Scheduler returns the registry's scheduler.
func (r *Registry) Scheduler() *Scheduler {
	return r.scheduler
}

// States returns the triggered-state table.
func (r *Registry) States() *StateTable {
	return r.states
}

// Load fills the cache from the store and rebuilds timers for the active
// scheduled rules.
func (r *Registry) Load(ctx context.Context) error {
	rules, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("alarms registry: load rules: %w", err)
	}
	r.mu.Lock()
	r.rules = make(map[string]alarms.Rule, len(rules))
	for _, rule := range rules {
		r.rules[rule.ID] = rule
	}
	r.mu.Unlock()

	active, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("alarms registry: load active rules: %w", err)
	}
	timers := 0
	for _, rule := range active {
		if rule.IsScheduled() {
			r.StartTimer(rule)
			timers++
		}
	}
	r.log.Info().Int("rules", len(rules)).Int("timers", timers).Msg("rules loaded")
	return nil
}

// Create validates and stores a new rule, starting its timer when needed.
func (r *Registry) Create(ctx context.Context, rule alarms.Rule) (alarms.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	assignIDs(&rule)
	now := r.clock.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := rule.Validate(); err != nil {
		return alarms.Rule{}, err
	}
	if err := r.store.Create(ctx, rule); err != nil {
		return alarms.Rule{}, err
	}
	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()
	r.StartTimer(rule)
	return rule, nil
}

// Update replaces a rule. The timer is stopped and restarted when the rule
// is still scheduled.
func (r *Registry) Update(ctx context.Context, rule alarms.Rule) (alarms.Rule, error) {
	existing, err := r.Get(ctx, rule.ID)
	if err != nil {
		return alarms.Rule{}, err
	}
	assignIDs(&rule)
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = r.clock.Now()
	if err := rule.Validate(); err != nil {
		return alarms.Rule{}, err
	}
	if err := r.store.Update(ctx, rule); err != nil {
		return alarms.Rule{}, err
	}
	r.mu.Lock()
	r.rules[rule.ID] = rule
	r.mu.Unlock()

	r.StopTimer(rule.ID)
	r.StartTimer(rule)
	if !rule.IsActive || existing.AssetID != rule.AssetID {
		r.states.ClearRule(rule.ID)
	}
	return rule, nil
}

// Delete removes a rule with its timer and triggered states.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.rules, id)
	r.mu.Unlock()
	r.StopTimer(id)
	r.states.ClearRule(id)
	return nil
}

// Get returns a rule from the cache, falling back to the store.
func (r *Registry) Get(ctx context.Context, id string) (alarms.Rule, error) {
	r.mu.RLock()
	rule, ok := r.rules[id]
	r.mu.RUnlock()
	if ok {
		return rule, nil
	}
	stored, err := r.store.Get(ctx, id)
	if err != nil {
		return alarms.Rule{}, err
	}
	if stored == nil {
		return alarms.Rule{}, alarms.ErrNotFound
	}
	r.mu.Lock()
	r.rules[stored.ID] = *stored
	r.mu.Unlock()
	return *stored, nil
}

// List returns cached rules, optionally limited to one asset.
func (r *Registry) List(assetID string) []alarms.Rule {
	r.mu.RLock()
	out := make([]alarms.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if assetID != "" && rule.AssetID != assetID {
			continue
		}
		out = append(out, rule)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RealtimeRules returns the active interval-zero rules of an asset.
func (r *Registry) RealtimeRules(assetID string) []alarms.Rule {
	var out []alarms.Rule
	for _, rule := range r.List(assetID) {
		if rule.IsActive && rule.IsRealtime() {
			out = append(out, rule)
		}
	}
	return out
}

// RemoveAsset deletes everything held for an asset: rules with their timers,
// triggered states, execution logs and computation references.
func (r *Registry) RemoveAsset(ctx context.Context, assetID string) (AssetTeardown, error) {
	if assetID == "" {
		return AssetTeardown{}, errors.New("alarms registry: empty asset id")
	}
	var teardown AssetTeardown
	rules, err := r.store.ListByAsset(ctx, assetID)
	if err != nil {
		return teardown, err
	}
	teardown.StatesCleared = r.states.ClearAsset(assetID)
	for _, rule := range rules {
		if err := r.Delete(ctx, rule.ID); err != nil && !errors.Is(err, alarms.ErrNotFound) {
			return teardown, err
		}
		teardown.RulesDeleted++
	}
	if r.logs != nil {
		purged, err := r.logs.PurgeAsset(ctx, assetID)
		if err != nil {
			return teardown, err
		}
		teardown.ExecutionsPurged = purged
	}
	if r.records != nil {
		purged, err := r.records.DeleteByAsset(ctx, assetID)
		if err != nil {
			return teardown, err
		}
		teardown.ComputationsPurged = purged
	}
	r.log.Info().
		Str("asset_id", assetID).
		Int("rules", teardown.RulesDeleted).
		Int64("executions", teardown.ExecutionsPurged).
		Int64("computations", teardown.ComputationsPurged).
		Msg("asset removed")
	return teardown, nil
}

// Evaluate runs a rule immediately with the given trigger.
func (r *Registry) Evaluate(ctx context.Context, ruleID string, trigger alarms.TriggerKind) (Outcome, error) {
	rule, err := r.Get(ctx, ruleID)
	if err != nil {
		return Outcome{}, err
	}
	return r.evaluator.Evaluate(ctx, Request{Rule: rule, Trigger: trigger}), nil
}

// Test dry-runs a rule. A non-nil message replaces the snapshot fetch; the
// verdict neither dispatches nor moves the triggered state.
func (r *Registry) Test(ctx context.Context, ruleID string, msg *InboundMessage) (Outcome, error) {
	rule, err := r.Get(ctx, ruleID)
	if err != nil {
		return Outcome{}, err
	}
	return r.evaluator.Evaluate(ctx, Request{Rule: rule, Trigger: alarms.TriggerTest, Message: msg}), nil
}

// StartTimer installs the recurring timer of a scheduled rule, replacing any
// existing one. Inactive and real-time rules get no timer.
func (r *Registry) StartTimer(rule alarms.Rule) {
	if !rule.IsScheduled() {
		r.scheduler.Cancel(rule.ID)
		return
	}
	ruleID := rule.ID
	err := r.scheduler.Schedule(ruleID, rule.Interval(), func(ctx context.Context) {
		r.tick(ctx, ruleID)
	})
	if err != nil {
		r.log.Error().Err(err).Str("rule_id", ruleID).Msg("start timer failed")
	}
}

// StopTimer cancels the timer of a rule. Safe when none exists.
func (r *Registry) StopTimer(ruleID string) {
	r.scheduler.Cancel(ruleID)
}

// tick evaluates the rule as currently registered.
func (r *Registry) tick(ctx context.Context, ruleID string) {
	r.mu.RLock()
	rule, ok := r.rules[ruleID]
	r.mu.RUnlock()
	if !ok || !rule.IsScheduled() {
		return
	}
	outcome := r.evaluator.Evaluate(ctx, Request{Rule: rule, Trigger: alarms.TriggerScheduled})
	if outcome.Status == alarms.StatusError {
		r.log.Warn().
			Str("rule_id", ruleID).
			Str("error", outcome.ErrorMessage).
			Msg("scheduled evaluation failed")
	}
}

func assignIDs(rule *alarms.Rule) {
	for i := range rule.Conditions {
		if rule.Conditions[i].ID == "" {
			rule.Conditions[i].ID = uuid.NewString()
		}
	}
	for i := range rule.Actions {
		if rule.Actions[i].ID == "" {
			rule.Actions[i].ID = uuid.NewString()
		}
	}
}
