package application

import (
	"sort"
	"sync"
	"time"

	alarms "asset-alerting/internal/alarms/domain"
	"asset-alerting/internal/observability/metrics"
)

type stateKey struct {
	ruleID  string
	assetID string
}

// StateTable tracks which (rule, asset) pairs are currently triggered.
// Writers race freely; the last write wins.
type StateTable struct {
	mu     sync.Mutex
	states map[stateKey]alarms.TriggeredState
}

// NewStateTable constructs an empty table.
func NewStateTable() *StateTable {
	return &StateTable{states: make(map[stateKey]alarms.TriggeredState)}
}

// MarkTriggered moves the pair to triggered, refreshing it when already set.
// It reports whether this was the idle to triggered transition.
func (t *StateTable) MarkTriggered(ruleID, assetID, computationRef string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := stateKey{ruleID: ruleID, assetID: assetID}
	state, exists := t.states[key]
	if !exists {
		state = alarms.TriggeredState{RuleID: ruleID, AssetID: assetID, Since: at}
	}
	state.LastSeen = at
	if computationRef != "" {
		state.SourceComputationRef = computationRef
	}
	t.states[key] = state
	if exists {
		metrics.IncTriggered("refresh")
	} else {
		metrics.IncTriggered("triggered")
	}
	return !exists
}

// Clear returns the pair to idle. It reports whether a state was removed.
func (t *StateTable) Clear(ruleID, assetID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := stateKey{ruleID: ruleID, assetID: assetID}
	if _, ok := t.states[key]; !ok {
		return false
	}
	delete(t.states, key)
	metrics.IncTriggered("cleared")
	return true
}

// Get returns the state of a pair.
func (t *StateTable) Get(ruleID, assetID string) (alarms.TriggeredState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[stateKey{ruleID: ruleID, assetID: assetID}]
	return state, ok
}

// ClearRule tears down every state of a rule.
func (t *StateTable) ClearRule(ruleID string) int {
	return t.clearWhere(func(k stateKey) bool { return k.ruleID == ruleID })
}

// ClearAsset tears down every state of an asset.
func (t *StateTable) ClearAsset(assetID string) int {
	return t.clearWhere(func(k stateKey) bool { return k.assetID == assetID })
}

func (t *StateTable) clearWhere(match func(stateKey) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key := range t.states {
		if match(key) {
			delete(t.states, key)
			removed++
		}
	}
	return removed
}

// List returns all triggered states ordered by start time.
func (t *StateTable) List() []alarms.TriggeredState {
	t.mu.Lock()
	out := make([]alarms.TriggeredState, 0, len(t.states))
	for _, state := range t.states {
		out = append(out, state)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].RuleID < out[j].RuleID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}
