package alarms

import "time"

// TriggeredState marks a (rule, asset) pair as currently alarmed.
// Absence of a state means idle.
type TriggeredState struct {
	RuleID               string    `json:"rule_id"`
	AssetID              string    `json:"asset_id"`
	Since                time.Time `json:"since"`
	LastSeen             time.Time `json:"last_seen"`
	SourceComputationRef string    `json:"source_computation_ref,omitempty"`
}

// ComputationRecord links an external computation run to an asset.
type ComputationRecord struct {
	AssetID        string    `json:"asset_id"`
	RuleID         string    `json:"rule_id"`
	ConditionID    string    `json:"condition_id"`
	ComputationRef string    `json:"computation_ref"`
	RunID          string    `json:"run_id"`
	ResultRef      string    `json:"result_ref"`
	RecordedAt     time.Time `json:"recorded_at"`
}
