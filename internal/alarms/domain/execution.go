package alarms

import "time"

// TriggerKind tells which path started an evaluation.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerRealtime  TriggerKind = "realtime"
	TriggerTest      TriggerKind = "test"
)

// ExecutionStatus is the outcome class of one evaluation.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "success"
	StatusWarning ExecutionStatus = "warning"
	StatusError   ExecutionStatus = "error"
)

// ConditionResult captures how one condition evaluated.
type ConditionResult struct {
	Kind      ConditionKind  `json:"kind"`
	Parameter string         `json:"parameter"`
	Operator  Operator       `json:"operator,omitempty"`
	Threshold any            `json:"threshold,omitempty"`
	Value     any            `json:"value,omitempty"`
	Satisfied bool           `json:"satisfied"`
	Detail    map[string]any `json:"detail,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ExecutionLogEntry is the immutable audit record of one evaluation.
type ExecutionLogEntry struct {
	ID                string                     `json:"id"`
	RuleID            string                     `json:"rule_id"`
	RuleName          string                     `json:"rule_name"`
	AssetID           string                     `json:"asset_id"`
	Trigger           TriggerKind                `json:"trigger"`
	StartedAt         time.Time                  `json:"started_at"`
	DurationMs        int64                      `json:"duration_ms"`
	Status            ExecutionStatus            `json:"status"`
	Satisfied         bool                       `json:"satisfied"`
	ConditionResults  map[string]ConditionResult `json:"condition_results"`
	ComputationRef    string                     `json:"computation_ref,omitempty"`
	ErrorMessage      string                     `json:"error_message,omitempty"`
	Context           map[string]any             `json:"context,omitempty"`
	ActionsDispatched int                        `json:"actions_dispatched"`
}

// LogFilter selects execution log entries.
type LogFilter struct {
	RuleID   string
	AssetID  string
	Page     int
	PageSize int
}

// Normalize clamps paging to sane bounds.
func (f LogFilter) Normalize() LogFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 50
	}
	if f.PageSize > 500 {
		f.PageSize = 500
	}
	return f
}

// Offset returns the row offset of the page.
func (f LogFilter) Offset() int {
	f = f.Normalize()
	return (f.Page - 1) * f.PageSize
}

// ExecutionStats aggregates execution logs over a window.
type ExecutionStats struct {
	Total          int64     `json:"total"`
	Success        int64     `json:"success"`
	Warning        int64     `json:"warning"`
	Error          int64     `json:"error"`
	Satisfied      int64     `json:"satisfied"`
	AvgDurationMs  float64   `json:"avg_duration_ms"`
	LastExecutedAt time.Time `json:"last_executed_at,omitempty"`
}
