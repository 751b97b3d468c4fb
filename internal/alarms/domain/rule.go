package alarms

import (
	"fmt"
	"strings"
	"time"
)

// ConditionKind selects the evaluation strategy of a condition.
type ConditionKind string

const (
	ConditionSimple      ConditionKind = "simple"
	ConditionStatistical ConditionKind = "statistical"
	ConditionExternal    ConditionKind = "external"
)

// LogicalOperator joins a condition to the result accumulated before it.
type LogicalOperator string

const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// ActionKind selects the side effect of an action.
type ActionKind string

const (
	ActionPublish ActionKind = "publish"
	ActionWebhook ActionKind = "webhook"
)

// Rule defines an alert rule bound to one asset.
type Rule struct {
	ID                   string      `json:"id"`
	Name                 string      `json:"name"`
	AssetID              string      `json:"asset_id"`
	Conditions           []Condition `json:"conditions"`
	Actions              []Action    `json:"actions"`
	IsActive             bool        `json:"is_active"`
	CheckIntervalSeconds int         `json:"check_interval_seconds"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// StatisticalConfig configures a z-score condition.
type StatisticalConfig struct {
	MovingAverageWindowMinutes int     `json:"moving_average_window_minutes"`
	PopulationWindowDays       int     `json:"population_window_days"`
	ThresholdSigma             float64 `json:"threshold_sigma"`
}

// ExternalConfig configures an external computation condition.
type ExternalConfig struct {
	ComputationRef string         `json:"computation_ref"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TimeoutMs      int            `json:"timeout_ms"`
	MaxRetries     int            `json:"max_retries"`
}

// Condition is one clause of a rule.
type Condition struct {
	ID              string             `json:"id"`
	Kind            ConditionKind      `json:"kind"`
	Parameter       string             `json:"parameter"`
	Operator        Operator           `json:"operator"`
	Threshold       any                `json:"threshold"`
	LogicalOperator LogicalOperator    `json:"logical_operator,omitempty"`
	Statistical     *StatisticalConfig `json:"statistical,omitempty"`
	External        *ExternalConfig    `json:"external,omitempty"`
}

// Action is a side effect fired when a rule is satisfied.
type Action struct {
	ID      string     `json:"id"`
	Kind    ActionKind `json:"kind"`
	Topic   string     `json:"topic,omitempty"`
	Message string     `json:"message,omitempty"`
	URL     string     `json:"url,omitempty"`
}

// IsRealtime reports whether the rule is evaluated on inbound messages only.
func (r Rule) IsRealtime() bool {
	return r.CheckIntervalSeconds == 0
}

// IsScheduled reports whether the rule needs a recurring timer.
func (r Rule) IsScheduled() bool {
	return r.IsActive && r.CheckIntervalSeconds > 0
}

// Interval returns the check interval as a duration.
func (r Rule) Interval() time.Duration {
	return time.Duration(r.CheckIntervalSeconds) * time.Second
}

// Validate checks rule invariants.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRule)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRule)
	}
	if r.AssetID == "" {
		return fmt.Errorf("%w: empty asset id", ErrInvalidRule)
	}
	if r.CheckIntervalSeconds < 0 {
		return fmt.Errorf("%w: negative check interval", ErrInvalidRule)
	}
	for i, cond := range r.Conditions {
		if err := cond.Validate(); err != nil {
			return fmt.Errorf("%w: condition %d: %v", ErrInvalidRule, i, err)
		}
	}
	for i, action := range r.Actions {
		if err := action.Validate(); err != nil {
			return fmt.Errorf("%w: action %d: %v", ErrInvalidRule, i, err)
		}
	}
	return nil
}

// Validate checks condition invariants.
func (c Condition) Validate() error {
	if c.Parameter == "" {
		return fmt.Errorf("empty parameter")
	}
	switch c.Kind {
	case ConditionSimple:
		if !c.Operator.Valid() {
			return fmt.Errorf("invalid operator %q", c.Operator)
		}
	case ConditionStatistical:
		if c.Statistical == nil {
			return fmt.Errorf("statistical config required")
		}
		if c.Statistical.MovingAverageWindowMinutes <= 0 || c.Statistical.PopulationWindowDays <= 0 {
			return fmt.Errorf("statistical windows must be positive")
		}
		if c.Statistical.ThresholdSigma < 0 {
			return fmt.Errorf("negative threshold sigma")
		}
	case ConditionExternal:
		if !c.Operator.Valid() {
			return fmt.Errorf("invalid operator %q", c.Operator)
		}
		if c.External == nil || c.External.ComputationRef == "" {
			return fmt.Errorf("external computation ref required")
		}
		if c.External.TimeoutMs < 0 || c.External.MaxRetries < 0 {
			return fmt.Errorf("negative poll budget")
		}
	default:
		return fmt.Errorf("unknown kind %q", c.Kind)
	}
	switch c.Logical() {
	case LogicalAnd, LogicalOr:
	default:
		return fmt.Errorf("invalid logical operator %q", c.LogicalOperator)
	}
	return nil
}

// Logical returns the normalized logical operator, AND when unset.
func (c Condition) Logical() LogicalOperator {
	if c.LogicalOperator == "" {
		return LogicalAnd
	}
	return LogicalOperator(strings.ToUpper(string(c.LogicalOperator)))
}

// Validate checks action invariants.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionPublish:
		if a.Topic == "" {
			return fmt.Errorf("publish action requires topic")
		}
	case ActionWebhook:
		if a.URL == "" {
			return fmt.Errorf("webhook action requires url")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}
