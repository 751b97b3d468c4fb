package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	alarms "asset-alerting/internal/alarms/domain"
	"asset-alerting/internal/logger"
	"asset-alerting/internal/observability/metrics"
)

const defaultLookbackHours = 24

// InboundMessage is a decoded sensor message driving a real-time evaluation.
type InboundMessage struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Request asks the engine to evaluate one rule.
type Request struct {
	Rule    alarms.Rule
	Trigger alarms.TriggerKind
	// AssetID defaults to the rule's asset.
	AssetID string
	// Message is set on the real-time path and replaces the snapshot fetch.
	Message *InboundMessage
}

// Outcome is the verdict of one evaluation.
type Outcome struct {
	Satisfied    bool                              `json:"satisfied"`
	Results      map[string]alarms.ConditionResult `json:"results"`
	Status       alarms.ExecutionStatus            `json:"status"`
	ErrorMessage string                            `json:"error_message,omitempty"`
	Dispatches   []DispatchResult                  `json:"dispatches,omitempty"`
	Entry        alarms.ExecutionLogEntry          `json:"entry"`
}

// Engine evaluates rules for both the scheduled and real-time paths.
type Engine struct {
	series        TimeSeries
	computation   Computation
	recorder      ComputationRecorder
	dispatcher    *Dispatcher
	logs          *ExecutionLogger
	states        *StateTable
	clock         Clock
	lookbackHours int
	log           zerolog.Logger
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithComputation enables external conditions.
func WithComputation(computation Computation) EngineOption {
	return func(e *Engine) {
		e.computation = computation
	}
}

// WithComputationRecorder records computation references per asset.
func WithComputationRecorder(recorder ComputationRecorder) EngineOption {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

// WithEngineClock assigns a clock.
func WithEngineClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLookbackHours sets how far back the latest-values snapshot reaches.
func WithLookbackHours(hours int) EngineOption {
	return func(e *Engine) {
		if hours > 0 {
			e.lookbackHours = hours
		}
	}
}

// NewEngine constructs an engine.
func NewEngine(series TimeSeries, dispatcher *Dispatcher, logs *ExecutionLogger, states *StateTable, opts ...EngineOption) (*Engine, error) {
	if series == nil {
		return nil, errors.New("alarms engine: nil time series")
	}
	if dispatcher == nil {
		return nil, errors.New("alarms engine: nil dispatcher")
	}
	if logs == nil {
		return nil, errors.New("alarms engine: nil execution logger")
	}
	if states == nil {
		return nil, errors.New("alarms engine: nil state table")
	}
	engine := &Engine{
		series:        series,
		dispatcher:    dispatcher,
		logs:          logs,
		states:        states,
		clock:         systemClock{},
		lookbackHours: defaultLookbackHours,
		log:           logger.WithComponent("engine"),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

type evaluation struct {
	rule           alarms.Rule
	assetID        string
	trigger        alarms.TriggerKind
	startedAt      time.Time
	results        map[string]alarms.ConditionResult
	status         alarms.ExecutionStatus
	errors         []string
	satisfied      bool
	computationRef string
	context        map[string]any
	dispatches     []DispatchResult
	log            zerolog.Logger
}

func (ev *evaluation) warn(msg string) {
	if ev.status == alarms.StatusSuccess {
		ev.status = alarms.StatusWarning
	}
	ev.errors = append(ev.errors, msg)
}

func (ev *evaluation) fail(msg string) {
	ev.status = alarms.StatusError
	ev.satisfied = false
	ev.errors = append(ev.errors, msg)
}

// Evaluate runs one evaluation. Exactly one execution log entry is written
// whatever happens inside, including panics.
func (e *Engine) Evaluate(ctx context.Context, req Request) (out Outcome) {
	ev := &evaluation{
		rule:      req.Rule,
		assetID:   req.AssetID,
		trigger:   req.Trigger,
		startedAt: e.clock.Now(),
		results:   make(map[string]alarms.ConditionResult),
		status:    alarms.StatusSuccess,
		context:   make(map[string]any),
	}
	if ev.assetID == "" {
		ev.assetID = req.Rule.AssetID
	}
	if ev.trigger == "" {
		ev.trigger = alarms.TriggerScheduled
	}
	ev.log = logger.WithRule("engine", req.Rule.ID, ev.assetID)

	defer func() {
		if rec := recover(); rec != nil {
			ev.fail(fmt.Sprintf("internal evaluation error: %v", rec))
			ev.log.Error().Interface("panic", rec).Str("trigger", string(ev.trigger)).Msg("evaluation panicked")
		}
		out = e.finish(ctx, ev)
	}()

	e.run(ctx, ev, req.Message)
	return out
}

func (e *Engine) run(ctx context.Context, ev *evaluation, msg *InboundMessage) {
	rule := ev.rule
	if len(rule.Conditions) == 0 {
		ev.context["reason"] = "rule has no conditions"
		e.applyVerdict(ctx, ev, nil)
		return
	}

	data, ok := e.resolveData(ctx, ev, msg)
	if !ok {
		return
	}

	satisfied := false
	forcedUnsatisfied := false
	for i, cond := range rule.Conditions {
		res, forced := e.evaluateCondition(ctx, ev, cond, data)
		ev.results[conditionKey(i, cond, ev.results)] = res
		if forced {
			forcedUnsatisfied = true
		}
		switch {
		case i == 0:
			satisfied = res.Satisfied
		case cond.Logical() == alarms.LogicalOr:
			satisfied = satisfied || res.Satisfied
		default:
			satisfied = satisfied && res.Satisfied
		}
	}
	ev.satisfied = satisfied && !forcedUnsatisfied
	e.applyVerdict(ctx, ev, data)
}

// resolveData builds the data context. It returns false when the evaluation
// must stop without a verdict.
func (e *Engine) resolveData(ctx context.Context, ev *evaluation, msg *InboundMessage) (map[string]any, bool) {
	if msg != nil {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = ev.startedAt
		}
		ev.context["source"] = "message"
		ev.context["topic"] = msg.Topic
		return map[string]any{
			"value":     msg.Payload,
			"topic":     msg.Topic,
			"timestamp": ts,
			"assetId":   ev.assetID,
		}, true
	}

	data := map[string]any{
		"value":     map[string]any{},
		"timestamp": ev.startedAt,
		"assetId":   ev.assetID,
	}
	keys := snapshotKeys(ev.rule)
	if len(keys) == 0 {
		ev.context["source"] = "none"
		return data, true
	}

	ev.context["source"] = "snapshot"
	ev.context["snapshot_keys"] = keys
	snapshot, err := e.series.LatestValues(ctx, ev.assetID, keys, e.lookbackHours)
	if err != nil {
		ev.fail(fmt.Sprintf("snapshot fetch: %v", err))
		ev.log.Error().Err(err).Msg("snapshot fetch failed")
		return nil, false
	}
	if len(snapshot) == 0 {
		ev.warn(fmt.Sprintf("%v: no readings for %s in the last %dh", alarms.ErrDataUnavailable, strings.Join(keys, ","), e.lookbackHours))
		ev.log.Warn().Strs("keys", keys).Msg("snapshot empty, skipping evaluation")
		return nil, false
	}
	ev.context["snapshot"] = snapshot
	data["value"] = snapshot
	return data, true
}

// applyVerdict dispatches and moves the triggered state. Test evaluations are
// dry runs and touch neither.
func (e *Engine) applyVerdict(ctx context.Context, ev *evaluation, data map[string]any) {
	if ev.trigger == alarms.TriggerTest {
		ev.context["dry_run"] = true
		return
	}
	now := e.clock.Now()
	if !ev.satisfied {
		if e.states.Clear(ev.rule.ID, ev.assetID) {
			ev.log.Info().Msg("rule cleared")
		}
		return
	}

	var value any
	if data != nil {
		value = data["value"]
	}
	ev.dispatches = e.dispatcher.Dispatch(ctx, DispatchRequest{
		Rule:      ev.rule,
		AssetID:   ev.assetID,
		Timestamp: now,
		Data: map[string]any{
			"value":      value,
			"conditions": ev.results,
			"trigger":    ev.trigger,
		},
	})
	if len(ev.dispatches) > 0 {
		ev.context["actions"] = ev.dispatches
	}
	if e.states.MarkTriggered(ev.rule.ID, ev.assetID, ev.computationRef, now) {
		ev.log.Info().Int("actions", len(ev.dispatches)).Msg("rule triggered")
	}
}

func (e *Engine) finish(ctx context.Context, ev *evaluation) Outcome {
	duration := e.clock.Now().Sub(ev.startedAt)
	entry := alarms.ExecutionLogEntry{
		RuleID:            ev.rule.ID,
		RuleName:          ev.rule.Name,
		AssetID:           ev.assetID,
		Trigger:           ev.trigger,
		StartedAt:         ev.startedAt,
		DurationMs:        duration.Milliseconds(),
		Status:            ev.status,
		Satisfied:         ev.satisfied,
		ConditionResults:  ev.results,
		ComputationRef:    ev.computationRef,
		ErrorMessage:      strings.Join(ev.errors, "; "),
		Context:           ev.context,
		ActionsDispatched: len(ev.dispatches),
	}
	recorded, err := e.logs.Record(ctx, entry)
	if err != nil {
		ev.log.Error().Err(err).Msg("execution log write failed")
	}
	metrics.ObserveEvaluation(string(ev.trigger), string(ev.status), duration)

	return Outcome{
		Satisfied:    ev.satisfied,
		Results:      ev.results,
		Status:       ev.status,
		ErrorMessage: entry.ErrorMessage,
		Dispatches:   ev.dispatches,
		Entry:        recorded,
	}
}

// snapshotKeys lists the deduplicated time-series keys referenced by simple
// conditions.
func snapshotKeys(rule alarms.Rule) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, cond := range rule.Conditions {
		if cond.Kind != alarms.ConditionSimple {
			continue
		}
		key := alarms.SnapshotKey(cond.Parameter)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

func conditionKey(i int, cond alarms.Condition, existing map[string]alarms.ConditionResult) string {
	key := cond.ID
	if key == "" {
		key = fmt.Sprintf("condition_%d", i)
	}
	if _, taken := existing[key]; taken {
		key = fmt.Sprintf("%s#%d", key, i)
	}
	return key
}
