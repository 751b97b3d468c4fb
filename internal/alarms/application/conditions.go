package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	alarms "asset-alerting/internal/alarms/domain"
	"asset-alerting/internal/analytics/domain/anomaly"
	"asset-alerting/internal/computeadapter"
)

var errNoComputation = errors.New("external computation client not configured")

// evaluateCondition evaluates one condition. The second return reports that
// the whole rule must be treated as unsatisfied.
func (e *Engine) evaluateCondition(ctx context.Context, ev *evaluation, cond alarms.Condition, data map[string]any) (alarms.ConditionResult, bool) {
	switch cond.Kind {
	case alarms.ConditionSimple:
		return evaluateSimple(cond, data), false
	case alarms.ConditionStatistical:
		return e.evaluateStatistical(ctx, ev, cond), false
	case alarms.ConditionExternal:
		return e.evaluateExternal(ctx, ev, cond)
	default:
		res := alarms.ConditionResult{Kind: cond.Kind, Parameter: cond.Parameter}
		res.Error = fmt.Sprintf("unknown condition kind %q", cond.Kind)
		ev.warn(res.Error)
		return res, false
	}
}

// evaluateSimple compares the value at the parameter path against the
// threshold. A missing path is false, not an error.
func evaluateSimple(cond alarms.Condition, data map[string]any) alarms.ConditionResult {
	res := alarms.ConditionResult{
		Kind:      alarms.ConditionSimple,
		Parameter: cond.Parameter,
		Operator:  cond.Operator.Normalize(),
		Threshold: cond.Threshold,
	}
	value, ok := resolvePath(data, cond.Parameter)
	if !ok {
		res.Detail = map[string]any{"missing": true}
		return res
	}
	res.Value = value
	res.Satisfied = alarms.CompareLoose(cond.Operator, value, cond.Threshold)
	return res
}

// resolvePath looks the path up as given, then under the value root so bare
// keys work against both snapshots and message payloads.
func resolvePath(data map[string]any, path string) (any, bool) {
	if value, ok := alarms.Lookup(data, path); ok {
		return value, true
	}
	return alarms.Lookup(data, "value."+path)
}

func (e *Engine) evaluateStatistical(ctx context.Context, ev *evaluation, cond alarms.Condition) alarms.ConditionResult {
	res := alarms.ConditionResult{Kind: alarms.ConditionStatistical, Parameter: cond.Parameter}
	cfg := cond.Statistical
	if cfg == nil {
		res.Error = "statistical config missing"
		ev.warn(res.Error)
		return res
	}
	res.Threshold = cfg.ThresholdSigma

	field := alarms.SnapshotKey(cond.Parameter)
	if field == "" {
		field = cond.Parameter
	}
	hours := cfg.PopulationWindowDays * 24
	samples, err := e.series.History(ctx, ev.assetID, field, hours)
	if err != nil {
		res.Error = fmt.Sprintf("history fetch: %v", err)
		ev.warn(res.Error)
		ev.log.Warn().Err(err).Str("field", field).Msg("history fetch failed")
		return res
	}

	result := anomaly.ComputeZScore(samples, anomaly.Config{
		MovingAverageWindow: time.Duration(cfg.MovingAverageWindowMinutes) * time.Minute,
		PopulationWindow:    time.Duration(hours) * time.Hour,
		ThresholdSigma:      cfg.ThresholdSigma,
	}, e.clock.Now())
	if result == nil {
		res.Detail = map[string]any{"insufficient_data": true, "samples": len(samples)}
		return res
	}
	res.Value = result.CurrentValue
	res.Satisfied = result.IsAnomaly
	res.Detail = map[string]any{
		"zscore":           result.ZScore,
		"population_mean":  result.PopulationMean,
		"population_std":   result.PopulationStdDev,
		"window_count":     result.WindowCount,
		"population_count": result.PopulationCount,
	}
	return res
}

// evaluateExternal runs the computation and compares the resolved result.
// Any client failure makes the condition false and forces the rule
// unsatisfied.
func (e *Engine) evaluateExternal(ctx context.Context, ev *evaluation, cond alarms.Condition) (alarms.ConditionResult, bool) {
	res := alarms.ConditionResult{
		Kind:      alarms.ConditionExternal,
		Parameter: cond.Parameter,
		Operator:  cond.Operator.Normalize(),
		Threshold: cond.Threshold,
	}
	cfg := cond.External
	if cfg == nil || e.computation == nil {
		err := errNoComputation
		if cfg == nil {
			err = errors.New("external config missing")
		}
		res.Error = err.Error()
		ev.warn(res.Error)
		return res, true
	}

	result, err := e.computation.Run(ctx, cfg.ComputationRef, cfg.Parameters, cfg.TimeoutMs, cfg.MaxRetries)
	e.recordComputation(ctx, ev, cond, result)
	if err != nil {
		res.Error = err.Error()
		res.Detail = map[string]any{"run_id": result.RunID, "polls": result.Polls}
		ev.warn(fmt.Sprintf("external computation %s: %v", cfg.ComputationRef, err))
		ev.log.Warn().Err(err).Str("computation_ref", cfg.ComputationRef).Msg("external computation failed")
		return res, true
	}

	res.Detail = map[string]any{"run_id": result.RunID, "result_ref": result.ResultRef, "polls": result.Polls}
	value, ok := resolveResult(result.Value, cond.Parameter)
	if !ok {
		res.Detail["missing"] = true
		return res, false
	}
	res.Value = value
	res.Satisfied = alarms.CompareStrict(cond.Operator, value, cond.Threshold)
	return res, false
}

// resolveResult resolves a path into a computation result. A scalar result
// is addressed by the path "result" or "value".
func resolveResult(value any, path string) (any, bool) {
	if v, ok := alarms.Lookup(value, path); ok {
		return v, true
	}
	switch value.(type) {
	case map[string]any, []any:
		if rest, found := strings.CutPrefix(path, "result."); found {
			return alarms.Lookup(value, rest)
		}
		return nil, false
	case nil:
		return nil, false
	}
	if path == "result" || path == "value" {
		return value, true
	}
	return nil, false
}

// recordComputation links the run to the asset whatever the verdict.
func (e *Engine) recordComputation(ctx context.Context, ev *evaluation, cond alarms.Condition, result computeadapter.Result) {
	ref := result.Reference()
	if ref == "" {
		return
	}
	ev.computationRef = ref
	if e.recorder == nil {
		return
	}
	record := alarms.ComputationRecord{
		AssetID:        ev.assetID,
		RuleID:         ev.rule.ID,
		ConditionID:    cond.ID,
		ComputationRef: result.ComputationRef,
		RunID:          result.RunID,
		ResultRef:      result.ResultRef,
		RecordedAt:     e.clock.Now(),
	}
	if record.ComputationRef == "" {
		record.ComputationRef = cond.External.ComputationRef
	}
	if err := e.recorder.Record(ctx, record); err != nil {
		ev.log.Warn().Err(err).Str("run_id", result.RunID).Msg("computation record failed")
	}
}
