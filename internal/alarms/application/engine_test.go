package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	alarms "asset-alerting/internal/alarms/domain"
	"asset-alerting/internal/analytics/domain/anomaly"
	"asset-alerting/internal/computeadapter"
)

func lastEntry(t *testing.T, h *harness) alarms.ExecutionLogEntry {
	t.Helper()
	entries, _, err := h.logs.List(context.Background(), alarms.LogFilter{PageSize: 1})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[0]
}

func TestScheduledRuleTriggersThenClears(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := temperatureRule(300)

	h.series.setLatest(map[string]any{"temperature": 85.0})
	out := h.engine.Evaluate(ctx, Request{Rule: rule, Trigger: alarms.TriggerScheduled})
	require.True(t, out.Satisfied)
	require.Equal(t, alarms.StatusSuccess, out.Status)
	require.Len(t, out.Dispatches, 2)
	require.Equal(t, 1, h.publisher.count())
	require.Len(t, h.webhook.payloads, 1)
	require.Equal(t, []string{"temperature"}, h.series.keys)

	state, ok := h.states.Get("rule-r", "asset-a")
	require.True(t, ok)
	require.Equal(t, h.clock.Now(), state.Since)

	entry := lastEntry(t, h)
	require.Equal(t, alarms.StatusSuccess, entry.Status)
	require.True(t, entry.Satisfied)
	require.Equal(t, 2, entry.ActionsDispatched)
	require.Equal(t, 85.0, entry.ConditionResults["c1"].Value)

	payload, ok := h.webhook.payloads[0].(WebhookPayload)
	require.True(t, ok)
	require.Equal(t, "rule-r", payload.RuleID)
	require.Equal(t, "Bearing temperature", payload.RuleName)
	require.Equal(t, "asset-a", payload.AssetID)

	h.clock.Advance(5 * time.Minute)
	h.series.setLatest(map[string]any{"temperature": 70.0})
	out = h.engine.Evaluate(ctx, Request{Rule: rule, Trigger: alarms.TriggerScheduled})
	require.False(t, out.Satisfied)
	require.Equal(t, alarms.StatusSuccess, out.Status)
	require.Empty(t, out.Dispatches)
	require.Equal(t, 1, h.publisher.count())
	_, ok = h.states.Get("rule-r", "asset-a")
	require.False(t, ok)
	require.Equal(t, 2, h.logs.Len())
}

func TestRepeatedSatisfactionRefreshesState(t *testing.T) {
	h := newHarness(t)
	rule := temperatureRule(300)
	h.series.setLatest(map[string]any{"temperature": 90.0})

	h.engine.Evaluate(context.Background(), Request{Rule: rule})
	since := h.clock.Now()
	h.clock.Advance(time.Minute)
	h.engine.Evaluate(context.Background(), Request{Rule: rule})

	state, ok := h.states.Get("rule-r", "asset-a")
	require.True(t, ok)
	require.Equal(t, since, state.Since)
	require.Equal(t, h.clock.Now(), state.LastSeen)
	require.Equal(t, 2, h.publisher.count(), "actions fire once per satisfied cycle")
}

func TestEmptySnapshotIsWarningAndLeavesStateAlone(t *testing.T) {
	h := newHarness(t)
	rule := temperatureRule(300)
	h.states.MarkTriggered("rule-r", "asset-a", "", h.clock.Now())
	h.series.setLatest(map[string]any{})

	out := h.engine.Evaluate(context.Background(), Request{Rule: rule})
	require.False(t, out.Satisfied)
	require.Equal(t, alarms.StatusWarning, out.Status)
	require.Contains(t, out.ErrorMessage, "data unavailable")
	require.Zero(t, h.publisher.count())

	_, ok := h.states.Get("rule-r", "asset-a")
	require.True(t, ok, "triggered state untouched")
	require.Equal(t, 1, h.logs.Len())
	require.Equal(t, alarms.StatusWarning, lastEntry(t, h).Status)
}

func TestSnapshotFetchErrorIsLoggedAsError(t *testing.T) {
	h := newHarness(t)
	h.series.latestErr = errors.New("connection refused")

	out := h.engine.Evaluate(context.Background(), Request{Rule: temperatureRule(60)})
	require.Equal(t, alarms.StatusError, out.Status)
	require.Equal(t, 1, h.logs.Len())
}

func TestZeroConditionsNeverSatisfies(t *testing.T) {
	h := newHarness(t)
	rule := temperatureRule(0)
	rule.Conditions = nil

	out := h.engine.Evaluate(context.Background(), Request{Rule: rule, Trigger: alarms.TriggerRealtime})
	require.False(t, out.Satisfied)
	require.Zero(t, h.publisher.count())
	require.Empty(t, h.webhook.payloads)
	require.Zero(t, h.series.latestCalls)
	require.Equal(t, 1, h.logs.Len())
}

func TestMissingPathEvaluatesFalse(t *testing.T) {
	h := newHarness(t)
	rule := temperatureRule(0)
	msg := &InboundMessage{Topic: "assets/asset-a/telemetry", Payload: map[string]any{"pressure": 3.2}}

	out := h.engine.Evaluate(context.Background(), Request{Rule: rule, Trigger: alarms.TriggerRealtime, Message: msg})
	require.False(t, out.Satisfied)
	require.Equal(t, alarms.StatusSuccess, out.Status)
	require.Empty(t, out.Results["c1"].Error)
	require.Equal(t, true, out.Results["c1"].Detail["missing"])
}

func TestRealtimeMessageReplacesSnapshot(t *testing.T) {
	h := newHarness(t)
	rule := temperatureRule(0)
	rule.Conditions[0].Parameter = "temperature"
	msg := &InboundMessage{Topic: "assets/asset-a/telemetry", Payload: map[string]any{"temperature": "81.5"}}

	out := h.engine.Evaluate(context.Background(), Request{Rule: rule, Trigger: alarms.TriggerRealtime, Message: msg})
	require.True(t, out.Satisfied)
	require.Zero(t, h.series.latestCalls)
	require.Equal(t, alarms.TriggerRealtime, out.Entry.Trigger)
	require.Equal(t, "message", out.Entry.Context["source"])
}

func TestSnapshotSkippedWithoutSimpleConditions(t *testing.T) {
	h := newHarness(t)
	rule := temperatureRule(60)
	rule.Conditions = []alarms.Condition{{
		ID:        "ext",
		Kind:      alarms.ConditionExternal,
		Parameter: "score",
		Operator:  alarms.OperatorGreaterOrEqual,
		Threshold: 0.9,
		External:  &alarms.ExternalConfig{ComputationRef: "nb-vibration", TimeoutMs: 10, MaxRetries: 1},
	}}
	h.computation.result = computeadapter.Result{RunID: "run-1", ResultRef: "res-1", Value: map[string]any{"score": 0.93}}

	out := h.engine.Evaluate(context.Background(), Request{Rule: rule})
	require.True(t, out.Satisfied)
	require.Zero(t, h.series.latestCalls)
	require.Equal(t, "res-1", out.Entry.ComputationRef)

	state, ok := h.states.Get(rule.ID, rule.AssetID)
	require.True(t, ok)
	require.Equal(t, "res-1", state.SourceComputationRef)

	records, err := h.records.ListByAsset(context.Background(), "asset-a", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "nb-vibration", records[0].ComputationRef)
}

func TestExternalPollExhaustedForcesUnsatisfied(t *testing.T) {
	h := newHarness(t)
	rule := temperatureRule(60)
	rule.Conditions = append(rule.Conditions, alarms.Condition{
		ID:              "ext",
		Kind:            alarms.ConditionExternal,
		Parameter:       "score",
		Operator:        alarms.OperatorGreater,
		Threshold:       0.5,
		LogicalOperator: alarms.LogicalOr,
		External:        &alarms.ExternalConfig{ComputationRef: "nb-slow", TimeoutMs: 10, MaxRetries: 2},
	})
	h.series.setLatest(map[string]any{"temperature": 99.0})
	h.computation.result = computeadapter.Result{RunID: "run-9", Polls: 3}
	h.computation.err = fmt.Errorf("%w after 3 polls", computeadapter.ErrPollExhausted)

	out := h.engine.Evaluate(context.Background(), Request{Rule: rule})
	require.False(t, out.Satisfied, "external failure overrides an OR")
	require.Equal(t, alarms.StatusWarning, out.Status)
	require.False(t, out.Results["ext"].Satisfied)
	require.Contains(t, out.Results["ext"].Error, "poll budget exhausted")
	require.Zero(t, h.publisher.count())
	require.Equal(t, "run-9", out.Entry.ComputationRef)

	records, err := h.records.ListByAsset(context.Background(), "asset-a", 0)
	require.NoError(t, err)
	require.Len(t, records, 1, "reference recorded whatever the verdict")
}

func TestExternalStrictComparison(t *testing.T) {
	h := newHarness(t)
	rule := temperatureRule(60)
	rule.Conditions = []alarms.Condition{{
		ID:        "state",
		Kind:      alarms.ConditionExternal,
		Parameter: "result",
		Operator:  alarms.OperatorEqual,
		Threshold: "degraded",
		External:  &alarms.ExternalConfig{ComputationRef: "nb-health"},
	}}
	h.computation.result = computeadapter.Result{RunID: "run-2", Value: "degraded"}
	require.True(t, h.engine.Evaluate(context.Background(), Request{Rule: rule}).Satisfied)

	rule.Conditions[0].Operator = alarms.OperatorGreater
	require.False(t, h.engine.Evaluate(context.Background(), Request{Rule: rule}).Satisfied)
}

func TestLogicalOperatorLeftFold(t *testing.T) {
	h := newHarness(t)
	rule := temperatureRule(60)
	rule.Conditions = []alarms.Condition{
		{ID: "hot", Kind: alarms.ConditionSimple, Parameter: "value.temperature", Operator: ">", Threshold: 80},
		{ID: "vibrating", Kind: alarms.ConditionSimple, Parameter: "value.vibration", Operator: ">", Threshold: 5, LogicalOperator: alarms.LogicalOr},
		{ID: "running", Kind: alarms.ConditionSimple, Parameter: "value.state", Operator: "=", Threshold: "running"},
	}

	cases := []struct {
		name     string
		snapshot map[string]any
		want     bool
	}{
		{"first alone", map[string]any{"temperature": 90.0, "vibration": 1.0, "state": "running"}, true},
		{"second alone", map[string]any{"temperature": 60.0, "vibration": 7.0, "state": "running"}, true},
		{"and clause fails", map[string]any{"temperature": 90.0, "vibration": 7.0, "state": "stopped"}, false},
		{"nothing", map[string]any{"temperature": 60.0, "vibration": 1.0, "state": "running"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h.series.setLatest(tc.snapshot)
			out := h.engine.Evaluate(context.Background(), Request{Rule: rule})
			require.Equal(t, tc.want, out.Satisfied)
			require.Len(t, out.Results, 3, "all conditions evaluated")
		})
	}
	require.ElementsMatch(t, []string{"temperature", "vibration", "state"}, h.series.keys)
}

func TestStatisticalCondition(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	var samples []anomaly.Sample
	for i := 0; i < 48; i++ {
		v := 10.0
		if i%2 == 0 {
			v = 12.0
		}
		samples = append(samples, anomaly.Sample{At: now.Add(-time.Duration(i+2) * time.Hour), Value: v})
	}
	samples = append(samples, anomaly.Sample{At: now.Add(-5 * time.Minute), Value: 20})
	h.series.history = samples

	rule := temperatureRule(600)
	rule.Conditions = []alarms.Condition{{
		ID:          "z",
		Kind:        alarms.ConditionStatistical,
		Parameter:   "value.temperature",
		Statistical: &alarms.StatisticalConfig{MovingAverageWindowMinutes: 30, PopulationWindowDays: 7, ThresholdSigma: 3},
	}}

	out := h.engine.Evaluate(context.Background(), Request{Rule: rule})
	require.True(t, out.Satisfied)
	require.Zero(t, h.series.latestCalls)
	require.InDelta(t, 9.0, out.Results["z"].Detail["zscore"], 1e-9)

	h.series.history = samples[:48]
	out = h.engine.Evaluate(context.Background(), Request{Rule: rule})
	require.False(t, out.Satisfied)
	require.Equal(t, true, out.Results["z"].Detail["insufficient_data"])
}

func TestPanicIsContainedAndLogged(t *testing.T) {
	h := newHarness(t)
	h.series.panicOn = true

	out := h.engine.Evaluate(context.Background(), Request{Rule: temperatureRule(60)})
	require.Equal(t, alarms.StatusError, out.Status)
	require.Contains(t, out.ErrorMessage, "store exploded")
	require.False(t, out.Satisfied)
	require.Equal(t, 1, h.logs.Len())
	require.NotEmpty(t, lastEntry(t, h).ID)
}

func TestTestTriggerIsDryRun(t *testing.T) {
	h := newHarness(t)
	h.series.setLatest(map[string]any{"temperature": 120.0})

	out := h.engine.Evaluate(context.Background(), Request{Rule: temperatureRule(60), Trigger: alarms.TriggerTest})
	require.True(t, out.Satisfied)
	require.Zero(t, h.publisher.count())
	_, ok := h.states.Get("rule-r", "asset-a")
	require.False(t, ok)
	require.Equal(t, alarms.TriggerTest, lastEntry(t, h).Trigger)
}

func TestDispatchFailureDoesNotChangeVerdict(t *testing.T) {
	h := newHarness(t)
	h.publisher.err = errors.New("bus down")
	h.webhook.err = errors.New("timeout")
	h.series.setLatest(map[string]any{"temperature": 85.0})

	out := h.engine.Evaluate(context.Background(), Request{Rule: temperatureRule(60)})
	require.True(t, out.Satisfied)
	require.Equal(t, alarms.StatusSuccess, out.Status)
	require.Len(t, out.Dispatches, 2)
	for _, d := range out.Dispatches {
		require.False(t, d.Success)
		require.NotEmpty(t, d.Error)
	}
	_, ok := h.states.Get("rule-r", "asset-a")
	require.True(t, ok)
}

func TestEveryEvaluationWritesExactlyOneEntry(t *testing.T) {
	h := newHarness(t)
	rule := temperatureRule(60)
	snapshots := []map[string]any{
		{"temperature": 85.0},
		{},
		{"temperature": "n/a"},
		{"temperature": 10.0},
	}
	for i, snap := range snapshots {
		h.series.setLatest(snap)
		h.engine.Evaluate(context.Background(), Request{Rule: rule})
		require.Equal(t, i+1, h.logs.Len())
	}
}
