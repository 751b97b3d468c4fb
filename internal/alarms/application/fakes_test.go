package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	alarms "asset-alerting/internal/alarms/domain"
	"asset-alerting/internal/alarms/infrastructure/memory"
	"asset-alerting/internal/analytics/domain/anomaly"
	"asset-alerting/internal/computeadapter"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSeries struct {
	mu          sync.Mutex
	latest      map[string]any
	latestErr   error
	history     []anomaly.Sample
	latestCalls int
	keys        []string
	panicOn     bool
}

func (s *fakeSeries) LatestValues(_ context.Context, _ string, keys []string, _ int) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicOn {
		panic("store exploded")
	}
	s.latestCalls++
	s.keys = keys
	if s.latestErr != nil {
		return nil, s.latestErr
	}
	out := make(map[string]any, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out, nil
}

func (s *fakeSeries) History(_ context.Context, _ string, _ string, _ int) ([]anomaly.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history, nil
}

func (s *fakeSeries) setLatest(latest map[string]any) {
	s.mu.Lock()
	s.latest = latest
	s.mu.Unlock()
}

type fakeComputation struct {
	result computeadapter.Result
	err    error
	calls  int
}

func (c *fakeComputation) Run(_ context.Context, ref string, _ map[string]any, _, _ int) (computeadapter.Result, error) {
	c.calls++
	res := c.result
	res.ComputationRef = ref
	return res, c.err
}

type published struct {
	topic   string
	message string
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, topic string, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{topic: topic, message: string(message)})
	return p.err
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type fakeWebhook struct {
	mu       sync.Mutex
	payloads []any
	err      error
}

func (w *fakeWebhook) Send(_ context.Context, _ string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payloads = append(w.payloads, payload)
	return w.err
}

type harness struct {
	clock       *fixedClock
	series      *fakeSeries
	computation *fakeComputation
	publisher   *fakePublisher
	webhook     *fakeWebhook
	logs        *memory.ExecutionLogRepository
	records     *memory.ComputationRepository
	rules       *memory.RuleRepository
	states      *StateTable
	engine      *Engine
	registry    *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:       &fixedClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		series:      &fakeSeries{},
		computation: &fakeComputation{},
		publisher:   &fakePublisher{},
		webhook:     &fakeWebhook{},
		logs:        memory.NewExecutionLogRepository(),
		records:     memory.NewComputationRepository(),
		rules:       memory.NewRuleRepository(),
		states:      NewStateTable(),
	}
	dispatcher, err := NewDispatcher(h.publisher, h.webhook)
	require.NoError(t, err)
	execLogger, err := NewExecutionLogger(h.logs, h.clock)
	require.NoError(t, err)
	h.engine, err = NewEngine(h.series, dispatcher, execLogger, h.states,
		WithComputation(h.computation),
		WithComputationRecorder(h.records),
		WithEngineClock(h.clock),
	)
	require.NoError(t, err)
	h.registry, err = NewRegistry(h.rules, h.engine, h.states,
		WithExecutionLogger(execLogger),
		WithComputationRecords(h.records),
		WithRegistryClock(h.clock),
	)
	require.NoError(t, err)
	return h
}

func temperatureRule(interval int) alarms.Rule {
	return alarms.Rule{
		ID:                   "rule-r",
		Name:                 "Bearing temperature",
		AssetID:              "asset-a",
		IsActive:             true,
		CheckIntervalSeconds: interval,
		Conditions: []alarms.Condition{{
			ID:        "c1",
			Kind:      alarms.ConditionSimple,
			Parameter: "value.temperature",
			Operator:  alarms.OperatorGreater,
			Threshold: 80.0,
		}},
		Actions: []alarms.Action{
			{ID: "a1", Kind: alarms.ActionPublish, Topic: "alerts/asset-a", Message: "temperature high"},
			{ID: "a2", Kind: alarms.ActionWebhook, URL: "http://hooks.local/alert"},
		},
	}
}
