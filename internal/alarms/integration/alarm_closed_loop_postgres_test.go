package integration_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	alarmapp "asset-alerting/internal/alarms/application"
	alarms "asset-alerting/internal/alarms/domain"
	alarmrepo "asset-alerting/internal/alarms/infrastructure/postgres"
	"asset-alerting/internal/bus"
	storage "asset-alerting/internal/storage/postgres"
	telemetrypostgres "asset-alerting/internal/telemetry/infrastructure/postgres"
	"asset-alerting/internal/telemetry/interfaces/ingest"
)

type capturedPublish struct {
	topic   string
	message string
}

type capturePublisher struct {
	mu   sync.Mutex
	sent []capturedPublish
}

func (p *capturePublisher) Publish(_ context.Context, topic string, message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, capturedPublish{topic: topic, message: string(message)})
	return nil
}

type discardWebhook struct{}

func (discardWebhook) Send(context.Context, string, any) error { return nil }

func TestAlarmClosedLoop_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	if err := storage.Migrate(dsn, zerolog.Nop()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := storage.Open(context.Background(), dsn, storage.PoolConfig{MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	assetID := "asset-it-" + uuid.NewString()[:8]
	cleanup(t, db, assetID)
	t.Cleanup(func() { cleanup(t, db, assetID) })

	telemetryRepo := telemetrypostgres.NewTelemetryRepository(db)
	logRepo := alarmrepo.NewExecutionLogRepository(db)
	publisher := &capturePublisher{}
	dispatcher, err := alarmapp.NewDispatcher(publisher, discardWebhook{})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	execLogger, err := alarmapp.NewExecutionLogger(logRepo, nil)
	if err != nil {
		t.Fatalf("execution logger: %v", err)
	}
	states := alarmapp.NewStateTable()
	computations := alarmrepo.NewComputationRepository(db)
	engine, err := alarmapp.NewEngine(telemetryRepo, dispatcher, execLogger, states,
		alarmapp.WithComputationRecorder(computations))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	registry, err := alarmapp.NewRegistry(alarmrepo.NewRuleRepository(db), engine, states,
		alarmapp.WithExecutionLogger(execLogger),
		alarmapp.WithComputationRecords(computations))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	realtimeRule, err := registry.Create(ctx, alarms.Rule{
		Name:     "realtime charge power",
		AssetID:  assetID,
		IsActive: true,
		Conditions: []alarms.Condition{{
			Kind:      alarms.ConditionSimple,
			Parameter: "value.charge_power_kw",
			Operator:  alarms.OperatorGreater,
			Threshold: 100.0,
		}},
		Actions: []alarms.Action{{Kind: alarms.ActionPublish, Topic: "alerts/" + assetID, Message: "charge power high"}},
	})
	if err != nil {
		t.Fatalf("create realtime rule: %v", err)
	}
	snapshotRule, err := registry.Create(ctx, alarms.Rule{
		Name:                 "scheduled charge power",
		AssetID:              assetID,
		IsActive:             true,
		CheckIntervalSeconds: 3600,
		Conditions: []alarms.Condition{{
			Kind:      alarms.ConditionSimple,
			Parameter: "charge_power_kw",
			Operator:  alarms.OperatorGreaterOrEqual,
			Threshold: 120.0,
		}},
	})
	if err != nil {
		t.Fatalf("create scheduled rule: %v", err)
	}

	resolver := bus.NewTopicResolver("", []bus.TopicMapping{{Filter: "plant/" + assetID + "/#", AssetID: assetID}})
	telemetryIngest, err := ingest.NewHandler(telemetryRepo, resolver)
	if err != nil {
		t.Fatalf("ingest handler: %v", err)
	}
	realtime, err := alarmapp.NewRealtimeTrigger(registry, engine, resolver)
	if err != nil {
		t.Fatalf("realtime trigger: %v", err)
	}
	inbox := bus.FanOut(telemetryIngest, realtime)

	if err := inbox.HandleMessage(ctx, bus.Message{
		Topic:     "plant/" + assetID + "/power",
		Payload:   []byte(`{"charge_power_kw": 130}`),
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("handle message: %v", err)
	}
	realtime.Wait()

	if _, ok := states.Get(realtimeRule.ID, assetID); !ok {
		t.Fatalf("expected realtime rule to be triggered")
	}
	if len(publisher.sent) != 1 || publisher.sent[0].message != "charge power high" {
		t.Fatalf("unexpected publishes: %+v", publisher.sent)
	}

	outcome, err := registry.Evaluate(ctx, snapshotRule.ID, alarms.TriggerScheduled)
	if err != nil {
		t.Fatalf("evaluate scheduled rule: %v", err)
	}
	if !outcome.Satisfied {
		t.Fatalf("expected stored reading to satisfy scheduled rule, got %+v", outcome.Results)
	}

	entries, total, err := execLogger.List(ctx, alarms.LogFilter{AssetID: assetID})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if total != 2 || len(entries) != 2 {
		t.Fatalf("expected 2 executions, got %d", total)
	}
	if entries[0].RuleID != snapshotRule.ID || entries[1].Trigger != alarms.TriggerRealtime {
		t.Fatalf("unexpected execution order: %+v", entries)
	}

	teardown, err := registry.RemoveAsset(ctx, assetID)
	if err != nil {
		t.Fatalf("remove asset: %v", err)
	}
	if teardown.RulesDeleted != 2 || teardown.ExecutionsPurged != 2 || teardown.StatesCleared != 2 || teardown.ComputationsPurged != 0 {
		t.Fatalf("unexpected teardown: %+v", teardown)
	}
}

func cleanup(t *testing.T, db *sql.DB, assetID string) {
	t.Helper()
	for _, query := range []string{
		"DELETE FROM execution_logs WHERE asset_id = $1",
		"DELETE FROM asset_computation_refs WHERE asset_id = $1",
		"DELETE FROM alert_rules WHERE asset_id = $1",
		"DELETE FROM telemetry_points WHERE asset_id = $1",
	} {
		if _, err := db.ExecContext(context.Background(), query, assetID); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
	}
}
