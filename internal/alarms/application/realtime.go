package application

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	alarms "asset-alerting/internal/alarms/domain"
	"asset-alerting/internal/bus"
	"asset-alerting/internal/computeadapter"
	"asset-alerting/internal/logger"
)

// AssetResolver maps a bus topic to an asset.
type AssetResolver interface {
	ResolveAsset(topic string) (string, bool)
}

// RealtimeRuleSource lists the real-time rules of an asset.
type RealtimeRuleSource interface {
	RealtimeRules(assetID string) []alarms.Rule
}

// RealtimeTrigger evaluates interval-zero rules on inbound messages. Each rule
// runs in its own goroutine so a slow rule never holds up the others or the
// next message.
type RealtimeTrigger struct {
	rules     RealtimeRuleSource
	evaluator Evaluator
	resolver  AssetResolver
	log       zerolog.Logger
	wg        sync.WaitGroup
}

// NewRealtimeTrigger constructs a trigger.
func NewRealtimeTrigger(rules RealtimeRuleSource, evaluator Evaluator, resolver AssetResolver) (*RealtimeTrigger, error) {
	if rules == nil || evaluator == nil || resolver == nil {
		return nil, errors.New("alarms realtime: nil dependency")
	}
	return &RealtimeTrigger{
		rules:     rules,
		evaluator: evaluator,
		resolver:  resolver,
		log:       logger.WithComponent("realtime"),
	}, nil
}

// HandleMessage implements bus.Handler. Messages on unmapped topics are
// ignored.
func (t *RealtimeTrigger) HandleMessage(ctx context.Context, msg bus.Message) error {
	assetID, ok := t.resolver.ResolveAsset(msg.Topic)
	if !ok {
		t.log.Debug().Str("topic", msg.Topic).Msg("no asset for topic")
		return nil
	}
	rules := t.rules.RealtimeRules(assetID)
	if len(rules) == 0 {
		return nil
	}

	inbound := &InboundMessage{
		Topic:     msg.Topic,
		Payload:   decodePayload(msg.Payload),
		Timestamp: msg.Timestamp,
	}
	// Evaluations outlive the delivery that started them.
	evalCtx := context.WithoutCancel(ctx)
	for _, rule := range rules {
		t.run(evalCtx, Request{
			Rule:    rule,
			Trigger: alarms.TriggerRealtime,
			AssetID: assetID,
			Message: inbound,
		})
	}
	return nil
}

// Wait blocks until every evaluation started so far has finished.
func (t *RealtimeTrigger) Wait() {
	t.wg.Wait()
}

func (t *RealtimeTrigger) run(ctx context.Context, req Request) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				t.log.Error().
					Str("rule_id", req.Rule.ID).
					Str("asset_id", req.AssetID).
					Interface("panic", rec).
					Msg("realtime evaluation panicked")
			}
		}()
		t.evaluator.Evaluate(ctx, req)
	}()
}

func decodePayload(raw []byte) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	return computeadapter.ParseLoose(string(raw))
}
