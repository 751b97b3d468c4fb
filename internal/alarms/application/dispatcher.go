package application

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	alarms "asset-alerting/internal/alarms/domain"
	"asset-alerting/internal/logger"
	"asset-alerting/internal/observability/metrics"
)

// WebhookPayload is the body posted to webhook actions.
type WebhookPayload struct {
	RuleID    string    `json:"ruleId"`
	RuleName  string    `json:"ruleName"`
	AssetID   string    `json:"assetId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// DispatchRequest carries what a satisfied evaluation hands to its actions.
type DispatchRequest struct {
	Rule      alarms.Rule
	AssetID   string
	Timestamp time.Time
	Data      any
}

// DispatchResult reports how one action went.
type DispatchResult struct {
	ActionID string            `json:"action_id"`
	Kind     alarms.ActionKind `json:"kind"`
	Target   string            `json:"target"`
	Success  bool              `json:"success"`
	Error    string            `json:"error,omitempty"`
}

// MessageRenderer expands placeholders in a publish action's message.
type MessageRenderer interface {
	RenderMessage(text string, payload WebhookPayload) (string, error)
}

// Dispatcher executes rule actions. Failures are logged and returned as
// results, never as errors.
type Dispatcher struct {
	publisher Publisher
	webhooks  WebhookSender
	renderer  MessageRenderer
	log       zerolog.Logger
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMessageRenderer renders publish messages before sending.
func WithMessageRenderer(renderer MessageRenderer) DispatcherOption {
	return func(d *Dispatcher) {
		if renderer != nil {
			d.renderer = renderer
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(publisher Publisher, webhooks WebhookSender, opts ...DispatcherOption) (*Dispatcher, error) {
	if publisher == nil {
		return nil, errors.New("alarms dispatcher: nil publisher")
	}
	if webhooks == nil {
		return nil, errors.New("alarms dispatcher: nil webhook sender")
	}
	d := &Dispatcher{
		publisher: publisher,
		webhooks:  webhooks,
		log:       logger.WithComponent("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch fires every action of the rule once.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) []DispatchResult {
	results := make([]DispatchResult, 0, len(req.Rule.Actions))
	for _, action := range req.Rule.Actions {
		results = append(results, d.dispatchOne(ctx, req, action))
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, req DispatchRequest, action alarms.Action) (result DispatchResult) {
	result = DispatchResult{ActionID: action.ID, Kind: action.Kind}
	defer func() {
		if rec := recover(); rec != nil {
			result.Success = false
			result.Error = "action panicked"
			d.log.Error().Interface("panic", rec).Str("action_id", action.ID).Msg("action dispatch panicked")
		}
		outcome := metrics.ResultSuccess
		if !result.Success {
			outcome = metrics.ResultError
		}
		metrics.IncDispatch(string(action.Kind), outcome)
	}()

	payload := WebhookPayload{
		RuleID:    req.Rule.ID,
		RuleName:  req.Rule.Name,
		AssetID:   req.AssetID,
		Timestamp: req.Timestamp,
		Data:      req.Data,
	}
	var err error
	switch action.Kind {
	case alarms.ActionPublish:
		result.Target = action.Topic
		err = d.publisher.Publish(ctx, action.Topic, d.publishBody(payload, action))
	case alarms.ActionWebhook:
		result.Target = action.URL
		err = d.webhooks.Send(ctx, action.URL, payload)
	default:
		err = errors.New("unknown action kind")
	}
	if err != nil {
		result.Error = err.Error()
		d.log.Warn().
			Err(err).
			Str("rule_id", req.Rule.ID).
			Str("asset_id", req.AssetID).
			Str("action_id", action.ID).
			Str("kind", string(action.Kind)).
			Msg("action dispatch failed")
		return result
	}
	result.Success = true
	return result
}

// publishBody uses the configured message, rendered when a renderer is set,
// or a JSON summary of the evaluation when the action has none. A message
// that fails to render is sent verbatim.
func (d *Dispatcher) publishBody(payload WebhookPayload, action alarms.Action) []byte {
	if action.Message != "" {
		if d.renderer == nil {
			return []byte(action.Message)
		}
		rendered, err := d.renderer.RenderMessage(action.Message, payload)
		if err != nil {
			d.log.Warn().Err(err).Str("rule_id", payload.RuleID).Str("action_id", action.ID).Msg("message render failed")
			return []byte(action.Message)
		}
		return []byte(rendered)
	}
	body, err := json.Marshal(map[string]any{
		"ruleId":    payload.RuleID,
		"ruleName":  payload.RuleName,
		"assetId":   payload.AssetID,
		"timestamp": payload.Timestamp,
	})
	if err != nil {
		return nil
	}
	return body
}
