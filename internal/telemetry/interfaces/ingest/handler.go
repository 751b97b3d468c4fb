// Package ingest writes inbound bus messages to the time series.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"asset-alerting/internal/bus"
	"asset-alerting/internal/computeadapter"
	"asset-alerting/internal/logger"
	"asset-alerting/internal/observability/metrics"
	"asset-alerting/internal/telemetry/domain"
)

const maxBodyBytes = 1 << 20

// AssetResolver maps a bus topic to an asset.
type AssetResolver interface {
	ResolveAsset(topic string) (string, bool)
}

// Handler stores the readings of every message on a mapped topic.
type Handler struct {
	repo     telemetry.TelemetryRepository
	resolver AssetResolver
	log      zerolog.Logger
}

// NewHandler constructs an ingest handler.
func NewHandler(repo telemetry.TelemetryRepository, resolver AssetResolver) (*Handler, error) {
	if repo == nil {
		return nil, errors.New("telemetry ingest: nil repository")
	}
	if resolver == nil {
		return nil, errors.New("telemetry ingest: nil resolver")
	}
	return &Handler{repo: repo, resolver: resolver, log: logger.WithComponent("telemetry-ingest")}, nil
}

// HandleMessage implements bus.Handler. Unmapped topics and payloads without
// scalar readings are skipped.
func (h *Handler) HandleMessage(ctx context.Context, msg bus.Message) error {
	assetID, ok := h.resolver.ResolveAsset(msg.Topic)
	if !ok {
		return nil
	}
	var payload any = map[string]any{}
	if len(msg.Payload) > 0 {
		payload = computeadapter.ParseLoose(string(msg.Payload))
	}
	measurements := telemetry.FromPayload(assetID, payload, msg.Timestamp, msg.Source)
	if len(measurements) == 0 {
		h.log.Debug().Str("topic", msg.Topic).Msg("no readings in message")
		return nil
	}
	if err := h.repo.InsertMeasurements(ctx, measurements); err != nil {
		h.log.Error().Err(err).Str("asset_id", assetID).Int("readings", len(measurements)).Msg("insert readings failed")
		return err
	}
	return nil
}

// HTTPHandler accepts messages over HTTP and forwards them to a bus handler.
type HTTPHandler struct {
	next bus.Handler
	now  func() time.Time
	log  zerolog.Logger
}

// NewHTTPHandler constructs an HTTP ingest endpoint.
func NewHTTPHandler(next bus.Handler) (*HTTPHandler, error) {
	if next == nil {
		return nil, errors.New("telemetry ingest: nil handler")
	}
	return &HTTPHandler{
		next: next,
		now:  func() time.Time { return time.Now().UTC() },
		log:  logger.WithComponent("http-ingest"),
	}, nil
}

type ingestRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
	TS      int64           `json:"ts"`
}

// ServeHTTP ingests one message.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		http.Error(w, "topic required", http.StatusBadRequest)
		return
	}
	ts := h.now()
	if req.TS != 0 {
		parsed, err := parseTimestamp(req.TS)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ts = parsed
	}

	msg := bus.Message{Topic: req.Topic, Payload: []byte(req.Payload), Timestamp: ts, Source: bus.SourceHTTP}
	if err := h.next.HandleMessage(r.Context(), msg); err != nil {
		metrics.IncBusMessage(bus.SourceHTTP, metrics.ResultError)
		h.log.Error().Err(err).Str("topic", req.Topic).Msg("ingest failed")
		http.Error(w, "ingest error", http.StatusInternalServerError)
		return
	}
	metrics.IncBusMessage(bus.SourceHTTP, metrics.ResultSuccess)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true, "topic": req.Topic})
}

func parseTimestamp(value int64) (time.Time, error) {
	if value <= 0 {
		return time.Time{}, errors.New("invalid ts")
	}
	// Accept milliseconds or seconds.
	if value > 1_000_000_000_000 {
		return time.UnixMilli(value).UTC(), nil
	}
	return time.Unix(value, 0).UTC(), nil
}
