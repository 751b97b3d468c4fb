package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	alarmapp "asset-alerting/internal/alarms/application"
	alarms "asset-alerting/internal/alarms/domain"
	"asset-alerting/internal/alarms/interfaces/export"
	"asset-alerting/internal/audit"
	"asset-alerting/internal/logger"
)

const (
	timeLayout               = time.RFC3339
	maxBodyBytes             = 1 << 20
	defaultComputationsLimit = 100
	exportPageSize           = 500
	exportMaxPages           = 20
)

// RuleService manages rules and their evaluations.
type RuleService interface {
	Create(ctx context.Context, rule alarms.Rule) (alarms.Rule, error)
	Update(ctx context.Context, rule alarms.Rule) (alarms.Rule, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (alarms.Rule, error)
	List(assetID string) []alarms.Rule
	Test(ctx context.Context, ruleID string, msg *alarmapp.InboundMessage) (alarmapp.Outcome, error)
	RemoveAsset(ctx context.Context, assetID string) (alarmapp.AssetTeardown, error)
}

// TriggeredStates lists rules currently in the triggered state.
type TriggeredStates interface {
	List() []alarms.TriggeredState
}

// ExecutionLog queries the evaluation audit trail.
type ExecutionLog interface {
	List(ctx context.Context, filter alarms.LogFilter) ([]alarms.ExecutionLogEntry, int, error)
	Stats(ctx context.Context, ruleID, assetID string) (alarms.ExecutionStats, error)
	PurgeAsset(ctx context.Context, assetID string) (int64, error)
}

// ComputationLister lists computation references of an asset.
type ComputationLister interface {
	ListByAsset(ctx context.Context, assetID string, limit int) ([]alarms.ComputationRecord, error)
}

// Handler provides the rule, execution and asset endpoints.
type Handler struct {
	rules        RuleService
	states       TriggeredStates
	executions   ExecutionLog
	computations ComputationLister
	auditLogger  audit.Logger
	now          func() time.Time
	log          zerolog.Logger
}

// Option configures the handler.
type Option func(*Handler)

// WithAuditLogger records admin mutations.
func WithAuditLogger(auditLogger audit.Logger) Option {
	return func(h *Handler) {
		h.auditLogger = auditLogger
	}
}

// WithComputations enables the asset computation listing.
func WithComputations(computations ComputationLister) Option {
	return func(h *Handler) {
		h.computations = computations
	}
}

// WithNow overrides the clock used for audit and export timestamps.
func WithNow(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs a handler.
func NewHandler(rules RuleService, states TriggeredStates, executions ExecutionLog, opts ...Option) (*Handler, error) {
	if rules == nil {
		return nil, errors.New("alarms handler: nil rule service")
	}
	if states == nil {
		return nil, errors.New("alarms handler: nil state table")
	}
	if executions == nil {
		return nil, errors.New("alarms handler: nil execution log")
	}
	h := &Handler{
		rules:      rules,
		states:     states,
		executions: executions,
		now:        func() time.Time { return time.Now().UTC() },
		log:        logger.WithComponent("http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Mount registers the /api/v1 routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.handleListRules)
			r.Post("/", h.handleCreateRule)
			r.Get("/{id}", h.handleGetRule)
			r.Put("/{id}", h.handleUpdateRule)
			r.Delete("/{id}", h.handleDeleteRule)
			r.Post("/{id}/test", h.handleTestRule)
		})
		r.Get("/triggered", h.handleTriggered)
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", h.handleListExecutions)
			r.Get("/stats", h.handleStats)
			r.Get("/export.xlsx", h.handleExport(formatXLSX))
			r.Get("/export.pdf", h.handleExport(formatPDF))
		})
		r.Route("/assets/{assetId}", func(r chi.Router) {
			r.Delete("/", h.handleRemoveAsset)
			r.Delete("/executions", h.handlePurgeExecutions)
			r.Get("/computations", h.handleComputations)
		})
	})
}

// Router returns a standalone router serving the handler's routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	h.Mount(r)
	return r
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.rules.List(strings.TrimSpace(r.URL.Query().Get("asset_id")))
	if active := r.URL.Query().Get("active"); active != "" {
		want, err := strconv.ParseBool(active)
		if err != nil {
			http.Error(w, "active must be a boolean", http.StatusBadRequest)
			return
		}
		filtered := rules[:0]
		for _, rule := range rules {
			if rule.IsActive == want {
				filtered = append(filtered, rule)
			}
		}
		rules = filtered
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *Handler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule alarms.Rule
	if err := decodeBody(r, &rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := h.rules.Create(r.Context(), rule)
	if err != nil {
		respondRuleError(w, err)
		return
	}
	h.recordAudit(r, "rule.create", created.ID, created.AssetID, map[string]any{
		"name":      created.Name,
		"is_active": created.IsActive,
		"interval":  created.CheckIntervalSeconds,
	})
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rule alarms.Rule
	if err := decodeBody(r, &rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rule.ID != "" && rule.ID != id {
		http.Error(w, "id mismatch", http.StatusBadRequest)
		return
	}
	rule.ID = id
	updated, err := h.rules.Update(r.Context(), rule)
	if err != nil {
		respondRuleError(w, err)
		return
	}
	h.recordAudit(r, "rule.update", updated.ID, updated.AssetID, map[string]any{
		"name":      updated.Name,
		"is_active": updated.IsActive,
		"interval":  updated.CheckIntervalSeconds,
	})
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.rules.Get(r.Context(), id)
	if err != nil {
		respondRuleError(w, err)
		return
	}
	if err := h.rules.Delete(r.Context(), id); err != nil {
		respondRuleError(w, err)
		return
	}
	h.recordAudit(r, "rule.delete", id, existing.AssetID, nil)
	w.WriteHeader(http.StatusNoContent)
}

type testRequest struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

func (h *Handler) handleTestRule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	var msg *alarmapp.InboundMessage
	if len(strings.TrimSpace(string(body))) > 0 {
		var req testRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if len(req.Payload) > 0 {
			var payload any
			if err := json.Unmarshal(req.Payload, &payload); err != nil {
				http.Error(w, "invalid payload", http.StatusBadRequest)
				return
			}
			msg = &alarmapp.InboundMessage{Topic: req.Topic, Payload: payload}
			if req.Timestamp != "" {
				ts, err := time.Parse(timeLayout, req.Timestamp)
				if err != nil {
					http.Error(w, "timestamp must be RFC3339", http.StatusBadRequest)
					return
				}
				msg.Timestamp = ts.UTC()
			}
		}
	}

	outcome, err := h.rules.Test(r.Context(), chi.URLParam(r, "id"), msg)
	if err != nil {
		respondRuleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *Handler) handleTriggered(w http.ResponseWriter, r *http.Request) {
	assetID := strings.TrimSpace(r.URL.Query().Get("asset_id"))
	ruleID := strings.TrimSpace(r.URL.Query().Get("rule_id"))
	states := h.states.List()
	out := make([]alarms.TriggeredState, 0, len(states))
	for _, state := range states {
		if assetID != "" && state.AssetID != assetID {
			continue
		}
		if ruleID != "" && state.RuleID != ruleID {
			continue
		}
		out = append(out, state)
	}
	writeJSON(w, http.StatusOK, out)
}

type executionPage struct {
	Items    []alarms.ExecutionLogEntry `json:"items"`
	Total    int                        `json:"total"`
	Page     int                        `json:"page"`
	PageSize int                        `json:"page_size"`
}

func (h *Handler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter = filter.Normalize()
	items, total, err := h.executions.List(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []alarms.ExecutionLogEntry{}
	}
	writeJSON(w, http.StatusOK, executionPage{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	stats, err := h.executions.Stats(r.Context(), query.Get("rule_id"), query.Get("asset_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type exportFormat string

const (
	formatXLSX exportFormat = "xlsx"
	formatPDF  exportFormat = "pdf"
)

func (h *Handler) handleExport(format exportFormat) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		report := export.Report{
			RuleID:      query.Get("rule_id"),
			AssetID:     query.Get("asset_id"),
			GeneratedAt: h.now(),
		}
		filter := alarms.LogFilter{RuleID: report.RuleID, AssetID: report.AssetID, PageSize: exportPageSize}
		for page := 1; page <= exportMaxPages; page++ {
			filter.Page = page
			items, total, err := h.executions.List(r.Context(), filter)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			report.Total = total
			report.Entries = append(report.Entries, items...)
			if len(items) < exportPageSize || len(report.Entries) >= total {
				break
			}
		}
		stats, err := h.executions.Stats(r.Context(), report.RuleID, report.AssetID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		report.Stats = stats

		var (
			data        []byte
			contentType string
		)
		switch format {
		case formatPDF:
			data, err = export.BuildExecutionPDF(report)
			contentType = "application/pdf"
		default:
			data, err = export.BuildExecutionXLSX(report)
			contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		}
		if err != nil {
			h.log.Error().Err(err).Str("format", string(format)).Msg("execution export failed")
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		filename := "executions-" + report.GeneratedAt.Format("20060102-150405") + "." + string(format)
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	}
}

func (h *Handler) handleRemoveAsset(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetId")
	teardown, err := h.rules.RemoveAsset(r.Context(), assetID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.recordAudit(r, "asset.remove", assetID, assetID, map[string]any{
		"rules_deleted":     teardown.RulesDeleted,
		"states_cleared":    teardown.StatesCleared,
		"executions_purged":   teardown.ExecutionsPurged,
		"computations_purged": teardown.ComputationsPurged,
	})
	writeJSON(w, http.StatusOK, teardown)
}

func (h *Handler) handlePurgeExecutions(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "assetId")
	purged, err := h.executions.PurgeAsset(r.Context(), assetID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.recordAudit(r, "asset.purge_executions", assetID, assetID, map[string]any{"executions_purged": purged})
	writeJSON(w, http.StatusOK, map[string]any{"asset_id": assetID, "executions_purged": purged})
}

func (h *Handler) handleComputations(w http.ResponseWriter, r *http.Request) {
	if h.computations == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	limit := defaultComputationsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	records, err := h.computations.ListByAsset(r.Context(), chi.URLParam(r, "assetId"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []alarms.ComputationRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) recordAudit(r *http.Request, action, resourceID, assetID string, metadata map[string]any) {
	if h.auditLogger == nil {
		return
	}
	resourceType := "alert_rule"
	if strings.HasPrefix(action, "asset.") {
		resourceType = "asset"
	}
	entry := audit.FromRequest(r, action, resourceType, resourceID)
	if metadata != nil {
		entry = entry.WithMetadata(metadata)
	}
	entry.AssetID = assetID
	entry.CreatedAt = h.now()
	if err := h.auditLogger.Log(r.Context(), entry); err != nil {
		h.log.Warn().Err(err).Str("action", action).Str("resource_id", resourceID).Msg("audit log failed")
	}
}

func parseLogFilter(r *http.Request) (alarms.LogFilter, error) {
	query := r.URL.Query()
	filter := alarms.LogFilter{
		RuleID:  strings.TrimSpace(query.Get("rule_id")),
		AssetID: strings.TrimSpace(query.Get("asset_id")),
	}
	var err error
	if filter.Page, err = parseIntQuery(query.Get("page")); err != nil {
		return filter, errors.New("page must be an integer")
	}
	if filter.PageSize, err = parseIntQuery(query.Get("page_size")); err != nil {
		return filter, errors.New("page_size must be an integer")
	}
	return filter, nil
}

func parseIntQuery(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		return errors.New("invalid json body")
	}
	return nil
}

func respondRuleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarms.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, alarms.ErrInvalidRule):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
