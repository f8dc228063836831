package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/assign"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// maxBodyBytes bounds request bodies; account batches can be large.
const maxBodyBytes = 32 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	service      *assign.Service
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	asyncTenants []string
	version      string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		service:      deps.Service,
		repo:         deps.Repo,
		cache:        deps.Cache,
		bus:          deps.Bus,
		asyncTenants: deps.AsyncTenants,
		version:      deps.Version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports 503 until every configured backend answers.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checks := map[string]string{}
	ready := true

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			checks[name] = err.Error()
			ready = false
			return
		}
		checks[name] = "ok"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(ctx) })
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

// ============================================================================
// CATALOG HANDLERS
// ============================================================================

// CatalogResponse is the body of catalog reads and writes.
type CatalogResponse struct {
	Channels []domain.Channel `json:"channels"`
	Count    int              `json:"count"`
	Banks    int              `json:"banks"`
}

func catalogResponse(cat *catalog.Catalog) CatalogResponse {
	return CatalogResponse{
		Channels: cat.Channels(),
		Count:    cat.Len(),
		Banks:    cat.Banks(),
	}
}

// GetCatalog returns the tenant's current catalog.
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	cat, err := h.service.Registry().Get(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, catalogResponse(cat))
}

// GetChannel returns one catalog channel.
func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	cat, err := h.service.Registry().Get(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	ch, ok := cat.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// PutCatalog replaces the tenant's catalog with a JSON channel list.
func (h *Handler) PutCatalog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channels []domain.Channel `json:"channels"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}

	for i := range req.Channels {
		// Accept any casing and the legacy spelling, like the CSV import
		if rc, err := domain.ParseRoutingClass(string(req.Channels[i].RoutingClass)); err == nil {
			req.Channels[i].RoutingClass = rc
		}
	}

	h.replaceCatalog(w, r, req.Channels)
}

// ImportCatalog replaces the tenant's catalog from a CSV body.
func (h *Handler) ImportCatalog(w http.ResponseWriter, r *http.Request) {
	rows, err := catalog.ParseCSV(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.replaceCatalog(w, r, rows)
}

func (h *Handler) replaceCatalog(w http.ResponseWriter, r *http.Request, rows []domain.Channel) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	cat, err := h.service.Registry().Replace(ctx, tenantID, rows)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	slog.Info("catalog replaced",
		"tenant_id", tenantID,
		"channels", cat.Len(),
		"banks", cat.Banks(),
	)

	if h.bus != nil {
		event := domain.CatalogUpdated{TenantID: tenantID, Channels: cat.Len(), Banks: cat.Banks()}
		if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicCatalogUpdated, event); err != nil {
			slog.Error("failed to publish catalog update", "tenant_id", tenantID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, catalogResponse(cat))
}

// ============================================================================
// ASSIGNMENT HANDLERS
// ============================================================================

// AssignRequest is the request body for POST /assignments.
type AssignRequest struct {
	RunID    string            `json:"runId,omitempty"`
	Accounts []*domain.Account `json:"accounts"`
}

// AsyncResponse is the response for POST /assignments/async.
type AsyncResponse struct {
	RunID    string `json:"runId"`
	Status   string `json:"status"`
	Accounts int    `json:"accounts"`
}

func (h *Handler) decodeAssignRequest(w http.ResponseWriter, r *http.Request) (*AssignRequest, bool) {
	var req AssignRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return nil, false
	}
	if len(req.Accounts) == 0 {
		writeError(w, http.StatusBadRequest, "accounts are required")
		return nil, false
	}
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	return &req, true
}

// Assign runs a batch synchronously and returns its report.
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeAssignRequest(w, r)
	if !ok {
		return
	}

	rep, err := h.service.Run(r.Context(), GetTenantID(r.Context()), req.RunID, req.Accounts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// AssignAsync queues a batch for the async workers.
func (h *Handler) AssignAsync(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	req, ok := h.decodeAssignRequest(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	msg := &domain.AssignmentRequest{
		RunID:    req.RunID,
		TenantID: GetTenantID(ctx),
		TraceID:  GetTraceID(ctx),
		Accounts: req.Accounts,
	}
	if err := worker.Dispatch(ctx, h.bus, h.asyncTenants, msg); err != nil {
		slog.Error("failed to queue assignment", "run_id", msg.RunID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "failed to queue assignment")
		return
	}

	writeJSON(w, http.StatusAccepted, AsyncResponse{
		RunID:    msg.RunID,
		Status:   "queued",
		Accounts: len(msg.Accounts),
	})
}

// ============================================================================
// RUN HANDLERS
// ============================================================================

// ListRuns lists the tenant's recent runs. ?limit= caps the result.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := h.service.Runs(r.Context(), GetTenantID(r.Context()), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.RunInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun returns a run report. ?bank= restricts it to one home bank.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Report(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report.FilterByBank(rep, r.URL.Query().Get("bank")))
}

// GetRunSummary returns only a run's summary.
func (h *Handler) GetRunSummary(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Report(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	rep = report.FilterByBank(rep, r.URL.Query().Get("bank"))
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":    rep.RunID,
		"summary":  rep.Summary,
		"metadata": rep.Metadata,
	})
}

// ============================================================================
// EXCLUSION HANDLERS
// ============================================================================

// CreateExclusionRequest is the request body for creating an exclusion rule.
type CreateExclusionRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Expression  string `json:"expression"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// ListExclusions returns every stored rule of the tenant, enabled or not.
func (h *Handler) ListExclusions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	rules, err := h.repo.ListExclusionRules(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if rules == nil {
		rules = []*domain.ExclusionRule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": len(rules),
	})
}

// CreateExclusion validates, stores and loads an exclusion rule.
// Posting an existing ID updates that rule.
func (h *Handler) CreateExclusion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if h.repo == nil || h.service.Engine() == nil {
		writeError(w, http.StatusServiceUnavailable, "exclusion rules not available")
		return
	}

	var req CreateExclusionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "name and expression are required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	rule := &domain.ExclusionRule{
		ID:          req.ID,
		TenantID:    tenantID,
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Enabled:     req.Enabled == nil || *req.Enabled,
	}

	if err := h.service.Engine().ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid expression: "+err.Error())
		return
	}
	if err := h.repo.SaveExclusionRule(ctx, tenantID, rule); err != nil {
		slog.Error("failed to save exclusion rule", "id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save exclusion rule")
		return
	}

	if !h.reloadExclusions(w, r) {
		return
	}

	slog.Info("exclusion rule saved", "tenant_id", tenantID, "id", rule.ID, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, rule)
}

// DeleteExclusion removes a stored rule and unloads it.
func (h *Handler) DeleteExclusion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	ruleID := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.repo.DeleteExclusionRule(ctx, tenantID, ruleID); err != nil {
		writeServiceError(w, err)
		return
	}

	if !h.reloadExclusions(w, r) {
		return
	}

	slog.Info("exclusion rule deleted", "tenant_id", tenantID, "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "exclusion rule deleted",
	})
}

// ReloadExclusions reloads the tenant's stored rules into the engine.
func (h *Handler) ReloadExclusions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil || h.service.Engine() == nil {
		writeError(w, http.StatusServiceUnavailable, "exclusion rules not available")
		return
	}
	if !h.reloadExclusions(w, r) {
		return
	}

	count := h.service.Engine().Screen(GetTenantID(r.Context())).Count()
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "exclusion rules reloaded",
		"count":   count,
	})
}

// reloadExclusions reloads the tenant's rules and announces the change.
// It writes the error response itself and reports whether to continue.
func (h *Handler) reloadExclusions(w http.ResponseWriter, r *http.Request) bool {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if err := h.service.ReloadRules(ctx, tenantID); err != nil {
		slog.Error("failed to reload exclusion rules", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload exclusion rules")
		return false
	}

	if h.bus != nil && h.service.Engine() != nil {
		event := domain.ExclusionsUpdated{
			TenantID: tenantID,
			Rules:    h.service.Engine().Screen(tenantID).Count(),
		}
		if err := bus.PublishJSON(ctx, h.bus, tenantID, domain.TopicExclusionsUpdated, event); err != nil {
			slog.Error("failed to publish exclusion update", "tenant_id", tenantID, "error", err)
		}
	}
	return true
}

// ============================================================================
// HELPERS
// ============================================================================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain and backend errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNoCatalog):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, assign.ErrRunNotFound), errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrSchema), errors.Is(err, domain.ErrRange), errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
