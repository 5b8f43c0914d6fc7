// Package handler wires the quota module's HTTP surface: tenant quota reads,
// scan execution through the gate, alert operations, and the monitoring
// endpoints.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scanmeter/internal/alerting"
	"scanmeter/internal/monitoring"
	"scanmeter/internal/quota/models"
	"scanmeter/internal/quota/service/gate"
	"scanmeter/internal/quota/service/ledger"
	dErrors "scanmeter/pkg/domain-errors"
	"scanmeter/pkg/platform/httputil"
)

// Analyzer is the pluggable unit of billable work behind the scan endpoint.
// The vision pipeline itself lives outside this module.
type Analyzer func(ctx context.Context, req gate.Request) (*models.AnalysisResult, error)

// Handler exposes quota, alerting, and monitoring endpoints.
type Handler struct {
	ledger     *ledger.Service
	gate       *gate.Gate
	recorder   *monitoring.Recorder
	dispatcher *alerting.Dispatcher
	analyzer   Analyzer
	logger     *slog.Logger
}

// Option configures optional Handler dependencies.
type Option func(*Handler)

// WithAnalyzer mounts the scan execution endpoint backed by the given
// analyzer.
func WithAnalyzer(a Analyzer) Option {
	return func(h *Handler) { h.analyzer = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// New constructs the handler.
func New(ledgerSvc *ledger.Service, gateSvc *gate.Gate, recorder *monitoring.Recorder, dispatcher *alerting.Dispatcher, opts ...Option) (*Handler, error) {
	if ledgerSvc == nil || gateSvc == nil || recorder == nil || dispatcher == nil {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "ledger, gate, recorder, and dispatcher are required")
	}
	h := &Handler{
		ledger:     ledgerSvc,
		gate:       gateSvc,
		recorder:   recorder,
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts all endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.HandleHealth)
	r.Get("/monitoring/dashboard", h.HandleDashboard)
	r.Get("/metrics/export", h.HandleMetricsExport)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/alerts", h.HandleActiveAlerts)
	r.Get("/alerts/stats", h.HandleAlertStats)
	r.Post("/alerts/{alertID}/ack", h.HandleAcknowledge)
	r.Post("/alerts/{alertID}/resolve", h.HandleResolve)

	r.Post("/tenants", h.HandleProvision)
	r.Get("/tenants/{tenantID}/quota", h.HandleQuota)
	r.Get("/tenants/{tenantID}/stats", h.HandleStats)
	r.Get("/tenants/{tenantID}/recommendation", h.HandleRecommendation)
	r.Get("/tenants/{tenantID}/alerts", h.HandleTenantAlerts)
	r.Post("/tenants/{tenantID}/plan", h.HandlePlanChange)

	if h.analyzer != nil {
		r.Post("/tenants/{tenantID}/scans", h.HandleScan)
	}
}

// HandleHealth handles GET /healthz.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.recorder.Health()
	status := http.StatusOK
	if health.Status == "critical" {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, health)
}

// HandleDashboard handles GET /monitoring/dashboard?window=.
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest, "invalid window %q", raw))
			return
		}
		window = parsed
	}
	httputil.WriteJSON(w, http.StatusOK, h.recorder.Dashboard(window))
}

// HandleMetricsExport handles GET /metrics/export.
func (h *Handler) HandleMetricsExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(h.recorder.ExportMetrics()))
}

// HandleActiveAlerts handles GET /alerts.
func (h *Handler) HandleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.dispatcher.ActiveAlerts()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// HandleAlertStats handles GET /alerts/stats.
func (h *Handler) HandleAlertStats(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.dispatcher.Stats())
}

// HandleAcknowledge handles POST /alerts/{alertID}/ack.
func (h *Handler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.alertTransition(w, r, h.dispatcher.Acknowledge)
}

// HandleResolve handles POST /alerts/{alertID}/resolve.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	h.alertTransition(w, r, h.dispatcher.Resolve)
}

func (h *Handler) alertTransition(w http.ResponseWriter, r *http.Request, apply func(uuid.UUID) error) {
	alertID, err := uuid.Parse(chi.URLParam(r, "alertID"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "alert id must be a UUID"))
		return
	}
	if err := apply(alertID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ProvisionRequest is the body for POST /tenants.
type ProvisionRequest struct {
	TenantID string `json:"tenant_id"`
	PlanID   string `json:"plan_id"`
}

// HandleProvision handles POST /tenants.
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.DecodeJSON[ProvisionRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	cfg, err := h.ledger.Provision(r.Context(), req.TenantID, req.PlanID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, cfg)
}

// HandleQuota handles GET /tenants/{tenantID}/quota.
func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	avail, err := h.ledger.CheckAvailability(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, avail)
}

// HandleStats handles GET /tenants/{tenantID}/stats?period=.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context(), chi.URLParam(r, "tenantID"), r.URL.Query().Get("period"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

// HandleRecommendation handles GET /tenants/{tenantID}/recommendation.
func (h *Handler) HandleRecommendation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ledger.Recommend(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rec)
}

// HandleTenantAlerts handles GET /tenants/{tenantID}/alerts.
func (h *Handler) HandleTenantAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.dispatcher.TenantAlerts(chi.URLParam(r, "tenantID"))
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// PlanChangeRequest is the body for POST /tenants/{tenantID}/plan.
type PlanChangeRequest struct {
	PlanID string `json:"plan_id"`
}

// HandlePlanChange handles POST /tenants/{tenantID}/plan.
func (h *Handler) HandlePlanChange(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.DecodeJSON[PlanChangeRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	effective, err := h.ledger.UpdatePlan(r.Context(), chi.URLParam(r, "tenantID"), req.PlanID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"plan_id":   req.PlanID,
		"effective": effective,
	})
}

// ScanRequest is the body for POST /tenants/{tenantID}/scans.
type ScanRequest struct {
	UserID    string                 `json:"user_id,omitempty"`
	Operation models.OperationType   `json:"operation"`
	Subject   models.SubjectIdentity `json:"subject"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

// HandleScan handles POST /tenants/{tenantID}/scans: the billable path
// through the quota gate.
func (h *Handler) HandleScan(w http.ResponseWriter, r *http.Request) {
	req, err := httputil.DecodeJSON[ScanRequest](r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	gateReq := gate.Request{
		TenantID:  chi.URLParam(r, "tenantID"),
		UserID:    req.UserID,
		Operation: req.Operation,
		Subject:   req.Subject,
		Metadata:  req.Metadata,
	}

	result, err := h.gate.Execute(r.Context(), gateReq, func(ctx context.Context) (*models.AnalysisResult, error) {
		return h.analyzer(ctx, gateReq)
	})
	if err != nil {
		h.writeGateError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// writeGateError keeps the structured refusal details on quota errors so
// callers can render remaining quota and overage cost.
func (h *Handler) writeGateError(w http.ResponseWriter, r *http.Request, err error) {
	var qErr *gate.QuotaExceededError
	if dErrors.Is(err, dErrors.CodeQuotaExceeded) && errors.As(err, &qErr) {
		httputil.WriteErrorDetails(w, err, qErr)
		return
	}
	h.logger.ErrorContext(r.Context(), "scan execution failed", "error", err)
	httputil.WriteError(w, err)
}
