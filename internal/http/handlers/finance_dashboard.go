package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
	"github.com/wolfman30/clinic-visit-sync/pkg/logging"
)

// DashboardSource serves the finance overview.
type DashboardSource interface {
	DashboardStats(ctx context.Context) (visits.DashboardStats, error)
	RefreshDashboard(ctx context.Context) (visits.DashboardStats, error)
}

// FinanceDashboardHandler exposes the cached finance overview.
type FinanceDashboardHandler struct {
	source DashboardSource
	logger *logging.Logger
	// lastRefresh is the unix nano time of the last successful refresh.
	lastRefresh atomic.Int64
}

// NewFinanceDashboardHandler creates a new finance dashboard handler.
func NewFinanceDashboardHandler(source DashboardSource, logger *logging.Logger) *FinanceDashboardHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &FinanceDashboardHandler{source: source, logger: logger}
}

// DashboardResponse is the JSON form of the finance overview. Amounts are
// fixed two-decimal strings.
type DashboardResponse struct {
	TotalRevenue    string     `json:"total_revenue"`
	PaidAmount      string     `json:"paid_amount"`
	PendingPayments string     `json:"pending_payments"`
	CollectionRate  string     `json:"collection_rate"`
	CompletedVisits int        `json:"completed_visits"`
	RefreshedAt     *time.Time `json:"refreshed_at,omitempty"`
}

func (h *FinanceDashboardHandler) response(stats visits.DashboardStats) DashboardResponse {
	resp := DashboardResponse{
		TotalRevenue:    stats.TotalRevenue.StringFixed(2),
		PaidAmount:      stats.PaidAmount.StringFixed(2),
		PendingPayments: stats.PendingPayments.StringFixed(2),
		CollectionRate:  stats.CollectionRate,
		CompletedVisits: stats.CompletedVisits,
	}
	if nanos := h.lastRefresh.Load(); nanos > 0 {
		at := time.Unix(0, nanos).UTC()
		resp.RefreshedAt = &at
	}
	return resp
}

// GetDashboard handles GET /finance/dashboard.
func (h *FinanceDashboardHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.source.DashboardStats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response(stats))
}

// RefreshDashboard handles POST /finance/dashboard/refresh.
func (h *FinanceDashboardHandler) RefreshDashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Refresh(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.response(stats))
}

// Refresh reloads the overview and records when it last succeeded.
func (h *FinanceDashboardHandler) Refresh(ctx context.Context) (visits.DashboardStats, error) {
	stats, err := h.source.RefreshDashboard(ctx)
	if err != nil {
		return stats, err
	}
	h.lastRefresh.Store(time.Now().UnixNano())
	return stats, nil
}

func (h *FinanceDashboardHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	message := "Something went wrong."
	var typed *visits.Error
	if errors.As(err, &typed) {
		message = typed.UserMessage()
		switch typed.Kind {
		case visits.KindNotFound:
			status = http.StatusNotFound
		case visits.KindRejected:
			status = typed.Status
			if status == 0 {
				status = http.StatusBadRequest
			}
		}
	}
	h.logger.Warn("finance dashboard unavailable", "error", err)
	writeJSON(w, status, map[string]string{"error": message})
}

// Health handles GET /health.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
