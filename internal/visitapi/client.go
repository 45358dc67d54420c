// Package visitapi is the HTTP adapter for the remote visit service.
package visitapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/clinic-visit-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-visit-sync/internal/visits"
	"github.com/wolfman30/clinic-visit-sync/pkg/logging"
)

const (
	defaultBaseURL = "http://localhost:5000/api"
	defaultTimeout = 30 * time.Second
)

var tracer = otel.Tracer("clinic.internal.visitapi")

// Config configures the client.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.SyncMetrics
}

// Client calls the visit service's REST endpoints. Every mutation endpoint
// answers with the full authoritative visit.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *logging.Logger
	metrics    *metrics.SyncMetrics
	tracer     trace.Tracer
}

// NewClient constructs a visit service client.
func NewClient(cfg Config, logger *logging.Logger) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = logging.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      cfg.Token,
		logger:     logger.Component("visitapi"),
		metrics:    cfg.Metrics,
		tracer:     tracer,
	}
}

// CreateVisit schedules a visit for the authenticated patient.
func (c *Client) CreateVisit(ctx context.Context, req visits.NewVisit) (visits.Visit, error) {
	body := createVisitRequest{
		DoctorID:       req.DoctorID,
		ScheduledDate:  req.ScheduledDate.UTC().Format(time.RFC3339),
		ChiefComplaint: req.ChiefComplaint,
	}
	return c.visitCall(ctx, "create_visit", http.MethodPost, "/visits", body)
}

// MyVisits lists the visits of the authenticated actor. The service derives
// the actor from the bearer token.
func (c *Client) MyVisits(ctx context.Context) ([]visits.Visit, error) {
	const op = "get_my_visits"
	var env visitsEnvelope
	if err := c.doJSON(ctx, op, http.MethodGet, "/visits/my-visits", nil, &env); err != nil {
		return nil, err
	}
	out, err := toVisits(env.Visits)
	if err != nil {
		return nil, decodeError(op, err)
	}
	return out, nil
}

// GetVisit fetches a single visit.
func (c *Client) GetVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	return c.visitCall(ctx, "get_visit", http.MethodGet, visitPath(visitID), nil)
}

// StartVisit moves a scheduled visit to in_progress.
func (c *Client) StartVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	return c.visitCall(ctx, "start_visit", http.MethodPost, visitPath(visitID)+"/start", nil)
}

// UpdateVisit edits clinical fields.
func (c *Client) UpdateVisit(ctx context.Context, visitID string, update visits.VisitUpdate) (visits.Visit, error) {
	body := updateVisitRequest{
		Diagnosis:      update.Diagnosis,
		Notes:          update.Notes,
		ChiefComplaint: update.ChiefComplaint,
	}
	return c.visitCall(ctx, "update_visit", http.MethodPut, visitPath(visitID), body)
}

// AddTreatment appends a treatment line.
func (c *Client) AddTreatment(ctx context.Context, visitID string, in visits.TreatmentInput) (visits.Visit, error) {
	return c.visitCall(ctx, "add_treatment", http.MethodPost, visitPath(visitID)+"/treatments", newTreatmentRequest(in))
}

// UpdateTreatment replaces a treatment line.
func (c *Client) UpdateTreatment(ctx context.Context, visitID, treatmentID string, in visits.TreatmentInput) (visits.Visit, error) {
	return c.visitCall(ctx, "update_treatment", http.MethodPut, treatmentPath(visitID, treatmentID), newTreatmentRequest(in))
}

// DeleteTreatment removes a treatment line.
func (c *Client) DeleteTreatment(ctx context.Context, visitID, treatmentID string) (visits.Visit, error) {
	return c.visitCall(ctx, "delete_treatment", http.MethodDelete, treatmentPath(visitID, treatmentID), nil)
}

// CompleteVisit closes an in-progress visit.
func (c *Client) CompleteVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	return c.visitCall(ctx, "complete_visit", http.MethodPost, visitPath(visitID)+"/complete", nil)
}

// CancelVisit cancels a scheduled or in-progress visit.
func (c *Client) CancelVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	return c.visitCall(ctx, "cancel_visit", http.MethodPost, visitPath(visitID)+"/cancel", nil)
}

// SearchVisits runs the finance search.
func (c *Client) SearchVisits(ctx context.Context, filters visits.SearchFilters) (visits.SearchResult, error) {
	const op = "search_visits"
	path := "/finance/visits"
	if q := filters.Values().Encode(); q != "" {
		path += "?" + q
	}
	var env searchEnvelope
	if err := c.doJSON(ctx, op, http.MethodGet, path, nil, &env); err != nil {
		return visits.SearchResult{}, err
	}
	list, err := toVisits(env.Visits)
	if err != nil {
		return visits.SearchResult{}, decodeError(op, err)
	}
	return visits.SearchResult{
		Visits: list,
		Count:  env.Count,
		Statistics: visits.SearchStatistics{
			TotalRevenue:    env.Statistics.TotalRevenue,
			PendingPayments: env.Statistics.PendingPayments,
			PaidVisits:      env.Statistics.PaidVisits,
		},
	}, nil
}

// FinanceVisit fetches the finance view of a visit.
func (c *Client) FinanceVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	return c.visitCall(ctx, "get_finance_visit", http.MethodGet, "/finance/visits/"+url.PathEscape(visitID), nil)
}

// UpdatePaymentStatus writes the payment status of a completed visit.
func (c *Client) UpdatePaymentStatus(ctx context.Context, visitID string, status visits.PaymentStatus) (visits.Visit, error) {
	path := "/finance/visits/" + url.PathEscape(visitID) + "/payment"
	return c.visitCall(ctx, "update_payment_status", http.MethodPut, path, paymentRequest{PaymentStatus: string(status)})
}

// DashboardStats fetches the finance overview.
func (c *Client) DashboardStats(ctx context.Context) (visits.DashboardStats, error) {
	var env dashboardEnvelope
	if err := c.doJSON(ctx, "get_dashboard_stats", http.MethodGet, "/finance/dashboard", nil, &env); err != nil {
		return visits.DashboardStats{}, err
	}
	o := env.Dashboard.Overall
	return visits.DashboardStats{
		TotalRevenue:    o.TotalRevenue,
		PaidAmount:      o.PaidAmount,
		PendingPayments: o.PendingPayments,
		CollectionRate:  collectionRate(o.CollectionRate),
		CompletedVisits: o.CompletedVisits,
	}, nil
}

// ExportVisits returns flat export rows for the given filters.
func (c *Client) ExportVisits(ctx context.Context, filters visits.SearchFilters) ([]visits.ExportRow, error) {
	const op = "export_visits"
	path := "/finance/export"
	if q := filters.Values().Encode(); q != "" {
		path += "?" + q
	}
	var env exportEnvelope
	if err := c.doJSON(ctx, op, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	rows := make([]visits.ExportRow, 0, len(env.Data))
	for _, raw := range env.Data {
		row, err := decodeExportRow(raw)
		if err != nil {
			return nil, decodeError(op, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Doctors lists the doctor directory.
func (c *Client) Doctors(ctx context.Context) ([]visits.DoctorRef, error) {
	var env doctorsEnvelope
	if err := c.doJSON(ctx, "get_doctors", http.MethodGet, "/auth/doctors", nil, &env); err != nil {
		return nil, err
	}
	out := make([]visits.DoctorRef, 0, len(env.Doctors))
	for _, d := range env.Doctors {
		out = append(out, d.toDoctor())
	}
	return out, nil
}

func visitPath(visitID string) string {
	return "/visits/" + url.PathEscape(visitID)
}

func treatmentPath(visitID, treatmentID string) string {
	return visitPath(visitID) + "/treatments/" + url.PathEscape(treatmentID)
}

func (c *Client) visitCall(ctx context.Context, op, method, path string, body any) (visits.Visit, error) {
	var env visitEnvelope
	if err := c.doJSON(ctx, op, method, path, body, &env); err != nil {
		return visits.Visit{}, err
	}
	if env.Visit == nil {
		return visits.Visit{}, decodeError(op, errors.New("response has no visit"))
	}
	v, err := env.Visit.toVisit()
	if err != nil {
		return visits.Visit{}, decodeError(op, err)
	}
	return v, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, body any, out any) error {
	ctx, span := c.tracer.Start(ctx, "visitapi."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("visitapi.path", path),
	)

	err := c.do(ctx, op, method, path, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, out any) error {
	endpoint := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &visits.Error{Kind: visits.KindValidation, Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return &visits.Error{Kind: visits.KindValidation, Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRemoteRequest(op, "error")
		return transportError(op, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.ObserveRemoteRequest(op, "error")
		return transportError(op, fmt.Errorf("read response: %w", err))
	}
	c.metrics.ObserveRemoteRequest(op, statusClass(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		typed := classifyStatus(op, resp.StatusCode, respBody)
		c.logger.Warn("visit service non-2xx response",
			"op", op,
			"status", resp.StatusCode,
			"path", path,
			"kind", typed.Kind.String(),
			"error", typed.Err,
		)
		return typed
	}

	if len(respBody) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return decodeError(op, err)
	}
	return nil
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
