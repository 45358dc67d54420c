// Package visitsync keeps the cached visit views in step with the remote
// visit service. Mutations are applied optimistically, then committed with
// the service's answer or rolled back to the exact pre-mutation state.
package visitsync

import (
	"context"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

// VisitService is the remote source of truth. Every mutation returns the
// full authoritative visit.
type VisitService interface {
	CreateVisit(ctx context.Context, req visits.NewVisit) (visits.Visit, error)
	MyVisits(ctx context.Context) ([]visits.Visit, error)
	GetVisit(ctx context.Context, visitID string) (visits.Visit, error)
	StartVisit(ctx context.Context, visitID string) (visits.Visit, error)
	UpdateVisit(ctx context.Context, visitID string, update visits.VisitUpdate) (visits.Visit, error)
	AddTreatment(ctx context.Context, visitID string, in visits.TreatmentInput) (visits.Visit, error)
	UpdateTreatment(ctx context.Context, visitID, treatmentID string, in visits.TreatmentInput) (visits.Visit, error)
	DeleteTreatment(ctx context.Context, visitID, treatmentID string) (visits.Visit, error)
	CompleteVisit(ctx context.Context, visitID string) (visits.Visit, error)
	CancelVisit(ctx context.Context, visitID string) (visits.Visit, error)
	SearchVisits(ctx context.Context, filters visits.SearchFilters) (visits.SearchResult, error)
	FinanceVisit(ctx context.Context, visitID string) (visits.Visit, error)
	UpdatePaymentStatus(ctx context.Context, visitID string, status visits.PaymentStatus) (visits.Visit, error)
	DashboardStats(ctx context.Context) (visits.DashboardStats, error)
	ExportVisits(ctx context.Context, filters visits.SearchFilters) ([]visits.ExportRow, error)
	// Doctors lists the doctors a patient can book with.
	Doctors(ctx context.Context) ([]visits.DoctorRef, error)
}

// RoleGate supplies the actor on whose behalf intents are issued.
type RoleGate interface {
	Actor(ctx context.Context) (visits.Actor, error)
}
