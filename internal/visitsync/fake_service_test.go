package visitsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wolfman30/clinic-visit-sync/internal/ledger"
	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

// fakeService is an in-memory visit service with the server-side rules the
// coordinator relies on. Ops can be held open or made to fail.
type fakeService struct {
	mu       sync.Mutex
	byID     map[string]visits.Visit
	seq      int
	failures map[string]error
	gates    map[string]chan struct{}
	calls    []string
	entered  chan string

	exportRows []visits.ExportRow
	dashboard  visits.DashboardStats
	doctors    []visits.DoctorRef
}

func newFakeService() *fakeService {
	return &fakeService{
		byID:     make(map[string]visits.Visit),
		failures: make(map[string]error),
		gates:    make(map[string]chan struct{}),
		entered:  make(chan string, 64),
	}
}

func (f *fakeService) put(v visits.Visit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[v.ID] = v.Clone()
}

func (f *fakeService) get(id string) visits.Visit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].Clone()
}

// hold makes op block until the returned channel is closed.
func (f *fakeService) hold(op string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[op] = gate
	return gate
}

func (f *fakeService) fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

func (f *fakeService) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeService) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	gate := f.gates[op]
	f.mu.Unlock()

	if gate != nil {
		select {
		case f.entered <- op:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[op]
}

func remoteErr(op string, kind visits.Kind, status int, msg string) error {
	return &visits.Error{Kind: kind, Op: op, Status: status, Err: errors.New(msg)}
}

// mutate runs fn on the stored visit under the lock and returns the result.
func (f *fakeService) mutate(op, id string, fn func(v visits.Visit) (visits.Visit, error)) (visits.Visit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.byID[id]
	if !ok {
		return visits.Visit{}, remoteErr(op, visits.KindNotFound, http.StatusNotFound, "Visit not found")
	}
	next, err := fn(v.Clone())
	if err != nil {
		return visits.Visit{}, err
	}
	f.byID[id] = next.Clone()
	return next, nil
}

func (f *fakeService) CreateVisit(ctx context.Context, req visits.NewVisit) (visits.Visit, error) {
	if err := f.enter(ctx, "create_visit"); err != nil {
		return visits.Visit{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	v := visits.Visit{
		ID:             fmt.Sprintf("v-%d", f.seq),
		Patient:        visits.PersonRef{ID: "p1", Name: "Ada Lovelace"},
		Doctor:         visits.DoctorRef{ID: req.DoctorID, Name: "Dr. Grey"},
		ScheduledDate:  req.ScheduledDate,
		Status:         visits.StatusScheduled,
		ChiefComplaint: req.ChiefComplaint,
		TotalAmount:    decimal.Zero,
		PaymentStatus:  visits.PaymentPending,
	}
	f.byID[v.ID] = v
	return v.Clone(), nil
}

func (f *fakeService) MyVisits(ctx context.Context) ([]visits.Visit, error) {
	if err := f.enter(ctx, "my_visits"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]visits.Visit, 0, len(f.byID))
	for _, v := range f.byID {
		out = append(out, v.Clone())
	}
	return out, nil
}

func (f *fakeService) GetVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	if err := f.enter(ctx, "get_visit"); err != nil {
		return visits.Visit{}, err
	}
	return f.mutate("get_visit", visitID, func(v visits.Visit) (visits.Visit, error) { return v, nil })
}

func (f *fakeService) transition(ctx context.Context, op, visitID string, action visits.Action) (visits.Visit, error) {
	if err := f.enter(ctx, op); err != nil {
		return visits.Visit{}, err
	}
	return f.mutate(op, visitID, func(v visits.Visit) (visits.Visit, error) {
		next, err := visits.Transition(v.Status, action, visits.RoleDoctor)
		if err != nil {
			return v, remoteErr(op, visits.KindConflict, http.StatusConflict, err.Error())
		}
		v.Status = next
		return v, nil
	})
}

func (f *fakeService) StartVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	return f.transition(ctx, "start_visit", visitID, visits.ActionStart)
}

func (f *fakeService) CompleteVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	return f.transition(ctx, "complete_visit", visitID, visits.ActionComplete)
}

func (f *fakeService) CancelVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	return f.transition(ctx, "cancel_visit", visitID, visits.ActionCancel)
}

func (f *fakeService) UpdateVisit(ctx context.Context, visitID string, update visits.VisitUpdate) (visits.Visit, error) {
	if err := f.enter(ctx, "update_visit"); err != nil {
		return visits.Visit{}, err
	}
	return f.mutate("update_visit", visitID, func(v visits.Visit) (visits.Visit, error) {
		if update.Diagnosis != nil {
			v.Diagnosis = *update.Diagnosis
		}
		if update.Notes != nil {
			v.Notes = *update.Notes
		}
		if update.ChiefComplaint != nil {
			v.ChiefComplaint = *update.ChiefComplaint
		}
		return v, nil
	})
}

func (f *fakeService) editable(op string, v visits.Visit) error {
	if !visits.CanEdit(v.Status) {
		return remoteErr(op, visits.KindRejected, http.StatusBadRequest, "visit is not editable")
	}
	return nil
}

func (f *fakeService) AddTreatment(ctx context.Context, visitID string, in visits.TreatmentInput) (visits.Visit, error) {
	const op = "add_treatment"
	if err := f.enter(ctx, op); err != nil {
		return visits.Visit{}, err
	}
	return f.mutate(op, visitID, func(v visits.Visit) (visits.Visit, error) {
		if err := f.editable(op, v); err != nil {
			return v, err
		}
		f.seq++
		t, err := ledger.NewTreatment(fmt.Sprintf("t-%d", f.seq), in)
		if err != nil {
			return v, remoteErr(op, visits.KindRejected, http.StatusBadRequest, err.Error())
		}
		return ledger.ApplyAdd(v, t), nil
	})
}

func (f *fakeService) UpdateTreatment(ctx context.Context, visitID, treatmentID string, in visits.TreatmentInput) (visits.Visit, error) {
	const op = "update_treatment"
	if err := f.enter(ctx, op); err != nil {
		return visits.Visit{}, err
	}
	return f.mutate(op, visitID, func(v visits.Visit) (visits.Visit, error) {
		if err := f.editable(op, v); err != nil {
			return v, err
		}
		if v.FindTreatment(treatmentID) < 0 {
			return v, remoteErr(op, visits.KindNotFound, http.StatusNotFound, "Treatment not found")
		}
		return ledger.ApplyEdit(v, treatmentID, in), nil
	})
}

func (f *fakeService) DeleteTreatment(ctx context.Context, visitID, treatmentID string) (visits.Visit, error) {
	const op = "delete_treatment"
	if err := f.enter(ctx, op); err != nil {
		return visits.Visit{}, err
	}
	return f.mutate(op, visitID, func(v visits.Visit) (visits.Visit, error) {
		if err := f.editable(op, v); err != nil {
			return v, err
		}
		if v.FindTreatment(treatmentID) < 0 {
			return v, remoteErr(op, visits.KindNotFound, http.StatusNotFound, "Treatment not found")
		}
		return ledger.ApplyDelete(v, treatmentID), nil
	})
}

func (f *fakeService) SearchVisits(ctx context.Context, filters visits.SearchFilters) (visits.SearchResult, error) {
	if err := f.enter(ctx, "search_visits"); err != nil {
		return visits.SearchResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	res := visits.SearchResult{Statistics: visits.SearchStatistics{TotalRevenue: decimal.Zero}}
	for _, v := range f.byID {
		if filters.Status != "" && v.Status != filters.Status {
			continue
		}
		if filters.PaymentStatus != "" && v.PaymentStatus != filters.PaymentStatus {
			continue
		}
		res.Visits = append(res.Visits, v.Clone())
		res.Statistics.TotalRevenue = res.Statistics.TotalRevenue.Add(v.TotalAmount)
		if v.PaymentStatus == visits.PaymentPaid {
			res.Statistics.PaidVisits++
		} else {
			res.Statistics.PendingPayments++
		}
	}
	res.Count = len(res.Visits)
	return res, nil
}

func (f *fakeService) FinanceVisit(ctx context.Context, visitID string) (visits.Visit, error) {
	if err := f.enter(ctx, "get_finance_visit"); err != nil {
		return visits.Visit{}, err
	}
	return f.mutate("get_finance_visit", visitID, func(v visits.Visit) (visits.Visit, error) { return v, nil })
}

func (f *fakeService) UpdatePaymentStatus(ctx context.Context, visitID string, status visits.PaymentStatus) (visits.Visit, error) {
	const op = "update_payment_status"
	if err := f.enter(ctx, op); err != nil {
		return visits.Visit{}, err
	}
	return f.mutate(op, visitID, func(v visits.Visit) (visits.Visit, error) {
		if v.Status != visits.StatusCompleted {
			return v, remoteErr(op, visits.KindRejected, http.StatusBadRequest, "Can only update payment for completed visits")
		}
		v.PaymentStatus = status
		return v, nil
	})
}

func (f *fakeService) DashboardStats(ctx context.Context) (visits.DashboardStats, error) {
	if err := f.enter(ctx, "dashboard_stats"); err != nil {
		return visits.DashboardStats{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dashboard, nil
}

func (f *fakeService) ExportVisits(ctx context.Context, filters visits.SearchFilters) ([]visits.ExportRow, error) {
	if err := f.enter(ctx, "export_visits"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exportRows, nil
}

func (f *fakeService) Doctors(ctx context.Context) ([]visits.DoctorRef, error) {
	if err := f.enter(ctx, "get_doctors"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]visits.DoctorRef(nil), f.doctors...), nil
}

// switchGate is a role gate whose actor tests can swap.
type switchGate struct {
	mu    sync.Mutex
	actor visits.Actor
	err   error
}

func (g *switchGate) set(id string, role visits.Role) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actor = visits.Actor{ID: id, Role: role}
	g.err = nil
}

func (g *switchGate) Actor(context.Context) (visits.Actor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.actor, g.err
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func inProgressVisit(id string) visits.Visit {
	return visits.Visit{
		ID:             id,
		Patient:        visits.PersonRef{ID: "p1", Name: "Ada Lovelace"},
		Doctor:         visits.DoctorRef{ID: "d1", Name: "Dr. Grey"},
		ScheduledDate:  time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
		Status:         visits.StatusInProgress,
		ChiefComplaint: "cough",
		TotalAmount:    decimal.Zero,
		PaymentStatus:  visits.PaymentPending,
	}
}
