package visitsync

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/wolfman30/clinic-visit-sync/internal/ledger"
	"github.com/wolfman30/clinic-visit-sync/internal/visits"
	"github.com/wolfman30/clinic-visit-sync/pkg/logging"
)

const (
	maxChiefComplaintLength = 1000
	maxDiagnosisLength      = 2000
	maxNotesLength          = 5000

	tempIDPrefix = "temp-"
)

func checkLength(op visits.Action, field, value string, limit int) error {
	if utf8.RuneCountInString(value) > limit {
		return visits.Invalid(string(op), fmt.Errorf("%s: %w (max %d characters)", field, visits.ErrFieldTooLong, limit))
	}
	return nil
}

func requireVisitID(op visits.Action, visitID string) error {
	if strings.TrimSpace(visitID) == "" {
		return visits.Invalid(string(op), visits.ErrVisitRequired)
	}
	return nil
}

// lifecycleCheck runs the transition table against the current status. The
// role is checked first so a forbidden actor never triggers a visit load.
func lifecycleCheck(action visits.Action, actor visits.Actor, current visitLookup) error {
	if err := visits.Authorize(action, actor.Role); err != nil {
		return err
	}
	v, err := current()
	if err != nil {
		return err
	}
	_, err = visits.Transition(v.Status, action, actor.Role)
	return err
}

// loadVisit reads the doctor and patient view of a visit through the store.
func (c *Coordinator) loadVisit(visitID string) func(context.Context) (visits.Visit, error) {
	return func(ctx context.Context) (visits.Visit, error) {
		return c.Visit(ctx, visitID)
	}
}

// CreateVisit schedules a visit for the current patient. A placeholder with a
// temporary id is shown in the cached visit list until the service answers.
func (c *Coordinator) CreateVisit(ctx context.Context, req visits.NewVisit) (*Outcome, error) {
	tempID := tempIDPrefix + c.newID()
	var placeholder visits.Visit
	return c.run(ctx, plan{
		kind:    visits.ActionCreate,
		visitID: tempID,
		deps:    dependenciesFor(visits.ActionCreate, tempID),
		validate: func(actor visits.Actor, _ visitLookup) error {
			if _, err := visits.Transition("", visits.ActionCreate, actor.Role); err != nil {
				return err
			}
			if strings.TrimSpace(req.DoctorID) == "" {
				return visits.Invalid(string(visits.ActionCreate), visits.ErrDoctorRequired)
			}
			if req.ScheduledDate.IsZero() {
				return visits.Invalid(string(visits.ActionCreate), visits.ErrDateRequired)
			}
			if err := checkLength(visits.ActionCreate, "chief complaint", req.ChiefComplaint, maxChiefComplaintLength); err != nil {
				return err
			}
			placeholder = visits.Visit{
				ID:             tempID,
				Patient:        visits.PersonRef{ID: actor.ID, Name: actor.Name},
				Doctor:         visits.DoctorRef{ID: req.DoctorID},
				ScheduledDate:  req.ScheduledDate,
				Status:         visits.StatusScheduled,
				ChiefComplaint: req.ChiefComplaint,
				TotalAmount:    decimal.Zero,
				PaymentStatus:  visits.PaymentPending,
			}
			return nil
		},
		insert: &placeholder,
		dispatch: func(ctx context.Context) (visits.Visit, error) {
			return c.service.CreateVisit(ctx, req)
		},
	})
}

// StartVisit moves a scheduled visit to in_progress.
func (c *Coordinator) StartVisit(ctx context.Context, visitID string) (*Outcome, error) {
	return c.lifecycle(ctx, visits.ActionStart, visitID, visits.StatusInProgress, c.service.StartVisit)
}

// CompleteVisit closes an in-progress visit. Its treatments freeze.
func (c *Coordinator) CompleteVisit(ctx context.Context, visitID string) (*Outcome, error) {
	return c.lifecycle(ctx, visits.ActionComplete, visitID, visits.StatusCompleted, c.service.CompleteVisit)
}

// CancelVisit cancels a scheduled or in-progress visit. Visits are never
// deleted.
func (c *Coordinator) CancelVisit(ctx context.Context, visitID string) (*Outcome, error) {
	return c.lifecycle(ctx, visits.ActionCancel, visitID, visits.StatusCancelled, c.service.CancelVisit)
}

func (c *Coordinator) lifecycle(ctx context.Context, action visits.Action, visitID string, to visits.Status,
	call func(context.Context, string) (visits.Visit, error)) (*Outcome, error) {
	return c.run(ctx, plan{
		kind:    action,
		visitID: visitID,
		deps:    dependenciesFor(action, visitID),
		load:    c.loadVisit(visitID),
		validate: func(actor visits.Actor, current visitLookup) error {
			if err := requireVisitID(action, visitID); err != nil {
				return err
			}
			return lifecycleCheck(action, actor, current)
		},
		apply: func(v visits.Visit) visits.Visit {
			v.Status = to
			return v
		},
		dispatch: func(ctx context.Context) (visits.Visit, error) {
			return call(ctx, visitID)
		},
	})
}

// UpdateVisit edits the clinical fields of an editable visit.
func (c *Coordinator) UpdateVisit(ctx context.Context, visitID string, update visits.VisitUpdate) (*Outcome, error) {
	const action = visits.ActionUpdate
	return c.run(ctx, plan{
		kind:    action,
		visitID: visitID,
		deps:    dependenciesFor(action, visitID),
		load:    c.loadVisit(visitID),
		validate: func(actor visits.Actor, current visitLookup) error {
			if err := requireVisitID(action, visitID); err != nil {
				return err
			}
			if update.Empty() {
				return visits.Invalid(string(action), visits.ErrEmptyUpdate)
			}
			if update.ChiefComplaint != nil {
				if err := checkLength(action, "chief complaint", *update.ChiefComplaint, maxChiefComplaintLength); err != nil {
					return err
				}
			}
			if update.Diagnosis != nil {
				if err := checkLength(action, "diagnosis", *update.Diagnosis, maxDiagnosisLength); err != nil {
					return err
				}
			}
			if update.Notes != nil {
				if err := checkLength(action, "notes", *update.Notes, maxNotesLength); err != nil {
					return err
				}
			}
			return lifecycleCheck(action, actor, current)
		},
		apply: func(v visits.Visit) visits.Visit {
			if update.Diagnosis != nil {
				v.Diagnosis = *update.Diagnosis
			}
			if update.Notes != nil {
				v.Notes = *update.Notes
			}
			if update.ChiefComplaint != nil {
				v.ChiefComplaint = *update.ChiefComplaint
			}
			return v
		},
		dispatch: func(ctx context.Context) (visits.Visit, error) {
			return c.service.UpdateVisit(ctx, visitID, update)
		},
	})
}

// AddTreatment appends a treatment line. The optimistic line carries a
// temporary id until the service assigns one.
func (c *Coordinator) AddTreatment(ctx context.Context, visitID string, in visits.TreatmentInput) (*Outcome, error) {
	const action = visits.ActionAddTreatment
	tempID := tempIDPrefix + c.newID()
	return c.run(ctx, plan{
		kind:    action,
		visitID: visitID,
		deps:    dependenciesFor(action, visitID),
		load:    c.loadVisit(visitID),
		validate: func(actor visits.Actor, current visitLookup) error {
			if err := requireVisitID(action, visitID); err != nil {
				return err
			}
			if err := ledger.ValidateNew(in); err != nil {
				return err
			}
			return lifecycleCheck(action, actor, current)
		},
		apply: func(v visits.Visit) visits.Visit {
			t, err := ledger.NewTreatment(tempID, in)
			if err != nil {
				return v
			}
			return ledger.ApplyAdd(v, t)
		},
		dispatch: func(ctx context.Context) (visits.Visit, error) {
			return c.service.AddTreatment(ctx, visitID, in)
		},
	})
}

// EditTreatment replaces the fields of one treatment line. An id the current
// visit does not know leaves the optimistic copy unchanged; the service call
// then decides.
func (c *Coordinator) EditTreatment(ctx context.Context, visitID, treatmentID string, in visits.TreatmentInput) (*Outcome, error) {
	const action = visits.ActionEditTreatment
	return c.run(ctx, plan{
		kind:    action,
		visitID: visitID,
		deps:    dependenciesFor(action, visitID),
		load:    c.loadVisit(visitID),
		validate: func(actor visits.Actor, current visitLookup) error {
			if err := requireVisitID(action, visitID); err != nil {
				return err
			}
			if strings.TrimSpace(treatmentID) == "" {
				return visits.Invalid(string(action), visits.ErrTreatmentRequired)
			}
			if err := ledger.ValidatePatch(in); err != nil {
				return err
			}
			return lifecycleCheck(action, actor, current)
		},
		apply: func(v visits.Visit) visits.Visit {
			return ledger.ApplyEdit(v, treatmentID, in)
		},
		dispatch: func(ctx context.Context) (visits.Visit, error) {
			return c.service.UpdateTreatment(ctx, visitID, treatmentID, in)
		},
	})
}

// DeleteTreatment removes one treatment line.
func (c *Coordinator) DeleteTreatment(ctx context.Context, visitID, treatmentID string) (*Outcome, error) {
	const action = visits.ActionDeleteTreatment
	return c.run(ctx, plan{
		kind:    action,
		visitID: visitID,
		deps:    dependenciesFor(action, visitID),
		load:    c.loadVisit(visitID),
		validate: func(actor visits.Actor, current visitLookup) error {
			if err := requireVisitID(action, visitID); err != nil {
				return err
			}
			if strings.TrimSpace(treatmentID) == "" {
				return visits.Invalid(string(action), visits.ErrTreatmentRequired)
			}
			return lifecycleCheck(action, actor, current)
		},
		apply: func(v visits.Visit) visits.Visit {
			return ledger.ApplyDelete(v, treatmentID)
		},
		dispatch: func(ctx context.Context) (visits.Visit, error) {
			return c.service.DeleteTreatment(ctx, visitID, treatmentID)
		},
	})
}

// UpdatePaymentStatus records the payment state of a completed visit.
// Backward and same-value writes are accepted as corrections; they are
// logged at WARN and counted so they can be audited. A write over a prior
// state the service did not report is classified as unverified and logged.
func (c *Coordinator) UpdatePaymentStatus(ctx context.Context, visitID string, status visits.PaymentStatus) (*Outcome, error) {
	const action = visits.ActionUpdatePayment
	var (
		change visits.PaymentChange
		from   visits.PaymentStatus
	)
	out, err := c.run(ctx, plan{
		kind:    action,
		visitID: visitID,
		deps:    dependenciesFor(action, visitID),
		load: func(ctx context.Context) (visits.Visit, error) {
			return c.FinanceVisit(ctx, visitID)
		},
		validate: func(actor visits.Actor, current visitLookup) error {
			if err := requireVisitID(action, visitID); err != nil {
				return err
			}
			if _, err := visits.ParsePaymentStatus(string(status)); err != nil {
				return visits.Invalid(string(action), err)
			}
			if err := visits.Authorize(action, actor.Role); err != nil {
				return err
			}
			v, err := current()
			if err != nil {
				return err
			}
			from = v.PaymentStatus
			change, err = visits.PaymentTransition(v.Status, v.PaymentStatus, status, actor.Role)
			return err
		},
		apply: func(v visits.Visit) visits.Visit {
			v.PaymentStatus = status
			return v
		},
		dispatch: func(ctx context.Context) (visits.Visit, error) {
			return c.service.UpdatePaymentStatus(ctx, visitID, status)
		},
		committed: func(server visits.Visit, log *logging.Logger) {
			switch change {
			case visits.PaymentForward:
				return
			case visits.PaymentUnverified:
				log.Warn("payment status written over an unreadable prior state",
					"from", string(from),
					"to", string(server.PaymentStatus),
				)
				return
			}
			c.metrics.ObservePaymentCorrection()
			log.Warn("payment status correction",
				"change", change.String(),
				"from", string(from),
				"to", string(server.PaymentStatus),
			)
		},
	})
	out.Payment = change
	return out, err
}
