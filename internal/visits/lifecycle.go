package visits

import "fmt"

// Action is a lifecycle intent against a visit.
type Action string

const (
	ActionCreate          Action = "create"
	ActionStart           Action = "start"
	ActionUpdate          Action = "update"
	ActionComplete        Action = "complete"
	ActionCancel          Action = "cancel"
	ActionAddTreatment    Action = "add_treatment"
	ActionEditTreatment   Action = "edit_treatment"
	ActionDeleteTreatment Action = "delete_treatment"
	ActionUpdatePayment   Action = "update_payment"
)

func (a Action) verb() string {
	switch a {
	case ActionAddTreatment:
		return "add a treatment to"
	case ActionEditTreatment:
		return "edit a treatment of"
	case ActionDeleteTreatment:
		return "delete a treatment from"
	case ActionUpdatePayment:
		return "change the payment of"
	}
	return string(a)
}

// CanEdit reports whether clinical fields and treatments may change.
func CanEdit(s Status) bool {
	switch s {
	case StatusScheduled, StatusInProgress:
		return true
	case StatusCompleted, StatusCancelled:
		return false
	}
	return false
}

// Terminal reports whether no further lifecycle transition is possible.
func Terminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusScheduled, StatusInProgress:
		return false
	}
	return false
}

// AllowedRoles lists the roles that may request action.
func AllowedRoles(action Action) []Role {
	switch action {
	case ActionCreate:
		return []Role{RolePatient}
	case ActionStart, ActionComplete, ActionUpdate,
		ActionAddTreatment, ActionEditTreatment, ActionDeleteTreatment:
		return []Role{RoleDoctor}
	case ActionCancel:
		return []Role{RolePatient, RoleDoctor}
	case ActionUpdatePayment:
		return []Role{RoleFinance}
	}
	return nil
}

// Authorize checks only the role column of the transition table. It is used
// when the current status of the visit is not known locally.
func Authorize(action Action, role Role) error {
	for _, allowed := range AllowedRoles(action) {
		if allowed == role {
			return nil
		}
	}
	return &TransitionError{Action: action, Role: role, Reason: ReasonForbidden}
}

// Transition validates a lifecycle intent and returns the resulting status.
// Clinical updates and treatment edits leave the status unchanged. Creation
// is expressed with an empty current status.
func Transition(current Status, action Action, role Role) (Status, error) {
	illegal := &TransitionError{From: current, Action: action, Role: role, Reason: ReasonIllegal}

	var next Status
	switch action {
	case ActionCreate:
		if current != "" {
			return current, illegal
		}
		next = StatusScheduled
	case ActionStart:
		if current != StatusScheduled {
			return current, illegal
		}
		next = StatusInProgress
	case ActionComplete:
		if current != StatusInProgress {
			return current, illegal
		}
		next = StatusCompleted
	case ActionCancel:
		if !CanEdit(current) {
			return current, illegal
		}
		next = StatusCancelled
	case ActionUpdate, ActionAddTreatment, ActionEditTreatment, ActionDeleteTreatment:
		if !CanEdit(current) {
			return current, illegal
		}
		next = current
	case ActionUpdatePayment:
		// Payment changes go through PaymentTransition.
		return current, illegal
	default:
		return current, illegal
	}

	if err := Authorize(action, role); err != nil {
		terr := err.(*TransitionError)
		terr.From = current
		return current, terr
	}
	return next, nil
}

// PaymentChange describes how a payment status write relates to the
// pending → partial → paid progression.
type PaymentChange int

const (
	PaymentUnchanged PaymentChange = iota
	PaymentForward
	// PaymentCorrection is a backward write, accepted as a data correction.
	PaymentCorrection
	// PaymentUnverified is a write over a prior state that could not be read.
	PaymentUnverified
)

func (c PaymentChange) String() string {
	switch c {
	case PaymentForward:
		return "forward"
	case PaymentCorrection:
		return "correction"
	case PaymentUnchanged:
		return "unchanged"
	case PaymentUnverified:
		return "unverified"
	}
	return "unknown"
}

func (p PaymentStatus) rank() int {
	switch p {
	case PaymentPending:
		return 0
	case PaymentPartial:
		return 1
	case PaymentPaid:
		return 2
	}
	return -1
}

// PaymentTransition validates a payment status write. Payments are only
// editable on completed visits and only by finance. Backward writes are
// accepted but reported as PaymentCorrection so callers can flag them.
func PaymentTransition(visitStatus Status, from, to PaymentStatus, role Role) (PaymentChange, error) {
	if to.rank() < 0 {
		return PaymentUnchanged, Invalid(string(ActionUpdatePayment), fmt.Errorf("unknown payment status %q", to))
	}
	if visitStatus != StatusCompleted {
		return PaymentUnchanged, &TransitionError{From: visitStatus, Action: ActionUpdatePayment, Role: role, Reason: ReasonIllegal}
	}
	if err := Authorize(ActionUpdatePayment, role); err != nil {
		terr := err.(*TransitionError)
		terr.From = visitStatus
		return PaymentUnchanged, terr
	}

	switch {
	case from.rank() < 0:
		return PaymentUnverified, nil
	case to.rank() > from.rank():
		return PaymentForward, nil
	case to.rank() == from.rank():
		return PaymentUnchanged, nil
	default:
		return PaymentCorrection, nil
	}
}
