package visits

import (
	"errors"
	"fmt"
)

// Kind classifies a failed intent. Every kind leaves the entity cache in a
// consistent state; none is fatal.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is a local rejection. Nothing was applied or sent.
	KindValidation
	// KindConflict means the service state diverged from what was validated.
	KindConflict
	// KindTransport covers network failures, timeouts and 5xx responses.
	KindTransport
	// KindNotFound means the visit or treatment no longer exists.
	KindNotFound
	// KindRejected covers any other refusal by the service (400, 401, 403, 422).
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not_found"
	case KindRejected:
		return "rejected"
	case KindUnknown:
		return "unknown"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrInvalidQuantity   = errors.New("quantity must be at least 1")
	ErrNegativePrice     = errors.New("unit price cannot be negative")
	ErrNameRequired      = errors.New("treatment name is required")
	ErrTreatmentRequired = errors.New("treatment id is required")
	ErrVisitRequired     = errors.New("visit id is required")
	ErrDoctorRequired    = errors.New("doctor is required")
	ErrDateRequired      = errors.New("scheduled date is required")
	ErrEmptyUpdate       = errors.New("update changes no fields")
	ErrFieldTooLong      = errors.New("field exceeds maximum length")
	ErrNoActor           = errors.New("no authenticated actor")
)

// Error is the typed result of a failed intent.
type Error struct {
	Kind Kind
	Op   string
	// Status is the HTTP status reported by the service, if any.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is the text shown to the actor.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindConflict:
		return "This visit was changed elsewhere, refreshing."
	case KindNotFound:
		return "This visit no longer exists."
	case KindTransport:
		return "Could not reach the visit service. Please try again."
	case KindValidation, KindRejected:
		return e.Err.Error()
	}
	return "Something went wrong."
}

// Invalid wraps err as a local validation failure.
func Invalid(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindUnknown when err is not typed.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	var terr *TransitionError
	if errors.As(err, &terr) {
		return KindValidation
	}
	return KindUnknown
}

// IsKind reports whether err is of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Reason explains why a transition was refused.
type Reason string

const (
	ReasonIllegal   Reason = "illegal"
	ReasonForbidden Reason = "forbidden"
)

// TransitionError is returned by the state machine.
type TransitionError struct {
	From   Status
	Action Action
	Role   Role
	Reason Reason
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "none"
	}
	if e.Reason == ReasonForbidden {
		return fmt.Sprintf("role %q may not %s a visit", e.Role, e.Action.verb())
	}
	return fmt.Sprintf("cannot %s a visit that is %s", e.Action.verb(), from)
}
