// Package visits defines the visit aggregate, its lifecycle rules and the
// error taxonomy shared by the sync engine and the remote service adapter.
package visits

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a visit.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus converts a wire value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return s, nil
	}
	return "", fmt.Errorf("unknown visit status %q", raw)
}

// PaymentStatus tracks how much of a completed visit has been settled.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
	PaymentPaid    PaymentStatus = "paid"
)

// ParsePaymentStatus converts a wire value into a PaymentStatus.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	p := PaymentStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PaymentPending, PaymentPartial, PaymentPaid:
		return p, nil
	}
	return "", fmt.Errorf("unknown payment status %q", raw)
}

// Category classifies a treatment line.
type Category string

const (
	CategoryConsultation Category = "consultation"
	CategoryMedication   Category = "medication"
	CategoryProcedure    Category = "procedure"
	CategoryLabTest      Category = "lab_test"
	CategoryImaging      Category = "imaging"
	CategoryOther        Category = "other"
)

// ParseCategory converts a wire value into a Category. An empty value maps to
// CategoryOther because the service treats the field as optional.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	switch c {
	case "":
		return CategoryOther, nil
	case CategoryConsultation, CategoryMedication, CategoryProcedure, CategoryLabTest, CategoryImaging, CategoryOther:
		return c, nil
	}
	return "", fmt.Errorf("unknown treatment category %q", raw)
}

// Role is the kind of actor issuing an intent.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleFinance Role = "finance"
)

// ParseRole converts a claim or config value into a Role.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case RolePatient, RoleDoctor, RoleFinance:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

// Actor is the authenticated user on whose behalf intents are issued.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// PersonRef references a patient. The visit does not own the patient.
type PersonRef struct {
	ID    string
	Name  string
	Email string
}

// DoctorRef references the treating doctor.
type DoctorRef struct {
	ID             string
	Name           string
	Email          string
	Specialization string
}

// Treatment is a billable line item owned by exactly one visit.
// TotalPrice is derived from Quantity and UnitPrice by the ledger.
type Treatment struct {
	ID          string
	Name        string
	Description string
	Medication  string
	Dosage      string
	Category    Category
	Quantity    int
	UnitPrice   decimal.Decimal
	TotalPrice  decimal.Decimal
}

// Visit is the root aggregate: a scheduled encounter between a patient and a
// doctor with its treatment ledger and payment state.
type Visit struct {
	ID             string
	Patient        PersonRef
	Doctor         DoctorRef
	ScheduledDate  time.Time
	Status         Status
	ChiefComplaint string
	Diagnosis      string
	Notes          string
	Treatments     []Treatment
	TotalAmount    decimal.Decimal
	PaymentStatus  PaymentStatus
}

// Clone returns a deep copy of the visit.
func (v Visit) Clone() Visit {
	out := v
	if v.Treatments != nil {
		out.Treatments = make([]Treatment, len(v.Treatments))
		copy(out.Treatments, v.Treatments)
	}
	return out
}

// FindTreatment returns the index of the treatment with the given id or -1.
func (v Visit) FindTreatment(id string) int {
	for i, t := range v.Treatments {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// CloneVisits deep-copies a visit slice.
func CloneVisits(in []Visit) []Visit {
	if in == nil {
		return nil
	}
	out := make([]Visit, len(in))
	for i, v := range in {
		out[i] = v.Clone()
	}
	return out
}

// NewVisit is the patient's request to schedule a visit.
type NewVisit struct {
	DoctorID       string
	ScheduledDate  time.Time
	ChiefComplaint string
}

// VisitUpdate carries clinical field edits. Nil fields are left untouched.
type VisitUpdate struct {
	Diagnosis      *string
	Notes          *string
	ChiefComplaint *string
}

// Empty reports whether the update changes nothing.
func (u VisitUpdate) Empty() bool {
	return u.Diagnosis == nil && u.Notes == nil && u.ChiefComplaint == nil
}

// TreatmentInput is the doctor's add/edit payload for a treatment line.
type TreatmentInput struct {
	Name        string
	Description string
	Medication  string
	Dosage      string
	Category    Category
	Quantity    int
	UnitPrice   decimal.Decimal
}

// SearchStatistics summarizes a finance search result page.
type SearchStatistics struct {
	TotalRevenue    decimal.Decimal
	PendingPayments int
	PaidVisits      int
}

// SearchResult is the finance search response.
type SearchResult struct {
	Visits     []Visit
	Count      int
	Statistics SearchStatistics
}

// DashboardStats is the finance overview.
type DashboardStats struct {
	TotalRevenue    decimal.Decimal
	PaidAmount      decimal.Decimal
	PendingPayments decimal.Decimal
	CollectionRate  string
	CompletedVisits int
}

// ExportColumn is a single named cell of an export row.
type ExportColumn struct {
	Name  string
	Value string
}

// ExportRow keeps the column order the service returned.
type ExportRow []ExportColumn
