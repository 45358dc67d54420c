package visits

import (
	"net/url"
	"strings"
	"time"
)

const filterDateLayout = "2006-01-02"

// SearchFilters narrows the finance visit search. Zero values are ignored.
type SearchFilters struct {
	VisitID       string
	DoctorName    string
	PatientName   string
	Status        Status
	PaymentStatus PaymentStatus
	StartDate     time.Time
	EndDate       time.Time
}

// Values encodes the non-empty filters as query parameters using the
// service's parameter names.
func (f SearchFilters) Values() url.Values {
	q := url.Values{}
	set := func(key, value string) {
		if v := strings.TrimSpace(value); v != "" {
			q.Set(key, v)
		}
	}
	set("visitId", f.VisitID)
	set("doctorName", f.DoctorName)
	set("patientName", f.PatientName)
	set("status", string(f.Status))
	set("paymentStatus", string(f.PaymentStatus))
	if !f.StartDate.IsZero() {
		q.Set("startDate", f.StartDate.UTC().Format(filterDateLayout))
	}
	if !f.EndDate.IsZero() {
		q.Set("endDate", f.EndDate.UTC().Format(filterDateLayout))
	}
	return q
}

// Canonical returns a stable representation of the filters, suitable for
// use in cache keys. Equal filter sets always produce the same string.
func (f SearchFilters) Canonical() string {
	return f.Values().Encode()
}
