package visitapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

// party is a patient or doctor reference. The service embeds the full user
// object when populated and a bare id string otherwise.
type party struct {
	ID             string `json:"id"`
	MongoID        string `json:"_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Specialization string `json:"specialization"`
}

func (p *party) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &p.ID)
	}
	type plain party
	return json.Unmarshal(data, (*plain)(p))
}

func (p party) id() string {
	if p.ID != "" {
		return p.ID
	}
	return p.MongoID
}

type treatmentDTO struct {
	ID          string          `json:"id"`
	MongoID     string          `json:"_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Medication  string          `json:"medication"`
	Dosage      string          `json:"dosage"`
	Category    string          `json:"category"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	TotalPrice  decimal.Decimal `json:"totalPrice"`
}

type visitDTO struct {
	ID             string          `json:"id"`
	MongoID        string          `json:"_id"`
	Patient        party           `json:"patient"`
	Doctor         party           `json:"doctor"`
	ScheduledDate  time.Time       `json:"scheduledDate"`
	Status         string          `json:"status"`
	ChiefComplaint string          `json:"chiefComplaint"`
	Diagnosis      string          `json:"diagnosis"`
	Notes          string          `json:"notes"`
	Treatments     []treatmentDTO  `json:"treatments"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	PaymentStatus  string          `json:"paymentStatus"`
}

type visitEnvelope struct {
	Visit *visitDTO `json:"visit"`
}

type visitsEnvelope struct {
	Visits []visitDTO `json:"visits"`
}

type searchEnvelope struct {
	Visits     []visitDTO `json:"visits"`
	Count      int        `json:"count"`
	Statistics struct {
		TotalRevenue    decimal.Decimal `json:"totalRevenue"`
		PendingPayments int             `json:"pendingPayments"`
		PaidVisits      int             `json:"paidVisits"`
	} `json:"statistics"`
}

type dashboardEnvelope struct {
	Dashboard struct {
		Overall struct {
			TotalRevenue    decimal.Decimal `json:"totalRevenue"`
			PaidAmount      decimal.Decimal `json:"paidAmount"`
			PendingPayments decimal.Decimal `json:"pendingPayments"`
			CollectionRate  json.RawMessage `json:"collectionRate"`
			CompletedVisits int             `json:"completedVisits"`
		} `json:"overall"`
	} `json:"dashboard"`
}

type doctorsEnvelope struct {
	Doctors []party `json:"doctors"`
}

func (p party) toDoctor() visits.DoctorRef {
	return visits.DoctorRef{ID: p.id(), Name: p.Name, Email: p.Email, Specialization: p.Specialization}
}

type exportEnvelope struct {
	Data []json.RawMessage `json:"data"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

type createVisitRequest struct {
	DoctorID       string `json:"doctorId"`
	ScheduledDate  string `json:"scheduledDate"`
	ChiefComplaint string `json:"chiefComplaint,omitempty"`
}

type updateVisitRequest struct {
	Diagnosis      *string `json:"diagnosis,omitempty"`
	Notes          *string `json:"notes,omitempty"`
	ChiefComplaint *string `json:"chiefComplaint,omitempty"`
}

type treatmentRequest struct {
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Medication  string      `json:"medication,omitempty"`
	Dosage      string      `json:"dosage,omitempty"`
	Category    string      `json:"category,omitempty"`
	Quantity    int         `json:"quantity"`
	UnitPrice   json.Number `json:"unitPrice"`
}

type paymentRequest struct {
	PaymentStatus string `json:"paymentStatus"`
}

func newTreatmentRequest(in visits.TreatmentInput) treatmentRequest {
	return treatmentRequest{
		Name:        in.Name,
		Description: in.Description,
		Medication:  in.Medication,
		Dosage:      in.Dosage,
		Category:    string(in.Category),
		Quantity:    in.Quantity,
		UnitPrice:   json.Number(in.UnitPrice.String()),
	}
}

func (d visitDTO) toVisit() (visits.Visit, error) {
	id := d.ID
	if id == "" {
		id = d.MongoID
	}
	if id == "" {
		return visits.Visit{}, fmt.Errorf("visit without id")
	}
	status, err := visits.ParseStatus(d.Status)
	if err != nil {
		return visits.Visit{}, fmt.Errorf("visit %s: %w", id, err)
	}
	payment := visits.PaymentPending
	if strings.TrimSpace(d.PaymentStatus) != "" {
		if payment, err = visits.ParsePaymentStatus(d.PaymentStatus); err != nil {
			return visits.Visit{}, fmt.Errorf("visit %s: %w", id, err)
		}
	}

	v := visits.Visit{
		ID:             id,
		Patient:        visits.PersonRef{ID: d.Patient.id(), Name: d.Patient.Name, Email: d.Patient.Email},
		Doctor:         d.Doctor.toDoctor(),
		ScheduledDate:  d.ScheduledDate,
		Status:         status,
		ChiefComplaint: d.ChiefComplaint,
		Diagnosis:      d.Diagnosis,
		Notes:          d.Notes,
		TotalAmount:    d.TotalAmount,
		PaymentStatus:  payment,
	}
	if len(d.Treatments) > 0 {
		v.Treatments = make([]visits.Treatment, 0, len(d.Treatments))
	}
	for _, t := range d.Treatments {
		tr, err := t.toTreatment()
		if err != nil {
			return visits.Visit{}, fmt.Errorf("visit %s: %w", id, err)
		}
		v.Treatments = append(v.Treatments, tr)
	}
	return v, nil
}

func (d treatmentDTO) toTreatment() (visits.Treatment, error) {
	id := d.ID
	if id == "" {
		id = d.MongoID
	}
	category, err := visits.ParseCategory(d.Category)
	if err != nil {
		return visits.Treatment{}, fmt.Errorf("treatment %s: %w", id, err)
	}
	name := d.Name
	if name == "" {
		name = d.Description
	}
	return visits.Treatment{
		ID:          id,
		Name:        name,
		Description: d.Description,
		Medication:  d.Medication,
		Dosage:      d.Dosage,
		Category:    category,
		Quantity:    d.Quantity,
		UnitPrice:   d.UnitPrice,
		TotalPrice:  d.TotalPrice,
	}, nil
}

func toVisits(in []visitDTO) ([]visits.Visit, error) {
	out := make([]visits.Visit, 0, len(in))
	for _, d := range in {
		v, err := d.toVisit()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// collectionRate accepts "85.5%", "85.5" or 85.5.
func collectionRate(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// decodeExportRow decodes one JSON object keeping its key order.
func decodeExportRow(raw json.RawMessage) (visits.ExportRow, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("export row is not an object")
	}

	var row visits.ExportRow
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		row = append(row, visits.ExportColumn{Name: key, Value: exportCell(value)})
	}
	return row, nil
}

func exportCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
