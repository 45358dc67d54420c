// Package ledger computes treatment line totals and visit totals.
//
// All functions are pure: inputs are never mutated and results are fresh
// copies. Amounts are rounded half-up to two decimals per line before they
// are summed, matching how the visit service books them.
package ledger

import (
	"fmt"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

const maxNameLength = 200

// Round2 rounds half-up to two decimal places. Ledger amounts are never
// negative, so half-away-from-zero is half-up.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// LineTotal returns round2(quantity × unitPrice).
func LineTotal(quantity int, unitPrice decimal.Decimal) (decimal.Decimal, error) {
	if quantity < 1 {
		return decimal.Zero, visits.Invalid("line_total", visits.ErrInvalidQuantity)
	}
	if unitPrice.IsNegative() {
		return decimal.Zero, visits.Invalid("line_total", visits.ErrNegativePrice)
	}
	return lineTotal(quantity, unitPrice), nil
}

func lineTotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return Round2(unitPrice.Mul(decimal.NewFromInt(int64(quantity))))
}

// Aggregate sums the rounded line totals of the treatments.
func Aggregate(treatments []visits.Treatment) decimal.Decimal {
	sum := decimal.Zero
	for _, t := range treatments {
		sum = sum.Add(lineTotal(t.Quantity, t.UnitPrice))
	}
	return Round2(sum)
}

// ValidateNew checks a treatment being added.
func ValidateNew(in visits.TreatmentInput) error {
	if in.Name == "" {
		return visits.Invalid(string(visits.ActionAddTreatment), visits.ErrNameRequired)
	}
	return validate(visits.ActionAddTreatment, in)
}

// ValidatePatch checks a treatment edit. The name may be omitted to keep the
// existing one.
func ValidatePatch(in visits.TreatmentInput) error {
	return validate(visits.ActionEditTreatment, in)
}

func validate(action visits.Action, in visits.TreatmentInput) error {
	op := string(action)
	if utf8.RuneCountInString(in.Name) > maxNameLength {
		return visits.Invalid(op, fmt.Errorf("name: %w", visits.ErrFieldTooLong))
	}
	if in.Category != "" {
		if _, err := visits.ParseCategory(string(in.Category)); err != nil {
			return visits.Invalid(op, err)
		}
	}
	if in.Quantity < 1 {
		return visits.Invalid(op, visits.ErrInvalidQuantity)
	}
	if in.UnitPrice.IsNegative() {
		return visits.Invalid(op, visits.ErrNegativePrice)
	}
	return nil
}

// NewTreatment builds a treatment line with its derived total.
func NewTreatment(id string, in visits.TreatmentInput) (visits.Treatment, error) {
	if err := ValidateNew(in); err != nil {
		return visits.Treatment{}, err
	}
	category := in.Category
	if category == "" {
		category = visits.CategoryOther
	}
	return visits.Treatment{
		ID:          id,
		Name:        in.Name,
		Description: in.Description,
		Medication:  in.Medication,
		Dosage:      in.Dosage,
		Category:    category,
		Quantity:    in.Quantity,
		UnitPrice:   in.UnitPrice,
		TotalPrice:  lineTotal(in.Quantity, in.UnitPrice),
	}, nil
}

// ApplyAdd appends t and recomputes the visit total.
func ApplyAdd(v visits.Visit, t visits.Treatment) visits.Visit {
	out := v.Clone()
	t.TotalPrice = lineTotal(t.Quantity, t.UnitPrice)
	out.Treatments = append(out.Treatments, t)
	out.TotalAmount = Aggregate(out.Treatments)
	return out
}

// ApplyEdit replaces the fields of the treatment with id treatmentID.
// Quantity, price and the free-text fields are taken from patch as given;
// an empty name or category keeps the current value. An unknown id leaves
// the visit unchanged.
func ApplyEdit(v visits.Visit, treatmentID string, patch visits.TreatmentInput) visits.Visit {
	out := v.Clone()
	idx := out.FindTreatment(treatmentID)
	if idx < 0 {
		return out
	}
	t := out.Treatments[idx]
	if patch.Name != "" {
		t.Name = patch.Name
	}
	if patch.Category != "" {
		t.Category = patch.Category
	}
	t.Description = patch.Description
	t.Medication = patch.Medication
	t.Dosage = patch.Dosage
	t.Quantity = patch.Quantity
	t.UnitPrice = patch.UnitPrice
	t.TotalPrice = lineTotal(t.Quantity, t.UnitPrice)
	out.Treatments[idx] = t
	out.TotalAmount = Aggregate(out.Treatments)
	return out
}

// ApplyDelete removes the treatment with id treatmentID and recomputes the
// visit total.
func ApplyDelete(v visits.Visit, treatmentID string) visits.Visit {
	out := v.Clone()
	kept := make([]visits.Treatment, 0, len(out.Treatments))
	for _, t := range out.Treatments {
		if t.ID != treatmentID {
			kept = append(kept, t)
		}
	}
	out.Treatments = kept
	out.TotalAmount = Aggregate(out.Treatments)
	return out
}

// Recompute rederives every line total and the visit total.
func Recompute(v visits.Visit) visits.Visit {
	out := v.Clone()
	for i := range out.Treatments {
		out.Treatments[i].TotalPrice = lineTotal(out.Treatments[i].Quantity, out.Treatments[i].UnitPrice)
	}
	out.TotalAmount = Aggregate(out.Treatments)
	return out
}

// Check verifies the monetary invariants of v.
func Check(v visits.Visit) error {
	for _, t := range v.Treatments {
		want := lineTotal(t.Quantity, t.UnitPrice)
		if !t.TotalPrice.Equal(want) {
			return fmt.Errorf("treatment %s total %s, want %s", t.ID, t.TotalPrice.StringFixed(2), want.StringFixed(2))
		}
	}
	if want := Aggregate(v.Treatments); !v.TotalAmount.Equal(want) {
		return fmt.Errorf("visit %s total %s, want %s", v.ID, v.TotalAmount.StringFixed(2), want.StringFixed(2))
	}
	return nil
}
