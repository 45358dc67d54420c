package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
	"github.com/wolfman30/clinic-visit-sync/internal/visitsync"
)

type treatmentView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Medication string `json:"medication,omitempty"`
	Dosage     string `json:"dosage,omitempty"`
	Quantity   int    `json:"quantity"`
	UnitPrice  string `json:"unitPrice"`
	TotalPrice string `json:"totalPrice"`
}

type visitView struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	PatientID      string          `json:"patientId"`
	PatientName    string          `json:"patientName,omitempty"`
	DoctorID       string          `json:"doctorId"`
	DoctorName     string          `json:"doctorName,omitempty"`
	ScheduledDate  string          `json:"scheduledDate"`
	ChiefComplaint string          `json:"chiefComplaint,omitempty"`
	Diagnosis      string          `json:"diagnosis,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	Treatments     []treatmentView `json:"treatments"`
	TotalAmount    string          `json:"totalAmount"`
	PaymentStatus  string          `json:"paymentStatus"`
}

func newVisitView(v visits.Visit) visitView {
	view := visitView{
		ID:             v.ID,
		Status:         string(v.Status),
		PatientID:      v.Patient.ID,
		PatientName:    v.Patient.Name,
		DoctorID:       v.Doctor.ID,
		DoctorName:     v.Doctor.Name,
		ScheduledDate:  v.ScheduledDate.UTC().Format(time.RFC3339),
		ChiefComplaint: v.ChiefComplaint,
		Diagnosis:      v.Diagnosis,
		Notes:          v.Notes,
		Treatments:     make([]treatmentView, 0, len(v.Treatments)),
		TotalAmount:    v.TotalAmount.StringFixed(2),
		PaymentStatus:  string(v.PaymentStatus),
	}
	for _, t := range v.Treatments {
		view.Treatments = append(view.Treatments, treatmentView{
			ID:         t.ID,
			Name:       t.Name,
			Category:   string(t.Category),
			Medication: t.Medication,
			Dosage:     t.Dosage,
			Quantity:   t.Quantity,
			UnitPrice:  t.UnitPrice.StringFixed(2),
			TotalPrice: t.TotalPrice.StringFixed(2),
		})
	}
	return view
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) printVisit(v visits.Visit) error {
	view := newVisitView(v)
	if c.output == "json" {
		return c.printJSON(view)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\t%s\n", view.ID)
	fmt.Fprintf(tw, "Status\t%s\n", view.Status)
	fmt.Fprintf(tw, "Patient\t%s (%s)\n", view.PatientName, view.PatientID)
	fmt.Fprintf(tw, "Doctor\t%s (%s)\n", view.DoctorName, view.DoctorID)
	fmt.Fprintf(tw, "Scheduled\t%s\n", view.ScheduledDate)
	if view.ChiefComplaint != "" {
		fmt.Fprintf(tw, "Complaint\t%s\n", view.ChiefComplaint)
	}
	if view.Diagnosis != "" {
		fmt.Fprintf(tw, "Diagnosis\t%s\n", view.Diagnosis)
	}
	if view.Notes != "" {
		fmt.Fprintf(tw, "Notes\t%s\n", view.Notes)
	}
	fmt.Fprintf(tw, "Payment\t%s\n", view.PaymentStatus)
	fmt.Fprintf(tw, "Total\t%s\n", view.TotalAmount)
	for _, t := range view.Treatments {
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%d x %s = %s\n", t.ID, t.Name, t.Category, t.Quantity, t.UnitPrice, t.TotalPrice)
	}
	return tw.Flush()
}

func (c *cli) printVisits(list []visits.Visit) error {
	if c.output == "json" {
		views := make([]visitView, 0, len(list))
		for _, v := range list {
			views = append(views, newVisitView(v))
		}
		return c.printJSON(views)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSCHEDULED\tPATIENT\tDOCTOR\tTOTAL\tPAYMENT")
	for _, v := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.Status, v.ScheduledDate.UTC().Format(time.RFC3339),
			v.Patient.Name, v.Doctor.Name, v.TotalAmount.StringFixed(2), v.PaymentStatus)
	}
	return tw.Flush()
}

type doctorView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
	Specialization string `json:"specialization,omitempty"`
}

func (c *cli) printDoctors(doctors []visits.DoctorRef) error {
	if c.output == "json" {
		views := make([]doctorView, 0, len(doctors))
		for _, d := range doctors {
			views = append(views, doctorView(d))
		}
		return c.printJSON(views)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSPECIALIZATION")
	for _, d := range doctors {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, d.Name, d.Specialization)
	}
	return tw.Flush()
}

func (c *cli) printSearch(res visits.SearchResult) error {
	if c.output == "json" {
		views := make([]visitView, 0, len(res.Visits))
		for _, v := range res.Visits {
			views = append(views, newVisitView(v))
		}
		return c.printJSON(map[string]any{
			"visits": views,
			"count":  res.Count,
			"statistics": map[string]any{
				"totalRevenue":    res.Statistics.TotalRevenue.StringFixed(2),
				"pendingPayments": res.Statistics.PendingPayments,
				"paidVisits":      res.Statistics.PaidVisits,
			},
		})
	}
	if err := c.printVisits(res.Visits); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out, "\n%d visits, revenue %s, %d paid, %d pending\n",
		res.Count, res.Statistics.TotalRevenue.StringFixed(2), res.Statistics.PaidVisits, res.Statistics.PendingPayments)
	return err
}

func (c *cli) printDashboard(stats visits.DashboardStats) error {
	if c.output == "json" {
		return c.printJSON(map[string]any{
			"totalRevenue":    stats.TotalRevenue.StringFixed(2),
			"paidAmount":      stats.PaidAmount.StringFixed(2),
			"pendingPayments": stats.PendingPayments.StringFixed(2),
			"collectionRate":  stats.CollectionRate,
			"completedVisits": stats.CompletedVisits,
		})
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Total revenue\t%s\n", stats.TotalRevenue.StringFixed(2))
	fmt.Fprintf(tw, "Paid\t%s\n", stats.PaidAmount.StringFixed(2))
	fmt.Fprintf(tw, "Pending\t%s\n", stats.PendingPayments.StringFixed(2))
	fmt.Fprintf(tw, "Collection rate\t%s%%\n", stats.CollectionRate)
	fmt.Fprintf(tw, "Completed visits\t%d\n", stats.CompletedVisits)
	return tw.Flush()
}

// printOutcome reports a mutation. A failed mutation returns its error so
// the process exits non-zero; the cache has already been rolled back.
func (c *cli) printOutcome(out *visitsync.Outcome, err error) error {
	if err != nil {
		return err
	}
	switch out.Payment {
	case visits.PaymentCorrection:
		fmt.Fprintln(c.errOut, "note: payment status moved backwards; recorded as a correction")
	case visits.PaymentUnverified:
		fmt.Fprintln(c.errOut, "note: the previous payment status was unknown; write not verified")
	}
	return c.printVisit(out.Visit)
}
