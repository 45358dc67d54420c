package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

type filterFlags struct {
	visitID, doctor, patient, status, payment, from, to string
}

func (f *filterFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.visitID, "visit-id", "", "Visit id")
	fs.StringVar(&f.doctor, "doctor", "", "Doctor name")
	fs.StringVar(&f.patient, "patient", "", "Patient name")
	fs.StringVar(&f.status, "status", "", "Visit status")
	fs.StringVar(&f.payment, "payment-status", "", "Payment status")
	fs.StringVar(&f.from, "from", "", "Earliest scheduled date (YYYY-MM-DD)")
	fs.StringVar(&f.to, "to", "", "Latest scheduled date (YYYY-MM-DD)")
}

func (f *filterFlags) filters() (visits.SearchFilters, error) {
	out := visits.SearchFilters{VisitID: f.visitID, DoctorName: f.doctor, PatientName: f.patient}
	if f.status != "" {
		s, err := visits.ParseStatus(f.status)
		if err != nil {
			return out, err
		}
		out.Status = s
	}
	if f.payment != "" {
		p, err := visits.ParsePaymentStatus(f.payment)
		if err != nil {
			return out, err
		}
		out.PaymentStatus = p
	}
	if f.from != "" {
		t, err := parseDate(f.from)
		if err != nil {
			return out, err
		}
		out.StartDate = t
	}
	if f.to != "" {
		t, err := parseDate(f.to)
		if err != nil {
			return out, err
		}
		out.EndDate = t
	}
	return out, nil
}

func (c *cli) financeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finance-get VISIT_ID",
		Short: "Show one visit as seen by finance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := c.engine.Coordinator.FinanceVisit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printVisit(v)
		},
	}
}

func (c *cli) paymentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payment VISIT_ID STATUS",
		Short: "Set the payment status of a completed visit (pending, partial or paid)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.engine.Coordinator.UpdatePaymentStatus(cmd.Context(), args[0], visits.PaymentStatus(args[1]))
			return c.printOutcome(out, err)
		},
	}
}

func (c *cli) searchCmd() *cobra.Command {
	var f filterFlags
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search visits for finance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters, err := f.filters()
			if err != nil {
				return err
			}
			res, err := c.engine.Coordinator.SearchVisits(cmd.Context(), filters)
			if err != nil {
				return err
			}
			return c.printSearch(res)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func (c *cli) dashboardCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show the finance overview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			read := c.engine.Coordinator.DashboardStats
			if refresh {
				read = c.engine.Coordinator.RefreshDashboard
			}
			stats, err := read(cmd.Context())
			if err != nil {
				return err
			}
			return c.printDashboard(stats)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the cached overview")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		f    filterFlags
		path string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export finance visits as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filters, err := f.filters()
			if err != nil {
				return err
			}
			var w io.Writer = c.out
			if path != "" && path != "-" {
				file, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("create export file: %w", err)
				}
				defer file.Close()
				w = file
			}
			n, err := c.engine.Coordinator.ExportVisitsCSV(cmd.Context(), filters, w)
			if err != nil {
				return err
			}
			if w != c.out {
				fmt.Fprintf(c.errOut, "exported %d visits to %s\n", n, path)
			}
			return nil
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVar(&path, "file", "", "Write the CSV to this file instead of stdout")
	return cmd
}
