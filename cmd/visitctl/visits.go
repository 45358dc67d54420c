package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
	"github.com/wolfman30/clinic-visit-sync/internal/visitsync"
)

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", raw)
}

func (c *cli) visitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "visits",
		Short: "List the current actor's visits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := c.engine.Coordinator.MyVisits(cmd.Context())
			if err != nil {
				return err
			}
			return c.printVisits(list)
		},
	}
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get VISIT_ID",
		Short: "Show one visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := c.engine.Coordinator.Visit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printVisit(v)
		},
	}
}

func (c *cli) doctorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctors",
		Short: "List the doctors a visit can be booked with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			doctors, err := c.engine.Coordinator.Doctors(cmd.Context())
			if err != nil {
				return err
			}
			return c.printDoctors(doctors)
		},
	}
}

func (c *cli) createCmd() *cobra.Command {
	var doctor, date, complaint string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Schedule a visit with a doctor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := visits.NewVisit{DoctorID: doctor, ChiefComplaint: complaint}
			if date != "" {
				t, err := parseDate(date)
				if err != nil {
					return err
				}
				req.ScheduledDate = t
			}
			out, err := c.engine.Coordinator.CreateVisit(cmd.Context(), req)
			return c.printOutcome(out, err)
		},
	}
	cmd.Flags().StringVar(&doctor, "doctor", "", "Doctor id")
	cmd.Flags().StringVar(&date, "date", "", "Scheduled date, RFC 3339 or 'YYYY-MM-DD HH:MM' local time")
	cmd.Flags().StringVar(&complaint, "complaint", "", "Chief complaint")
	return cmd
}

type lifecycleFunc func(ctx context.Context, visitID string) (*visitsync.Outcome, error)

func (c *cli) startVisit(ctx context.Context, id string) (*visitsync.Outcome, error) {
	return c.engine.Coordinator.StartVisit(ctx, id)
}

func (c *cli) completeVisit(ctx context.Context, id string) (*visitsync.Outcome, error) {
	return c.engine.Coordinator.CompleteVisit(ctx, id)
}

func (c *cli) cancelVisit(ctx context.Context, id string) (*visitsync.Outcome, error) {
	return c.engine.Coordinator.CancelVisit(ctx, id)
}

func (c *cli) lifecycleCmd(use, short string, run lifecycleFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " VISIT_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := run(cmd.Context(), args[0])
			return c.printOutcome(out, err)
		},
	}
}

func (c *cli) updateCmd() *cobra.Command {
	var diagnosis, notes, complaint string
	cmd := &cobra.Command{
		Use:   "update VISIT_ID",
		Short: "Edit the clinical fields of a visit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var update visits.VisitUpdate
			if cmd.Flags().Changed("diagnosis") {
				update.Diagnosis = &diagnosis
			}
			if cmd.Flags().Changed("notes") {
				update.Notes = &notes
			}
			if cmd.Flags().Changed("complaint") {
				update.ChiefComplaint = &complaint
			}
			out, err := c.engine.Coordinator.UpdateVisit(cmd.Context(), args[0], update)
			return c.printOutcome(out, err)
		},
	}
	cmd.Flags().StringVar(&diagnosis, "diagnosis", "", "Diagnosis")
	cmd.Flags().StringVar(&notes, "notes", "", "Visit notes")
	cmd.Flags().StringVar(&complaint, "complaint", "", "Chief complaint")
	return cmd
}
