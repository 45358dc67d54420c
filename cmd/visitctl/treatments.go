package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/wolfman30/clinic-visit-sync/internal/visits"
)

type treatmentFlags struct {
	name, description, medication, dosage, category, price string
	quantity                                               int
}

func (f *treatmentFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.name, "name", "", "Treatment name")
	fs.StringVar(&f.description, "description", "", "Description")
	fs.StringVar(&f.medication, "medication", "", "Medication")
	fs.StringVar(&f.dosage, "dosage", "", "Dosage")
	fs.StringVar(&f.category, "category", "", "consultation, medication, procedure, lab_test, imaging or other")
	fs.IntVar(&f.quantity, "quantity", 1, "Quantity")
	fs.StringVar(&f.price, "price", "0", "Unit price")
}

func (f *treatmentFlags) input() (visits.TreatmentInput, error) {
	price, err := decimal.NewFromString(f.price)
	if err != nil {
		return visits.TreatmentInput{}, fmt.Errorf("invalid price %q", f.price)
	}
	var category visits.Category
	if f.category != "" {
		category, err = visits.ParseCategory(f.category)
		if err != nil {
			return visits.TreatmentInput{}, err
		}
	}
	return visits.TreatmentInput{
		Name:        f.name,
		Description: f.description,
		Medication:  f.medication,
		Dosage:      f.dosage,
		Category:    category,
		Quantity:    f.quantity,
		UnitPrice:   price,
	}, nil
}

func (c *cli) treatmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "treatment",
		Short: "Manage the treatment lines of a visit",
	}

	var add treatmentFlags
	addCmd := &cobra.Command{
		Use:   "add VISIT_ID",
		Short: "Add a treatment line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := add.input()
			if err != nil {
				return err
			}
			out, err := c.engine.Coordinator.AddTreatment(cmd.Context(), args[0], in)
			return c.printOutcome(out, err)
		},
	}
	add.register(addCmd.Flags())
	cmd.AddCommand(addCmd)

	var edit treatmentFlags
	editCmd := &cobra.Command{
		Use:   "edit VISIT_ID TREATMENT_ID",
		Short: "Replace the fields of a treatment line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := edit.input()
			if err != nil {
				return err
			}
			out, err := c.engine.Coordinator.EditTreatment(cmd.Context(), args[0], args[1], in)
			return c.printOutcome(out, err)
		},
	}
	edit.register(editCmd.Flags())
	cmd.AddCommand(editCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete VISIT_ID TREATMENT_ID",
		Short: "Remove a treatment line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := c.engine.Coordinator.DeleteTreatment(cmd.Context(), args[0], args[1])
			return c.printOutcome(out, err)
		},
	})
	return cmd
}
