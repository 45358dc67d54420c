// Command visitctl drives the visit sync engine against the remote visit
// service: it lists and edits visits, manages treatments and payments, and
// serves the finance dashboard with metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-visit-sync/internal/app/bootstrap"
	appconfig "github.com/wolfman30/clinic-visit-sync/internal/config"
	"github.com/wolfman30/clinic-visit-sync/internal/visits"
	"github.com/wolfman30/clinic-visit-sync/pkg/logging"
)

type engineBuilder func(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*bootstrap.Engine, error)

// cli holds what every subcommand shares. The engine is built lazily in the
// root command's pre-run hook.
type cli struct {
	out    io.Writer
	errOut io.Writer
	build  engineBuilder
	output string

	cfg    *appconfig.Config
	logger *logging.Logger
	engine *bootstrap.Engine
}

func defaultBuilder(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*bootstrap.Engine, error) {
	return bootstrap.BuildEngine(ctx, cfg, logger, bootstrap.EngineOptions{})
}

func main() {
	c := &cli{out: os.Stdout, errOut: os.Stderr, build: defaultBuilder}
	if err := c.rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", userMessage(err))
		os.Exit(1)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "visitctl",
		Short:         "Clinic visit sync client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.output != "text" && c.output != "json" {
				return fmt.Errorf("unknown output format %q", c.output)
			}
			c.cfg = appconfig.Load()
			c.logger = logging.NewWithOptions(logging.Options{
				Level:  c.cfg.LogLevel,
				Format: c.cfg.LogFormat,
				Writer: c.errOut,
			})
			engine, err := c.build(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			c.engine = engine
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return c.engine.Close()
		},
	}
	root.PersistentFlags().StringVarP(&c.output, "output", "o", "text", "Output format: text or json")

	root.AddCommand(c.visitsCmd())
	root.AddCommand(c.getCmd())
	root.AddCommand(c.doctorsCmd())
	root.AddCommand(c.createCmd())
	root.AddCommand(c.lifecycleCmd("start", "Start a scheduled visit", c.startVisit))
	root.AddCommand(c.lifecycleCmd("complete", "Complete an in-progress visit", c.completeVisit))
	root.AddCommand(c.lifecycleCmd("cancel", "Cancel a scheduled or in-progress visit", c.cancelVisit))
	root.AddCommand(c.updateCmd())
	root.AddCommand(c.treatmentCmd())
	root.AddCommand(c.financeGetCmd())
	root.AddCommand(c.paymentCmd())
	root.AddCommand(c.searchCmd())
	root.AddCommand(c.dashboardCmd())
	root.AddCommand(c.exportCmd())
	root.AddCommand(c.watchCmd())
	return root
}

// userMessage is what the operator sees for a failed command.
func userMessage(err error) string {
	var typed *visits.Error
	if errors.As(err, &typed) {
		return typed.UserMessage()
	}
	return err.Error()
}
