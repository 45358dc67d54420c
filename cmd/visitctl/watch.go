package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/wolfman30/clinic-visit-sync/internal/api/router"
	"github.com/wolfman30/clinic-visit-sync/internal/http/handlers"
)

func (c *cli) watchCmd() *cobra.Command {
	var (
		addr     string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Serve the finance dashboard, health and metrics, refreshing the dashboard periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.cfg.MetricsAddr
			}
			if interval <= 0 {
				interval = c.cfg.DashboardRefreshInterval
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return c.serveWatch(ctx, ln, interval)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to METRICS_ADDR)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Dashboard refresh interval (defaults to DASHBOARD_REFRESH_INTERVAL)")
	return cmd
}

// serveWatch runs the watch server on ln until ctx is done.
func (c *cli) serveWatch(ctx context.Context, ln net.Listener, interval time.Duration) error {
	logger := c.logger.Component("watch")
	dashboard := handlers.NewFinanceDashboardHandler(c.engine.Coordinator, logger)
	srv := &http.Server{
		Handler: router.New(&router.Config{
			Logger:         logger,
			Dashboard:      dashboard,
			MetricsHandler: promhttp.HandlerFor(c.engine.Registry, promhttp.HandlerOpts{}),
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go c.refreshLoop(ctx, dashboard, interval)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("watch server listening", "addr", ln.Addr().String(), "refresh_interval", interval.String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down watch server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (c *cli) refreshLoop(ctx context.Context, dashboard *handlers.FinanceDashboardHandler, interval time.Duration) {
	logger := c.logger.Component("watch")
	refresh := func() {
		if _, err := dashboard.Refresh(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("dashboard refresh failed", "error", err)
		}
	}
	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
