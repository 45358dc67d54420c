package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-visit-sync/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-visit-sync/internal/http/middleware"
	"github.com/wolfman30/clinic-visit-sync/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Dashboard      *handlers.FinanceDashboardHandler
	MetricsHandler http.Handler
}

// New creates the chi router served by visitctl watch.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/health", handlers.Health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.Dashboard != nil {
		r.Route("/finance/dashboard", func(fin chi.Router) {
			fin.Get("/", cfg.Dashboard.GetDashboard)
			fin.Post("/refresh", cfg.Dashboard.RefreshDashboard)
		})
	}
	return r
}
