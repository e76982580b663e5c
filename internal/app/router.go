package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/storeinv/backoffice/internal/alerts"
	"github.com/storeinv/backoffice/internal/ledger"
	"github.com/storeinv/backoffice/internal/observability"
	"github.com/storeinv/backoffice/internal/rbac"
	"github.com/storeinv/backoffice/internal/shared"
	"github.com/storeinv/backoffice/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	RBACMiddleware rbac.Middleware

	LedgerHandler *ledger.Handler
	AlertsHandler *alerts.Handler
	JobHandler    *jobs.Handler
	Metrics       *observability.Metrics
}

// NewRouter constructs the chi.Router with the back office defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.LedgerHandler != nil {
		r.Route("/ledger", func(r chi.Router) {
			r.Use(params.RBACMiddleware.Authenticate)
			params.LedgerHandler.MountRoutes(r)
		})
	}
	if params.AlertsHandler != nil {
		r.Route("/alerts", func(r chi.Router) {
			r.Use(params.RBACMiddleware.Authenticate)
			params.AlertsHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
