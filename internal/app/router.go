package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/lumina-crm/lumina/internal/billing"
	"github.com/lumina-crm/lumina/internal/observability"
	"github.com/lumina-crm/lumina/internal/shared"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	BillingHandler *billing.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Lumina defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)
	if params.Config != nil {
		r.Use(chimw.Timeout(params.Config.AppRequestTimeout))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/billing", func(r chi.Router) {
		r.Use(httprate.LimitByIP(60, time.Minute))
		if params.BillingHandler != nil {
			params.BillingHandler.MountRoutes(r)
		}
	})

	return r
}
