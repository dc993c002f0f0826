package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/opsdash/internal/access"
	"github.com/odyssey-erp/opsdash/internal/access/gate"
	"github.com/odyssey-erp/opsdash/internal/audit"
	"github.com/odyssey-erp/opsdash/internal/deals"
	"github.com/odyssey-erp/opsdash/internal/identity"
	"github.com/odyssey-erp/opsdash/internal/observability"
	"github.com/odyssey-erp/opsdash/internal/platform/httpx"
	"github.com/odyssey-erp/opsdash/internal/rules"
	"github.com/odyssey-erp/opsdash/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger        *slog.Logger
	Config        *Config
	Resolver      identity.Resolver
	Gate          *gate.Gate
	AccessHandler *gate.Handler
	RulesHandler  *rules.Handler
	DealsHandler  *deals.Handler
	AuditHandler  *audit.Handler
	BoardHandler  *deals.BoardHandler
	JobHandler    *jobs.Handler
	Metrics       *observability.Metrics
	// RulesLoaded reports whether the first rule snapshot is in place.
	RulesLoaded func() bool
}

// NewRouter constructs the chi.Router with dashboard defaults.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		loaded := params.RulesLoaded == nil || params.RulesLoaded()
		status := http.StatusOK
		state := "ok"
		if !loaded {
			status = http.StatusServiceUnavailable
			state = "loading"
		}
		httpx.JSON(w, status, map[string]any{"status": state, "rules_loaded": loaded})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if static, err := staticHandler(logger); err != nil {
		logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		r.Handle("/static/*", static)
	}

	resolver := params.Resolver
	if resolver == nil {
		resolver = identity.HeaderResolver{}
	}
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(resolver, logger))

		if params.AccessHandler != nil {
			r.Route("/api/access", params.AccessHandler.MountRoutes)
		}
		if params.RulesHandler != nil {
			r.Route("/api/rules", params.RulesHandler.MountRoutes)
		}
		if params.DealsHandler != nil {
			r.Route("/api/deals", params.DealsHandler.MountRoutes)
		}
		if params.AuditHandler != nil {
			r.Route("/api/audit", params.AuditHandler.MountRoutes)
		}
		if params.BoardHandler != nil && params.Gate != nil {
			guard := gate.Guard{Gate: params.Gate, Logger: logger}
			r.With(guard.Require(access.FeaturePipeline, access.ActionRead)).
				Method(http.MethodGet, "/board", params.BoardHandler)
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "/board", http.StatusSeeOther)
			})
		}
	})

	return r
}
