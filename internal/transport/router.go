package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/weldqual/internal/closure"
	"github.com/pitabwire/weldqual/internal/config"
	"github.com/pitabwire/weldqual/internal/continuity"
	"github.com/pitabwire/weldqual/internal/idempotency"
	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/internal/qualification"
	"github.com/pitabwire/weldqual/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Idempotency        idempotency.Store
	Readiness          observability.ReadinessChecks

	Qualification *qualification.Engine
	Closure       *closure.Workflow
	Continuity    *continuity.Tracker
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if cfg.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Observability.Metrics.Path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	var idem idempotency.Store
	if cfg.Idempotency.Enabled {
		idem = deps.Idempotency
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(Idempotency(idem, cfg.Idempotency.Store.DefaultTTL, deps.Metrics, logger))

		q := deps.Qualification
		if q != nil {
			r.Route("/wps", func(r chi.Router) {
				r.With(RequireCapability(model.CapWpsEdit)).Post("/", handleWpsCreate(q))
				r.Route("/{wpsId}", func(r chi.Router) {
					r.With(RequireCapability(model.CapWpsView)).Get("/", handleWpsGet(q))
					r.With(RequireCapability(model.CapWpsView)).Get("/completeness", handleWpsCompleteness(q))
					r.With(RequireCapability(model.CapWpsView)).Post("/qualification-check", handleWpsQualification(q))

					r.With(RequireCapability(model.CapWpsEdit)).Post("/processes", handleWpsAddProcess(q))
					r.With(RequireCapability(model.CapWpsEdit)).Put("/processes/{processId}/values", handleWpsSetValue(q))
					r.With(RequireCapability(model.CapWpsEdit)).Post("/variables", handleWpsAddVariable(q))

					r.With(RequireCapability(model.CapWpsSubmit)).Post("/submit", wpsTransition(q.SubmitForApproval))
					r.With(RequireCapability(model.CapWpsReview)).Post("/review", wpsTransition(q.MarkReviewed))
					r.With(RequireCapability(model.CapWpsApprove)).Post("/approve", handleWpsApprove(q))
					r.With(RequireCapability(model.CapWpsArchive)).Post("/archive", wpsTransition(q.Archive))
					r.With(RequireCapability(model.CapWpsRevise)).Post("/revisions", handleWpsNewRevision(q))
					r.With(RequireCapability(model.CapWpsRevise)).Post("/copy", handleWpsCopy(q))
				})
			})

			r.Route("/pqr", func(r chi.Router) {
				r.With(RequireCapability(model.CapPqrEdit)).Post("/", handlePqrCreate(q))
				r.With(RequireCapability(model.CapPqrEdit)).Post("/{pqrId}/results", handlePqrAddResult(q))
				r.With(RequireCapability(model.CapPqrReview)).Post("/{pqrId}/submit", handlePqrSubmit(q))
				r.With(RequireCapability(model.CapPqrApprove)).Post("/{pqrId}/approve", handlePqrApprove(q))
			})
		}

		if deps.Closure != nil {
			r.With(RequireCapability(model.CapWeldClose)).Post("/welds/{weldId}/close", handleWeldClose(deps.Closure))
		}

		if deps.Continuity != nil {
			rc := RequireCapability(model.CapContinuityRecalculate)
			r.With(rc).Post("/welders/{welderId}/continuity/recalculate", handleContinuityRecalculate(deps.Continuity))
			r.With(rc).Post("/continuity/recalculate", handleContinuityBatch(deps.Continuity))
		}
	})

	return r
}
