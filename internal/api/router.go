package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/api/response"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	AnalyzeHandler     http.HandlerFunc
	ListFailures       http.HandlerFunc
	GetFailure         http.HandlerFunc
	FeedbackHandler    http.HandlerFunc
	HITLQueueHandler   http.HandlerFunc
	HITLApproveHandler http.HandlerFunc
	HITLRejectHandler  http.HandlerFunc
	CacheStatsHandler  http.HandlerFunc
	IngestHandler      http.HandlerFunc
	KnowledgeHandler   http.HandlerFunc

	FlushCacheHandler    http.HandlerFunc
	ReindexHandler       http.HandlerFunc
	CreateProjectHandler http.HandlerFunc
	ListProjectsHandler  http.HandlerFunc
	CreateKeyHandler     http.HandlerFunc
	RevokeKeyHandler     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.With(deps.Auth.RequireScope(models.ScopeAnalyze)).
			Post("/api/v1/analyze", orNotImplemented(deps.AnalyzeHandler))

		r.Get("/api/v1/failures", orNotImplemented(deps.ListFailures))
		r.Get("/api/v1/failures/{failureID}", orNotImplemented(deps.GetFailure))
		r.Get("/api/v1/cache-stats", orNotImplemented(deps.CacheStatsHandler))

		r.With(deps.Auth.RequireScope(models.ScopeIngest)).
			Post("/api/v1/ingest/failure", orNotImplemented(deps.IngestHandler))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeReview))

			r.Post("/api/v1/feedback", orNotImplemented(deps.FeedbackHandler))
			r.Get("/api/v1/hitl/queue", orNotImplemented(deps.HITLQueueHandler))
			r.Post("/api/v1/hitl/{itemID}/approve", orNotImplemented(deps.HITLApproveHandler))
			r.Post("/api/v1/hitl/{itemID}/reject", orNotImplemented(deps.HITLRejectHandler))
			r.Post("/api/v1/knowledge", orNotImplemented(deps.KnowledgeHandler))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Delete("/api/v1/cache", orNotImplemented(deps.FlushCacheHandler))
			r.Post("/api/v1/admin/reindex", orNotImplemented(deps.ReindexHandler))
			r.Post("/api/v1/admin/projects", orNotImplemented(deps.CreateProjectHandler))
			r.Get("/api/v1/admin/projects", orNotImplemented(deps.ListProjectsHandler))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
