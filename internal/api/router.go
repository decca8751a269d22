package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/visionwatch/internal/api/middleware"
	"github.com/kiranshivaraju/visionwatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
// RateLimit may be nil when Redis is not configured.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	ViewHandler     http.HandlerFunc
	SubmitHandler   http.HandlerFunc
	AttachHandler   http.HandlerFunc
	ResetHandler    http.HandlerFunc
	ResultHandler   http.HandlerFunc
	PhaseHandler    http.HandlerFunc
	SnapshotHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "No such endpoint", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Health is exempt from rate limiting
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Get("/api/v1/watch", orNotImplemented(deps.ViewHandler))
		r.Post("/api/v1/watch", orNotImplemented(deps.SubmitHandler))
		r.Delete("/api/v1/watch", orNotImplemented(deps.ResetHandler))
		r.Get("/api/v1/watch/result", orNotImplemented(deps.ResultHandler))
		r.Put("/api/v1/watch/{jobID}", orNotImplemented(deps.AttachHandler))

		r.Get("/api/v1/phases/{status}", orNotImplemented(deps.PhaseHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.SnapshotHandler))
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
