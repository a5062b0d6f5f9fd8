package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// router constructs the chi mux with all routes wired.
func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	// Public, no auth required.
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Group(func(r chi.Router) {
		if s.cfg.Auth.IsConfigured() {
			r.Use(authMiddleware(s.cfg.Auth, s.logger))
		}
		r.Route("/api", func(r chi.Router) {
			r.Post("/executions", s.handleSubmit)
			r.Get("/executions", s.handleListExecutions)
			r.Get("/executions/{id}", s.handleGetExecution)
			r.Delete("/executions/{id}", s.handleCancelExecution)

			r.Get("/approvals", s.handleListApprovals)
			r.Get("/approvals/{id}", s.handleGetApproval)
			r.Post("/approvals/{id}/approve", s.handleApprove)
			r.Post("/approvals/{id}/reject", s.handleReject)
			r.Post("/approvals/{id}/escalate", s.handleEscalate)

			r.Post("/runs", s.handleRun)
			r.Get("/events", s.handleEvents)
		})
	})

	return r
}
