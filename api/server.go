/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/sales/*          Sale registration, corrections, installments
  /api/commission/*     Breakdown preview
  /api/competence       Competence month lookup
  /api/outbox/*         Pending writes and recovery
  /api/dashboard        Aggregates
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the router. The zero value allows the local
// frontend origins.
type RouterOptions struct {
	AllowedOrigins []string
	// Quiet drops the request logger (tests).
	Quiet bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	if !opts.Quiet {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// Sale routes
		r.Route("/sales", func(r chi.Router) {
			r.Get("/", h.ListSales)
			r.Post("/", h.RegisterSale)
			r.Get("/{id}", h.GetSale)
			r.Patch("/{id}", h.CorrectSale)
			r.Delete("/{id}", h.DeleteSale)
			r.Post("/{id}/sync", h.SyncSale)
			r.Put("/{id}/installments/{n}", h.SetInstallment)
			r.Post("/{id}/installments/{n}/override", h.OverrideInstallment)
		})

		r.Post("/commission/preview", h.PreviewCommission)
		r.Get("/competence", h.ResolveCompetence)

		// Outbox routes
		r.Route("/outbox", func(r chi.Router) {
			r.Get("/", h.ListOutbox)
			r.Post("/recover", h.RecoverOutbox)
		})

		r.Get("/dashboard", h.Dashboard)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
