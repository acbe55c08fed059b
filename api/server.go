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
  /api/resources/*      Rollups and income shares
  /api/processes/*      Process valuation
  /api/equations/*      Value equations, previews and saved runs
  /api/distributions/*  Saved distribution records
  /api/agents/*         Claims
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus metrics

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions tune the router. A zero value is usable.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Valuation routes
		r.Route("/resources", func(r chi.Router) {
			r.Get("/{id}/value", h.GetResourceValue)
			r.Get("/{id}/shares", h.GetResourceShares)
		})
		r.Get("/processes/{id}/value", h.GetProcessValue)

		// Value equation routes
		r.Route("/equations", func(r chi.Router) {
			r.Get("/", h.ListEquations)
			r.Post("/", h.CreateEquation)
			r.Post("/validate", h.ValidateExpression)
			r.Get("/{id}", h.GetEquation)
			r.Delete("/{id}", h.DeleteEquation)
			r.Get("/{id}/rules/{rule}/matches", h.GetRuleMatches)
			r.Post("/{id}/preview", h.PreviewDistribution)
			r.Get("/{id}/distributions", h.ListDistributions)
			r.Post("/{id}/distributions", h.RunDistribution)
		})

		// Distribution routes
		r.Get("/distributions/{id}", h.GetDistribution)

		// Claim routes
		r.Get("/agents/{id}/claims", h.GetAgentClaims)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
