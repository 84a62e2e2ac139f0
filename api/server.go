/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:   Unique ID per request for tracing
  2. Logger:      Request logging
  3. Recoverer:   Panic recovery (500 instead of crash)
  4. HTTPMetrics: Prometheus request counters by route pattern
  5. CORS:        Cross-origin requests for the back-office UI
  6. Caller:      X-Caller-ID / X-Caller-Admin into the request context

ROUTE GROUPS:
  /api/runs/*        Commit runs (admin)
  /api/agents/*      Agents, previews, ledgers, debt
  /api/policies/*    Policies and terms (admin)
  /api/schedules/*   Schedule versions (admin)
  /api/batches/*     Payout batch detail
  /api/scenarios/*   Demo books (admin)
  /metrics           Prometheus scrape endpoint
  /healthz           Liveness, pings the store when it supports it

SEE ALSO:
  - handlers.go: Handler implementations
  - caller.go: Caller context and admin gate
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/commission-engine/observability"
)

// healthChecker is implemented by stores that can ping their database.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderCallerID, HeaderCallerAdmin},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(CallerContext)

		// Run routes
		r.Route("/runs", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/", h.ListRuns)
			r.Post("/{cadence}", h.TriggerRun)
		})

		// Agent routes
		r.Route("/agents", func(r chi.Router) {
			r.With(RequireAdmin).Get("/", h.ListAgents)
			r.With(RequireAdmin).Post("/", h.CreateAgent)
			r.Get("/{id}", h.GetAgent)
			r.Get("/{id}/preview", h.Preview)
			r.Get("/{id}/ledger", h.GetAgentLedger)
			r.Get("/{id}/batches", h.GetAgentBatches)
			r.Get("/{id}/debt", h.GetAgentDebt)
			r.With(RequireAdmin).Post("/{id}/adjustments", h.CreateAdjustment)
		})

		// Policy routes
		r.Route("/policies", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/", h.ListPolicies)
			r.Post("/", h.CreatePolicy)
			r.Get("/{id}/ledger", h.GetPolicyLedger)
			r.Post("/{id}/terms", h.CreatePolicyTerm)
		})

		// Schedule routes
		r.Route("/schedules", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/", h.ListSchedules)
			r.Post("/", h.CreateSchedule)
		})

		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Get("/{id}", h.GetBatch)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// Health reports liveness, pinging the store when it supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if hc, ok := h.Store.(healthChecker); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := hc.HealthCheck(ctx); err != nil {
			h.Logger.Warn("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
