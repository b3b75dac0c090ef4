/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the ops console

ROUTE GROUPS:
  /api/decisions        Decision-event ingestion
  /api/obligations/*    Obligation inspection
  /api/transmissions/*  Manual transmission triggers
  /api/admin/*          Operational controls

SECURITY NOTE:
  No authentication middleware currently. Ingestion normally arrives over
  the internal message transport; the HTTP surface is for operators and
  must sit behind the gateway.

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

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Ingestion
		r.Post("/decisions", h.IngestDecision)

		// Obligation routes
		r.Route("/obligations", func(r chi.Router) {
			r.Get("/{id}", h.GetObligation)
			r.Get("/{id}/entries", h.GetObligationEntries)
		})

		// Transmission routes
		r.Route("/transmissions", func(r chi.Router) {
			r.Post("/trigger", h.TriggerTransmission)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/incident", h.SetIncident)
			r.Get("/incident", h.GetIncident)
			r.Post("/batches/close", h.CloseBatch)
			r.Get("/watermark", h.GetWatermark)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}
