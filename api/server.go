/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:         Request logging
  2. Recoverer:      Panic recovery (500 instead of crash)
  3. RequestID:      Unique ID per request for tracing
  4. CORS:           Cross-origin requests for the mobile/web client
  5. RequestContext: Idempotency-Key and X-Actor headers into the context

ROUTE GROUPS:
  /api/issues, /api/payments  Creation
  /api/obligations/*          Reads and mutations
  /api/messages               Messaging
  /api/sync/*                 Offline queue
  /api/reports/*              Financial reports
  /healthz                    Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cli/serve.go: Server startup
*/
package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vts/obligation-engine/obligation"
)

// Request headers carried into the engine context.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderActor          = "X-Actor"
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
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderIdempotencyKey, HeaderActor},
		AllowCredentials: true,
	}))
	r.Use(RequestContext)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/issues", h.CreateIssue)
		r.Post("/payments", h.CreatePayment)

		r.Route("/obligations", func(r chi.Router) {
			r.Get("/", h.ListObligations)
			r.Get("/due", h.ListDue)
			r.Get("/{id}", h.GetObligation)
			r.Get("/{id}/history", h.GetHistory)
			r.Post("/{id}/assign", h.Assign)
			r.Post("/{id}/contractor", h.AssignContractor)
			r.Post("/{id}/status", h.SetStatus)
			r.Post("/{id}/skip", h.SkipNext)
			r.Post("/{id}/costs", h.UpdateCosts)
			r.Post("/{id}/complete", h.Complete)
			r.Post("/{id}/notes", h.AddNote)
			r.Post("/{id}/charge", h.Charge)
			r.Post("/{id}/refund", h.Refund)
		})

		r.Route("/contractors", func(r chi.Router) {
			r.Get("/", h.ListContractors)
			r.Post("/", h.CreateContractor)
			r.Get("/{id}", h.GetContractor)
			r.Post("/{id}/rating", h.RateContractor)
			r.Post("/{id}/preferred", h.SetPreferred)
		})

		r.Post("/messages", h.SendMessage)

		r.Route("/sync", func(r chi.Router) {
			r.Get("/queue", h.GetQueue)
			r.Post("/flush", h.Flush)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/summary", h.GetSummary)
			r.Get("/transactions.csv", h.ExportCSV)
		})
	})

	return r
}

// RequestContext copies the Idempotency-Key and X-Actor headers into the
// request context, where the engine reads them.
func RequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" {
			ctx = obligation.WithActionKey(ctx, key)
		}
		if actor := strings.TrimSpace(r.Header.Get(HeaderActor)); actor != "" {
			ctx = obligation.WithActor(ctx, actor)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
