/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One zap line per request (logging.go)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for operator frontends

ROUTE GROUPS:
  /api/clients/{client}/units/{unit}/*   Unit billing
  /api/reconciliation/sweeps/last        Last scheduled sweep (when mounted)
  /healthz                               Liveness

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

// DefaultCORSOrigins are allowed when the server config names none.
var DefaultCORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured. scheduler may
// be nil when periodic reconciliation is disabled.
func NewRouter(h *Handler, scheduler *ReconciliationScheduler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = DefaultCORSOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/clients/{client}/units/{unit}", func(r chi.Router) {
		r.Get("/projection", h.GetProjection)
		r.Get("/bills", h.ListBills)
		r.Get("/reconciliation", h.GetReconciliation)

		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.Post("/", h.RecordPayment)
			r.Post("/preview", h.PreviewPayment)
		})

		r.Route("/credit", func(r chi.Router) {
			r.Get("/", h.GetCredit)
			r.Post("/adjustments", h.CreateCreditAdjustment)
		})
	})

	if scheduler != nil {
		r.Get("/api/reconciliation/sweeps/last", scheduler.GetLastSweep)
	}

	return r
}
