/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RealIP:         Client address from proxy headers
  3. RequestLogger:  zap request logging (observability package)
  4. Recoverer:      Panic recovery (500 instead of crash)
  5. CORS:           Cross-origin requests for the booking frontend

ROUTE GROUPS:
  /api/reservations/*   Access, reservation reads, opening edits
  /api/edits/*          Edit sessions
  /api/settlements/*    Settlement flows
  /api/catalog          Rates
  /api/scenarios/*      Demo scenarios (only when enabled)
  /healthz              Liveness + database ping

SECURITY:
  Every reservation, edit and settlement route checks a bearer token issued
  by POST /api/reservations/access. The token is bound to one reservation.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/rental-engine/observability"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	AllowedOrigins  []string
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/catalog", h.GetCatalog)

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/access", h.RequestAccess)
			r.Get("/{id}", h.GetReservation)
			r.Get("/{id}/settlements", h.GetSettlementHistory)
			r.Post("/{id}/edits", h.OpenEdit)
		})

		r.Route("/edits/{sid}", func(r chi.Router) {
			r.Get("/", h.GetEdit)
			r.Patch("/", h.PatchEdit)
			r.Delete("/", h.DiscardEdit)
			r.Post("/calculate", h.CalculateEdit)
			r.Post("/rebase", h.RebaseEdit)
			r.Post("/commit", h.CommitEdit)
		})

		r.Route("/settlements/{fid}", func(r chi.Router) {
			r.Get("/", h.GetSettlement)
			r.Post("/method", h.SelectMethod)
			r.Post("/confirm", h.ConfirmRefund)
			r.Post("/retry", h.RetrySettlement)
			r.Post("/resume", h.ResumeSettlement)
			r.Post("/cancel", h.CancelSettlement)
		})

		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}
