/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed into access logs
  2. RealIP:     Client address from proxy headers
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. hlog:       zerolog request logger and access log line
  5. CORS:       Cross-origin requests for the dashboard
  6. Identity:   Tenant + user principal (/api only)

ROUTE GROUPS:
  /healthz              Liveness, no identity required
  /api/batches/*        Batch lifecycle, readings, packaging
  /api/inventory/*      Items, positions, ledger, purchases, adjustments
  /api/vessels/*        Vessel registry and occupancy history
  /api/recipes/*        Recipe catalog
  /api/packaging-types  Package catalog
  /api/scenarios/*      Demo fixtures

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Identity middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/hlog"
)

// NewRouter creates a new router with all routes configured. An empty
// secret selects header identity instead of bearer tokens.
func NewRouter(h *Handler, secret string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(h.Log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderTenant, HeaderUser, HeaderIdempotencyKey},
		ExposedHeaders:   []string{HeaderReplayed},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Identity(secret))

		// Batch routes
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Post("/", h.CreateBatch)
			r.Post("/plan", h.PlanBatch)
			r.Get("/{id}", h.GetBatch)
			r.Post("/{id}/brew", h.StartBrewing)
			r.Post("/{id}/ferment", h.StartFermentation)
			r.Post("/{id}/condition", h.TransferToConditioning)
			r.Post("/{id}/ready", h.MarkReady)
			r.Post("/{id}/cancel", h.CancelBatch)
			r.Post("/{id}/readings", h.AddGravityReading)
			r.Post("/{id}/packaging", h.PackageBatch)
		})

		// Inventory routes
		r.Route("/inventory", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
			r.Get("/{id}", h.GetItem)
			r.Get("/{id}/position", h.GetPosition)
			r.Get("/{id}/verify", h.VerifyBalance)
			r.Get("/{id}/entries", h.ListEntries)
			r.Post("/{id}/purchases", h.RecordPurchase)
			r.Post("/{id}/adjustments", h.Adjust)
		})

		// Vessel routes
		r.Route("/vessels", func(r chi.Router) {
			r.Get("/", h.ListVessels)
			r.Post("/", h.CreateVessel)
			r.Get("/{id}", h.GetVessel)
			r.Get("/{id}/occupations", h.ListOccupations)
			r.Post("/{id}/clean", h.MarkVesselClean)
			r.Post("/{id}/status", h.SetVesselStatus)
		})

		// Recipe routes
		r.Route("/recipes", func(r chi.Router) {
			r.Post("/", h.SaveRecipe)
			r.Get("/{id}", h.GetRecipe)
		})

		r.Get("/packaging-types", h.ListPackageTypes)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
