package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the operator API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// The API is operated from internal tooling; no cookies involved, so
	// origins stay open and credentials stay off.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Post("/start", h.StartSync)
			r.Post("/stop", h.StopSync)
			r.Get("/status", h.SyncStatus)
			r.Get("/history", h.SyncHistory)
			r.Get("/errors", h.ListSyncErrors)
			r.Delete("/errors", h.ClearSyncErrors)
		})

		r.Route("/validate", func(r chi.Router) {
			r.Post("/connections", h.ValidateConnections)
			r.Post("/groups", h.ValidateGroups)
		})

		r.Route("/transitions", func(r chi.Router) {
			r.Post("/", h.StartTransition)
			r.Get("/", h.ListTransitions)
			r.Get("/{id}", h.GetTransition)
		})

		r.Get("/campaigns", h.ListCampaigns)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/", h.ListReports)
			r.Get("/*", h.GetReport)
		})
	})

	return r
}
