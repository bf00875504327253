package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// BackendAPIKey is the key that must be provided in X-API-Key or Authorization: Bearer <key>.
	// If empty, auth middleware is skipped (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (applied to all routes including /health)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// CORS: restrict origins when configured, otherwise allow all (dev mode)
	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check, public
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		// Local asset URLs are handed to clients and external services, so
		// they stay outside auth like presigned URLs do.
		if h.ServesAssets() {
			r.Get("/assets/*", h.GetAsset)
		}

		r.Group(func(r chi.Router) {
			if cfg.BackendAPIKey != "" {
				r.Use(APIKeyAuth(cfg.BackendAPIKey))
			}

			// Projects
			r.Get("/projects", h.ListProjects)
			r.Post("/projects", h.CreateProject)
			r.Get("/projects/{id}", h.GetProject)
			r.Post("/projects/{id}/generate", h.GenerateProject)
			r.Post("/projects/{id}/compose", h.ComposeProject)
			r.Post("/projects/{id}/repair", h.RepairCounters)
			r.Get("/projects/{id}/download", h.GetProjectDownload)

			// Scenes
			r.Post("/projects/{id}/scenes", h.AddScene)
			r.Patch("/projects/{id}/scenes/{seq}", h.EditScene)
			r.Post("/projects/{id}/scenes/{seq}/regenerate", h.RegenerateScene)
			r.Post("/projects/{id}/scenes/{seq}/lipsync", h.LipSyncScene)
			r.Post("/projects/{id}/scenes/{seq}/trim", h.TrimScene)
			r.Post("/projects/{id}/scenes/{seq}/revert", h.RevertScene)
		})
	})

	return r
}
