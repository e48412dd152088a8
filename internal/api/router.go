// Package api assembles the HTTP surface: middleware stack, the native
// /api/v1 namespace, and the OpenAI-compatible /v1 namespace.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/agentgate/agentgate/gateway/internal/api/handlers"
	"github.com/agentgate/agentgate/gateway/internal/api/middleware"
	"github.com/agentgate/agentgate/gateway/internal/config"
)

// NewRouter creates the HTTP router with all routes wired.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	auth := middleware.NewAPIKeyAuth(cfg.APIKey)

	// Global middleware
	r.Use(chimw.RequestID)
	if cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.BearerShim)
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", healthHandler(h))
	r.Get("/version", versionHandler(cfg))

	// Native API
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/query", h.Query)
		r.Post("/query/stream", h.QueryStream)
		r.Get("/query/ws", h.QueryWS)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Patch("/", h.PatchSession)
				r.Delete("/", h.DeleteSession)
				r.Post("/fork", h.ForkSession)
				r.Post("/resume", h.ResumeSession)
				r.Get("/checkpoints", h.ListCheckpoints)
				r.Get("/interactions", h.ListInteractions)
			})
		})

		r.Route("/mcp-servers", func(r chi.Router) {
			r.Get("/", h.ListMCPServers)
			r.Post("/", h.CreateMCPServer)
			r.Post("/share", h.CreateShare)
			r.Get("/share/{token}", h.ResolveShare)
			r.Route("/{serverName}", func(r chi.Router) {
				r.Get("/", h.GetMCPServer)
				r.Put("/", h.PutMCPServer)
				r.Delete("/", h.DeleteMCPServer)
			})
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", h.ListWebhooks)
			r.Post("/", h.CreateWebhook)
			r.Delete("/{hookID}", h.DeleteWebhook)
		})
	})

	// OpenAI-compatible API
	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.ChatCompletions)
		r.Get("/models", h.ListModels)
		r.Get("/models/{modelID}", h.GetModel)
	})

	return r
}

func healthHandler(h *handlers.Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "agentgate-gateway",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "agentgate-gateway",
		})
	}
}
