package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/api/middleware"
	"github.com/agentgate/agentgate/gateway/internal/webhook"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── MCP Server Config Handlers ───────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListMCPServers(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	configs, err := h.MCP.List(r.Context(), owner)
	if err != nil {
		respondErr(w, err)
		return
	}
	if configs == nil {
		configs = []models.MCPServerConfig{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"mcp_servers": configs})
}

// CreateMCPServer handles POST /api/v1/mcp-servers; the name comes from the
// body.
func (h *Handlers) CreateMCPServer(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	var cfg models.MCPServerConfig
	if err := h.decodeBody(w, r, &cfg); err != nil {
		respondErr(w, err)
		return
	}
	if cfg.Name == "" {
		respondErr(w, apierr.ValidationField("name_required", "name must not be empty", "name"))
		return
	}

	saved, err := h.MCP.Put(r.Context(), owner, cfg.Name, cfg)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

func (h *Handlers) GetMCPServer(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	cfg, err := h.MCP.Get(r.Context(), owner, chi.URLParam(r, "serverName"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// PutMCPServer handles PUT /api/v1/mcp-servers/{name}; the path wins over
// any name in the body.
func (h *Handlers) PutMCPServer(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	var cfg models.MCPServerConfig
	if err := h.decodeBody(w, r, &cfg); err != nil {
		respondErr(w, err)
		return
	}

	saved, err := h.MCP.Put(r.Context(), owner, chi.URLParam(r, "serverName"), cfg)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (h *Handlers) DeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	if err := h.MCP.Delete(r.Context(), owner, chi.URLParam(r, "serverName")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// ── Share tokens ────────────────────────────────────────────

// CreateShare handles POST /api/v1/mcp-servers/share. The body names a
// stored config or carries one inline; inline wins.
func (h *Handlers) CreateShare(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	var req struct {
		Name       string                  `json:"name,omitempty"`
		Config     *models.MCPServerConfig `json:"config,omitempty"`
		TTLSeconds int                     `json:"ttl_seconds,omitempty"`
	}
	if err := h.decodeBody(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}

	var cfg models.MCPServerConfig
	switch {
	case req.Config != nil:
		cfg = *req.Config
		if cfg.Name == "" {
			cfg.Name = req.Name
		}
	case req.Name != "":
		stored, err := h.MCP.Get(r.Context(), owner, req.Name)
		if err != nil {
			respondErr(w, err)
			return
		}
		cfg = *stored
	default:
		respondErr(w, apierr.Validation("share_target_required",
			"request must carry a config or name a stored one"))
		return
	}

	share, err := h.MCP.ShareCreate(r.Context(), owner, cfg, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, share)
}

func (h *Handlers) ResolveShare(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	cfg, err := h.MCP.ShareResolve(r.Context(), owner, chi.URLParam(r, "token"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// ══════════════════════════════════════════════════════════════
// ── Webhook Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	hooks, err := h.Webhooks.List(r.Context(), owner)
	if err != nil {
		respondErr(w, err)
		return
	}
	if hooks == nil {
		hooks = []models.WebhookHook{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func (h *Handlers) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	var req webhook.CreateParams
	if err := h.decodeBody(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}

	hook, err := h.Webhooks.Create(r.Context(), owner, req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, hook)
}

func (h *Handlers) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	if err := h.Webhooks.Delete(r.Context(), owner, chi.URLParam(r, "hookID")); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}
