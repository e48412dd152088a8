// Package handlers implements the HTTP handlers for the AgentGate gateway:
// the native query/session/MCP/webhook surface under /api/v1 and the
// OpenAI-compatible surface under /v1.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/api/middleware"
	"github.com/agentgate/agentgate/gateway/internal/config"
	"github.com/agentgate/agentgate/gateway/internal/mcp"
	"github.com/agentgate/agentgate/gateway/internal/runner"
	"github.com/agentgate/agentgate/gateway/internal/session"
	"github.com/agentgate/agentgate/gateway/internal/store"
	"github.com/agentgate/agentgate/gateway/internal/stream"
	"github.com/agentgate/agentgate/gateway/internal/webhook"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// DefaultModel is used when a new session names no model.
const DefaultModel = "sonnet"

// Handlers holds all handler dependencies.
type Handlers struct {
	Store    store.Store
	Sessions *session.Service
	MCP      *mcp.Service
	Injector *mcp.Injector
	Webhooks *webhook.Service
	Runner   *runner.Runner

	Limits config.LimitsConfig
	Share  config.ShareConfig
	Wire   stream.WireConfig
}

// New creates a Handlers instance.
func New(s store.Store, sessions *session.Service, mcpSvc *mcp.Service, injector *mcp.Injector, hooks *webhook.Service, run *runner.Runner, cfg *config.Config) *Handlers {
	return &Handlers{
		Store:    s,
		Sessions: sessions,
		MCP:      mcpSvc,
		Injector: injector,
		Webhooks: hooks,
		Runner:   run,
		Limits:   cfg.Limits,
		Share:    cfg.Share,
		Wire: stream.WireConfig{
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
			SlowClientCutoff:  cfg.Stream.SlowClientCutoff,
		},
	}
}

// ── Response helpers ────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error().Err(err).Msg("Response encode failed")
		}
	}
}

// respondErr renders err as the flat native error body {code, message,
// details?}; only the compat namespace wraps errors in an envelope.
// Internal causes are logged, never echoed.
func respondErr(w http.ResponseWriter, err error) {
	e := apierr.From(err)
	if e.Kind == apierr.KindInternal {
		log.Error().Err(err).Msg("Internal error")
		e = apierr.New(apierr.KindInternal, "internal_error", "internal error")
	}
	respondJSON(w, e.Status(), e)
}

// decodeBody decodes a JSON request body with the request size cap.
func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.Limits.MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierr.Validation("request_too_large", "request body exceeds the size limit")
		}
		return apierr.Validation("invalid_body", "request body is not valid JSON")
	}
	return nil
}

// ══════════════════════════════════════════════════════════════
// ── Session Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	filter := models.SessionFilter{
		Mode:      models.SessionMode(q.Get("mode")),
		ProjectID: q.Get("project_id"),
		Search:    q.Get("search"),
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	pageOut, err := h.Sessions.List(r.Context(), owner, page, pageSize, filter)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pageOut)
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	sess, err := h.Sessions.Get(r.Context(), chi.URLParam(r, "sessionID"), owner)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) PatchSession(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	var patch models.SessionPatch
	if err := h.decodeBody(w, r, &patch); err != nil {
		respondErr(w, err)
		return
	}
	if patch.Status != nil {
		switch *patch.Status {
		case models.SessionActive, models.SessionCompleted, models.SessionError:
		default:
			respondErr(w, apierr.ValidationField("invalid_status",
				"status must be active, completed, or error", "status"))
			return
		}
	}

	sess, err := h.Sessions.Update(r.Context(), chi.URLParam(r, "sessionID"), owner, patch)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	if err := h.Sessions.Delete(r.Context(), chi.URLParam(r, "sessionID"), owner); err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (h *Handlers) ForkSession(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	var req struct {
		CheckpointIndex *int `json:"checkpoint_index"`
	}
	// An empty body forks from the latest checkpoint.
	if r.ContentLength != 0 {
		if err := h.decodeBody(w, r, &req); err != nil {
			respondErr(w, err)
			return
		}
	}
	index := -1
	if req.CheckpointIndex != nil {
		index = *req.CheckpointIndex
	}

	fork, err := h.Sessions.Fork(r.Context(), chi.URLParam(r, "sessionID"), owner, index)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, fork)
}

func (h *Handlers) ResumeSession(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	sess, err := h.Sessions.Resume(r.Context(), chi.URLParam(r, "sessionID"), owner)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (h *Handlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	cps, err := h.Sessions.Checkpoints(r.Context(), chi.URLParam(r, "sessionID"), owner)
	if err != nil {
		respondErr(w, err)
		return
	}
	if cps == nil {
		cps = []models.Checkpoint{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"checkpoints": cps})
}

func (h *Handlers) ListInteractions(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	its, err := h.Sessions.Interactions(r.Context(), chi.URLParam(r, "sessionID"), owner, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if its == nil {
		its = []models.Interaction{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"interactions": its})
}
