package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/api/middleware"
	"github.com/agentgate/agentgate/gateway/internal/mcp"
	"github.com/agentgate/agentgate/gateway/internal/runner"
	"github.com/agentgate/agentgate/gateway/internal/session"
	"github.com/agentgate/agentgate/gateway/internal/stream"
	"github.com/agentgate/agentgate/gateway/pkg/contracts"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// Query handles POST /api/v1/query: a single prompt against a new or
// existing session, answered as aggregated JSON or as an SSE stream when
// stream is set.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	h.serveQuery(w, r, req, req.Stream)
}

// QueryStream handles POST /api/v1/query/stream: identical to Query with
// streaming forced on.
func (h *Handlers) QueryStream(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		respondErr(w, err)
		return
	}
	h.serveQuery(w, r, req, true)
}

func (h *Handlers) serveQuery(w http.ResponseWriter, r *http.Request, req models.QueryRequest, streaming bool) {
	owner := middleware.GetOwner(r.Context())

	run, sess, err := h.startRun(r.Context(), owner, req)
	if err != nil {
		respondErr(w, err)
		return
	}

	if !streaming {
		resp, err := run.Collect(r.Context(), sess.Model)
		if err != nil {
			respondErr(w, err)
			return
		}
		respondJSON(w, http.StatusOK, resp)
		return
	}

	if err := stream.ServeSSE(r.Context(), w, run.Events(), h.Wire); err != nil {
		// Headers are already on the wire; all we can do is tear down.
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("SSE stream ended early")
	}
	<-run.Done()
}

// startRun validates the request, resolves the session and the MCP server
// map, and launches the run.
func (h *Handlers) startRun(ctx context.Context, owner string, req models.QueryRequest) (*runner.Run, *models.Session, error) {
	if req.Prompt == "" {
		return nil, nil, apierr.ValidationField("prompt_required", "prompt must not be empty", "prompt")
	}
	if len(req.Prompt) > h.Limits.MaxPromptLen {
		return nil, nil, apierr.ValidationField("prompt_too_long", "prompt exceeds the length limit", "prompt")
	}
	if !req.PermissionMode.Valid() {
		return nil, nil, apierr.ValidationField("invalid_permission_mode",
			"unknown permission mode", "permission_mode")
	}

	var sess *models.Session
	var err error
	if req.SessionID != "" {
		sess, err = h.Sessions.Get(ctx, req.SessionID, owner)
		if err != nil {
			return nil, nil, err
		}
		if sess.Status != models.SessionActive {
			return nil, nil, apierr.InvalidState("session_not_active",
				"session must be resumed before new queries")
		}
	} else {
		model := req.Model
		if model == "" {
			model = DefaultModel
		}
		sess, err = h.Sessions.Create(ctx, owner, session.CreateParams{
			Model:            model,
			Mode:             req.Mode,
			WorkingDirectory: req.Cwd,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	override, err := mcp.ParseOverride(req.MCPServers)
	if err != nil {
		return nil, nil, err
	}
	servers, err := h.Injector.BuildServerMap(ctx, owner, override)
	if err != nil {
		return nil, nil, err
	}

	run, err := h.Runner.Start(ctx, runner.StartParams{
		Session: sess,
		Owner:   owner,
		Prompt:  req.Prompt,
		Options: contracts.QueryOptions{
			Model:           req.Model,
			MaxTurns:        req.MaxTurns,
			AllowedTools:    req.AllowedTools,
			DisallowedTools: req.DisallowedTools,
			PermissionMode:  req.PermissionMode,
			MCPServers:      servers,
			Cwd:             req.Cwd,
			Agents:          req.Agents,
			Images:          req.Images,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	return run, sess, nil
}

// ── WebSocket ───────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth is the API key, not the Origin header; browser clients hold the
	// key anyway.
	CheckOrigin: func(*http.Request) bool { return true },
}

// QueryWS handles GET /api/v1/query/ws: a bidirectional WebSocket carrying
// prompts, interrupts, and permission answers inbound and agent events
// outbound. Prompts select or create sessions the same way POST /query
// does.
func (h *Handlers) QueryWS(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	starter := func(ctx context.Context, req models.QueryRequest) (stream.AgentRun, error) {
		run, _, err := h.startRun(ctx, owner, req)
		if err != nil {
			return nil, err
		}
		return run, nil
	}

	ws := stream.NewWSSession(conn, starter, h.Wire)
	started := time.Now()
	if err := ws.Serve(r.Context()); err != nil && err != context.Canceled {
		log.Debug().Err(err).Dur("connected", time.Since(started)).Msg("WebSocket session ended")
	}
}
