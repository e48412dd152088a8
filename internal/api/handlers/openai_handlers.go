package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/api/middleware"
	"github.com/agentgate/agentgate/gateway/internal/openai"
	"github.com/agentgate/agentgate/gateway/internal/runner"
	"github.com/agentgate/agentgate/gateway/internal/session"
	"github.com/agentgate/agentgate/gateway/pkg/contracts"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// ChatCompletions handles POST /v1/chat/completions. Each call is a fresh
// stateless run: the compat surface has no session concept, so the replayed
// transcript in the request is the only history.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())

	var req openai.ChatRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		openai.WriteError(w, err)
		return
	}
	tr, err := openai.Translate(req)
	if err != nil {
		openai.WriteError(w, err)
		return
	}
	if len(tr.Prompt) > h.Limits.MaxPromptLen {
		openai.WriteError(w, apierr.ValidationField("prompt_too_long",
			"messages exceed the prompt length limit", "messages"))
		return
	}

	sess, err := h.Sessions.Create(r.Context(), owner, session.CreateParams{Model: tr.Model})
	if err != nil {
		openai.WriteError(w, err)
		return
	}

	run, err := h.Runner.Start(r.Context(), runner.StartParams{
		Session: sess,
		Owner:   owner,
		Prompt:  tr.Prompt,
		Options: contracts.QueryOptions{
			Model:        tr.Model,
			SystemPrompt: tr.SystemPrompt,
			// Compat runs are headless: no human to answer prompts.
			PermissionMode: models.PermissionBypass,
			MCPServers:     models.ServerMap{},
		},
	})
	if err != nil {
		openai.WriteError(w, err)
		return
	}

	if tr.Stream {
		if err := openai.StreamCompletion(r.Context(), w, run.Events(), tr.Model, h.Wire); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("Completion stream ended early")
		}
		<-run.Done()
		return
	}

	resp, err := run.Collect(r.Context(), tr.Model)
	if err != nil {
		openai.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, openai.FromQueryResponse(openai.NewCompletionID(), resp))
}

// ListModels handles GET /v1/models.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, openai.ListModels())
}

// GetModel handles GET /v1/models/{id}.
func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	model, err := openai.GetModel(chi.URLParam(r, "modelID"))
	if err != nil {
		openai.WriteError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}
