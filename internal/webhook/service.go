package webhook

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/store"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// Service is the hook registry CRUD surface.
type Service struct {
	hooks store.WebhookStore
}

// NewService wires the hook registry.
func NewService(hooks store.WebhookStore) *Service {
	return &Service{hooks: hooks}
}

// CreateParams are the caller-supplied fields of a new hook.
type CreateParams struct {
	URL     string `json:"url"`
	Matcher string `json:"matcher"`
	Secret  string `json:"secret,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// Create vets the matcher and URL and registers the hook. Matcher vetting
// at registration is the primary ReDoS gate; dispatch re-checks as a
// backstop.
func (s *Service) Create(ctx context.Context, owner string, p CreateParams) (*models.WebhookHook, error) {
	if _, err := CompileMatcher(p.Matcher); err != nil {
		return nil, err
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apierr.ValidationField("invalid_url",
			"url must be an absolute http or https URL", "url")
	}

	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	hook := &models.WebhookHook{
		ID:        uuid.New().String(),
		Owner:     owner,
		URL:       p.URL,
		Matcher:   p.Matcher,
		Secret:    p.Secret,
		Enabled:   enabled,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.hooks.CreateWebhook(ctx, hook); err != nil {
		return nil, apierr.Internal(err)
	}
	log.Info().Str("hook_id", hook.ID).Str("matcher", hook.Matcher).Msg("Webhook registered")
	return hook, nil
}

// List returns the owner's hooks.
func (s *Service) List(ctx context.Context, owner string) ([]models.WebhookHook, error) {
	hooks, err := s.hooks.ListWebhooks(ctx, owner)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return hooks, nil
}

// Delete removes a hook. Cross-owner ids resolve as not_found.
func (s *Service) Delete(ctx context.Context, owner, id string) error {
	if err := s.hooks.DeleteWebhook(ctx, owner, id); err != nil {
		if store.IsNotFound(err) {
			return apierr.NotFound("webhook", id)
		}
		return apierr.Internal(err)
	}
	log.Info().Str("hook_id", id).Msg("Webhook deleted")
	return nil
}
