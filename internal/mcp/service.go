package mcp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/cache"
	"github.com/agentgate/agentgate/gateway/internal/store"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// KV is the slice of the cache tier the MCP service needs. *cache.Cache
// satisfies it.
type KV interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// ServiceConfig tunes the tenant store service.
type ServiceConfig struct {
	CacheTTL       time.Duration
	ShareTTL       time.Duration
	ShareSingleUse bool
}

// Service is the tenant-scoped MCP server config store: durable rows with a
// cache-tier write-through, plus share-token issue/resolve.
type Service struct {
	durable   store.MCPServerStore
	kv        KV
	validator *Validator
	cfg       ServiceConfig
}

// NewService wires the tenant MCP store.
func NewService(durable store.MCPServerStore, kv KV, validator *Validator, cfg ServiceConfig) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.ShareTTL <= 0 {
		cfg.ShareTTL = 24 * time.Hour
	}
	return &Service{durable: durable, kv: kv, validator: validator, cfg: cfg}
}

// Put validates and upserts a config. The durable write is authoritative;
// a cache write failure only degrades later reads.
func (s *Service) Put(ctx context.Context, owner, name string, cfg models.MCPServerConfig) (*models.MCPServerConfig, error) {
	cfg.Name = name
	cfg.Owner = owner
	if err := s.validator.Validate(cfg, TierTenant); err != nil {
		return nil, err
	}

	if err := s.durable.UpsertMCPServer(ctx, &cfg); err != nil {
		return nil, apierr.Internal(err)
	}
	if err := s.kv.SetJSON(ctx, cache.MCPServerKey(owner, name), cfg, s.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Str("name", name).Msg("MCP config cache write failed")
	}
	return &cfg, nil
}

// Get reads cache-first, warming the cache on a durable hit.
func (s *Service) Get(ctx context.Context, owner, name string) (*models.MCPServerConfig, error) {
	var cached models.MCPServerConfig
	err := s.kv.GetJSON(ctx, cache.MCPServerKey(owner, name), &cached)
	if err == nil {
		cached.Owner = owner // json-hidden on the model, restore from the key scope
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Msg("MCP config cache read failed; falling back to durable store")
	}

	cfg, err := s.durable.GetMCPServer(ctx, owner, name)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apierr.NotFound("mcp_server", name)
		}
		return nil, apierr.Internal(err)
	}
	if err := s.kv.SetJSON(ctx, cache.MCPServerKey(owner, name), cfg, s.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Msg("MCP config cache warm failed")
	}
	return cfg, nil
}

// List returns every config the owner has stored. Listing always goes to the
// durable store so a cold cache cannot hide entries.
func (s *Service) List(ctx context.Context, owner string) ([]models.MCPServerConfig, error) {
	configs, err := s.durable.ListMCPServers(ctx, owner)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return configs, nil
}

// Delete removes the config from both tiers.
func (s *Service) Delete(ctx context.Context, owner, name string) error {
	if err := s.durable.DeleteMCPServer(ctx, owner, name); err != nil {
		if store.IsNotFound(err) {
			return apierr.NotFound("mcp_server", name)
		}
		return apierr.Internal(err)
	}
	if err := s.kv.Delete(ctx, cache.MCPServerKey(owner, name)); err != nil {
		log.Warn().Err(err).Str("name", name).Msg("MCP config cache delete failed")
	}
	return nil
}

// ── Share tokens ────────────────────────────────────────────

// ShareCreate issues an opaque token granting time-bounded access to one
// config. Tokens carry 256 bits of entropy; the default policy is
// reusable-within-TTL (single-use behind config).
func (s *Service) ShareCreate(ctx context.Context, owner string, cfg models.MCPServerConfig, ttl time.Duration) (*models.ShareToken, error) {
	if err := s.validator.Validate(cfg, TierTenant); err != nil {
		return nil, err
	}
	if ttl <= 0 || ttl > s.cfg.ShareTTL {
		ttl = s.cfg.ShareTTL
	}

	token, err := newShareTokenValue()
	if err != nil {
		return nil, apierr.Internal(err)
	}
	share := &models.ShareToken{
		Token:     token,
		Owner:     owner,
		Config:    cfg,
		ExpiresAt: time.Now().UTC().Add(ttl),
		CreatedAt: time.Now().UTC(),
	}
	entry := cachedShare{Owner: owner, Share: *share}
	if err := s.kv.SetJSON(ctx, cache.ShareKey(token), entry, ttl); err != nil {
		return nil, apierr.Internal(err)
	}
	log.Info().Str("name", cfg.Name).Time("expires_at", share.ExpiresAt).
		Msg("MCP share token issued")
	return share, nil
}

// cachedShare wraps the token record for the cache tier; the owner key is
// json-hidden on the model so the wrapper carries it.
type cachedShare struct {
	Owner string            `json:"owner"`
	Share models.ShareToken `json:"share"`
}

// ShareResolve returns the shared config for a token. A token belonging to a
// different owner resolves as not_found, never as forbidden, so callers
// cannot probe for token existence.
func (s *Service) ShareResolve(ctx context.Context, owner, token string) (*models.MCPServerConfig, error) {
	var entry cachedShare
	err := s.kv.GetJSON(ctx, cache.ShareKey(token), &entry)
	if errors.Is(err, cache.ErrMiss) {
		return nil, apierr.NotFound("share", "token")
	}
	if err != nil {
		return nil, apierr.Internal(err)
	}
	share := entry.Share
	share.Owner = entry.Owner
	if share.Owner != owner || time.Now().UTC().After(share.ExpiresAt) {
		return nil, apierr.NotFound("share", "token")
	}
	if s.cfg.ShareSingleUse {
		if err := s.kv.Delete(ctx, cache.ShareKey(token)); err != nil {
			log.Warn().Err(err).Msg("Single-use share token delete failed")
		}
	}
	cfg := share.Config
	return &cfg, nil
}

func newShareTokenValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate share token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
