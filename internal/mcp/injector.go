package mcp

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// Override is the decoded request-tier mcp_servers field. The wire
// distinguishes three states: absent, an explicit empty map (disable all
// servers), and an explicit map (replace all server-side tiers).
type Override struct {
	Set     bool
	Servers models.ServerMap
}

// ParseOverride decodes the raw mcp_servers request field once at ingress.
// A JSON null is treated the same as an absent field.
func ParseOverride(raw json.RawMessage) (Override, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Override{}, nil
	}
	var entries map[string]models.MCPServerConfig
	if err := json.Unmarshal(raw, &entries); err != nil {
		return Override{}, apierr.ValidationField("mcp_invalid",
			"mcp_servers must be an object", "mcp_servers")
	}
	servers := make(models.ServerMap, len(entries))
	for name, cfg := range entries {
		cfg.Name = name
		servers[name] = cfg
	}
	return Override{Set: true, Servers: servers}, nil
}

// Injector merges the three MCP config tiers into the server map handed to
// the SDK. Precedence lowest to highest: file ← tenant ← request. Merging is
// key-level replace: a higher-tier entry with the same name wholly replaces
// the lower one.
type Injector struct {
	loader    *Loader
	tenants   *Service
	validator *Validator
}

// NewInjector wires the injector.
func NewInjector(loader *Loader, tenants *Service, validator *Validator) *Injector {
	return &Injector{loader: loader, tenants: tenants, validator: validator}
}

// BuildServerMap resolves the effective server map for one request.
//
// An explicit request override short-circuits the server-side tiers
// entirely: an empty map disables all servers, a non-empty map replaces
// them. Entries failing validation are dropped (and logged sanitized), never
// partially included; a name that loses all its candidates is simply absent,
// which surfaces later as a tool_unavailable runtime error, not an injector
// error.
func (in *Injector) BuildServerMap(ctx context.Context, owner string, override Override) (models.ServerMap, error) {
	if override.Set {
		return in.validated(override.Servers, TierRequest), nil
	}

	out := models.ServerMap{}

	fileMap, err := in.loader.Load()
	if err != nil {
		return nil, err
	}
	for name, cfg := range in.validated(fileMap, TierFile) {
		out[name] = cfg
	}

	tenantConfigs, err := in.tenants.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	tenantMap := make(models.ServerMap, len(tenantConfigs))
	for _, cfg := range tenantConfigs {
		if !cfg.Enabled {
			continue
		}
		tenantMap[cfg.Name] = cfg
	}
	for name, cfg := range in.validated(tenantMap, TierTenant) {
		out[name] = cfg
	}

	return out, nil
}

func (in *Injector) validated(m models.ServerMap, tier Tier) models.ServerMap {
	out := make(models.ServerMap, len(m))
	for name, cfg := range m {
		if err := in.validator.Validate(cfg, tier); err != nil {
			log.Warn().Err(err).Str("tier", string(tier)).Str("name", name).
				Interface("config", SanitizeConfig(cfg)).
				Msg("Dropping invalid MCP server config")
			continue
		}
		out[name] = cfg
	}
	return out
}
