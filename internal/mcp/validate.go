// Package mcp owns MCP server configuration for the gateway: security
// validation, the process-wide config file, the tenant-scoped store, and the
// three-tier injector that assembles the server map handed to the agent SDK.
package mcp

import (
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// Tier identifies where a config entry came from. Precedence and credential
// rules differ per tier.
type Tier string

const (
	TierFile    Tier = "file"
	TierTenant  Tier = "tenant"
	TierRequest Tier = "request"
)

// Redacted replaces sensitive values in log output.
const Redacted = "[REDACTED]"

// shellMeta are the command characters that allow injection through a stdio
// transport. Presence of any of them rejects the entry outright.
var shellMeta = []string{";", "|", "&", "`", "$(", "&&", "||", "\n", "\r", ">", "<"}

// sensitiveField matches key names that are presumed to carry credentials.
var sensitiveField = regexp.MustCompile(`(?i)(api[-_]?key|secret|password|token|credential|bearer|private[-_]?key|dsn|connection[-_]?string)`)

// privateRanges are the network ranges an MCP URL may not point at unless
// private URLs are explicitly allowed.
var privateRanges = func() []netip.Prefix {
	cidrs := []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"::1/128",
		"fe80::/10",
	}
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(c))
	}
	return prefixes
}()

// Validator checks MCP server configs before they reach the SDK.
type Validator struct {
	// AllowPrivateURLs disables the SSRF range check for air-gapped
	// deployments that legitimately run tool servers on private networks.
	AllowPrivateURLs bool
}

// Validate rejects command injection, SSRF targets, transport field
// mismatches, and (for the request tier) credential-bearing values.
// The returned error is always an apierr validation error carrying the
// offending field path.
func (v *Validator) Validate(cfg models.MCPServerConfig, tier Tier) error {
	if cfg.Name == "" {
		return apierr.ValidationField("mcp_invalid", "server name is required", "name")
	}

	switch cfg.Transport {
	case models.TransportStdio:
		if cfg.Command == "" {
			return apierr.ValidationField("mcp_invalid", "stdio transport requires a command", "command")
		}
		if cfg.URL != "" || len(cfg.Headers) > 0 {
			return apierr.ValidationField("mcp_invalid", "stdio transport must not set url or headers", "url")
		}
		for _, meta := range shellMeta {
			if strings.Contains(cfg.Command, meta) {
				return apierr.ValidationField("mcp_command_injection",
					"command contains shell metacharacters", "command")
			}
		}
	case models.TransportSSE, models.TransportHTTP:
		if cfg.URL == "" {
			return apierr.ValidationField("mcp_invalid",
				string(cfg.Transport)+" transport requires a url", "url")
		}
		if cfg.Command != "" || len(cfg.Args) > 0 || len(cfg.Env) > 0 {
			return apierr.ValidationField("mcp_invalid",
				string(cfg.Transport)+" transport must not set command, args or env", "command")
		}
		if err := v.validateURL(cfg.URL); err != nil {
			return err
		}
	default:
		return apierr.ValidationField("mcp_invalid",
			"transport must be one of stdio, sse, http", "transport")
	}

	if tier == TierRequest {
		if field := firstSensitiveValue(cfg.Env); field != "" {
			return apierr.ValidationField("mcp_credential_in_request",
				"request-tier configs may not carry credential values", "env."+field)
		}
		if field := firstSensitiveValue(cfg.Headers); field != "" {
			return apierr.ValidationField("mcp_credential_in_request",
				"request-tier configs may not carry credential values", "headers."+field)
		}
	}

	return nil
}

func (v *Validator) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return apierr.ValidationField("mcp_invalid", "url must be http(s)", "url")
	}
	if v.AllowPrivateURLs {
		return nil
	}

	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return apierr.ValidationField("mcp_private_url", "url points at a private address", "url")
	}
	// Only literal addresses are range-checked; resolving hostnames here
	// would make validation results depend on DNS timing.
	if addr, err := netip.ParseAddr(host); err == nil {
		for _, p := range privateRanges {
			if p.Contains(addr.Unmap()) {
				return apierr.ValidationField("mcp_private_url", "url points at a private address", "url")
			}
		}
	}
	return nil
}

func firstSensitiveValue(m map[string]string) string {
	for k, val := range m {
		if sensitiveField.MatchString(k) && len(val) > 0 {
			return k
		}
	}
	return ""
}

// ── Log sanitization ────────────────────────────────────────

// SanitizeConfig returns a copy with sensitive env and header values
// replaced by the redaction sentinel, safe for logs and error details.
func SanitizeConfig(cfg models.MCPServerConfig) models.MCPServerConfig {
	out := cfg.Clone()
	for k := range out.Env {
		if sensitiveField.MatchString(k) {
			out.Env[k] = Redacted
		}
	}
	for k := range out.Headers {
		if sensitiveField.MatchString(k) {
			out.Headers[k] = Redacted
		}
	}
	return out
}

// SanitizeMap redacts sensitive-named fields in an arbitrary decoded JSON
// map, recursing into nested maps and arrays.
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveField.MatchString(k) {
			if s, ok := v.(string); ok && len(s) > 0 {
				out[k] = Redacted
				continue
			}
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return SanitizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e)
		}
		return out
	default:
		return v
	}
}
