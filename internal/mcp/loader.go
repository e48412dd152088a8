package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// envPlaceholder matches ${NAME} where NAME is a conventional environment
// variable name. Anything else is left untouched.
var envPlaceholder = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)

// fileFormat is the on-disk shape: {"mcpServers": {name: entry}}. A bare
// {name: entry} map is also accepted.
type fileFormat struct {
	MCPServers map[string]models.MCPServerConfig `json:"mcpServers"`
}

// Loader reads the process-wide MCP config file once and caches the result.
type Loader struct {
	path   string
	strict bool

	once    sync.Once
	servers models.ServerMap
	loadErr error
}

// NewLoader creates a loader for the given file path. An empty path means no
// file tier. When strict is true a malformed file fails startup instead of
// degrading to an empty map.
func NewLoader(path string, strict bool) *Loader {
	return &Loader{path: path, strict: strict}
}

// Load parses the file on first call and returns the cached map afterwards.
// Environment placeholders are resolved against the host process
// environment only, never against request input.
func (l *Loader) Load() (models.ServerMap, error) {
	l.once.Do(func() {
		l.servers, l.loadErr = l.load()
		if l.loadErr != nil && !l.strict {
			log.Warn().Err(l.loadErr).Str("path", l.path).
				Msg("MCP config file unusable; continuing with empty file tier")
			l.servers, l.loadErr = models.ServerMap{}, nil
		}
	})
	return l.servers, l.loadErr
}

func (l *Loader) load() (models.ServerMap, error) {
	if l.path == "" {
		return models.ServerMap{}, nil
	}

	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.ServerMap{}, nil
		}
		return nil, fmt.Errorf("read mcp config: %w", err)
	}

	var wrapped fileFormat
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.MCPServers != nil {
		return l.finish(wrapped.MCPServers), nil
	}

	var bare map[string]models.MCPServerConfig
	if err := json.Unmarshal(raw, &bare); err != nil {
		return nil, fmt.Errorf("parse mcp config: %w", err)
	}
	return l.finish(bare), nil
}

func (l *Loader) finish(entries map[string]models.MCPServerConfig) models.ServerMap {
	out := make(models.ServerMap, len(entries))
	unresolved := 0
	for name, cfg := range entries {
		cfg.Name = name
		resolved, missing := ResolveEnv(cfg)
		unresolved += missing
		out[name] = resolved
	}
	if unresolved > 0 {
		log.Warn().Int("placeholders", unresolved).Str("path", l.path).
			Msg("MCP config contains unresolved environment placeholders")
	}
	log.Info().Int("servers", len(out)).Str("path", l.path).Msg("MCP config file loaded")
	return out
}

// ResolveEnv substitutes ${NAME} placeholders in a config entry from the
// process environment. It is a pure function over the entry: the input is
// not mutated. Unmatched placeholders are left as-is; the count of misses is
// returned for diagnostics.
func ResolveEnv(cfg models.MCPServerConfig) (models.MCPServerConfig, int) {
	missing := 0
	expand := func(s string) string {
		return envPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
			name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
			if val, ok := os.LookupEnv(name); ok {
				return val
			}
			missing++
			return match
		})
	}

	out := cfg.Clone()
	out.Command = expand(out.Command)
	out.URL = expand(out.URL)
	for i, a := range out.Args {
		out.Args[i] = expand(a)
	}
	for k, v := range out.Env {
		out.Env[k] = expand(v)
	}
	for k, v := range out.Headers {
		out.Headers[k] = expand(v)
	}
	return out, missing
}
