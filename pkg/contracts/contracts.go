// Package contracts defines the pluggable service boundaries of the
// AgentGate gateway.
//
// The gateway treats the agent SDK as an opaque event-producing client; the
// AgentClient interface here is the only thing the runner knows about it.
// Concrete implementations (the production SDK binding, the fake used in
// tests) are wired in pkg/server, so swapping one for the other is a single
// line in the wiring code.
package contracts

import (
	"context"
	"time"

	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// ── Agent SDK boundary ──────────────────────────────────────

// QueryOptions carries everything one agent invocation needs from the
// gateway: the resolved MCP server map, tool policy, and turn limits.
type QueryOptions struct {
	Model           string                `json:"model,omitempty"`
	SystemPrompt    string                `json:"system_prompt,omitempty"`
	MaxTurns        int                   `json:"max_turns,omitempty"`
	AllowedTools    []string              `json:"allowed_tools,omitempty"`
	DisallowedTools []string              `json:"disallowed_tools,omitempty"`
	PermissionMode  models.PermissionMode `json:"permission_mode,omitempty"`
	MCPServers      models.ServerMap      `json:"mcp_servers,omitempty"`
	Cwd             string                `json:"cwd,omitempty"`
	// ResumeToken resumes from a checkpoint; empty starts fresh.
	ResumeToken string         `json:"resume_token,omitempty"`
	Agents      map[string]any `json:"agents,omitempty"`
	Images      []string       `json:"images,omitempty"`
}

// AgentClient is one live connection to the agent runtime. A client belongs
// to exactly one AgentRunner for its whole lifetime; Close must be safe to
// call on every exit path, including cancellation.
type AgentClient interface {
	// Query submits a prompt and returns the event stream for the run. The
	// channel is closed after a terminal event (result or error) or when ctx
	// is cancelled.
	Query(ctx context.Context, prompt string, opts QueryOptions) (<-chan models.AgentEvent, error)

	// Interrupt asks the runtime to stop the current turn. The stream still
	// delivers a terminal result with stop_reason=interrupted.
	Interrupt(ctx context.Context) error

	// AnswerPermission forwards a human decision for a pending
	// permission_request event.
	AnswerPermission(ctx context.Context, toolUseID string, decision models.PermissionDecision) error

	// ResumeToken returns the opaque checkpoint token for the last completed
	// turn, or "" if the runtime did not provide one.
	ResumeToken() string

	// Close releases the underlying connection.
	Close() error
}

// AgentClientFactory opens a new SDK client for one run.
type AgentClientFactory interface {
	NewClient(ctx context.Context) (AgentClient, error)
}

// AgentClientFactoryFunc adapts a function to AgentClientFactory.
type AgentClientFactoryFunc func(ctx context.Context) (AgentClient, error)

// NewClient implements AgentClientFactory.
func (f AgentClientFactoryFunc) NewClient(ctx context.Context) (AgentClient, error) {
	return f(ctx)
}

// ── Distributed locking ─────────────────────────────────────

// Lease is a held per-key exclusive lease.
type Lease interface {
	// Renew extends the lease TTL. Fails if the lease was lost.
	Renew(ctx context.Context, ttl time.Duration) error

	// Release frees the lease. Releasing a lost lease is not an error.
	Release(ctx context.Context) error
}

// Locker hands out best-effort exclusive leases, used to serialize writes to
// a single session across gateway replicas.
type Locker interface {
	// Acquire blocks (with backoff) until the lease is held, ctx is
	// cancelled, or the configured retry budget is exhausted.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
