// Package models defines the shared data types for the AgentGate gateway:
// sessions, interactions, checkpoints, MCP server configurations, share
// tokens, webhook hooks, and the wire-level event union emitted by agent
// runs. These types cross package boundaries; validation happens at the
// HTTP ingress, so inner layers can assume well-formed values.
package models

import (
	"encoding/json"
	"time"
)

// ══════════════════════════════════════════════════════════════
// ── Sessions ─────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Session is the durable record of a multi-turn conversation with the agent
// runtime. A session is exclusively owned by one AgentRunner while a query is
// executing; at all other times it is a shared record read by many.
type Session struct {
	ID               string            `json:"id" db:"id"`
	OwnerAPIKey      string            `json:"-" db:"owner_api_key"`
	Model            string            `json:"model" db:"model"`
	Title            string            `json:"title,omitempty" db:"title"`
	Status           SessionStatus     `json:"status" db:"status"`
	Mode             SessionMode       `json:"mode,omitempty" db:"mode"`
	WorkingDirectory string            `json:"working_directory,omitempty" db:"working_directory"`
	ParentSessionID  string            `json:"parent_session_id,omitempty" db:"parent_session_id"`
	TotalTurns       int               `json:"total_turns" db:"total_turns"`
	TotalCost        float64           `json:"total_cost_usd" db:"total_cost_usd"`
	Metadata         map[string]any    `json:"metadata,omitempty" db:"metadata"`
	Tags             []string          `json:"tags,omitempty" db:"tags"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// SessionStatus tracks the lifecycle of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// SessionMode is a front-end hint stored with the session. The core treats
// it as an opaque, filterable label.
type SessionMode string

const (
	ModeBrainstorm SessionMode = "brainstorm"
	ModeCode       SessionMode = "code"
)

// SessionPatch is the set of mutable session fields accepted by PATCH.
// Nil pointers mean "leave unchanged".
type SessionPatch struct {
	Title    *string        `json:"title,omitempty"`
	Status   *SessionStatus `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
}

// SessionFilter narrows session listings. All fields are optional.
type SessionFilter struct {
	Mode      SessionMode
	ProjectID string
	Tags      []string
	Search    string
}

// SessionPage is one page of an owner-scoped session listing.
type SessionPage struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// ── Interactions ────────────────────────────────────────────

// Interaction records one prompt/response turn within a session.
// Interactions are append-only.
type Interaction struct {
	ID           string    `json:"id" db:"id"`
	SessionID    string    `json:"session_id" db:"session_id"`
	Prompt       string    `json:"prompt" db:"prompt"`
	ResponseText string    `json:"response_text" db:"response_text"`
	StopReason   StopReason `json:"stop_reason" db:"stop_reason"`
	Usage        Usage     `json:"usage" db:"usage"`
	CostUSD      float64   `json:"cost_usd" db:"cost_usd"`
	DurationMs   int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// ── Checkpoints ─────────────────────────────────────────────

// Checkpoint marks a resumable or forkable point within a session. The
// ResumeToken is the SDK's opaque handle; checkpoints are immutable once
// written.
type Checkpoint struct {
	SessionID   string    `json:"session_id" db:"session_id"`
	Index       int       `json:"index" db:"idx"`
	ResumeToken string    `json:"-" db:"resume_token"`
	Summary     string    `json:"summary" db:"summary"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ══════════════════════════════════════════════════════════════
// ── MCP Server Configs ───────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// MCPTransport selects how the agent reaches an MCP tool server.
type MCPTransport string

const (
	TransportStdio MCPTransport = "stdio"
	TransportSSE   MCPTransport = "sse"
	TransportHTTP  MCPTransport = "http"
)

// MCPServerConfig describes one tool server the agent may connect to.
// Identity is (owner, name). Exactly the transport's required fields may be
// present: stdio uses Command/Args/Env, sse and http use URL/Headers.
type MCPServerConfig struct {
	Name      string            `json:"name" db:"name"`
	Owner     string            `json:"-" db:"owner_api_key"`
	Transport MCPTransport      `json:"transport" db:"transport"`
	Command   string            `json:"command,omitempty" db:"command"`
	Args      []string          `json:"args,omitempty" db:"args"`
	Env       map[string]string `json:"env,omitempty" db:"env"`
	URL       string            `json:"url,omitempty" db:"url"`
	Headers   map[string]string `json:"headers,omitempty" db:"headers"`
	Enabled   bool              `json:"enabled" db:"enabled"`
	CreatedAt time.Time         `json:"created_at,omitempty" db:"created_at"`
	UpdatedAt time.Time         `json:"updated_at,omitempty" db:"updated_at"`
}

// Clone returns a deep copy so callers can mutate maps without aliasing the
// stored entry.
func (c MCPServerConfig) Clone() MCPServerConfig {
	out := c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// ServerMap is the merged, SDK-shaped view of MCP server configs keyed by
// server name.
type ServerMap map[string]MCPServerConfig

// ShareToken grants time-bounded access to one MCP server config. The token
// string carries at least 128 bits of entropy and is scoped to its owner.
type ShareToken struct {
	Token     string          `json:"token" db:"token"`
	Owner     string          `json:"-" db:"owner_api_key"`
	Config    MCPServerConfig `json:"config" db:"config"`
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// ══════════════════════════════════════════════════════════════
// ── Webhook Hooks ────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// WebhookHook is a tenant-scoped hook fired on tool lifecycle events whose
// tool name matches the regex Matcher.
type WebhookHook struct {
	ID        string    `json:"id" db:"id"`
	Owner     string    `json:"-" db:"owner_api_key"`
	URL       string    `json:"url" db:"url"`
	Matcher   string    `json:"matcher" db:"matcher"`
	Secret    string    `json:"-" db:"secret"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// WebhookEvent is the payload delivered to a hook URL.
type WebhookEvent struct {
	Kind      string          `json:"kind"` // tool_start | tool_end | tool_result
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ══════════════════════════════════════════════════════════════
// ── Agent Events (wire-level union) ──────────────────────────
// ══════════════════════════════════════════════════════════════

// EventKind tags the AgentEvent union.
type EventKind string

const (
	EventInit              EventKind = "init"
	EventPartial           EventKind = "partial"
	EventMessage           EventKind = "message"
	EventToolStart         EventKind = "tool_start"
	EventToolEnd           EventKind = "tool_end"
	EventToolResult        EventKind = "tool_result"
	EventPermissionRequest EventKind = "permission_request"
	EventResult            EventKind = "result"
	EventError             EventKind = "error"
)

// Terminal reports whether an event of this kind ends the stream.
func (k EventKind) Terminal() bool {
	return k == EventResult || k == EventError
}

// BlockKind identifies the sub-type of a partial content block.
type BlockKind string

const (
	BlockTextDelta      BlockKind = "text_delta"
	BlockThinkingDelta  BlockKind = "thinking_delta"
	BlockInputJSONDelta BlockKind = "input_json_delta"
	BlockStart          BlockKind = "block_start"
	BlockStop           BlockKind = "block_stop"
)

// Delta reports whether the block carries incremental content that the
// stream multiplexer may coalesce under backpressure.
func (b BlockKind) Delta() bool {
	return b == BlockTextDelta || b == BlockThinkingDelta || b == BlockInputJSONDelta
}

// StopReason is the terminal disposition of one agent run.
type StopReason string

const (
	StopCompleted       StopReason = "completed"
	StopMaxTurnsReached StopReason = "max_turns_reached"
	StopInterrupted     StopReason = "interrupted"
	StopError           StopReason = "error"
)

// Usage counts tokens for one run or one turn.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Partial is the body of an EventPartial event: one incremental content
// block update at a given block index.
type Partial struct {
	Index int       `json:"index"`
	Block BlockKind `json:"block"`
	Text  string    `json:"text,omitempty"`
}

// ToolInfo is the body of tool lifecycle events.
type ToolInfo struct {
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Status    string          `json:"status,omitempty"` // tool_result: success | error
	Content   string          `json:"content,omitempty"`
}

// PermissionRequest is emitted when the agent blocks on a human decision.
type PermissionRequest struct {
	ToolUseID string          `json:"tool_use_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// PermissionDecision answers a pending PermissionRequest.
type PermissionDecision string

const (
	DecisionAllow       PermissionDecision = "allow"
	DecisionDeny        PermissionDecision = "deny"
	DecisionAlwaysAllow PermissionDecision = "always_allow"
	DecisionAlwaysDeny  PermissionDecision = "always_deny"
)

// Valid reports whether d is one of the accepted decisions.
func (d PermissionDecision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionAlwaysAllow, DecisionAlwaysDeny:
		return true
	}
	return false
}

// Result is the body of the terminal EventResult event.
type Result struct {
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
	CostUSD    float64    `json:"cost_usd,omitempty"`
	Text       string     `json:"text,omitempty"` // aggregated assistant text
}

// AgentEvent is the tagged union carried from the runner to clients. Exactly
// the field matching Kind is populated.
type AgentEvent struct {
	Kind       EventKind          `json:"kind"`
	SessionID  string             `json:"session_id,omitempty"` // init
	Partial    *Partial           `json:"partial,omitempty"`
	Message    json.RawMessage    `json:"message,omitempty"` // aggregated assistant message
	Tool       *ToolInfo          `json:"tool,omitempty"`
	Permission *PermissionRequest `json:"permission,omitempty"`
	Result     *Result            `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// ══════════════════════════════════════════════════════════════
// ── Query API ────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// PermissionMode controls how the agent handles tool permission prompts.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionPlan        PermissionMode = "plan"
	PermissionBypass      PermissionMode = "bypassPermissions"
)

// Valid reports whether m is a known permission mode. Empty means default.
func (m PermissionMode) Valid() bool {
	switch m {
	case "", PermissionDefault, PermissionAcceptEdits, PermissionPlan, PermissionBypass:
		return true
	}
	return false
}

// QueryRequest is the body of POST /api/v1/query.
//
// MCPServers distinguishes three states on the wire: absent (null), an
// explicit empty map (disable all servers), and an explicit map (replace all
// server-side tiers). The json.RawMessage preserves that distinction; the
// injector decodes it once at ingress.
type QueryRequest struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"session_id,omitempty"`
	Model           string            `json:"model,omitempty"`
	Mode            SessionMode       `json:"mode,omitempty"`
	MaxTurns        int               `json:"max_turns,omitempty"`
	AllowedTools    []string          `json:"allowed_tools,omitempty"`
	DisallowedTools []string          `json:"disallowed_tools,omitempty"`
	PermissionMode  PermissionMode    `json:"permission_mode,omitempty"`
	MCPServers      json.RawMessage   `json:"mcp_servers,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	Images          []string          `json:"images,omitempty"`
	Agents          map[string]any    `json:"agents,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
}

// QueryResponse is the aggregated answer for non-streaming queries.
type QueryResponse struct {
	SessionID  string     `json:"session_id"`
	Model      string     `json:"model"`
	Text       string     `json:"text"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
	CostUSD    float64    `json:"cost_usd,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}
