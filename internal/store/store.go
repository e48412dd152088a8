// Package store provides the durable storage interface and implementations
// for the AgentGate gateway. Production uses PostgreSQL; tests use the
// in-memory implementation.
package store

import (
	"context"
	"errors"

	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// Store is the durable storage interface. All service code depends on this
// interface, making it easy to swap between in-memory (tests) and
// PostgreSQL (production) implementations.
type Store interface {
	SessionStore
	InteractionStore
	CheckpointStore
	MCPServerStore
	WebhookStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Session Store ───────────────────────────────────────────

// SessionQuery narrows and pages an owner-scoped session listing. The owner
// filter is applied inside the query, never as a post-filter, so a caller
// can never observe another tenant's sessions.
type SessionQuery struct {
	Owner    string
	Page     int // 1-based
	PageSize int // clamped to [1, 1000] by the service layer
	Filter   models.SessionFilter
}

type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	// GetSession returns ErrNotFound both for missing ids and for sessions
	// owned by a different tenant.
	GetSession(ctx context.Context, id, owner string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id, owner string) error
	// ListSessions orders by created_at descending, id ascending tiebreak,
	// and returns the total match count alongside the page.
	ListSessions(ctx context.Context, q SessionQuery) ([]models.Session, int, error)
	// SessionExists reports whether the row exists for any owner. Used only
	// by the retention janitor, never by tenant-facing code.
	SessionExists(ctx context.Context, id string) (bool, error)
}

// ── Interaction Store ───────────────────────────────────────

type InteractionStore interface {
	CreateInteraction(ctx context.Context, it *models.Interaction) error
	ListInteractions(ctx context.Context, sessionID string, limit int) ([]models.Interaction, error)
}

// ── Checkpoint Store ────────────────────────────────────────

type CheckpointStore interface {
	// CreateCheckpoint assigns the next index within the session and
	// persists the checkpoint. Checkpoints are immutable once written.
	CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	ListCheckpoints(ctx context.Context, sessionID string) ([]models.Checkpoint, error)
	GetCheckpoint(ctx context.Context, sessionID string, index int) (*models.Checkpoint, error)
}

// ── MCP Server Store ────────────────────────────────────────

type MCPServerStore interface {
	UpsertMCPServer(ctx context.Context, cfg *models.MCPServerConfig) error
	GetMCPServer(ctx context.Context, owner, name string) (*models.MCPServerConfig, error)
	ListMCPServers(ctx context.Context, owner string) ([]models.MCPServerConfig, error)
	DeleteMCPServer(ctx context.Context, owner, name string) error
}

// ── Webhook Store ───────────────────────────────────────────

type WebhookStore interface {
	CreateWebhook(ctx context.Context, hook *models.WebhookHook) error
	ListWebhooks(ctx context.Context, owner string) ([]models.WebhookHook, error)
	DeleteWebhook(ctx context.Context, owner, id string) error
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist (or is not
// visible to the calling owner).
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is (or wraps) a store ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// ErrConflict is returned when a create collides with an existing key.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// IsConflict reports whether err is (or wraps) a store ErrConflict.
func IsConflict(err error) bool {
	var c *ErrConflict
	return errors.As(err, &c)
}
