package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// PostgresStore is the production Store implementation backed by pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool to the given database URL.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the schema if it does not exist. The gateway owns a small,
// append-mostly schema, so idempotent DDL at startup replaces a migration
// tool.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id                UUID PRIMARY KEY,
			owner_api_key     TEXT NOT NULL,
			model             TEXT NOT NULL,
			title             TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			mode              TEXT NOT NULL DEFAULT '',
			working_directory TEXT NOT NULL DEFAULT '',
			parent_session_id UUID,
			total_turns       INT NOT NULL DEFAULT 0,
			total_cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
			metadata          JSONB NOT NULL DEFAULT '{}',
			tags              JSONB NOT NULL DEFAULT '[]',
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_owner_created
			ON sessions (owner_api_key, created_at DESC, id ASC)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id             UUID PRIMARY KEY,
			session_id     UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			prompt         TEXT NOT NULL,
			response_text  TEXT NOT NULL DEFAULT '',
			stop_reason    TEXT NOT NULL DEFAULT '',
			input_tokens   BIGINT NOT NULL DEFAULT 0,
			output_tokens  BIGINT NOT NULL DEFAULT 0,
			cost_usd       DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration_ms    BIGINT NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_session
			ON interactions (session_id, created_at ASC)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id   UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			idx          INT NOT NULL,
			resume_token TEXT NOT NULL,
			summary      TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS mcp_servers (
			owner_api_key TEXT NOT NULL,
			name          TEXT NOT NULL,
			transport     TEXT NOT NULL,
			command       TEXT NOT NULL DEFAULT '',
			args          JSONB NOT NULL DEFAULT '[]',
			env           JSONB NOT NULL DEFAULT '{}',
			url           TEXT NOT NULL DEFAULT '',
			headers       JSONB NOT NULL DEFAULT '{}',
			enabled       BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (owner_api_key, name)
		)`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id            UUID PRIMARY KEY,
			owner_api_key TEXT NOT NULL,
			url           TEXT NOT NULL,
			matcher       TEXT NOT NULL,
			secret        TEXT NOT NULL DEFAULT '',
			enabled       BOOLEAN NOT NULL DEFAULT TRUE,
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhooks_owner ON webhooks (owner_api_key)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	log.Info().Msg("Database schema ready")
	return nil
}

// ── Sessions ────────────────────────────────────────────────

func (s *PostgresStore) CreateSession(ctx context.Context, sess *models.Session) error {
	metadata, tags, err := encodeSessionJSON(sess)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, owner_api_key, model, title, status, mode,
			working_directory, parent_session_id, total_turns, total_cost_usd,
			metadata, tags, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,'')::uuid,$9,$10,$11,$12,$13,$14)`,
		sess.ID, sess.OwnerAPIKey, sess.Model, sess.Title, sess.Status, sess.Mode,
		sess.WorkingDirectory, sess.ParentSessionID, sess.TotalTurns, sess.TotalCost,
		metadata, tags, sess.CreatedAt, sess.UpdatedAt)
	if isUniqueViolation(err) {
		return &ErrConflict{Entity: "session", Key: sess.ID}
	}
	return err
}

const sessionColumns = `id, owner_api_key, model, title, status, mode,
	working_directory, COALESCE(parent_session_id::text, ''), total_turns,
	total_cost_usd, metadata, tags, created_at, updated_at`

func (s *PostgresStore) GetSession(ctx context.Context, id, owner string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 AND owner_api_key = $2`,
		id, owner)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", Key: id}
	}
	return sess, err
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *models.Session) error {
	metadata, tags, err := encodeSessionJSON(sess)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET model=$3, title=$4, status=$5, mode=$6,
			working_directory=$7, total_turns=$8, total_cost_usd=$9,
			metadata=$10, tags=$11, updated_at=$12
		WHERE id = $1 AND owner_api_key = $2`,
		sess.ID, sess.OwnerAPIKey, sess.Model, sess.Title, sess.Status, sess.Mode,
		sess.WorkingDirectory, sess.TotalTurns, sess.TotalCost,
		metadata, tags, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: sess.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id, owner string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND owner_api_key = $2`, id, owner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "session", Key: id}
	}
	return nil
}

func (s *PostgresStore) SessionExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListSessions(ctx context.Context, q SessionQuery) ([]models.Session, int, error) {
	where := []string{"owner_api_key = $1"}
	args := []any{q.Owner}

	if q.Filter.Mode != "" {
		args = append(args, string(q.Filter.Mode))
		where = append(where, fmt.Sprintf("mode = $%d", len(args)))
	}
	if q.Filter.ProjectID != "" {
		args = append(args, q.Filter.ProjectID)
		where = append(where, fmt.Sprintf("metadata->>'project_id' = $%d", len(args)))
	}
	for _, tag := range q.Filter.Tags {
		b, _ := json.Marshal([]string{tag})
		args = append(args, string(b))
		where = append(where, fmt.Sprintf("tags @> $%d::jsonb", len(args)))
	}
	if q.Filter.Search != "" {
		args = append(args, "%"+q.Filter.Search+"%")
		where = append(where, fmt.Sprintf("title ILIKE $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, q.PageSize, (q.Page-1)*q.PageSize)
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+cond+
			fmt.Sprintf(` ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`,
				len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var metadata, tags []byte
	err := row.Scan(&sess.ID, &sess.OwnerAPIKey, &sess.Model, &sess.Title,
		&sess.Status, &sess.Mode, &sess.WorkingDirectory, &sess.ParentSessionID,
		&sess.TotalTurns, &sess.TotalCost, &metadata, &tags,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &sess.Tags); err != nil {
			return nil, fmt.Errorf("decode session tags: %w", err)
		}
	}
	return &sess, nil
}

func encodeSessionJSON(sess *models.Session) (metadata, tags []byte, err error) {
	if sess.Metadata == nil {
		metadata = []byte("{}")
	} else if metadata, err = json.Marshal(sess.Metadata); err != nil {
		return nil, nil, fmt.Errorf("encode session metadata: %w", err)
	}
	if sess.Tags == nil {
		tags = []byte("[]")
	} else if tags, err = json.Marshal(sess.Tags); err != nil {
		return nil, nil, fmt.Errorf("encode session tags: %w", err)
	}
	return metadata, tags, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ── Interactions ────────────────────────────────────────────

func (s *PostgresStore) CreateInteraction(ctx context.Context, it *models.Interaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO interactions (id, session_id, prompt, response_text,
			stop_reason, input_tokens, output_tokens, cost_usd, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		it.ID, it.SessionID, it.Prompt, it.ResponseText, it.StopReason,
		it.Usage.InputTokens, it.Usage.OutputTokens, it.CostUSD, it.DurationMs,
		it.CreatedAt)
	return err
}

func (s *PostgresStore) ListInteractions(ctx context.Context, sessionID string, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, prompt, response_text, stop_reason,
			input_tokens, output_tokens, cost_usd, duration_ms, created_at
		FROM interactions WHERE session_id = $1
		ORDER BY created_at ASC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		var it models.Interaction
		if err := rows.Scan(&it.ID, &it.SessionID, &it.Prompt, &it.ResponseText,
			&it.StopReason, &it.Usage.InputTokens, &it.Usage.OutputTokens,
			&it.CostUSD, &it.DurationMs, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ── Checkpoints ─────────────────────────────────────────────

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	// Index assignment and insert in one statement keeps checkpoints densely
	// ordered even under concurrent writers.
	return s.pool.QueryRow(ctx, `
		INSERT INTO checkpoints (session_id, idx, resume_token, summary, created_at)
		SELECT $1, COALESCE(MAX(idx) + 1, 0), $2, $3, $4 FROM checkpoints
		WHERE session_id = $1
		RETURNING idx`,
		cp.SessionID, cp.ResumeToken, cp.Summary, cp.CreatedAt).Scan(&cp.Index)
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, sessionID string) ([]models.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, idx, resume_token, summary, created_at
		FROM checkpoints WHERE session_id = $1 ORDER BY idx ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		if err := rows.Scan(&cp.SessionID, &cp.Index, &cp.ResumeToken,
			&cp.Summary, &cp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, sessionID string, index int) (*models.Checkpoint, error) {
	var cp models.Checkpoint
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, idx, resume_token, summary, created_at
		FROM checkpoints WHERE session_id = $1 AND idx = $2`,
		sessionID, index).Scan(&cp.SessionID, &cp.Index, &cp.ResumeToken,
		&cp.Summary, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "checkpoint", Key: fmt.Sprintf("%s/%d", sessionID, index)}
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// ── MCP Servers ─────────────────────────────────────────────

func (s *PostgresStore) UpsertMCPServer(ctx context.Context, cfg *models.MCPServerConfig) error {
	args, err := json.Marshal(orEmptySlice(cfg.Args))
	if err != nil {
		return err
	}
	env, err := json.Marshal(orEmptyMap(cfg.Env))
	if err != nil {
		return err
	}
	headers, err := json.Marshal(orEmptyMap(cfg.Headers))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO mcp_servers (owner_api_key, name, transport, command, args,
			env, url, headers, enabled, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
		ON CONFLICT (owner_api_key, name) DO UPDATE SET
			transport = EXCLUDED.transport, command = EXCLUDED.command,
			args = EXCLUDED.args, env = EXCLUDED.env, url = EXCLUDED.url,
			headers = EXCLUDED.headers, enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`,
		cfg.Owner, cfg.Name, cfg.Transport, cfg.Command, args, env,
		cfg.URL, headers, cfg.Enabled, now)
	return err
}

const mcpColumns = `owner_api_key, name, transport, command, args, env, url,
	headers, enabled, created_at, updated_at`

func (s *PostgresStore) GetMCPServer(ctx context.Context, owner, name string) (*models.MCPServerConfig, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+mcpColumns+` FROM mcp_servers WHERE owner_api_key = $1 AND name = $2`,
		owner, name)
	cfg, err := scanMCPServer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "mcp_server", Key: name}
	}
	return cfg, err
}

func (s *PostgresStore) ListMCPServers(ctx context.Context, owner string) ([]models.MCPServerConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mcpColumns+` FROM mcp_servers WHERE owner_api_key = $1 ORDER BY name ASC`,
		owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MCPServerConfig
	for rows.Next() {
		cfg, err := scanMCPServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteMCPServer(ctx context.Context, owner, name string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM mcp_servers WHERE owner_api_key = $1 AND name = $2`, owner, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "mcp_server", Key: name}
	}
	return nil
}

func scanMCPServer(row rowScanner) (*models.MCPServerConfig, error) {
	var cfg models.MCPServerConfig
	var args, env, headers []byte
	err := row.Scan(&cfg.Owner, &cfg.Name, &cfg.Transport, &cfg.Command,
		&args, &env, &cfg.URL, &headers, &cfg.Enabled,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(args, &cfg.Args); err != nil {
		return nil, fmt.Errorf("decode mcp args: %w", err)
	}
	if err := json.Unmarshal(env, &cfg.Env); err != nil {
		return nil, fmt.Errorf("decode mcp env: %w", err)
	}
	if err := json.Unmarshal(headers, &cfg.Headers); err != nil {
		return nil, fmt.Errorf("decode mcp headers: %w", err)
	}
	return &cfg, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// ── Webhooks ────────────────────────────────────────────────

func (s *PostgresStore) CreateWebhook(ctx context.Context, hook *models.WebhookHook) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhooks (id, owner_api_key, url, matcher, secret, enabled, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		hook.ID, hook.Owner, hook.URL, hook.Matcher, hook.Secret, hook.Enabled,
		hook.CreatedAt)
	return err
}

func (s *PostgresStore) ListWebhooks(ctx context.Context, owner string) ([]models.WebhookHook, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_api_key, url, matcher, secret, enabled, created_at
		FROM webhooks WHERE owner_api_key = $1 ORDER BY id ASC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookHook
	for rows.Next() {
		var h models.WebhookHook
		if err := rows.Scan(&h.ID, &h.Owner, &h.URL, &h.Matcher, &h.Secret,
			&h.Enabled, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteWebhook(ctx context.Context, owner, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhooks WHERE owner_api_key = $1 AND id = $2`, owner, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "webhook", Key: id}
	}
	return nil
}
