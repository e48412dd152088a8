// Package session implements the two-tier session store: redis cache in
// front of the durable store, with a distributed per-session lock
// serializing mutations. Reads may be stale by up to the cache TTL; writes
// go durable-first and only then touch the cache, so a cache failure can
// never lose a write.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/cache"
	"github.com/agentgate/agentgate/gateway/internal/store"
	"github.com/agentgate/agentgate/gateway/pkg/contracts"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// KV is the slice of the cache tier this service needs; *cache.Cache
// satisfies it.
type KV interface {
	GetJSON(ctx context.Context, key string, v any) error
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Config tunes the session service.
type Config struct {
	CacheTTL time.Duration
	LockTTL  time.Duration
}

// Service owns session persistence and coordination.
type Service struct {
	durable store.Store
	kv      KV
	locker  contracts.Locker
	cfg     Config
}

// NewService wires the session service.
func NewService(durable store.Store, kv KV, locker contracts.Locker, cfg Config) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Service{durable: durable, kv: kv, locker: locker, cfg: cfg}
}

// CreateParams are the caller-supplied fields of a new session.
type CreateParams struct {
	Model            string
	Mode             models.SessionMode
	WorkingDirectory string
	ParentSessionID  string
	Metadata         map[string]any
	Tags             []string
}

// Create generates a server-side id, writes the durable row, and warms the
// cache. An id collision is nominal-impossible with server-generated UUIDs
// and surfaces as conflict if it ever happens.
func (s *Service) Create(ctx context.Context, owner string, p CreateParams) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:               uuid.New().String(),
		OwnerAPIKey:      owner,
		Model:            p.Model,
		Status:           models.SessionActive,
		Mode:             p.Mode,
		WorkingDirectory: p.WorkingDirectory,
		ParentSessionID:  p.ParentSessionID,
		Metadata:         p.Metadata,
		Tags:             p.Tags,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.durable.CreateSession(ctx, sess); err != nil {
		if store.IsConflict(err) {
			return nil, apierr.Conflict("session_exists", "session id collision")
		}
		return nil, apierr.Internal(err)
	}
	s.warm(ctx, sess)

	log.Info().Str("session_id", sess.ID).Str("model", sess.Model).Msg("Session created")
	return sess, nil
}

// cachedSession wraps the session for the cache tier. The owner key is
// json-hidden on the model (it must never reach API responses), so the
// wrapper carries it explicitly.
type cachedSession struct {
	Owner   string         `json:"owner"`
	Session models.Session `json:"session"`
}

// Get reads cache-first. Owner mismatches return not_found (never
// forbidden) so ids cannot be probed for existence.
func (s *Service) Get(ctx context.Context, id, owner string) (*models.Session, error) {
	var cached cachedSession
	err := s.kv.GetJSON(ctx, cache.SessionKey(id), &cached)
	if err == nil {
		if cached.Owner != owner {
			return nil, apierr.NotFound("session", id)
		}
		cached.Session.OwnerAPIKey = cached.Owner
		return &cached.Session, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Msg("Session cache read failed; falling back to durable store")
	}

	sess, err := s.durable.GetSession(ctx, id, owner)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apierr.NotFound("session", id)
		}
		return nil, apierr.Internal(err)
	}
	s.warm(ctx, sess)
	return sess, nil
}

// List pages the owner's sessions. The owner filter is part of the durable
// query, never a post-filter, and the ordering is stable (created_at
// descending, id ascending tiebreak). Page size is clamped to [1, 1000].
func (s *Service) List(ctx context.Context, owner string, page, pageSize int, filter models.SessionFilter) (*models.SessionPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 1000 {
		pageSize = 1000
	}

	sessions, total, err := s.durable.ListSessions(ctx, store.SessionQuery{
		Owner:    owner,
		Page:     page,
		PageSize: pageSize,
		Filter:   filter,
	})
	if err != nil {
		return nil, apierr.New(apierr.KindToolUnavailable, "store_unavailable",
			"session listing unavailable").WithCause(err)
	}
	return &models.SessionPage{
		Sessions: sessions,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// Update applies a patch under the per-session lock.
func (s *Service) Update(ctx context.Context, id, owner string, patch models.SessionPatch) (*models.Session, error) {
	var updated *models.Session
	err := s.WithLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.Get(ctx, id, owner)
		if err != nil {
			return err
		}
		if patch.Title != nil {
			sess.Title = *patch.Title
		}
		if patch.Status != nil {
			sess.Status = *patch.Status
		}
		if patch.Metadata != nil {
			sess.Metadata = patch.Metadata
		}
		if patch.Tags != nil {
			sess.Tags = patch.Tags
		}
		sess.UpdatedAt = time.Now().UTC()
		if err := s.durable.UpdateSession(ctx, sess); err != nil {
			s.purge(ctx, id)
			return apierr.Internal(err)
		}
		s.warm(ctx, sess)
		updated = sess
		return nil
	})
	return updated, err
}

// Delete removes the durable row and purges the cache entry.
func (s *Service) Delete(ctx context.Context, id, owner string) error {
	if err := s.durable.DeleteSession(ctx, id, owner); err != nil {
		if store.IsNotFound(err) {
			return apierr.NotFound("session", id)
		}
		return apierr.Internal(err)
	}
	s.purge(ctx, id)
	log.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// WithLock runs f under the session's exclusive lease. The lease is
// best-effort: TTL-bounded so a crashed holder cannot wedge the session.
func (s *Service) WithLock(ctx context.Context, id string, f func(ctx context.Context) error) error {
	lease, err := s.locker.Acquire(ctx, cache.SessionLockKey(id), s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLockBusy) {
			return apierr.Conflict("session_busy", "session is locked by another operation")
		}
		return apierr.Internal(err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := lease.Release(releaseCtx); rerr != nil {
			log.Warn().Err(rerr).Str("session_id", id).Msg("Lock release failed")
		}
	}()
	return f(ctx)
}

// ── Turn accounting ─────────────────────────────────────────

// TurnRecord is everything one completed agent turn writes back.
type TurnRecord struct {
	Prompt       string
	ResponseText string
	StopReason   models.StopReason
	Usage        models.Usage
	CostUSD      float64
	DurationMs   int64
	ResumeToken  string // empty when the runtime provided none
	Summary      string
	Status       models.SessionStatus
}

// RecordTurn appends the interaction, bumps turn counters and cost, writes a
// checkpoint when a resume token is present, and moves the session status —
// all under the session lock.
func (s *Service) RecordTurn(ctx context.Context, id, owner string, rec TurnRecord) error {
	return s.WithLock(ctx, id, func(ctx context.Context) error {
		sess, err := s.Get(ctx, id, owner)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		it := &models.Interaction{
			ID:           uuid.New().String(),
			SessionID:    id,
			Prompt:       rec.Prompt,
			ResponseText: rec.ResponseText,
			StopReason:   rec.StopReason,
			Usage:        rec.Usage,
			CostUSD:      rec.CostUSD,
			DurationMs:   rec.DurationMs,
			CreatedAt:    now,
		}
		if err := s.durable.CreateInteraction(ctx, it); err != nil {
			return apierr.Internal(err)
		}

		if rec.ResumeToken != "" {
			cp := &models.Checkpoint{
				SessionID:   id,
				ResumeToken: rec.ResumeToken,
				Summary:     rec.Summary,
				CreatedAt:   now,
			}
			if err := s.durable.CreateCheckpoint(ctx, cp); err != nil {
				return apierr.Internal(err)
			}
		}

		sess.TotalTurns++
		sess.TotalCost += rec.CostUSD
		if rec.Status != "" {
			sess.Status = rec.Status
		}
		sess.UpdatedAt = now
		if err := s.durable.UpdateSession(ctx, sess); err != nil {
			s.purge(ctx, id)
			return apierr.Internal(err)
		}
		s.warm(ctx, sess)
		return nil
	})
}

// ── Checkpoints, fork, resume ───────────────────────────────

// Checkpoints lists the session's checkpoints after an owner check.
func (s *Service) Checkpoints(ctx context.Context, id, owner string) ([]models.Checkpoint, error) {
	if _, err := s.Get(ctx, id, owner); err != nil {
		return nil, err
	}
	cps, err := s.durable.ListCheckpoints(ctx, id)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return cps, nil
}

// Fork derives a new session from a checkpoint of an existing one. The
// chosen checkpoint is copied into the new session as its first checkpoint,
// so the next query resumes from it. checkpointIndex -1 means the latest.
func (s *Service) Fork(ctx context.Context, id, owner string, checkpointIndex int) (*models.Session, error) {
	src, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	var cp *models.Checkpoint
	if checkpointIndex < 0 {
		cps, err := s.durable.ListCheckpoints(ctx, id)
		if err != nil {
			return nil, apierr.Internal(err)
		}
		if len(cps) == 0 {
			return nil, apierr.InvalidState("no_checkpoints", "session has no checkpoints to fork from")
		}
		cp = &cps[len(cps)-1]
	} else {
		cp, err = s.durable.GetCheckpoint(ctx, id, checkpointIndex)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, apierr.NotFound("checkpoint", id)
			}
			return nil, apierr.Internal(err)
		}
	}

	fork, err := s.Create(ctx, owner, CreateParams{
		Model:            src.Model,
		Mode:             src.Mode,
		WorkingDirectory: src.WorkingDirectory,
		ParentSessionID:  src.ID,
		Metadata:         src.Metadata,
		Tags:             src.Tags,
	})
	if err != nil {
		return nil, err
	}

	seed := &models.Checkpoint{
		SessionID:   fork.ID,
		ResumeToken: cp.ResumeToken,
		Summary:     cp.Summary,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.durable.CreateCheckpoint(ctx, seed); err != nil {
		return nil, apierr.Internal(err)
	}

	log.Info().Str("session_id", fork.ID).Str("parent", src.ID).
		Int("checkpoint", cp.Index).Msg("Session forked")
	return fork, nil
}

// Resume reactivates a completed or errored session so new queries continue
// its conversation from the latest checkpoint.
func (s *Service) Resume(ctx context.Context, id, owner string) (*models.Session, error) {
	status := models.SessionActive
	return s.Update(ctx, id, owner, models.SessionPatch{Status: &status})
}

// LatestResumeToken returns the newest checkpoint's resume token, or ""
// when the session has no checkpoints yet.
func (s *Service) LatestResumeToken(ctx context.Context, id string) (string, error) {
	cps, err := s.durable.ListCheckpoints(ctx, id)
	if err != nil {
		return "", apierr.Internal(err)
	}
	if len(cps) == 0 {
		return "", nil
	}
	return cps[len(cps)-1].ResumeToken, nil
}

// Interactions lists the session's turns after an owner check.
func (s *Service) Interactions(ctx context.Context, id, owner string, limit int) ([]models.Interaction, error) {
	if _, err := s.Get(ctx, id, owner); err != nil {
		return nil, err
	}
	its, err := s.durable.ListInteractions(ctx, id, limit)
	if err != nil {
		return nil, apierr.Internal(err)
	}
	return its, nil
}

// ── Cache plumbing ──────────────────────────────────────────

func (s *Service) warm(ctx context.Context, sess *models.Session) {
	entry := cachedSession{Owner: sess.OwnerAPIKey, Session: *sess}
	if err := s.kv.SetJSON(ctx, cache.SessionKey(sess.ID), entry, s.cfg.CacheTTL); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("Session cache write failed")
	}
}

func (s *Service) purge(ctx context.Context, id string) {
	if err := s.kv.Delete(ctx, cache.SessionKey(id)); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("Session cache purge failed")
	}
}
