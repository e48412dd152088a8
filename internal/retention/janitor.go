// Package retention keeps the cache tier honest. Redis TTLs already expire
// entries on their own; what they cannot catch is a cached session whose
// durable row was deleted while the cache purge failed. The janitor sweeps
// those orphans on an interval so a deleted session cannot be served from
// cache for up to a full TTL.
//
// The janitor runs as a background goroutine and respects context
// cancellation for graceful shutdown. Sweep failures are fail-safe: an
// entry is only removed when the durable store positively reports the row
// gone.
package retention

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/cache"
	"github.com/agentgate/agentgate/gateway/internal/store"
)

// KeyScanner is the slice of the cache tier the janitor needs; *cache.Cache
// satisfies it.
type KeyScanner interface {
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
}

// CycleStats tracks what happened in a single sweep.
type CycleStats struct {
	Scanned int
	Purged  int
	Errors  []error
}

// Janitor periodically reconciles cached sessions against the durable
// store.
type Janitor struct {
	kv       KeyScanner
	sessions store.SessionStore
	interval time.Duration
}

// NewJanitor creates a janitor that sweeps on the given interval.
func NewJanitor(kv KeyScanner, sessions store.SessionStore, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = 10 * time.Minute
	}
	return &Janitor{kv: kv, sessions: sessions, interval: interval}
}

// Start runs the janitor until ctx is cancelled. It blocks; callers run it
// in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one sweep.
func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	stats := j.Sweep(ctx)

	for _, err := range stats.Errors {
		log.Warn().Err(err).Msg("Retention sweep error")
	}
	if stats.Purged > 0 {
		log.Info().Int("scanned", stats.Scanned).Int("purged", stats.Purged).
			Dur("elapsed", time.Since(start)).Msg("Retention sweep complete")
	}
}

// Sweep scans all cached session keys and removes the ones whose durable
// row no longer exists. Exported so tests can drive a cycle directly.
func (j *Janitor) Sweep(ctx context.Context) CycleStats {
	var stats CycleStats

	keys, err := j.kv.ScanKeys(ctx, cache.SessionKey("*"))
	if err != nil {
		stats.Errors = append(stats.Errors, err)
		return stats
	}
	stats.Scanned = len(keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			stats.Errors = append(stats.Errors, ctx.Err())
			return stats
		}
		id := strings.TrimPrefix(key, cache.SessionKey(""))
		if id == "" || id == key {
			continue
		}
		exists, err := j.sessions.SessionExists(ctx, id)
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		if exists {
			continue
		}
		if err := j.kv.Delete(ctx, key); err != nil {
			stats.Errors = append(stats.Errors, err)
			continue
		}
		stats.Purged++
		log.Debug().Str("session_id", id).Msg("Purged orphaned session cache entry")
	}
	return stats
}
