package retention

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/gateway/internal/cache"
	"github.com/agentgate/agentgate/gateway/internal/store"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// fakeScanner is a map of cached keys.
type fakeScanner struct {
	mu      sync.Mutex
	keys    map[string]struct{}
	scanErr error
}

func newFakeScanner(keys ...string) *fakeScanner {
	f := &fakeScanner{keys: make(map[string]struct{})}
	for _, k := range keys {
		f.keys[k] = struct{}{}
	}
	return f
}

func (f *fakeScanner) ScanKeys(_ context.Context, _ string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	out := make([]string, 0, len(f.keys))
	for k := range f.keys {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeScanner) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.keys, k)
	}
	return nil
}

func (f *fakeScanner) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.keys[key]
	return ok
}

func TestSweepPurgesOrphans(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	live := &models.Session{ID: "live", OwnerAPIKey: "key-a", Status: models.SessionActive}
	require.NoError(t, st.CreateSession(ctx, live))

	kv := newFakeScanner(
		cache.SessionKey("live"),
		cache.SessionKey("orphan"),
	)

	stats := NewJanitor(kv, st, 0).Sweep(ctx)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Purged)
	assert.Empty(t, stats.Errors)

	assert.True(t, kv.has(cache.SessionKey("live")))
	assert.False(t, kv.has(cache.SessionKey("orphan")))
}

func TestSweepFailsSafeOnStoreError(t *testing.T) {
	// A store that cannot answer must not cause purges.
	kv := newFakeScanner(cache.SessionKey("maybe-live"))
	st := &erroringStore{}

	stats := NewJanitor(kv, st, 0).Sweep(context.Background())
	assert.Equal(t, 0, stats.Purged)
	assert.NotEmpty(t, stats.Errors)
	assert.True(t, kv.has(cache.SessionKey("maybe-live")))
}

func TestSweepScanErrorAbortsCycle(t *testing.T) {
	kv := newFakeScanner()
	kv.scanErr = assert.AnError

	stats := NewJanitor(kv, store.NewMemoryStore(), 0).Sweep(context.Background())
	assert.Equal(t, 0, stats.Scanned)
	assert.Len(t, stats.Errors, 1)
}

// erroringStore fails SessionExists; the janitor only uses that method.
type erroringStore struct {
	store.SessionStore
}

func (s *erroringStore) SessionExists(context.Context, string) (bool, error) {
	return false, assert.AnError
}
