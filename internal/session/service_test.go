package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/cache"
	"github.com/agentgate/agentgate/gateway/internal/store"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

// fakeKV is a map-backed KV so session tests need no redis.
type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (kv *fakeKV) GetJSON(_ context.Context, key string, v any) error {
	kv.mu.Lock()
	raw, ok := kv.data[key]
	kv.mu.Unlock()
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(raw, v)
}

func (kv *fakeKV) SetJSON(_ context.Context, key string, v any, _ time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	kv.mu.Lock()
	kv.data[key] = raw
	kv.mu.Unlock()
	return nil
}

func (kv *fakeKV) Delete(_ context.Context, keys ...string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	for _, k := range keys {
		delete(kv.data, k)
	}
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeKV) {
	t.Helper()
	kv := newFakeKV()
	svc := NewService(store.NewMemoryStore(), kv, cache.NewMemoryLocker(), Config{})
	return svc, kv
}

func TestCreateAndGet(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet", Tags: []string{"demo"}})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, models.SessionActive, sess.Status)

	got, err := svc.Get(ctx, sess.ID, "key-a")
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "sonnet", got.Model)
}

func TestGetWrongOwnerIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet"})
	require.NoError(t, err)

	// Cross-tenant access must look identical to a missing id, on both the
	// cache path and the durable path.
	_, err = svc.Get(ctx, sess.ID, "key-b")
	assert.True(t, apierr.IsNotFound(err), "cache hit path: got %v", err)

	require.NoError(t, svc.kv.Delete(ctx, cache.SessionKey(sess.ID)))
	_, err = svc.Get(ctx, sess.ID, "key-b")
	assert.True(t, apierr.IsNotFound(err), "durable path: got %v", err)
}

func TestGetFallsBackWhenCacheMisses(t *testing.T) {
	svc, kv := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "opus"})
	require.NoError(t, err)

	require.NoError(t, kv.Delete(ctx, cache.SessionKey(sess.ID)))
	got, err := svc.Get(ctx, sess.ID, "key-a")
	require.NoError(t, err)
	assert.Equal(t, "opus", got.Model)

	// The read re-warmed the cache.
	kv.mu.Lock()
	_, warmed := kv.data[cache.SessionKey(sess.ID)]
	kv.mu.Unlock()
	assert.True(t, warmed)
}

func TestListIsOwnerScoped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet"})
		require.NoError(t, err)
	}
	_, err := svc.Create(ctx, "key-b", CreateParams{Model: "sonnet"})
	require.NoError(t, err)

	page, err := svc.List(ctx, "key-a", 1, 10, models.SessionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Sessions, 3)
}

func TestUpdatePatchesOnlyGivenFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet", Tags: []string{"keep"}})
	require.NoError(t, err)

	title := "My research thread"
	got, err := svc.Update(ctx, sess.ID, "key-a", models.SessionPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "My research thread", got.Title)
	assert.Equal(t, []string{"keep"}, got.Tags)
	assert.Equal(t, models.SessionActive, got.Status)
}

func TestDeletePurgesCache(t *testing.T) {
	svc, kv := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, sess.ID, "key-a"))

	kv.mu.Lock()
	_, stillCached := kv.data[cache.SessionKey(sess.ID)]
	kv.mu.Unlock()
	assert.False(t, stillCached)

	_, err = svc.Get(ctx, sess.ID, "key-a")
	assert.True(t, apierr.IsNotFound(err))
}

func TestDeleteWrongOwnerIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet"})
	require.NoError(t, err)

	err = svc.Delete(ctx, sess.ID, "key-b")
	assert.True(t, apierr.IsNotFound(err))

	// Still intact for the owner.
	_, err = svc.Get(ctx, sess.ID, "key-a")
	assert.NoError(t, err)
}

func TestRecordTurnAccountingAndCheckpoint(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet"})
	require.NoError(t, err)

	err = svc.RecordTurn(ctx, sess.ID, "key-a", TurnRecord{
		Prompt:       "hello",
		ResponseText: "hi there",
		StopReason:   models.StopCompleted,
		Usage:        models.Usage{InputTokens: 10, OutputTokens: 20},
		CostUSD:      0.02,
		ResumeToken:  "rt-1",
		Summary:      "hello",
		Status:       models.SessionActive,
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, sess.ID, "key-a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalTurns)
	assert.InDelta(t, 0.02, got.TotalCost, 1e-9)

	cps, err := svc.Checkpoints(ctx, sess.ID, "key-a")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, "hello", cps[0].Summary)

	token, err := svc.LatestResumeToken(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", token)

	its, err := svc.Interactions(ctx, sess.ID, "key-a", 10)
	require.NoError(t, err)
	require.Len(t, its, 1)
	assert.Equal(t, "hi there", its[0].ResponseText)
}

func TestRecordTurnWithoutResumeTokenSkipsCheckpoint(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet"})
	require.NoError(t, err)

	err = svc.RecordTurn(ctx, sess.ID, "key-a", TurnRecord{
		Prompt:     "hello",
		StopReason: models.StopCompleted,
	})
	require.NoError(t, err)

	cps, err := svc.Checkpoints(ctx, sess.ID, "key-a")
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestForkSeedsChosenCheckpoint(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet", Tags: []string{"t"}})
	require.NoError(t, err)

	for i, token := range []string{"rt-0", "rt-1"} {
		err = svc.RecordTurn(ctx, sess.ID, "key-a", TurnRecord{
			Prompt: "p", StopReason: models.StopCompleted,
			ResumeToken: token, Summary: "turn",
		})
		require.NoError(t, err, "turn %d", i)
	}

	fork, err := svc.Fork(ctx, sess.ID, "key-a", 0)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, fork.ParentSessionID)
	assert.Equal(t, "sonnet", fork.Model)

	token, err := svc.LatestResumeToken(ctx, fork.ID)
	require.NoError(t, err)
	assert.Equal(t, "rt-0", token)

	// -1 picks the latest checkpoint.
	latest, err := svc.Fork(ctx, sess.ID, "key-a", -1)
	require.NoError(t, err)
	token, err = svc.LatestResumeToken(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, "rt-1", token)
}

func TestForkWithoutCheckpointsFails(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet"})
	require.NoError(t, err)

	_, err = svc.Fork(ctx, sess.ID, "key-a", -1)
	assert.True(t, apierr.IsKind(err, apierr.KindInvalidState))
}

func TestResumeReactivates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet"})
	require.NoError(t, err)

	done := models.SessionCompleted
	_, err = svc.Update(ctx, sess.ID, "key-a", models.SessionPatch{Status: &done})
	require.NoError(t, err)

	got, err := svc.Resume(ctx, sess.ID, "key-a")
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
}

func TestWithLockSerializesMutations(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "key-a", CreateParams{Model: "sonnet"})
	require.NoError(t, err)

	// Concurrent turn recordings must not lose increments.
	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.RecordTurn(ctx, sess.ID, "key-a", TurnRecord{
				Prompt: "p", StopReason: models.StopCompleted, CostUSD: 0.01,
			})
		}()
	}
	wg.Wait()

	got, err := svc.Get(ctx, sess.ID, "key-a")
	require.NoError(t, err)
	assert.Equal(t, workers, got.TotalTurns)
	assert.InDelta(t, 0.08, got.TotalCost, 1e-9)
}
