package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/store"
	"github.com/agentgate/agentgate/gateway/pkg/models"
)

type received struct {
	body      []byte
	signature string
	eventKind string
}

// hookTarget is an httptest endpoint recording deliveries, optionally
// failing the first n requests with a 500.
type hookTarget struct {
	mu       sync.Mutex
	got      []received
	failures int

	srv *httptest.Server
}

func newHookTarget(t *testing.T, failures int) *hookTarget {
	h := &hookTarget{failures: failures}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.failures > 0 {
			h.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		h.got = append(h.got, received{
			body:      body,
			signature: r.Header.Get("X-AgentGate-Signature"),
			eventKind: r.Header.Get("X-AgentGate-Event"),
		})
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *hookTarget) deliveries() []received {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]received, len(h.got))
	copy(out, h.got)
	return out
}

func registerHook(t *testing.T, svc *Service, owner, url, matcher, secret string) *models.WebhookHook {
	t.Helper()
	hook, err := svc.Create(context.Background(), owner, CreateParams{URL: url, Matcher: matcher, Secret: secret})
	require.NoError(t, err)
	return hook
}

func toolEvent(tool string) models.WebhookEvent {
	return models.WebhookEvent{
		Kind:      "tool_start",
		SessionID: "s1",
		ToolName:  tool,
		ToolUseID: "tu_1",
		Timestamp: time.Now().UTC(),
	}
}

func TestDispatchDeliversMatchingHooks(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st)
	target := newHookTarget(t, 0)
	registerHook(t, svc, "key-a", target.srv.URL, "^bash$", "")

	d := NewDispatcher(st, 0)
	d.DispatchToolEvent("key-a", toolEvent("bash"))

	require.Eventually(t, func() bool {
		return len(target.deliveries()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	got := target.deliveries()[0]
	assert.Equal(t, "tool_start", got.eventKind)

	var ev models.WebhookEvent
	require.NoError(t, json.Unmarshal(got.body, &ev))
	assert.Equal(t, "bash", ev.ToolName)
	assert.Equal(t, "s1", ev.SessionID)
}

func TestDispatchSkipsNonMatchingAndForeignHooks(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st)
	target := newHookTarget(t, 0)
	registerHook(t, svc, "key-a", target.srv.URL, "^grep$", "")
	registerHook(t, svc, "key-b", target.srv.URL, "^bash$", "")

	d := NewDispatcher(st, 0)
	d.DispatchToolEvent("key-a", toolEvent("bash"))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, target.deliveries())
}

func TestDispatchSignsWithHookSecret(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st)
	target := newHookTarget(t, 0)
	registerHook(t, svc, "key-a", target.srv.URL, "bash", "top-secret")

	d := NewDispatcher(st, 0)
	d.DispatchToolEvent("key-a", toolEvent("bash"))

	require.Eventually(t, func() bool {
		return len(target.deliveries()) == 1
	}, 3*time.Second, 20*time.Millisecond)

	got := target.deliveries()[0]
	mac := hmac.New(sha256.New, []byte("top-secret"))
	mac.Write(got.body)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), got.signature)
}

func TestDispatchRetriesOnceOn5xx(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st)
	target := newHookTarget(t, 1) // first attempt 500s, retry succeeds
	registerHook(t, svc, "key-a", target.srv.URL, "bash", "")

	d := NewDispatcher(st, 0)
	d.DispatchToolEvent("key-a", toolEvent("bash"))

	require.Eventually(t, func() bool {
		return len(target.deliveries()) == 1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDispatchDropsHookWithRejectedStoredMatcher(t *testing.T) {
	// A pattern written directly to the store, bypassing registration
	// vetting, must fail closed at dispatch.
	st := store.NewMemoryStore()
	target := newHookTarget(t, 0)
	require.NoError(t, st.CreateWebhook(context.Background(), &models.WebhookHook{
		ID: "h1", Owner: "key-a", URL: target.srv.URL, Matcher: "(a+)+b", Enabled: true,
	}))

	d := NewDispatcher(st, 0)
	d.DispatchToolEvent("key-a", toolEvent("aaab"))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, target.deliveries())
}

func TestServiceCreateRejectsBadMatcherAndURL(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Create(ctx, "key-a", CreateParams{URL: "https://example.com/hook", Matcher: "(a+)+b"})
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))

	_, err = svc.Create(ctx, "key-a", CreateParams{URL: "not-a-url", Matcher: "bash"})
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))

	_, err = svc.Create(ctx, "key-a", CreateParams{URL: "ftp://example.com/x", Matcher: "bash"})
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}

func TestServiceDeleteIsOwnerScoped(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st)
	ctx := context.Background()

	hook := registerHook(t, svc, "key-a", "https://example.com/hook", "bash", "")

	err := svc.Delete(ctx, "key-b", hook.ID)
	assert.True(t, apierr.IsNotFound(err))
	require.NoError(t, svc.Delete(ctx, "key-a", hook.ID))
}
