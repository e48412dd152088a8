package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/gateway/internal/apierr"
	"github.com/agentgate/agentgate/gateway/internal/cache"
	"github.com/agentgate/agentgate/gateway/internal/store"
)

func newMCPService(t *testing.T, cfg ServiceConfig) (*Service, *fakeKV) {
	t.Helper()
	kv := newFakeKV()
	return NewService(store.NewMemoryStore(), kv, &Validator{}, cfg), kv
}

func TestServicePutGetDelete(t *testing.T) {
	svc, kv := newMCPService(t, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Put(ctx, "key-a", "fs", stdioConfig("fs", "/bin/mcp-fs"))
	require.NoError(t, err)

	got, err := svc.Get(ctx, "key-a", "fs")
	require.NoError(t, err)
	assert.Equal(t, "/bin/mcp-fs", got.Command)
	assert.Equal(t, "key-a", got.Owner)

	// Cold cache falls back to the durable store and re-warms.
	require.NoError(t, kv.Delete(ctx, cache.MCPServerKey("key-a", "fs")))
	got, err = svc.Get(ctx, "key-a", "fs")
	require.NoError(t, err)
	assert.Equal(t, "/bin/mcp-fs", got.Command)

	require.NoError(t, svc.Delete(ctx, "key-a", "fs"))
	_, err = svc.Get(ctx, "key-a", "fs")
	assert.True(t, apierr.IsNotFound(err))
}

func TestServicePutRejectsInvalidConfig(t *testing.T) {
	svc, _ := newMCPService(t, ServiceConfig{})

	_, err := svc.Put(context.Background(), "key-a", "bad", stdioConfig("bad", "tool; rm -rf /"))
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}

func TestServiceGetIsOwnerScoped(t *testing.T) {
	svc, _ := newMCPService(t, ServiceConfig{})
	ctx := context.Background()

	_, err := svc.Put(ctx, "key-a", "fs", stdioConfig("fs", "/bin/mcp-fs"))
	require.NoError(t, err)

	_, err = svc.Get(ctx, "key-b", "fs")
	assert.True(t, apierr.IsNotFound(err))
}

func TestShareCreateAndResolve(t *testing.T) {
	svc, _ := newMCPService(t, ServiceConfig{})
	ctx := context.Background()

	share, err := svc.ShareCreate(ctx, "key-a", stdioConfig("fs", "/bin/mcp-fs"), time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, share.Token)
	assert.GreaterOrEqual(t, len(share.Token), 43) // 256 bits base64url

	cfg, err := svc.ShareResolve(ctx, "key-a", share.Token)
	require.NoError(t, err)
	assert.Equal(t, "/bin/mcp-fs", cfg.Command)

	// Default policy: reusable within TTL.
	_, err = svc.ShareResolve(ctx, "key-a", share.Token)
	assert.NoError(t, err)
}

func TestShareResolveWrongOwnerIsNotFound(t *testing.T) {
	svc, _ := newMCPService(t, ServiceConfig{})
	ctx := context.Background()

	share, err := svc.ShareCreate(ctx, "key-a", stdioConfig("fs", "/bin/mcp-fs"), time.Hour)
	require.NoError(t, err)

	_, err = svc.ShareResolve(ctx, "key-b", share.Token)
	assert.True(t, apierr.IsNotFound(err))
}

func TestShareResolveUnknownTokenIsNotFound(t *testing.T) {
	svc, _ := newMCPService(t, ServiceConfig{})

	_, err := svc.ShareResolve(context.Background(), "key-a", "no-such-token")
	assert.True(t, apierr.IsNotFound(err))
}

func TestShareSingleUse(t *testing.T) {
	svc, _ := newMCPService(t, ServiceConfig{ShareSingleUse: true})
	ctx := context.Background()

	share, err := svc.ShareCreate(ctx, "key-a", stdioConfig("fs", "/bin/mcp-fs"), time.Hour)
	require.NoError(t, err)

	_, err = svc.ShareResolve(ctx, "key-a", share.Token)
	require.NoError(t, err)

	_, err = svc.ShareResolve(ctx, "key-a", share.Token)
	assert.True(t, apierr.IsNotFound(err))
}
