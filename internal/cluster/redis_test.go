package cluster

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/config"
)

func redisFixture(t *testing.T) (*RedisAdapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	adapter := NewRedisAdapter(config.RedisConfig{
		Addr:   mr.Addr(),
		Prefix: "mcphub",
	})
	t.Cleanup(func() { adapter.Close() })
	return adapter, mr
}

func TestRedisNodeLifecycle(t *testing.T) {
	adapter, mr := redisFixture(t)
	ctx := t.Context()

	state := NodeState{
		NodeID:        "node-a",
		BaseURL:       "http://node-a:3000",
		Servers:       []ServerStatus{{Name: "time", Status: "connected"}},
		LastHeartbeat: time.Now().UTC(),
	}
	require.NoError(t, adapter.UpsertNode(ctx, state))

	// Nodes live in a single hash under <prefix>:nodes.
	assert.True(t, mr.Exists("mcphub:nodes"))

	got, err := adapter.GetNode(ctx, "node-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "http://node-a:3000", got.BaseURL)
	require.Len(t, got.Servers, 1)

	nodes, err := adapter.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	require.NoError(t, adapter.RemoveNode(ctx, "node-a"))
	gone, err := adapter.GetNode(ctx, "node-a")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestRedisSessionWithTTL(t *testing.T) {
	adapter, mr := redisFixture(t)
	ctx := t.Context()

	rec := SessionRecord{SessionID: "s1", NodeID: "node-a", Group: "ops"}
	require.NoError(t, adapter.PutSession(ctx, rec, 30*time.Second))

	// Sessions live at <prefix>:session:<id> with an expiry.
	assert.True(t, mr.Exists("mcphub:session:s1"))
	ttl := mr.TTL("mcphub:session:s1")
	assert.Greater(t, ttl, time.Duration(0))

	got, err := adapter.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "node-a", got.NodeID)

	// Expiry drops the record.
	mr.FastForward(time.Minute)
	gone, err := adapter.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, gone)

	// No TTL means the record persists.
	require.NoError(t, adapter.PutSession(ctx, rec, 0))
	mr.FastForward(time.Hour)
	still, err := adapter.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.NotNil(t, still)
}

func TestRedisUnknownSession(t *testing.T) {
	adapter, _ := redisFixture(t)
	rec, err := adapter.GetSession(t.Context(), "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
