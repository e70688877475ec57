package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/internal/cluster"
	"mcphub/internal/config"
)

func TestSessionTableLifecycle(t *testing.T) {
	table := NewSessionTable(nil)
	ctx := t.Context()

	table.Add(ctx, "s1", Scope{User: "alice", Group: "ops"})
	require.Equal(t, 1, table.Len())

	s, ok := table.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "alice", s.Scope.User)
	assert.Equal(t, "ops", s.Scope.Group)
	assert.False(t, s.CreatedAt.IsZero())

	table.Remove(ctx, "s1")
	_, ok = table.Get("s1")
	assert.False(t, ok)

	// Removing twice is harmless.
	table.Remove(ctx, "s1")
}

func TestSessionTableMaintainsClusterBinding(t *testing.T) {
	adapter := cluster.NewMemoryAdapter()
	coordinator := cluster.NewWithAdapter(config.ClusterConfig{
		Type:              "memory",
		NodeID:            "node-a",
		HeartbeatInterval: time.Hour,
	}, adapter)

	table := NewSessionTable(coordinator)
	ctx := t.Context()

	table.Add(ctx, "s1", Scope{Group: "ops"})

	rec, err := coordinator.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "node-a", rec.NodeID)
	assert.Equal(t, "ops", rec.Group)

	table.Remove(ctx, "s1")
	rec, err = coordinator.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
