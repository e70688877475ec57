package cluster

import (
	"context"
	"sync"
	"time"
)

// MemoryAdapter keeps membership and sessions in local maps. It has no
// cross-process effect and exists for single-node deployments and tests.
type MemoryAdapter struct {
	mu       sync.RWMutex
	nodes    map[string]NodeState
	sessions map[string]sessionEntry
}

type sessionEntry struct {
	rec       SessionRecord
	expiresAt time.Time // zero means no TTL
}

// NewMemoryAdapter returns an empty in-process adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		nodes:    make(map[string]NodeState),
		sessions: make(map[string]sessionEntry),
	}
}

func (m *MemoryAdapter) UpsertNode(ctx context.Context, state NodeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[state.NodeID] = state
	return nil
}

func (m *MemoryAdapter) GetNode(ctx context.Context, nodeID string) (*NodeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if state, ok := m.nodes[nodeID]; ok {
		return &state, nil
	}
	return nil, nil
}

func (m *MemoryAdapter) ListNodes(ctx context.Context) ([]NodeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeState, 0, len(m.nodes))
	for _, state := range m.nodes {
		out = append(out, state)
	}
	return out, nil
}

func (m *MemoryAdapter) RemoveNode(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, nodeID)
	return nil
}

func (m *MemoryAdapter) PutSession(ctx context.Context, rec SessionRecord, ttl time.Duration) error {
	entry := sessionEntry{rec: rec}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.SessionID] = entry
	return nil
}

func (m *MemoryAdapter) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.RLock()
	entry, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
		return nil, nil
	}
	rec := entry.rec
	return &rec, nil
}

func (m *MemoryAdapter) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryAdapter) Close() error {
	return nil
}
