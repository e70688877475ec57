package hub

import (
	"context"
	"sync"
	"time"

	"mcphub/internal/cluster"
	"mcphub/pkg/logging"
)

// Session is one downstream client's logical connection.
type Session struct {
	ID        string
	Scope     Scope
	CreatedAt time.Time
}

// SessionTable owns the process-wide session map. The table is the single
// writer; readers get copies. Cluster bindings are maintained alongside,
// best-effort.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	coordinator *cluster.Coordinator
}

// NewSessionTable builds an empty table. The coordinator may be nil when
// clustering is disabled.
func NewSessionTable(coordinator *cluster.Coordinator) *SessionTable {
	return &SessionTable{
		sessions:    make(map[string]*Session),
		coordinator: coordinator,
	}
}

// Add registers a session and records its cluster binding.
func (t *SessionTable) Add(ctx context.Context, id string, scope Scope) {
	t.mu.Lock()
	t.sessions[id] = &Session{ID: id, Scope: scope, CreatedAt: time.Now()}
	t.mu.Unlock()

	if t.coordinator != nil {
		err := t.coordinator.RecordSession(ctx, id, cluster.SessionMeta{
			Group: scope.Group,
			User:  scope.User,
		})
		if err != nil {
			logging.Warn("Session", "Failed to record cluster session %s: %v",
				logging.TruncateSessionID(id), err)
		}
	}

	logging.Debug("Session", "Session %s bound to scope user=%q group=%q",
		logging.TruncateSessionID(id), scope.User, scope.Group)
}

// Remove drops a session and clears its cluster binding.
func (t *SessionTable) Remove(ctx context.Context, id string) {
	t.mu.Lock()
	_, existed := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()

	if !existed {
		return
	}

	if t.coordinator != nil {
		if err := t.coordinator.ClearSession(ctx, id); err != nil {
			logging.Warn("Session", "Failed to clear cluster session %s: %v",
				logging.TruncateSessionID(id), err)
		}
	}

	logging.Debug("Session", "Session %s removed", logging.TruncateSessionID(id))
}

// Get returns the session for an id.
func (t *SessionTable) Get(id string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Len returns the number of live sessions.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
