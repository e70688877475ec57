package config

import "sync"

// Store holds the live settings snapshot and hands out two distinct views:
// the raw document and a per-user filtered one.
//
// Security-relevant checks (bearer key, routing policy) MUST read Raw(): the
// filtered view exists for catalog scoping only, and filtering it first would
// let an unauthenticated caller change the policy being enforced on them.
type Store struct {
	mu sync.RWMutex
	s  *Settings
}

// NewStore wraps an already loaded settings document.
func NewStore(s *Settings) *Store {
	return &Store{s: s}
}

// Raw returns the unfiltered settings snapshot.
func (st *Store) Raw() *Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// Swap replaces the snapshot, returning the previous one. Used by hot reload.
func (st *Store) Swap(s *Settings) *Settings {
	st.mu.Lock()
	defer st.mu.Unlock()
	prev := st.s
	st.s = s
	return prev
}

// ForUser returns a settings view restricted to the upstreams the named user
// may see. An unknown or empty user gets the full server map: user scoping is
// an allow-list only when the user record carries one.
func (st *Store) ForUser(user string) *Settings {
	st.mu.RLock()
	s := st.s
	st.mu.RUnlock()

	if user == "" {
		return s
	}

	var allowed []string
	for _, u := range s.Users {
		if u.Name == user {
			allowed = u.Servers
			break
		}
	}
	if allowed == nil {
		return s
	}

	view := *s
	view.MCPServers = make(map[string]UpstreamConfig, len(allowed))
	for _, name := range allowed {
		if sc, ok := s.MCPServers[name]; ok {
			view.MCPServers[name] = sc
		}
	}
	return &view
}

// HasUser reports whether a user record with the given name exists.
func (st *Store) HasUser(user string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, u := range st.s.Users {
		if u.Name == user {
			return true
		}
	}
	return false
}
