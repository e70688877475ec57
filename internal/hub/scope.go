package hub

import "strings"

// SmartGroupPrefix marks the meta-tool discovery scope in the group segment.
const SmartGroupPrefix = "$smart"

// Scope is the routing scope a downstream session is bound to: an optional
// user segment and a group segment (possibly empty for the global route).
type Scope struct {
	User  string
	Group string
}

// Key is the map key identifying the per-scope MCP server instance.
func (s Scope) Key() string {
	return s.User + "|" + s.Group
}

// IsSmart reports whether the scope selects the $smart discovery surface.
func (s Scope) IsSmart() bool {
	return s.Group == SmartGroupPrefix || strings.HasPrefix(s.Group, SmartGroupPrefix+"/")
}

// SmartGroup returns the group the $smart universe is narrowed to, or "".
func (s Scope) SmartGroup() string {
	if !strings.HasPrefix(s.Group, SmartGroupPrefix+"/") {
		return ""
	}
	return strings.TrimPrefix(s.Group, SmartGroupPrefix+"/")
}

// EffectiveGroup is the group used for visibility filtering: for a $smart
// scope this is the narrowed group, else the scope's own group.
func (s Scope) EffectiveGroup() string {
	if s.IsSmart() {
		return s.SmartGroup()
	}
	return s.Group
}
