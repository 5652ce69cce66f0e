package registry

import (
	"cmp"
	"slices"
	"time"

	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/mcp"
)

func (r *Registry) attachLocked(tool, id string, now time.Time) {
	t, ok := r.tools[tool]
	if !ok {
		t = &toolEntry{}
		r.tools[tool] = t
	}
	if !slices.Contains(t.serverIDs, id) {
		t.serverIDs = append(t.serverIDs, id)
		t.updatedAt = now
	}
}

// detachLocked removes id from the mapping of tool, deleting the mapping when
// it becomes empty and moving the preference off id.
func (r *Registry) detachLocked(tool, id string, now time.Time) {
	t, ok := r.tools[tool]
	if !ok {
		return
	}
	t.serverIDs = slices.DeleteFunc(t.serverIDs, func(s string) bool { return s == id })
	t.updatedAt = now
	if len(t.serverIDs) == 0 {
		delete(r.tools, tool)
		return
	}
	if t.preferred == id {
		t.preferred = r.bestHealthyLocked(t)
	}
}

// bestHealthyLocked returns the highest-scoring healthy server of t, earliest
// registration winning ties, or "".
func (r *Registry) bestHealthyLocked(t *toolEntry) string {
	best := ""
	bestScore := -1.0
	for _, id := range t.serverIDs {
		e, ok := r.servers[id]
		if !ok || e.info.Status != mcp.StatusHealthy {
			continue
		}
		if e.score > bestScore {
			best, bestScore = id, e.score
		}
	}
	return best
}

// PreferredServerForTool returns the manually preferred server for tool when
// one is set, regardless of its status. Otherwise it returns the
// highest-scoring healthy server advertising tool. Degraded and failed
// servers are never selected automatically.
func (r *Registry) PreferredServerForTool(tool string) (*mcp.ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[tool]
	if !ok {
		return nil, false
	}
	id := t.preferred
	if id == "" {
		id = r.bestHealthyLocked(t)
	}
	e, ok := r.servers[id]
	if !ok {
		return nil, false
	}
	return e.info.Clone(), true
}

// SetPreferredServerForTool pins tool to serverID. It returns false when the
// server does not advertise tool.
func (r *Registry) SetPreferredServerForTool(tool, serverID string) bool {
	r.mu.Lock()
	t, ok := r.tools[tool]
	if !ok || !slices.Contains(t.serverIDs, serverID) {
		r.mu.Unlock()
		return false
	}
	t.preferred = serverID
	t.updatedAt = r.now()
	r.enqueue(r.toolOpsLocked([]string{tool})...)
	r.mu.Unlock()

	r.queries.clear()
	r.emitter.Emit(event.Event{Type: event.PreferenceUpdated, ToolName: tool, ServerID: serverID})
	return true
}

// ClearPreferredServerForTool removes a manual preference. It returns false
// when none was set.
func (r *Registry) ClearPreferredServerForTool(tool string) bool {
	r.mu.Lock()
	t, ok := r.tools[tool]
	if !ok || t.preferred == "" {
		r.mu.Unlock()
		return false
	}
	previous := t.preferred
	t.preferred = ""
	t.updatedAt = r.now()
	r.enqueue(r.toolOpsLocked([]string{tool})...)
	r.mu.Unlock()

	r.queries.clear()
	r.emitter.Emit(event.Event{Type: event.PreferenceCleared, ToolName: tool, ServerID: previous})
	return true
}

// ToolMapping returns the mapping for tool.
func (r *Registry) ToolMapping(tool string) (ToolMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[tool]
	if !ok {
		return ToolMapping{}, false
	}
	return t.snapshot(tool), true
}

// ToolMappings returns every mapping sorted by tool name.
func (r *Registry) ToolMappings() []ToolMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolMapping, 0, len(r.tools))
	for name, t := range r.tools {
		out = append(out, t.snapshot(name))
	}
	slices.SortFunc(out, func(a, b ToolMapping) int { return cmp.Compare(a.ToolName, b.ToolName) })
	return out
}

func (t *toolEntry) snapshot(name string) ToolMapping {
	return ToolMapping{
		ToolName:          name,
		ServerIDs:         slices.Clone(t.serverIDs),
		PreferredServerID: t.preferred,
		UpdatedAt:         t.updatedAt,
	}
}
