package registry

import (
	"time"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// Server returns a copy of the server with id.
func (r *Registry) Server(id string) (*mcp.ServerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.servers[id]
	if !ok {
		return nil, false
	}
	return e.info.Clone(), true
}

// Servers returns copies of every server in registration order.
func (r *Registry) Servers() []*mcp.ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*mcp.ServerInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.servers[id].info.Clone())
	}
	return out
}

// ServersByStatus returns copies of the servers in status.
func (r *Registry) ServersByStatus(status mcp.ServerStatus) []*mcp.ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*mcp.ServerInfo
	for _, id := range r.order {
		if e := r.servers[id]; e.info.Status == status {
			out = append(out, e.info.Clone())
		}
	}
	return out
}

// ServersForTool returns copies of every server advertising tool, in mapping
// order, regardless of status.
func (r *Registry) ServersForTool(tool string) []*mcp.ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[tool]
	if !ok {
		return nil
	}
	out := make([]*mcp.ServerInfo, 0, len(t.serverIDs))
	for _, id := range t.serverIDs {
		if e, ok := r.servers[id]; ok {
			out = append(out, e.info.Clone())
		}
	}
	return out
}

// ServerMetrics returns the current metrics of id.
func (r *Registry) ServerMetrics(id string) (mcp.ServerMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.servers[id]
	if !ok {
		return mcp.ServerMetrics{}, false
	}
	return e.metrics, true
}

// AllServerMetrics returns the metrics of every server keyed by id.
func (r *Registry) AllServerMetrics() map[string]mcp.ServerMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]mcp.ServerMetrics, len(r.servers))
	for id, e := range r.servers {
		out[id] = e.metrics
	}
	return out
}

// ServerScore returns the current score of id.
func (r *Registry) ServerScore(id string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.servers[id]
	if !ok {
		return 0, false
	}
	return e.score, true
}

// MetricsHistory returns up to limit of the most recent history points of id,
// oldest first. A limit <= 0 returns the whole history.
func (r *Registry) MetricsHistory(id string, limit int) []MetricsPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.servers[id]
	if !ok {
		return nil
	}
	h := e.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]MetricsPoint, len(h))
	copy(out, h)
	return out
}

// Stats summarises the registry.
type Stats struct {
	TotalServers    int `json:"totalServers"`
	HealthyServers  int `json:"healthyServers"`
	DegradedServers int `json:"degradedServers"`
	FailedServers   int `json:"failedServers"`
	TotalTools      int `json:"totalTools"`

	// AverageResponseTime is the mean of the per-server averages.
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	TotalRequests       int64         `json:"totalRequests"`

	// SystemLoad is the mean server load.
	SystemLoad       float64    `json:"systemLoad"`
	TotalMemoryUsage uint64     `json:"totalMemoryUsage"`
	Queries          QueryStats `json:"queries"`
}

// Stats returns a snapshot summary.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	var s Stats
	var rtSum time.Duration
	var loadSum float64
	for _, e := range r.servers {
		s.TotalServers++
		switch e.info.Status {
		case mcp.StatusHealthy:
			s.HealthyServers++
		case mcp.StatusDegraded:
			s.DegradedServers++
		case mcp.StatusFailed:
			s.FailedServers++
		}
		rtSum += e.metrics.AverageResponseTime
		loadSum += e.metrics.Load
		s.TotalRequests += e.metrics.TotalRequests
		s.TotalMemoryUsage += e.metrics.MemoryUsage
	}
	s.TotalTools = len(r.tools)
	r.mu.RUnlock()

	if s.TotalServers > 0 {
		s.AverageResponseTime = rtSum / time.Duration(s.TotalServers)
		s.SystemLoad = loadSum / float64(s.TotalServers)
	}
	s.Queries = r.queries.stats()
	return s
}
