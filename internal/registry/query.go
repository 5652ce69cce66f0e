package registry

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// SortKey orders [Registry.QueryServers] results.
type SortKey string

const (
	SortByScore        SortKey = "score"
	SortByPerformance  SortKey = "performance" // alias of SortByScore
	SortByUptime       SortKey = "uptime"
	SortByResponseTime SortKey = "responseTime"
	SortByLoad         SortKey = "load"
)

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// Query filters and orders servers. Zero fields do not filter.
type Query struct {
	ToolName string           `json:"toolName,omitempty"`
	Status   mcp.ServerStatus `json:"status,omitempty"`

	// Capabilities must all be advertised.
	Capabilities    []string      `json:"capabilities,omitempty"`
	MinUptime       float64       `json:"minUptime,omitempty"`
	MaxResponseTime time.Duration `json:"maxResponseTime,omitempty"`

	// Tags must all be present in the server metadata.
	Tags          []string `json:"tags,omitempty"`
	MinThroughput float64  `json:"minThroughput,omitempty"`

	SortBy SortKey `json:"sortBy,omitempty"`

	// SortDirection is "asc" or "desc" (default).
	SortDirection string `json:"sortDirection,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

// QueryStats describes query cache effectiveness.
type QueryStats struct {
	Hits             int64         `json:"hits"`
	Misses           int64         `json:"misses"`
	HitRate          float64       `json:"hitRate"`
	CachedQueries    int           `json:"cachedQueries"`
	AverageQueryTime time.Duration `json:"averageQueryTime"`
}

// QueryServers returns copies of the servers matching q. Results are cached
// for [Options.QueryCacheTTL] keyed by a hash of the encoded query; any
// mutation clears the cache.
func (r *Registry) QueryServers(q Query) []*mcp.ServerInfo {
	start := time.Now()
	key := queryKey(q)

	if hit, ok := r.queries.get(key); ok {
		r.queries.observe(time.Since(start))
		return cloneAll(hit)
	}

	gen := r.queries.generation()
	result := r.evaluate(q)
	r.queries.put(key, gen, result)
	r.queries.observe(time.Since(start))
	return cloneAll(result)
}

type scoredServer struct {
	info    *mcp.ServerInfo
	metrics mcp.ServerMetrics
	score   float64
}

func (r *Registry) evaluate(q Query) []*mcp.ServerInfo {
	r.mu.RLock()
	ids := r.order
	if q.ToolName != "" {
		t, ok := r.tools[q.ToolName]
		if !ok {
			r.mu.RUnlock()
			return []*mcp.ServerInfo{}
		}
		ids = t.serverIDs
	}
	matches := make([]scoredServer, 0, len(ids))
	for _, id := range ids {
		e, ok := r.servers[id]
		if !ok || !q.matches(e) {
			continue
		}
		matches = append(matches, scoredServer{info: e.info.Clone(), metrics: e.metrics, score: e.score})
	}
	r.mu.RUnlock()

	if q.SortBy != "" {
		desc := q.SortDirection != SortAsc
		slices.SortStableFunc(matches, func(a, b scoredServer) int {
			c := compareBy(q.SortBy, a, b)
			if desc {
				return -c
			}
			return c
		})
	}
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	out := make([]*mcp.ServerInfo, len(matches))
	for i, m := range matches {
		out[i] = m.info
	}
	return out
}

func (q Query) matches(e *serverEntry) bool {
	if q.Status != "" && e.info.Status != q.Status {
		return false
	}
	for _, c := range q.Capabilities {
		if !e.info.HasTool(c) {
			return false
		}
	}
	if q.MinUptime > 0 && e.metrics.UptimePercentage < q.MinUptime {
		return false
	}
	if q.MaxResponseTime > 0 && e.info.ResponseTime > q.MaxResponseTime {
		return false
	}
	if q.MinThroughput > 0 && e.metrics.Throughput < q.MinThroughput {
		return false
	}
	if len(q.Tags) > 0 {
		if e.info.Metadata == nil {
			return false
		}
		for _, tag := range q.Tags {
			if !slices.Contains(e.info.Metadata.Tags, tag) {
				return false
			}
		}
	}
	return true
}

func compareBy(key SortKey, a, b scoredServer) int {
	switch key {
	case SortByUptime:
		return cmp.Compare(a.metrics.UptimePercentage, b.metrics.UptimePercentage)
	case SortByResponseTime:
		return cmp.Compare(a.info.ResponseTime, b.info.ResponseTime)
	case SortByLoad:
		return cmp.Compare(a.metrics.Load, b.metrics.Load)
	default:
		return cmp.Compare(a.score, b.score)
	}
}

func queryKey(q Query) string {
	b, _ := json.Marshal(q)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func cloneAll(in []*mcp.ServerInfo) []*mcp.ServerInfo {
	out := make([]*mcp.ServerInfo, len(in))
	for i, s := range in {
		out[i] = s.Clone()
	}
	return out
}

type queryEntry struct {
	servers   []*mcp.ServerInfo
	expiresAt time.Time
}

// queryCache holds query results until they expire or the registry mutates.
// The generation counter keeps a result computed before a mutation from
// being stored after it.
type queryCache struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]queryEntry
	gen       uint64
	hits      int64
	misses    int64
	queries   int64
	totalTime time.Duration
}

func newQueryCache(ttl time.Duration, now func() time.Time) *queryCache {
	return &queryCache{ttl: ttl, now: now, entries: make(map[string]queryEntry)}
}

func (c *queryCache) get(key string) ([]*mcp.ServerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok && c.now().After(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.servers, true
}

func (c *queryCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *queryCache) put(key string, gen uint64, servers []*mcp.ServerInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.entries[key] = queryEntry{servers: servers, expiresAt: c.now().Add(c.ttl)}
}

func (c *queryCache) observe(d time.Duration) {
	c.mu.Lock()
	c.queries++
	c.totalTime += d
	c.mu.Unlock()
}

func (c *queryCache) clear() {
	c.mu.Lock()
	c.gen++
	clear(c.entries)
	c.mu.Unlock()
}

func (c *queryCache) stats() QueryStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := QueryStats{Hits: c.hits, Misses: c.misses, CachedQueries: len(c.entries)}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if c.queries > 0 {
		s.AverageQueryTime = c.totalTime / time.Duration(c.queries)
	}
	return s
}
