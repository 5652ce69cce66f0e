package routing

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// RoundRobinStrategy rotates through the healthy candidates. The rotation
// index belongs to the instance and persists across calls and tools.
type RoundRobinStrategy struct {
	mu   sync.Mutex
	next int
}

// Name implements [Strategy].
func (*RoundRobinStrategy) Name() string { return RoundRobin }

// Evaluate implements [Strategy].
func (r *RoundRobinStrategy) Evaluate(_ context.Context, candidates []*mcp.ServerInfo, _ mcp.RoutingContext, _ Env) (*mcp.RoutingDecision, error) {
	healthy := make([]*mcp.ServerInfo, 0, len(candidates))
	for _, s := range candidates {
		if s.Status == mcp.StatusHealthy {
			healthy = append(healthy, s)
		}
	}
	if len(healthy) == 0 {
		return nil, ErrNoHealthyServers
	}

	r.mu.Lock()
	i := r.next % len(healthy)
	r.next = i + 1
	r.mu.Unlock()

	n := len(healthy)
	alts := make([]*mcp.ServerInfo, 0, min(n-1, 3))
	for k := 1; k < n && len(alts) < 3; k++ {
		alts = append(alts, healthy[(i+k)%n])
	}
	return &mcp.RoutingDecision{
		SelectedServer: healthy[i],
		Confidence:     0.7,
		Reasoning:      fmt.Sprintf("Round-robin selection: %s (%d of %d healthy servers)", healthy[i].Name, i+1, n),
		Alternatives:   alts,
	}, nil
}
