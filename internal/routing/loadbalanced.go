package routing

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// LoadBalancedStrategy selects the least loaded healthy or degraded server.
type LoadBalancedStrategy struct{}

// Name implements [Strategy].
func (*LoadBalancedStrategy) Name() string { return LoadBalanced }

// Evaluate implements [Strategy].
func (l *LoadBalancedStrategy) Evaluate(_ context.Context, candidates []*mcp.ServerInfo, _ mcp.RoutingContext, env Env) (*mcp.RoutingDecision, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	viable := make([]*mcp.ServerInfo, 0, len(candidates))
	for _, s := range candidates {
		if s.Status.Usable() {
			viable = append(viable, s)
		}
	}
	confidence := 0.8
	if len(viable) == 0 {
		viable = candidates
		confidence = 0.5
	}

	byLoad := make([]scored, len(viable))
	for i, s := range viable {
		load := neutralLoad
		if m, ok := env.metrics(s.ID); ok {
			load = m.Load
		}
		byLoad[i] = scored{server: s, score: load}
	}
	slices.SortStableFunc(byLoad, func(a, b scored) int {
		return cmp.Compare(a.score, b.score)
	})

	best := byLoad[0]
	return &mcp.RoutingDecision{
		SelectedServer: best.server,
		Confidence:     confidence,
		Reasoning:      fmt.Sprintf("Load-balanced selection: %s (load %.2f)", best.server.Name, best.score),
		Alternatives:   servers(byLoad[1:], 2),
	}, nil
}
