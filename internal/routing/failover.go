package routing

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// FailoverStrategy orders candidates by status tier and picks the first.
// Within a tier the configured weights break ties.
type FailoverStrategy struct {
	tunable
}

// Name implements [Strategy].
func (*FailoverStrategy) Name() string { return Failover }

func failoverTier(s mcp.ServerStatus) int {
	switch s {
	case mcp.StatusHealthy:
		return 0
	case mcp.StatusDegraded:
		return 1
	case mcp.StatusUnknown:
		return 2
	case mcp.StatusFailed:
		return 3
	}
	return 4
}

// Evaluate implements [Strategy].
func (f *FailoverStrategy) Evaluate(_ context.Context, candidates []*mcp.ServerInfo, rc mcp.RoutingContext, env Env) (*mcp.RoutingDecision, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	w := f.Config().Weights
	ranked := rank(candidates, func(s *mcp.ServerInfo) float64 {
		return weightedScore(s, rc, env, w)
	})
	slices.SortStableFunc(ranked, func(a, b scored) int {
		return cmp.Compare(failoverTier(a.server.Status), failoverTier(b.server.Status))
	})

	primary := ranked[0].server
	var confidence float64
	switch primary.Status {
	case mcp.StatusHealthy:
		confidence = 0.95
	case mcp.StatusDegraded:
		confidence = 0.7
	default:
		confidence = 0.3
	}
	return &mcp.RoutingDecision{
		SelectedServer: primary,
		Confidence:     confidence,
		Reasoning: fmt.Sprintf("Failover selection: %s is the first %s server of %d in priority order",
			primary.Name, primary.Status, len(ranked)),
		Alternatives: servers(ranked[1:], 3),
	}, nil
}
