package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

const (
	defaultResponseTimeThreshold = time.Second

	// neutralProfileScore replaces the profile-driven components when the
	// agent has no learned profile.
	neutralProfileScore = 0.25
)

// AgentStrategy scores candidates against the learned profile of the
// requesting agent: its latency threshold, minimum success rate, load ceiling,
// historical satisfaction with the tool and manual server preferences.
type AgentStrategy struct{}

// Name implements [Strategy].
func (*AgentStrategy) Name() string { return AgentOptimized }

// Evaluate implements [Strategy].
func (a *AgentStrategy) Evaluate(_ context.Context, candidates []*mcp.ServerInfo, rc mcp.RoutingContext, env Env) (*mcp.RoutingDecision, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	viable := make([]*mcp.ServerInfo, 0, len(candidates))
	for _, s := range candidates {
		if s.Status.Usable() {
			viable = append(viable, s)
		}
	}
	if len(viable) == 0 {
		viable = candidates
	}

	profile, hasProfile := env.profile(rc.AgentID)
	now := env.now()
	ranked := rank(viable, func(s *mcp.ServerInfo) float64 {
		return agentScore(s, rc, profile, env, now)
	})
	best := ranked[0]

	var reasoning string
	if hasProfile {
		who := profile.Name
		if who == "" {
			who = profile.AgentID
		}
		reasoning = fmt.Sprintf("Agent-optimized for %s: %s (score %.2f)", who, best.server.Name, best.score)
	} else {
		reasoning = fmt.Sprintf("Agent-optimized (fallback): %s (score %.2f)", best.server.Name, best.score)
	}
	return &mcp.RoutingDecision{
		SelectedServer: best.server,
		Confidence:     best.score,
		Reasoning:      reasoning,
		Alternatives:   servers(ranked[1:], 2),
	}, nil
}

func agentScore(s *mcp.ServerInfo, rc mcp.RoutingContext, profile *mcp.AgentProfile, env Env, now time.Time) float64 {
	var score float64
	switch s.Status {
	case mcp.StatusHealthy:
		score = 0.3
	case mcp.StatusDegraded:
		score = 0.15
	case mcp.StatusFailed:
		return 0
	}

	if profile == nil {
		score += neutralProfileScore
	} else {
		prefs := profile.Preferences
		w := prefs.Weights

		threshold := prefs.ResponseTimeThreshold
		if threshold <= 0 {
			threshold = defaultResponseTimeThreshold
		}
		score += w.ResponseTime * 0.25 * max(0, 1-float64(s.ResponseTime)/float64(threshold))

		if m, ok := env.metrics(s.ID); ok {
			if rel, known := m.SuccessRate(); known && prefs.MinSuccessRate < 1 {
				score += w.Reliability * 0.25 * max(0, (rel-prefs.MinSuccessRate)/(1-prefs.MinSuccessRate))
			}
			if prefs.MaxServerLoad > 0 {
				score += w.Load * 0.1 * max(0, (prefs.MaxServerLoad-m.Load)/prefs.MaxServerLoad)
			}
		}

		if avg, ok := profile.ToolUsage[rc.ToolName].AverageSatisfaction(); ok {
			score += w.Satisfaction * 0.1 * avg
		}
		if sp, ok := prefs.ServerPreferences[s.ID]; ok && sp.Active(now) {
			score += clampPreference(sp.Preference) * 0.1
		}
	}

	if s.HasTool(rc.ToolName) {
		score += 0.1
	}
	return clamp01(score)
}
