package routing

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// Scoring constants shared by the weighted strategies.
const (
	responseTimeCap = 5 * time.Second

	// neutralSuccessRate stands in for servers without observed traffic.
	neutralSuccessRate = 0.75
	neutralLoad        = 0.5
	neutralPreference  = 0.5

	priorityBoost = 1.1
)

// PerformanceStrategy scores every viable candidate with the configured
// [Weights] and selects the highest score.
//
// Viable candidates are healthy or degraded servers that meet the request's
// requirements. A strict strategy fails with [ErrRequirementsUnmet] when
// requirements were given and no candidate meets them; a relaxed one falls
// back to every candidate instead.
type PerformanceStrategy struct {
	tunable
	name   string
	strict bool
}

// NewPerformanceStrategy creates a weighted strategy registered as name.
func NewPerformanceStrategy(name string, strict bool) *PerformanceStrategy {
	return &PerformanceStrategy{name: name, strict: strict}
}

// Name implements [Strategy].
func (p *PerformanceStrategy) Name() string { return p.name }

// Evaluate implements [Strategy].
func (p *PerformanceStrategy) Evaluate(_ context.Context, candidates []*mcp.ServerInfo, rc mcp.RoutingContext, env Env) (*mcp.RoutingDecision, error) {
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	viable, err := viableCandidates(candidates, rc, env, p.strict)
	if err != nil {
		return nil, err
	}

	w := p.Config().Weights
	ranked := rank(viable, func(s *mcp.ServerInfo) float64 {
		return weightedScore(s, rc, env, w)
	})
	best := ranked[0]

	label := "Performance-first"
	if p.strict {
		label = "Performance-weighted"
	}
	return &mcp.RoutingDecision{
		SelectedServer: best.server,
		Confidence:     best.score,
		Reasoning: fmt.Sprintf("%s selection: %s (score %.2f, status %s, response time %v)",
			label, best.server.Name, best.score, best.server.Status, best.server.ResponseTime),
		Alternatives: servers(ranked[1:], 3),
	}, nil
}

// viableCandidates applies the requirement and status filters.
func viableCandidates(candidates []*mcp.ServerInfo, rc mcp.RoutingContext, env Env, strict bool) ([]*mcp.ServerInfo, error) {
	qualified := make([]*mcp.ServerInfo, 0, len(candidates))
	for _, s := range candidates {
		m, ok := env.metrics(s.ID)
		if meetsRequirements(s, m, ok, rc.Requirements) {
			qualified = append(qualified, s)
		}
	}
	if len(qualified) == 0 {
		if strict && !rc.Requirements.IsZero() {
			return nil, ErrRequirementsUnmet
		}
		qualified = candidates
	}

	usable := make([]*mcp.ServerInfo, 0, len(qualified))
	for _, s := range qualified {
		if s.Status.Usable() {
			usable = append(usable, s)
		}
	}
	if len(usable) == 0 {
		return qualified, nil
	}
	return usable, nil
}

// weightedScore blends status, latency, success rate, load and the agent's
// manual preference. The result is in [0,1].
func weightedScore(s *mcp.ServerInfo, rc mcp.RoutingContext, env Env, w Weights) float64 {
	rt := min(max(s.ResponseTime, 0), responseTimeCap)
	rtScore := 1 - float64(rt)/float64(responseTimeCap)

	successRate, loadScore := neutralSuccessRate, neutralLoad
	if m, ok := env.metrics(s.ID); ok {
		if rate, known := m.SuccessRate(); known {
			successRate = rate
		}
		loadScore = clamp01(1 - m.Load)
	}

	score := w.Availability*statusWeight(s.Status) +
		w.Performance*(0.6*rtScore+0.4*successRate) +
		w.Load*loadScore

	if w.Preference > 0 {
		pref := neutralPreference
		if profile, ok := env.profile(rc.AgentID); ok {
			if sp, ok := profile.Preferences.ServerPreferences[s.ID]; ok && sp.Active(env.now()) {
				pref = (clampPreference(sp.Preference) + 1) / 2
			}
		}
		score += w.Preference * pref
	}

	if rc.EffectivePriority() >= mcp.HighPriority {
		score *= priorityBoost
	}
	return clamp01(score)
}

func clampPreference(v float64) float64 {
	return max(-1, min(1, v))
}

type scored struct {
	server *mcp.ServerInfo
	score  float64
}

// rank scores servers and sorts them by descending score. Ties keep the
// input order.
func rank(in []*mcp.ServerInfo, score func(*mcp.ServerInfo) float64) []scored {
	out := make([]scored, len(in))
	for i, s := range in {
		out[i] = scored{server: s, score: score(s)}
	}
	slices.SortStableFunc(out, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})
	return out
}

func servers(in []scored, n int) []*mcp.ServerInfo {
	out := make([]*mcp.ServerInfo, 0, min(len(in), n))
	for _, s := range in {
		if len(out) == n {
			break
		}
		out = append(out, s.server)
	}
	return out
}
