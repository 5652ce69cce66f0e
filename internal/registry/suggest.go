package registry

import (
	"maps"
	"slices"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

const maxSuggestions = 3

// SuggestTools returns up to three registered tool names resembling name,
// closest first. Subsequence matches rank ahead of small edit distances.
func (r *Registry) SuggestTools(name string) []string {
	if name == "" {
		return nil
	}
	r.mu.RLock()
	tools := slices.Sorted(maps.Keys(r.tools))
	r.mu.RUnlock()

	var out []string
	ranks := fuzzy.RankFindNormalizedFold(name, tools)
	slices.SortStableFunc(ranks, func(a, b fuzzy.Rank) int { return a.Distance - b.Distance })
	for _, rk := range ranks {
		if rk.Target != name {
			out = append(out, rk.Target)
		}
	}

	type near struct {
		tool string
		dist int
	}
	var typos []near
	lower := strings.ToLower(name)
	for _, tool := range tools {
		if tool == name || slices.Contains(out, tool) {
			continue
		}
		if d := fuzzy.LevenshteinDistance(lower, strings.ToLower(tool)); d <= 2 {
			typos = append(typos, near{tool, d})
		}
	}
	slices.SortStableFunc(typos, func(a, b near) int { return a.dist - b.dist })
	for _, t := range typos {
		out = append(out, t.tool)
	}

	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}
