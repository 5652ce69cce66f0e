package config

import (
	"maps"
	"reflect"
	"slices"

	"github.com/MrWong99/mcprouter/internal/routing"
)

// ConfigDiff describes what changed between two configs. Only settings the
// daemon can apply without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RouterChanged is set when default strategy, overrides, timeout or the
	// caching switch differ. Cache size and TTL need a restart.
	RouterChanged bool

	// StrategyChanges maps strategy names to their new weights. Strategies
	// removed from the file map to [routing.DefaultStrategyConfig].
	StrategyChanges map[string]routing.StrategyConfig

	BreakerDefaultsChanged bool

	// ResilienceChanged is set when any resilience option differs.
	ResilienceChanged bool

	// Server ids, sorted.
	ServersAdded   []string
	ServersRemoved []string
	ServersChanged []string
}

// Empty reports whether d carries no change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RouterChanged && len(d.StrategyChanges) == 0 &&
		!d.BreakerDefaultsChanged && !d.ResilienceChanged &&
		len(d.ServersAdded) == 0 && len(d.ServersRemoved) == 0 && len(d.ServersChanged) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.RouterChanged = !routerEqual(old.Router, new.Router)

	for name, sc := range new.Strategies {
		if prev, ok := old.Strategies[name]; !ok || prev != sc {
			if d.StrategyChanges == nil {
				d.StrategyChanges = make(map[string]routing.StrategyConfig)
			}
			d.StrategyChanges[name] = sc
		}
	}
	for name := range old.Strategies {
		if _, ok := new.Strategies[name]; !ok {
			if d.StrategyChanges == nil {
				d.StrategyChanges = make(map[string]routing.StrategyConfig)
			}
			d.StrategyChanges[name] = routing.DefaultStrategyConfig()
		}
	}

	d.BreakerDefaultsChanged = old.CircuitBreaker != new.CircuitBreaker
	d.ResilienceChanged = !reflect.DeepEqual(old.Resilience, new.Resilience)

	oldServers := make(map[string]int, len(old.Servers))
	for i, s := range old.Servers {
		oldServers[s.ID] = i
	}
	newServers := make(map[string]int, len(new.Servers))
	for i, s := range new.Servers {
		newServers[s.ID] = i
	}
	for id, i := range newServers {
		j, ok := oldServers[id]
		switch {
		case !ok:
			d.ServersAdded = append(d.ServersAdded, id)
		case !reflect.DeepEqual(old.Servers[j], new.Servers[i]):
			d.ServersChanged = append(d.ServersChanged, id)
		}
	}
	for id := range oldServers {
		if _, ok := newServers[id]; !ok {
			d.ServersRemoved = append(d.ServersRemoved, id)
		}
	}
	slices.Sort(d.ServersAdded)
	slices.Sort(d.ServersRemoved)
	slices.Sort(d.ServersChanged)

	return d
}

// routerEqual compares the hot-reloadable router fields.
func routerEqual(a, b routing.Config) bool {
	return a.DefaultStrategy == b.DefaultStrategy &&
		a.EnableCaching == b.EnableCaching &&
		a.DecisionTimeout == b.DecisionTimeout &&
		maps.Equal(a.ToolStrategies, b.ToolStrategies) &&
		maps.Equal(a.AgentStrategies, b.AgentStrategies)
}
