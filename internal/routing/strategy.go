// Package routing selects a backend server for each tool call.
//
// A [Router] resolves the candidate servers for a tool from the registry,
// picks a [Strategy] through tool, agent and priority overrides, evaluates it
// under a deadline and caches the resulting [mcp.RoutingDecision]. Strategies
// are pure functions of the candidates and the read-only [Env]; the only state
// a built-in strategy owns is its configuration and, for round-robin, the
// rotation index.
package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// Built-in strategy names.
const (
	PerformanceWeighted = "performance_weighted"
	PerformanceFirst    = "performance_first"
	RoundRobin          = "round_robin"
	Failover            = "failover"
	AgentOptimized      = "agent_optimized"
	LoadBalanced        = "load_balanced"
)

// Strategy failures. They are returned to the caller of [Router.Route]
// unchanged.
var (
	ErrNoCandidates      = mcp.NewError(mcp.ErrNotFound, "No candidate servers available")
	ErrRequirementsUnmet = mcp.NewError(mcp.ErrNotFound, "No servers meet requirements")
	ErrNoHealthyServers  = mcp.NewError(mcp.ErrNotFound, "No healthy servers available")

	// ErrStrategyPanic wraps a panic raised while a strategy evaluated.
	ErrStrategyPanic = errors.New("routing: strategy panicked")
)

// MetricsSource provides the current metrics of a server.
type MetricsSource interface {
	ServerMetrics(id string) (mcp.ServerMetrics, bool)
}

// ProfileSource provides learned agent profiles.
type ProfileSource interface {
	Profile(agentID string) (*mcp.AgentProfile, bool)
}

// Env is the read-only state a strategy may consult.
type Env struct {
	Metrics  MetricsSource
	Profiles ProfileSource
	Now      func() time.Time
}

func (e Env) metrics(id string) (mcp.ServerMetrics, bool) {
	if e.Metrics == nil {
		return mcp.ServerMetrics{}, false
	}
	return e.Metrics.ServerMetrics(id)
}

func (e Env) profile(agentID string) (*mcp.AgentProfile, bool) {
	if e.Profiles == nil || agentID == "" {
		return nil, false
	}
	return e.Profiles.Profile(agentID)
}

func (e Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Strategy picks one server out of candidates. candidates is never empty and
// holds copies the strategy may reorder. Implementations fill
// SelectedServer, Confidence, Reasoning and Alternatives; the router stamps
// the remaining decision fields.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, candidates []*mcp.ServerInfo, rc mcp.RoutingContext, env Env) (*mcp.RoutingDecision, error)
}

// Weights blend the score components of weighted strategies.
type Weights struct {
	Performance  float64 `json:"performance" yaml:"performance"`
	Availability float64 `json:"availability" yaml:"availability"`
	Load         float64 `json:"load" yaml:"load"`
	Preference   float64 `json:"preference" yaml:"preference"`
}

// StrategyConfig is the runtime-tunable part of a strategy.
type StrategyConfig struct {
	Weights Weights `json:"weights" yaml:"weights"`
}

// DefaultStrategyConfig returns the weights every built-in starts with.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{Weights: Weights{
		Performance:  0.5,
		Availability: 0.4,
		Load:         0.1,
	}}
}

// Validate reports negative weights and a configuration without a single
// positive weight.
func (c StrategyConfig) Validate() error {
	w := c.Weights
	var errs []error
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"performance", w.Performance},
		{"availability", w.Availability},
		{"load", w.Load},
		{"preference", w.Preference},
	} {
		if f.value < 0 {
			errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Weight "+f.name+" must not be negative"))
		}
	}
	if !(w.Performance > 0 || w.Availability > 0 || w.Load > 0 || w.Preference > 0) {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "At least one weight must be positive"))
	}
	return errors.Join(errs...)
}

// Configurable is implemented by strategies whose weights can be changed at
// runtime through [Router.UpdateStrategyConfig].
type Configurable interface {
	Config() StrategyConfig
	SetConfig(StrategyConfig) error
}

// tunable is embedded by the weighted built-in strategies. The zero value
// uses [DefaultStrategyConfig].
type tunable struct {
	mu  sync.RWMutex
	cfg *StrategyConfig
}

// Config returns the current configuration.
func (t *tunable) Config() StrategyConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cfg == nil {
		return DefaultStrategyConfig()
	}
	return *t.cfg
}

// SetConfig validates and installs cfg.
func (t *tunable) SetConfig(cfg StrategyConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	t.cfg = &cfg
	t.mu.Unlock()
	return nil
}

// BuiltinStrategies returns a fresh instance of every built-in strategy.
func BuiltinStrategies() []Strategy {
	return []Strategy{
		NewPerformanceStrategy(PerformanceWeighted, true),
		NewPerformanceStrategy(PerformanceFirst, false),
		&RoundRobinStrategy{},
		&FailoverStrategy{},
		&AgentStrategy{},
		&LoadBalancedStrategy{},
	}
}

// StrategyFunc adapts a function to [Strategy].
type StrategyFunc struct {
	StrategyName string
	Fn           func(ctx context.Context, candidates []*mcp.ServerInfo, rc mcp.RoutingContext, env Env) (*mcp.RoutingDecision, error)
}

// Name implements [Strategy].
func (f StrategyFunc) Name() string { return f.StrategyName }

// Evaluate implements [Strategy].
func (f StrategyFunc) Evaluate(ctx context.Context, candidates []*mcp.ServerInfo, rc mcp.RoutingContext, env Env) (*mcp.RoutingDecision, error) {
	return f.Fn(ctx, candidates, rc, env)
}

// statusWeight maps a status onto [0,1] for scoring.
func statusWeight(s mcp.ServerStatus) float64 {
	switch s {
	case mcp.StatusHealthy:
		return 1
	case mcp.StatusDegraded:
		return 0.5
	}
	return 0
}

// meetsRequirements reports whether a server with metrics m (ok=false when
// unknown) satisfies req. Servers without observed traffic pass the
// success-rate constraint.
func meetsRequirements(s *mcp.ServerInfo, m mcp.ServerMetrics, ok bool, req *mcp.Requirements) bool {
	if req.IsZero() {
		return true
	}
	if req.MaxResponseTime > 0 && s.ResponseTime > req.MaxResponseTime {
		return false
	}
	if req.MinSuccessRate > 0 && ok {
		if rate, known := m.SuccessRate(); known && rate < req.MinSuccessRate {
			return false
		}
	}
	if req.MaxLoad > 0 && ok && m.Load > req.MaxLoad {
		return false
	}
	return true
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
