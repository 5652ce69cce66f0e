package mcp

import "time"

// DefaultPriority is applied when a [RoutingContext] carries priority 0.
const DefaultPriority = 5

// HighPriority is the threshold at which performance-first routing is forced
// and performance scores receive a boost.
const HighPriority = 8

// Requirements constrain the servers a decision may select. Zero fields are
// unconstrained.
type Requirements struct {
	MaxResponseTime time.Duration `json:"maxResponseTime,omitempty"`
	MinSuccessRate  float64       `json:"minSuccessRate,omitempty"`
	MaxLoad         float64       `json:"maxLoad,omitempty"`
}

// IsZero reports whether r imposes no constraint.
func (r *Requirements) IsZero() bool {
	return r == nil || (r.MaxResponseTime == 0 && r.MinSuccessRate == 0 && r.MaxLoad == 0)
}

// RoutingContext is one request for a routing decision.
type RoutingContext struct {
	// ToolName is required.
	ToolName string
	AgentID  string

	// Priority must be >= 0. Zero selects [DefaultPriority].
	Priority     int
	Requirements *Requirements

	// Timeout overrides the router's decision timeout when non-nil. A zero
	// timeout can never be met.
	Timeout *time.Duration
}

// EffectivePriority returns the priority with the default applied.
func (c RoutingContext) EffectivePriority() int {
	if c.Priority == 0 {
		return DefaultPriority
	}
	return c.Priority
}

// RoutingDecision is the outcome of one routing evaluation. Decisions are
// shared by the decision cache and must not be modified.
type RoutingDecision struct {
	SelectedServer *ServerInfo
	Confidence     float64
	Reasoning      string
	Alternatives   []*ServerInfo
	Timestamp      time.Time
	DecisionTime   time.Duration

	// Strategy is the name of the strategy that produced the decision.
	Strategy string
}

// PreferenceWeights blend the components of agent-optimized scoring.
type PreferenceWeights struct {
	ResponseTime float64 `json:"responseTime" yaml:"response_time"`
	Reliability  float64 `json:"reliability" yaml:"reliability"`
	Load         float64 `json:"load" yaml:"load"`
	Satisfaction float64 `json:"satisfaction" yaml:"satisfaction"`
}

// ServerPreference is a learned or manual bias toward one server, in [-1,1].
type ServerPreference struct {
	ServerID   string    `json:"serverId"`
	Preference float64   `json:"preference"`
	Reason     string    `json:"reason,omitempty"`
	SetAt      time.Time `json:"setAt"`
	ExpiresAt  time.Time `json:"expiresAt,omitzero"`
}

// Active reports whether p has not expired at now.
func (p ServerPreference) Active(now time.Time) bool {
	return p.ExpiresAt.IsZero() || p.ExpiresAt.After(now)
}

// AgentPreferences are the per-agent routing thresholds.
type AgentPreferences struct {
	ResponseTimeThreshold time.Duration               `json:"responseTimeThreshold"`
	MinSuccessRate        float64                     `json:"minSuccessRate"`
	MaxServerLoad         float64                     `json:"maxServerLoad"`
	Weights               PreferenceWeights           `json:"weights"`
	ServerPreferences     map[string]ServerPreference `json:"serverPreferences,omitempty"`
}

// ToolUsage is an agent's usage pattern for one tool.
type ToolUsage struct {
	ToolName            string    `json:"toolName"`
	Frequency           float64   `json:"frequency"`
	SatisfactionHistory []float64 `json:"satisfactionHistory,omitempty"`
	LastUsed            time.Time `json:"lastUsed"`
}

// AverageSatisfaction returns the mean of the satisfaction history and
// whether any history exists.
func (u *ToolUsage) AverageSatisfaction() (float64, bool) {
	if u == nil || len(u.SatisfactionHistory) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range u.SatisfactionHistory {
		sum += s
	}
	return sum / float64(len(u.SatisfactionHistory)), true
}

// AgentProfile is the learned routing profile of one agent.
type AgentProfile struct {
	AgentID       string                `json:"agentId"`
	Name          string                `json:"name"`
	Category      string                `json:"category"`
	ToolUsage     map[string]*ToolUsage `json:"toolUsage,omitempty"`
	Preferences   AgentPreferences      `json:"preferences"`
	TotalRequests int64                 `json:"totalRequests"`
	CreatedAt     time.Time             `json:"createdAt"`
	LastActivity  time.Time             `json:"lastActivity"`
}

// PerformanceRecord is one observed tool execution outcome fed back into the
// registry and the preference engine.
type PerformanceRecord struct {
	ServerID     string
	ToolName     string
	AgentID      string
	ResponseTime time.Duration
	Success      bool

	// Satisfaction in [0,1]; nil when the caller has no rating.
	Satisfaction *float64
	Timestamp    time.Time
}
