package mcp

import (
	"encoding/json"
	"slices"
	"time"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerStatus is the health classification of a registered server.
type ServerStatus string

const (
	StatusHealthy  ServerStatus = "healthy"
	StatusDegraded ServerStatus = "degraded"
	StatusFailed   ServerStatus = "failed"
	StatusUnknown  ServerStatus = "unknown"
	StatusStarting ServerStatus = "starting"
	StatusStopping ServerStatus = "stopping"
)

// IsValid reports whether s is a recognised status.
func (s ServerStatus) IsValid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusFailed, StatusUnknown, StatusStarting, StatusStopping:
		return true
	}
	return false
}

// Usable reports whether a server in this status may receive traffic from
// strategies that accept degraded servers.
func (s ServerStatus) Usable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// ServerConfig is the launch or connection descriptor of a server. The routing
// core treats it as opaque; only the discovery adapter interprets it.
type ServerConfig struct {
	Transport Transport         `json:"transport,omitempty" yaml:"transport"`
	Command   string            `json:"command,omitempty" yaml:"command"`
	Args      []string          `json:"args,omitempty" yaml:"args"`
	Env       map[string]string `json:"env,omitempty" yaml:"env"`
	Cwd       string            `json:"cwd,omitempty" yaml:"cwd"`
	URL       string            `json:"url,omitempty" yaml:"url"`
	Options   map[string]any    `json:"options,omitempty" yaml:"options"`
}

// ToolCapability is a single tool advertised by a server.
type ToolCapability struct {
	// Name is used for tool matching.
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Category     string          `json:"category,omitempty"`
	Permissions  []string        `json:"permissions,omitempty"`

	// EstimatedExecutionTime is the server's own latency hint.
	EstimatedExecutionTime time.Duration `json:"estimatedExecutionTime,omitempty"`
}

// ServerMetadata carries descriptive, non-routing information.
type ServerMetadata struct {
	Version         string   `json:"version,omitempty"`
	Description     string   `json:"description,omitempty"`
	Vendor          string   `json:"vendor,omitempty"`
	ProtocolVersion string   `json:"protocolVersion,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Resources       []string `json:"resources,omitempty"`
}

// ServerInfo describes one backend server known to the registry.
type ServerInfo struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Config *ServerConfig `json:"config"`
	Status ServerStatus  `json:"status"`

	// Capabilities must be non-nil; an empty slice is a server with no tools.
	Capabilities []ToolCapability `json:"capabilities"`

	ResponseTime    time.Duration   `json:"responseTime"`
	FailureCount    int             `json:"failureCount"`
	LastHealthCheck time.Time       `json:"lastHealthCheck"`
	Metadata        *ServerMetadata `json:"metadata,omitempty"`
}

// HasTool reports whether s advertises a capability called name.
func (s *ServerInfo) HasTool(name string) bool {
	for _, c := range s.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ToolNames returns the distinct capability names of s in advertised order.
func (s *ServerInfo) ToolNames() []string {
	names := make([]string, 0, len(s.Capabilities))
	for _, c := range s.Capabilities {
		if !slices.Contains(names, c.Name) {
			names = append(names, c.Name)
		}
	}
	return names
}

// Clone returns a deep copy of s so callers can never mutate registry state.
func (s *ServerInfo) Clone() *ServerInfo {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Config != nil {
		cfg := *s.Config
		cfg.Args = slices.Clone(s.Config.Args)
		if s.Config.Env != nil {
			cfg.Env = make(map[string]string, len(s.Config.Env))
			for k, v := range s.Config.Env {
				cfg.Env[k] = v
			}
		}
		if s.Config.Options != nil {
			cfg.Options = make(map[string]any, len(s.Config.Options))
			for k, v := range s.Config.Options {
				cfg.Options[k] = v
			}
		}
		cp.Config = &cfg
	}
	if s.Capabilities != nil {
		cp.Capabilities = make([]ToolCapability, len(s.Capabilities))
		for i, c := range s.Capabilities {
			c.InputSchema = slices.Clone(c.InputSchema)
			c.OutputSchema = slices.Clone(c.OutputSchema)
			c.Permissions = slices.Clone(c.Permissions)
			cp.Capabilities[i] = c
		}
	}
	if s.Metadata != nil {
		md := *s.Metadata
		md.Tags = slices.Clone(s.Metadata.Tags)
		md.Resources = slices.Clone(s.Metadata.Resources)
		cp.Metadata = &md
	}
	return &cp
}

// ServerMetrics is the running performance record of one server.
type ServerMetrics struct {
	TotalRequests       int64         `json:"totalRequests"`
	SuccessfulRequests  int64         `json:"successfulRequests"`
	FailedRequests      int64         `json:"failedRequests"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	UptimePercentage    float64       `json:"uptimePercentage"`

	// Load is the utilisation in [0,1].
	Load        float64   `json:"load"`
	Throughput  float64   `json:"throughput"`
	ErrorRate   float64   `json:"errorRate"`
	MemoryUsage uint64    `json:"memoryUsage,omitempty"`
	CPUUsage    float64   `json:"cpuUsage,omitempty"`
	LastRequest time.Time `json:"lastRequestTime,omitempty"`
}

// SuccessRate returns successful/total and whether any request was observed.
func (m ServerMetrics) SuccessRate() (float64, bool) {
	if m.TotalRequests <= 0 {
		return 0, false
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests), true
}

// MetricsUpdate is a partial [ServerMetrics] update. Nil fields are left
// untouched. Status and FailureCount let discovery push health transitions
// through the same call.
type MetricsUpdate struct {
	TotalRequests       *int64         `json:"totalRequests,omitempty"`
	SuccessfulRequests  *int64         `json:"successfulRequests,omitempty"`
	FailedRequests      *int64         `json:"failedRequests,omitempty"`
	AverageResponseTime *time.Duration `json:"averageResponseTime,omitempty"`
	UptimePercentage    *float64       `json:"uptimePercentage,omitempty"`
	Load                *float64       `json:"load,omitempty"`
	Throughput          *float64       `json:"throughput,omitempty"`
	ErrorRate           *float64       `json:"errorRate,omitempty"`
	MemoryUsage         *uint64        `json:"memoryUsage,omitempty"`
	CPUUsage            *float64       `json:"cpuUsage,omitempty"`
	LastRequest         *time.Time     `json:"lastRequestTime,omitempty"`

	Status       *ServerStatus `json:"status,omitempty"`
	FailureCount *int          `json:"failureCount,omitempty"`
}

// Ptr returns a pointer to v. It keeps [MetricsUpdate] literals short.
func Ptr[T any](v T) *T {
	return &v
}

// ToolResult holds the outcome of a single tool execution performed through
// an [Invoker].
type ToolResult struct {
	// Content is the concatenated text output of the tool.
	Content string

	// IsError marks an application-level failure reported by the tool itself.
	IsError bool

	// Duration is the wall-clock time of the call.
	Duration time.Duration
}
