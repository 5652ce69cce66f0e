// Package discovery connects the control plane to real MCP servers.
//
// A [Host] dials each configured server with the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk) over stdio or streamable HTTP,
// converts the advertised tool catalogue into [mcp.ToolCapability] records and
// registers the server with the registry. Afterwards it serves as the
// [mcp.Prober] for health monitoring (MCP ping) and as the [mcp.Invoker] the
// resilience layer calls once a server has been selected. Stdio server
// processes are sampled with gopsutil so their memory and CPU usage flow into
// the registry metrics.
//
// Typical usage:
//
//	h := discovery.New(reg)
//	defer h.Close()
//
//	err := h.Connect(ctx, discovery.ServerSpec{
//	    ID:   "fs-1",
//	    Name: "filesystem",
//	    Config: mcp.ServerConfig{
//	        Transport: mcp.TransportStdio,
//	        Command:   "mcp-server-filesystem",
//	        Args:      []string{"/srv/data"},
//	    },
//	})
//
//	res, err := h.CallTool(ctx, "fs-1", "read_file", `{"path":"a.txt"}`)
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// Registrar is the part of the registry discovery pushes into.
type Registrar interface {
	RegisterServer(info *mcp.ServerInfo) error
	UnregisterServer(id string) bool
	UpdateServerMetrics(id string, u mcp.MetricsUpdate) bool
}

// ServerSpec describes one server to connect.
type ServerSpec struct {
	ID     string           `yaml:"id"`
	Name   string           `yaml:"name"`
	Config mcp.ServerConfig `yaml:",inline"`
	Tags   []string         `yaml:"tags"`
}

// Validate reports the first problem with s.
func (s ServerSpec) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return mcp.NewError(mcp.ErrConfiguration, "Server ID is required")
	case strings.TrimSpace(s.Name) == "":
		return mcp.NewError(mcp.ErrConfiguration, fmt.Sprintf("Server %s: name is required", s.ID))
	case !s.Config.Transport.IsValid():
		return mcp.NewError(mcp.ErrConfiguration,
			fmt.Sprintf("Server %s: unknown transport %q", s.ID, s.Config.Transport))
	case s.Config.Transport == mcp.TransportStdio && strings.TrimSpace(s.Config.Command) == "":
		return mcp.NewError(mcp.ErrConfiguration, fmt.Sprintf("Server %s: stdio transport requires a command", s.ID))
	case s.Config.Transport == mcp.TransportStreamableHTTP && s.Config.URL == "":
		return mcp.NewError(mcp.ErrConfiguration, fmt.Sprintf("Server %s: streamable-http transport requires a url", s.ID))
	}
	return nil
}

// conn is a live session with one server.
type conn struct {
	spec    ServerSpec
	session *mcpsdk.ClientSession

	// pid is the process id of a stdio server, zero otherwise.
	pid int32
}

// Host owns the client sessions of all connected servers. The zero value is
// not usable; create instances with [New].
type Host struct {
	reg    Registrar
	client *mcpsdk.Client

	connectTimeout time.Duration
	now            func() time.Time

	mu    sync.RWMutex
	conns map[string]*conn

	samplerCancel context.CancelFunc
	samplerDone   chan struct{}
}

var (
	_ mcp.Prober  = (*Host)(nil)
	_ mcp.Invoker = (*Host)(nil)
)

// Option configures a [Host].
type Option func(*Host)

// WithConnectTimeout bounds the handshake and tool listing of [Host.Connect].
// The default is 30s.
func WithConnectTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.connectTimeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// New creates a Host that registers connected servers with reg.
func New(reg Registrar, opts ...Option) *Host {
	h := &Host{
		reg: reg,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "mcprouter", Version: "1.0.0"},
			nil,
		),
		connectTimeout: 30 * time.Second,
		now:            time.Now,
		conns:          make(map[string]*conn),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Connect dials the server described by spec, lists its tools and registers
// it. An existing connection with the same id is closed and replaced.
func (h *Host) Connect(ctx context.Context, spec ServerSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	transport, cmd := buildTransport(spec.Config)
	return h.connect(ctx, spec, transport, cmd)
}

// buildTransport turns a server config into an SDK transport. For stdio the
// spawned command is returned as well so its pid can be sampled.
func buildTransport(cfg mcp.ServerConfig) (mcpsdk.Transport, *exec.Cmd) {
	if cfg.Transport == mcp.TransportStreamableHTTP {
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	}
	executable, args := splitCommand(cfg.Command)
	args = append(args, cfg.Args...)
	// Not CommandContext: the process must outlive the connect deadline.
	cmd := exec.Command(executable, args...)
	cmd.Dir = cfg.Cwd
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	return &mcpsdk.CommandTransport{Command: cmd}, cmd
}

func (h *Host) connect(ctx context.Context, spec ServerSpec, transport mcpsdk.Transport, cmd *exec.Cmd) error {
	ctx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	defer cancel()

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("discovery: connect to server %q: %w", spec.ID, err)
	}

	caps := []mcp.ToolCapability{}
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("discovery: list tools of server %q: %w", spec.ID, err)
		}
		caps = append(caps, toCapability(tool))
	}

	c := &conn{spec: spec, session: session}
	if cmd != nil && cmd.Process != nil {
		c.pid = int32(cmd.Process.Pid)
	}

	cfg := spec.Config
	info := &mcp.ServerInfo{
		ID:              spec.ID,
		Name:            spec.Name,
		Config:          &cfg,
		Status:          mcp.StatusHealthy,
		Capabilities:    caps,
		LastHealthCheck: h.now(),
		Metadata:        metadataOf(session, spec.Tags),
	}
	if err := h.reg.RegisterServer(info); err != nil {
		_ = session.Close()
		return fmt.Errorf("discovery: register server %q: %w", spec.ID, err)
	}

	h.mu.Lock()
	old := h.conns[spec.ID]
	h.conns[spec.ID] = c
	h.mu.Unlock()
	if old != nil {
		_ = old.session.Close()
	}

	slog.Info("mcp server connected",
		"server_id", spec.ID, "transport", spec.Config.Transport, "tools", len(caps))
	return nil
}

// metadataOf reads the implementation details the server sent during the
// handshake.
func metadataOf(session *mcpsdk.ClientSession, tags []string) *mcp.ServerMetadata {
	md := &mcp.ServerMetadata{Tags: slices.Clone(tags)}
	if init := session.InitializeResult(); init != nil {
		md.ProtocolVersion = init.ProtocolVersion
		md.Description = init.Instructions
		if init.ServerInfo != nil {
			md.Vendor = init.ServerInfo.Name
			md.Version = init.ServerInfo.Version
		}
	}
	return md
}

// toCapability converts an SDK tool into a capability record.
func toCapability(t *mcpsdk.Tool) mcp.ToolCapability {
	c := mcp.ToolCapability{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: marshalSchema(t.InputSchema),
	}
	if t.OutputSchema != nil {
		c.OutputSchema = marshalSchema(t.OutputSchema)
	}
	if t.Annotations != nil && t.Annotations.ReadOnlyHint {
		c.Permissions = []string{"read"}
	}
	if ms := latencyHint(c.InputSchema, t.Description); ms > 0 {
		c.EstimatedExecutionTime = time.Duration(ms) * time.Millisecond
	}
	return c
}

// marshalSchema normalises any schema value into raw JSON. A nil or
// unencodable schema becomes an empty object schema.
func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	if raw, ok := schema.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// latencyHint reads estimated_duration_ms from a "_metadata" schema property
// or from a JSON object embedded in the description.
func latencyHint(schema json.RawMessage, desc string) int64 {
	var s struct {
		Properties struct {
			Metadata map[string]any `json:"_metadata"`
		} `json:"properties"`
	}
	if json.Unmarshal(schema, &s) == nil {
		if ms := extractInt64(s.Properties.Metadata, "estimated_duration_ms"); ms > 0 {
			return ms
		}
	}

	start := strings.Index(desc, "{")
	end := strings.LastIndex(desc, "}")
	if start < 0 || end < start {
		return 0
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(desc[start:end+1]), &m); err != nil {
		return 0
	}
	return extractInt64(m, "estimated_duration_ms")
}

func extractInt64(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

// Disconnect closes the session with id and unregisters the server. It
// reports whether the server was connected.
func (h *Host) Disconnect(id string) bool {
	h.mu.Lock()
	c, ok := h.conns[id]
	delete(h.conns, id)
	h.mu.Unlock()
	if !ok {
		return false
	}
	if err := c.session.Close(); err != nil {
		slog.Warn("closing mcp session", "server_id", id, "err", err)
	}
	h.reg.UnregisterServer(id)
	return true
}

// Connected returns the ids of all connected servers in sorted order.
func (h *Host) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (h *Host) lookup(id string) (*conn, error) {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return nil, mcp.NewError(mcp.ErrNotFound, "Server not connected: "+id)
	}
	return c, nil
}

// Probe implements [mcp.Prober] with an MCP ping.
func (h *Host) Probe(ctx context.Context, serverID string) error {
	c, err := h.lookup(serverID)
	if err != nil {
		return err
	}
	return c.session.Ping(ctx, nil)
}

// CallTool implements [mcp.Invoker]. args must be a JSON object or empty.
func (h *Host) CallTool(ctx context.Context, serverID, tool, args string) (*mcp.ToolResult, error) {
	c, err := h.lookup(serverID)
	if err != nil {
		return nil, err
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, mcp.NewError(mcp.ErrValidation,
				fmt.Sprintf("Invalid arguments for tool %s: %v", tool, err))
		}
	}

	start := h.now()
	res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: argsMap})
	if err != nil {
		return nil, fmt.Errorf("discovery: call %s on %s: %w", tool, serverID, err)
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &mcp.ToolResult{
		Content:  sb.String(),
		IsError:  res.IsError,
		Duration: h.now().Sub(start),
	}, nil
}

// Close stops process sampling and closes every session. Servers stay
// registered; the registry is closed by its owner.
func (h *Host) Close() error {
	h.StopSampling()

	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*conn)
	h.mu.Unlock()

	var firstErr error
	for id, c := range conns {
		if err := c.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("discovery: close server %q: %w", id, err)
		}
	}
	return firstErr
}

// splitCommand splits "bin --flag x" into its executable and arguments.
func splitCommand(command string) (string, []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
