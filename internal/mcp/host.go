// Package mcp defines the shared vocabulary of the MCP routing control plane:
// server records, metrics, routing contexts and decisions, agent profiles, the
// error taxonomy, and the interfaces of the discovery collaborator.
//
// The control plane decides which backend MCP server handles each tool call.
// Discovery pushes [ServerInfo] records into the registry; the router turns a
// [RoutingContext] into a [RoutingDecision]; the resilience layer executes the
// caller's operation against the decision with per-server circuit breakers and
// falls back to the decision's alternatives.
//
// Discovery is an external collaborator. The interfaces below are what the
// core consumes from it:
//
//  1. [Prober] checks liveness of a server during health monitoring.
//  2. [Invoker] performs the actual tool call once a server is selected.
//
// Implementations must be safe for concurrent use.
package mcp

import "context"

// Prober checks whether a registered server is alive.
type Prober interface {
	// Probe returns nil when the server with the given id answered in time.
	Probe(ctx context.Context, serverID string) error
}

// Invoker calls a tool on a specific server.
type Invoker interface {
	// CallTool executes tool on the server with the given id using JSON args.
	// A Go error is returned only on transport or protocol failure; tool-level
	// failures are reported through [ToolResult.IsError].
	CallTool(ctx context.Context, serverID, tool, args string) (*ToolResult, error)
}
