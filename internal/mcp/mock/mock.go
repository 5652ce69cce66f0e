// Package mock provides in-memory test doubles for the discovery-facing
// interfaces of package mcp and a recording event listener.
//
// [Host] implements both [mcp.Prober] and [mcp.Invoker]. It records every
// method call for assertion in tests and exposes exported fields that control
// what the mock returns per server. [Listener] collects events. Both are safe
// for concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	h := &mock.Host{}
//	h.ProbeErr = map[string]error{"fs-2": errors.New("down")}
//	h.CallToolResult = map[string]*mcp.ToolResult{"fs-1": {Content: "ok"}}
//
//	// inject h into the system under test …
//
//	if got := h.CallCount("Probe"); got != 2 {
//	    t.Errorf("expected 2 Probe calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/mcp"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Host is a configurable test double for [mcp.Prober] and [mcp.Invoker].
// Per-server maps default to nil, meaning success with a zero result.
type Host struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// ──── Probe ────────────────────────────────────────────────────────────

	// ProbeErr is returned by [Host.Probe] for the keyed server id.
	ProbeErr map[string]error

	// ──── CallTool ─────────────────────────────────────────────────────────

	// CallToolResult is returned by [Host.CallTool] for the keyed server id
	// when CallToolErr has no entry for it. A missing entry returns a
	// zero-value *ToolResult.
	CallToolResult map[string]*mcp.ToolResult

	// CallToolErr is returned by [Host.CallTool] for the keyed server id.
	CallToolErr map[string]error
}

// Calls returns a copy of all recorded method invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// Probe implements [mcp.Prober].
func (h *Host) Probe(ctx context.Context, serverID string) error {
	h.mu.Lock()
	h.calls = append(h.calls, Call{Method: "Probe", Args: []any{serverID}})
	err := h.ProbeErr[serverID]
	h.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// CallTool implements [mcp.Invoker].
func (h *Host) CallTool(_ context.Context, serverID, tool, args string) (*mcp.ToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Method: "CallTool", Args: []any{serverID, tool, args}})
	if err := h.CallToolErr[serverID]; err != nil {
		return nil, err
	}
	res, ok := h.CallToolResult[serverID]
	if !ok || res == nil {
		return &mcp.ToolResult{}, nil
	}
	// Return a copy so the caller cannot mutate the configured result.
	cp := *res
	return &cp, nil
}

// Ensure Host satisfies the interfaces at compile time.
var (
	_ mcp.Prober  = (*Host)(nil)
	_ mcp.Invoker = (*Host)(nil)
)

// Listener records every event it receives.
type Listener struct {
	mu     sync.Mutex
	events []event.Event
}

// HandleEvent implements [event.Listener].
func (l *Listener) HandleEvent(ev event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Events returns a copy of the received events in delivery order.
func (l *Listener) Events() []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]event.Event, len(l.events))
	copy(out, l.events)
	return out
}

// OfType returns the received events of type t.
func (l *Listener) OfType(t event.Type) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Reset drops all received events.
func (l *Listener) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

var _ event.Listener = (*Listener)(nil)
