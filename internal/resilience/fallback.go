package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/mcp"
	"github.com/MrWong99/mcprouter/internal/observe"
)

// ErrNoServersToTry is returned when SkipServers removes every server of a
// decision.
var ErrNoServersToTry = mcp.NewError(mcp.ErrNotFound, "No available servers to try")

// Operation is the work executed against one selected server. It must honour
// ctx; an attempt that outlives its timeout is abandoned and counted as a
// failure.
type Operation[R any] func(ctx context.Context, server *mcp.ServerInfo) (R, error)

// ExecOptions tune one resilient execution.
type ExecOptions struct {
	AgentID      string
	Priority     int
	Requirements *mcp.Requirements

	// Timeout bounds each attempt. Zero uses Options.OperationTimeout.
	Timeout time.Duration

	// MaxRetryAttempts caps the servers tried, the selected one included.
	// Zero uses Options.MaxRetryAttempts.
	MaxRetryAttempts int

	// SkipServers are removed from the decision before the first attempt.
	SkipServers []string

	// Policy names a registered [Policy]. Timeout and MaxRetryAttempts
	// still take precedence over it.
	Policy string
}

// Attempt is one entry of an execution log.
type Attempt struct {
	ServerID     string
	ServerName   string
	Success      bool
	Err          error
	ResponseTime time.Duration

	// BreakerState is the breaker state after the attempt. It stays
	// StateClosed when the policy bypassed the breaker.
	BreakerState State
	Timestamp    time.Time
}

// Result is the outcome of a resilient execution.
type Result[R any] struct {
	OperationID  string
	Value        R
	Success      bool
	ServerID     string
	ServerName   string
	Attempts     int
	UsedFallback bool
	TotalTime    time.Duration
	ExecutionLog []Attempt

	// Decision is the routing decision the attempts were drawn from.
	Decision *mcp.RoutingDecision
}

// ExhaustedError is returned when every attempt of an execution failed. It
// unwraps to the error of the last attempt.
type ExhaustedError struct {
	OperationID string
	Tool        string
	Log         []Attempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "resilience: all %d attempts for %s failed", len(e.Log), e.Tool)
	for _, a := range e.Log {
		fmt.Fprintf(&b, "; %s: %v", a.ServerID, a.Err)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() error {
	if len(e.Log) == 0 {
		return nil
	}
	return e.Log[len(e.Log)-1].Err
}

// FailureData accompanies [event.OperationFailed].
type FailureData struct {
	OperationID string
	Err         error
	Log         []Attempt
}

// ServerFailureData accompanies [event.ServerFailure], emitted for each
// attempt that reached a server and failed.
type ServerFailureData struct {
	OperationID string
	Attempt     int
	Err         error
}

// WarningData accompanies [event.PerformanceWarning].
type WarningData struct {
	OperationID string
	Message     string
	TotalTime   time.Duration
	Target      time.Duration
}

// ExecuteToolWithResilience runs op for tool through m without a typed
// result. See [Execute].
func (m *Manager) ExecuteToolWithResilience(ctx context.Context, tool string, op Operation[any], opts ExecOptions) (*Result[any], error) {
	return Execute(ctx, m, tool, op, opts)
}

// Execute asks the router for a decision on tool and runs op against the
// selected server inside that server's circuit breaker. On failure or
// rejection it walks the decision's alternatives in order until an attempt
// succeeds, the alternatives run out or the attempt limit is reached.
//
// A routing error is returned as is with a nil result. When every attempt
// fails the result carries the full log and the error is an
// [*ExhaustedError].
func Execute[R any](ctx context.Context, m *Manager, tool string, op Operation[R], opts ExecOptions) (res *Result[R], err error) {
	ctx, span := observe.StartSpan(ctx, "resilience.execute")
	defer func() { observe.EndSpan(span, err) }()

	start := m.now()
	opID := uuid.NewString()

	set, err := m.settings(opts)
	if err != nil {
		m.finish(ctx, opID, tool, false, false, m.now().Sub(start), nil, err)
		return nil, err
	}

	decision, err := m.router.Route(ctx, mcp.RoutingContext{
		ToolName:     tool,
		AgentID:      opts.AgentID,
		Priority:     opts.Priority,
		Requirements: opts.Requirements,
	})
	if err != nil {
		m.finish(ctx, opID, tool, false, false, m.now().Sub(start), nil, err)
		return nil, err
	}

	servers := candidates(decision, opts.SkipServers)
	if len(servers) == 0 {
		m.finish(ctx, opID, tool, false, false, m.now().Sub(start), nil, ErrNoServersToTry)
		return nil, ErrNoServersToTry
	}
	if len(servers) > set.limit {
		servers = servers[:set.limit]
	}

	res = &Result[R]{OperationID: opID, Decision: decision}
	for _, s := range servers {
		if ctx.Err() != nil {
			break
		}
		v, a, reached := attempt(ctx, m, s, op, set)
		res.ExecutionLog = append(res.ExecutionLog, a)
		res.Attempts++
		m.observeAttempt(ctx, tool, opts.AgentID, a, reached)
		if a.Success {
			res.Value = v
			res.Success = true
			res.ServerID = s.ID
			res.ServerName = s.Name
			break
		}
		observe.Logger(ctx).Debug("attempt failed",
			"operation_id", opID, "tool", tool, "server_id", s.ID, "err", a.Err)
		if !reached {
			continue
		}
		m.emitter.Emit(event.Event{
			Type:     event.ServerFailure,
			ServerID: s.ID,
			ToolName: tool,
			AgentID:  opts.AgentID,
			Data:     ServerFailureData{OperationID: opID, Attempt: res.Attempts, Err: a.Err},
		})
	}
	res.UsedFallback = len(res.ExecutionLog) > 1
	res.TotalTime = m.now().Sub(start)

	if res.Success {
		m.finish(ctx, opID, tool, true, res.UsedFallback, res.TotalTime, res.ExecutionLog, nil)
		return res, nil
	}
	ex := &ExhaustedError{OperationID: opID, Tool: tool, Log: slices.Clone(res.ExecutionLog)}
	if len(ex.Log) == 0 {
		// ctx ended before the first attempt.
		m.finish(ctx, opID, tool, false, false, res.TotalTime, nil, ctx.Err())
		return res, fmt.Errorf("resilience: %w", ctx.Err())
	}
	m.finish(ctx, opID, tool, false, res.UsedFallback, res.TotalTime, res.ExecutionLog, ex)
	return res, ex
}

// execSettings are the resolved limits of one execution.
type execSettings struct {
	limit         int
	timeout       time.Duration
	bypassBreaker bool
}

// settings resolves the limits of one execution. Explicit options win over
// the named policy, the policy over the manager options.
func (m *Manager) settings(opts ExecOptions) (execSettings, error) {
	o := m.options()
	set := execSettings{limit: o.MaxRetryAttempts, timeout: o.OperationTimeout}
	if opts.Policy != "" {
		p, ok := o.Policies[opts.Policy]
		if !ok {
			return set, mcp.NewError(mcp.ErrNotFound, "Fallback policy not found: "+opts.Policy)
		}
		set.limit = cmpOr(p.MaxRetryAttempts, set.limit)
		set.timeout = cmpOr(p.OperationTimeout, set.timeout)
		set.bypassBreaker = p.BypassCircuitBreaker
	}
	set.limit = cmpOr(opts.MaxRetryAttempts, set.limit)
	set.timeout = cmpOr(opts.Timeout, set.timeout)
	return set, nil
}

// candidates returns the selected server followed by the alternatives,
// without duplicates and without the skipped ids.
func candidates(d *mcp.RoutingDecision, skip []string) []*mcp.ServerInfo {
	all := make([]*mcp.ServerInfo, 0, 1+len(d.Alternatives))
	if d.SelectedServer != nil {
		all = append(all, d.SelectedServer)
	}
	all = append(all, d.Alternatives...)

	out := make([]*mcp.ServerInfo, 0, len(all))
	seen := make(map[string]bool, len(all))
	for _, s := range all {
		if s == nil || seen[s.ID] || slices.Contains(skip, s.ID) {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out
}

// attempt runs op against s inside the server's breaker with the resolved
// timeout. reached is false when op never ran: the breaker rejected the
// call or could not be obtained.
func attempt[R any](ctx context.Context, m *Manager, s *mcp.ServerInfo, op Operation[R], set execSettings) (_ R, a Attempt, reached bool) {
	var zero R
	a = Attempt{ServerID: s.ID, ServerName: s.Name}
	run := func(ctx context.Context) (R, error) {
		return withTimeout(ctx, set.timeout, func(ctx context.Context) (R, error) {
			return op(ctx, s.Clone())
		})
	}

	start := m.now()
	if set.bypassBreaker {
		v, err := run(ctx)
		a.Success = err == nil
		a.Err = err
		a.ResponseTime = m.now().Sub(start)
		a.Timestamp = m.now()
		if !a.Success {
			return zero, a, true
		}
		return v, a, true
	}

	cb, err := m.breaker(s.ID)
	if err != nil {
		a.Err = err
		a.Timestamp = m.now()
		return zero, a, false
	}
	v, res := ExecuteWithResult(ctx, cb, run)
	a.Success = res.Executed && res.Err == nil
	a.Err = res.Err
	a.BreakerState = res.State
	a.ResponseTime = m.now().Sub(start)
	a.Timestamp = res.Timestamp
	if !a.Success {
		return zero, a, res.Executed
	}
	return v, a, true
}

// withTimeout runs fn and gives up after d. A late result is discarded.
func withTimeout[R any](ctx context.Context, d time.Duration, fn func(context.Context) (R, error)) (R, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		v   R
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := runGuardedValue(ctx, fn)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		var zero R
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, mcp.NewError(mcp.ErrTimeout, fmt.Sprintf("Operation timed out after %v", d))
		}
		return zero, ctx.Err()
	}
}

// runGuardedValue is [runGuarded] for the goroutine started by withTimeout,
// where a panic would otherwise crash the process.
func runGuardedValue[R any](ctx context.Context, fn func(context.Context) (R, error)) (v R, err error) {
	err = runGuarded(ctx, func(ctx context.Context) error {
		var ferr error
		v, ferr = fn(ctx)
		return ferr
	})
	return v, err
}

// observeAttempt records an attempt in metrics, health and learning.
// Attempts that never reached the server only count in metrics.
func (m *Manager) observeAttempt(ctx context.Context, tool, agentID string, a Attempt, reached bool) {
	status := "success"
	switch {
	case !reached && IsCircuitOpen(a.Err):
		status = "rejected"
	case !reached:
		status = "skipped"
	case !a.Success:
		status = "failure"
	}
	if m.metrics != nil {
		m.metrics.RecordAttempt(ctx, tool, a.ServerID, status)
	}
	if !reached {
		return
	}
	m.updateHealth(a.ServerID, a.Success, a.Err)
	m.RecordPerformance(mcp.PerformanceRecord{
		ServerID:     a.ServerID,
		ToolName:     tool,
		AgentID:      agentID,
		ResponseTime: a.ResponseTime,
		Success:      a.Success,
		Timestamp:    a.Timestamp,
	})
}

// finish accounts one completed execution and emits its events.
func (m *Manager) finish(ctx context.Context, opID, tool string, ok, usedFallback bool, total time.Duration, log []Attempt, err error) {
	m.mu.Lock()
	m.total++
	m.latencies.add(total)
	if ok {
		m.succeeded++
	} else {
		m.failed++
	}
	if usedFallback {
		m.fallbacks++
		m.fallbackTools[tool]++
	}
	target := m.opts.FallbackDetectionTime
	m.mu.Unlock()

	if m.metrics != nil {
		status := "success"
		if !ok {
			status = "failure"
		}
		m.metrics.RecordExecution(ctx, tool, status, usedFallback, total)
	}

	if !ok {
		observe.Logger(ctx).Warn("resilient execution failed",
			"operation_id", opID, "tool", tool, "attempts", len(log), "err", err)
		m.emitter.Emit(event.Event{
			Type:     event.OperationFailed,
			ToolName: tool,
			Data:     FailureData{OperationID: opID, Err: err, Log: slices.Clone(log)},
		})
	}
	if usedFallback && total > target {
		m.emitter.Emit(event.Event{
			Type:     event.PerformanceWarning,
			ToolName: tool,
			Data: WarningData{
				OperationID: opID,
				Message:     fmt.Sprintf("Fallback detection exceeded target time: %v > %v", total, target),
				TotalTime:   total,
				Target:      target,
			},
		})
	}
}

// cmpOr returns v when positive, otherwise def.
func cmpOr[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}
