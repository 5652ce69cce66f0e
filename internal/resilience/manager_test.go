package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/mcp"
	"github.com/MrWong99/mcprouter/internal/mcp/mock"
	"github.com/MrWong99/mcprouter/internal/observe"
	"github.com/MrWong99/mcprouter/internal/registry"
	"github.com/MrWong99/mcprouter/internal/routing"
)

type fakeRouter struct {
	mu       sync.Mutex
	decision *mcp.RoutingDecision
	err      error
	calls    []mcp.RoutingContext
}

func (r *fakeRouter) Route(_ context.Context, rc mcp.RoutingContext) (*mcp.RoutingDecision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, rc)
	return r.decision, r.err
}

type request struct {
	id      string
	success bool
}

type fakeRegistry struct {
	mu       sync.Mutex
	servers  []*mcp.ServerInfo
	requests []request
	statuses map[string]mcp.ServerStatus
}

func (r *fakeRegistry) Servers() []*mcp.ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers
}

func (r *fakeRegistry) RecordRequest(id string, _ time.Duration, success bool, _ time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, request{id, success})
	return true
}

func (r *fakeRegistry) SetServerStatus(id string, status mcp.ServerStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]mcp.ServerStatus)
	}
	r.statuses[id] = status
	return true
}

func (r *fakeRegistry) status(id string) mcp.ServerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[id]
}

type fakeLearner struct {
	mu      sync.Mutex
	records []mcp.PerformanceRecord
}

func (l *fakeLearner) RecordPerformance(rec mcp.PerformanceRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

func servers(ids ...string) []*mcp.ServerInfo {
	out := make([]*mcp.ServerInfo, len(ids))
	for i, id := range ids {
		out[i] = &mcp.ServerInfo{ID: id, Name: "server " + id, Status: mcp.StatusHealthy}
	}
	return out
}

func decisionFor(ids ...string) *mcp.RoutingDecision {
	s := servers(ids...)
	return &mcp.RoutingDecision{SelectedServer: s[0], Alternatives: s[1:], Confidence: 0.9}
}

type managerFixture struct {
	m       *Manager
	router  *fakeRouter
	reg     *fakeRegistry
	learner *fakeLearner
	clock   *fakeClock
	events  *mock.Listener
}

func newManagerFixture(t *testing.T, d *mcp.RoutingDecision, opts Options, extra ...Option) managerFixture {
	t.Helper()
	f := managerFixture{
		router:  &fakeRouter{decision: d},
		reg:     &fakeRegistry{},
		learner: &fakeLearner{},
		clock:   newFakeClock(),
		events:  &mock.Listener{},
	}
	options := append([]Option{WithNow(f.clock.Now), WithLearner(f.learner)}, extra...)
	m, err := NewManager(f.router, f.reg, opts, options...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	m.Subscribe(f.events)
	f.m = m
	return f
}

// failOn returns an operation failing on the given servers and answering
// with the server id elsewhere.
func failOn(ids ...string) Operation[string] {
	return func(_ context.Context, s *mcp.ServerInfo) (string, error) {
		for _, id := range ids {
			if s.ID == id {
				return "", errTest
			}
		}
		return s.ID, nil
	}
}

func TestExecute_PrimarySuccess(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a", "b"), Options{})
	res, err := Execute[string](context.Background(), f.m, "Read", failOn(), ExecOptions{AgentID: "coder", Priority: 7})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Value != "a" || res.ServerID != "a" || res.ServerName != "server a" {
		t.Fatalf("result = %+v", res)
	}
	if res.Attempts != 1 || res.UsedFallback || len(res.ExecutionLog) != 1 {
		t.Errorf("attempts = %d, fallback = %v, log = %d", res.Attempts, res.UsedFallback, len(res.ExecutionLog))
	}
	if res.OperationID == "" {
		t.Error("operation id not set")
	}

	rc := f.router.calls[0]
	if rc.ToolName != "Read" || rc.AgentID != "coder" || rc.Priority != 7 {
		t.Errorf("routing context = %+v", rc)
	}
	if len(f.reg.requests) != 1 || f.reg.requests[0] != (request{"a", true}) {
		t.Errorf("registry requests = %+v", f.reg.requests)
	}
	if len(f.learner.records) != 1 || f.learner.records[0].AgentID != "coder" {
		t.Errorf("learner records = %+v", f.learner.records)
	}
}

func TestExecute_FallsBackToAlternative(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a", "b", "c"), Options{})
	res, err := Execute[string](context.Background(), f.m, "Read", failOn("a"), ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.UsedFallback || res.Attempts < 2 || len(res.ExecutionLog) < 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.ServerID != "b" || res.Value != "b" {
		t.Errorf("served by %s, want b", res.ServerID)
	}
	first := res.ExecutionLog[0]
	if first.ServerID != "a" || first.Success || !errors.Is(first.Err, errTest) {
		t.Errorf("first attempt = %+v", first)
	}

	s := f.m.Stats()
	if s.TotalOperations != 1 || s.SuccessfulOperations != 1 || s.FallbackOperations != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.FallbackUsageByTool["Read"] != 1 {
		t.Errorf("fallback usage = %v", s.FallbackUsageByTool)
	}
	want := []request{{"a", false}, {"b", true}}
	if len(f.reg.requests) != 2 || f.reg.requests[0] != want[0] || f.reg.requests[1] != want[1] {
		t.Errorf("registry requests = %+v, want %+v", f.reg.requests, want)
	}
}

func TestExecute_Exhausted(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a", "b", "c", "d"), Options{})
	res, err := Execute[string](context.Background(), f.m, "Read", failOn("a", "b", "c", "d"), ExecOptions{})

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want *ExhaustedError", err)
	}
	if !errors.Is(err, errTest) {
		t.Error("exhausted error does not unwrap to the last attempt error")
	}
	if len(ex.Log) != 3 || res.Attempts != 3 {
		t.Fatalf("attempts = %d (log %d), want 3 from the default limit", res.Attempts, len(ex.Log))
	}
	if res.Success || res.ServerID != "" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(err.Error(), "all 3 attempts for Read failed") {
		t.Errorf("message = %q", err.Error())
	}
	if got := len(f.events.OfType(event.OperationFailed)); got != 1 {
		t.Errorf("operationFailed events = %d, want 1", got)
	}
	if s := f.m.Stats(); s.FailedOperations != 1 || s.CurrentFailureRate != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestExecute_AttemptLimitAndSkip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		opts     ExecOptions
		wantLog  []string
		wantErr  error
		wantNone bool
	}{
		{
			name:    "per call limit",
			opts:    ExecOptions{MaxRetryAttempts: 2},
			wantLog: []string{"a", "b"},
			wantErr: errTest,
		},
		{
			name:    "skip servers",
			opts:    ExecOptions{SkipServers: []string{"a", "c"}},
			wantLog: []string{"b", "d"},
			wantErr: errTest,
		},
		{
			name:     "skip everything",
			opts:     ExecOptions{SkipServers: []string{"a", "b", "c", "d"}},
			wantErr:  mcp.ErrNotFound,
			wantNone: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newManagerFixture(t, decisionFor("a", "b", "c", "d"), Options{})
			res, err := Execute[string](context.Background(), f.m, "Read", failOn("a", "b", "c", "d"), tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.wantNone {
				if res != nil {
					t.Errorf("result = %+v, want nil", res)
				}
				return
			}
			var got []string
			for _, a := range res.ExecutionLog {
				got = append(got, a.ServerID)
			}
			if strings.Join(got, ",") != strings.Join(tt.wantLog, ",") {
				t.Errorf("tried %v, want %v", got, tt.wantLog)
			}
		})
	}
}

func TestExecute_OpenBreakerIsSkipped(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a", "b"), Options{})
	cb, err := f.m.Breakers().CircuitBreaker("a")
	if err != nil {
		t.Fatalf("CircuitBreaker: %v", err)
	}
	cb.ForceOpen("test")

	var calledA atomic.Bool
	op := func(_ context.Context, s *mcp.ServerInfo) (string, error) {
		if s.ID == "a" {
			calledA.Store(true)
		}
		return s.ID, nil
	}
	res, err := Execute[string](context.Background(), f.m, "Read", op, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if calledA.Load() {
		t.Fatal("operation ran against a server with an open breaker")
	}
	if !IsCircuitOpen(res.ExecutionLog[0].Err) || res.ExecutionLog[0].BreakerState != StateOpen {
		t.Errorf("first attempt = %+v", res.ExecutionLog[0])
	}
	if res.ServerID != "b" || !res.UsedFallback {
		t.Errorf("result = %+v", res)
	}
	if len(f.reg.requests) != 1 || f.reg.requests[0].id != "b" {
		t.Errorf("rejected attempt reached the registry: %+v", f.reg.requests)
	}
	if s := f.m.Stats(); s.CircuitBreakerActivations != 1 {
		t.Errorf("breaker activations = %d, want 1", s.CircuitBreakerActivations)
	}
}

func TestExecute_AttemptTimeout(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a", "b"), Options{})
	op := func(_ context.Context, s *mcp.ServerInfo) (string, error) {
		if s.ID == "a" {
			time.Sleep(300 * time.Millisecond)
		}
		return s.ID, nil
	}
	res, err := Execute[string](context.Background(), f.m, "Read", op, ExecOptions{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if a := res.ExecutionLog[0]; !errors.Is(a.Err, mcp.ErrTimeout) {
		t.Errorf("first attempt err = %v, want timeout", a.Err)
	}
	if res.ServerID != "b" {
		t.Errorf("served by %s, want b", res.ServerID)
	}
}

func TestExecute_RoutingErrorPropagates(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, nil, Options{})
	routeErr := mcp.NewError(mcp.ErrNotFound, "No servers registered for tool: Nope")
	f.router.err = routeErr

	res, err := Execute[string](context.Background(), f.m, "Nope", failOn(), ExecOptions{})
	if res != nil || !errors.Is(err, routeErr) {
		t.Fatalf("Execute = %+v, %v", res, err)
	}
	if err.Error() != "No servers registered for tool: Nope" {
		t.Errorf("message = %q", err.Error())
	}
	if s := f.m.Stats(); s.TotalOperations != 1 || s.FailedOperations != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestExecute_PerformanceWarning(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a", "b"), Options{})
	op := func(_ context.Context, s *mcp.ServerInfo) (string, error) {
		if s.ID == "a" {
			f.clock.Advance(300 * time.Millisecond)
			return "", errTest
		}
		return s.ID, nil
	}
	if _, err := Execute[string](context.Background(), f.m, "Read", op, ExecOptions{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	warnings := f.events.OfType(event.PerformanceWarning)
	if len(warnings) != 1 {
		t.Fatalf("performanceWarning events = %d, want 1", len(warnings))
	}
	if d := warnings[0].Data.(WarningData); d.TotalTime != 300*time.Millisecond || d.Target != 200*time.Millisecond {
		t.Errorf("warning = %+v", d)
	}
}

func TestExecuteToolWithResilience(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a"), Options{})
	res, err := f.m.ExecuteToolWithResilience(context.Background(), "Read",
		func(_ context.Context, s *mcp.ServerInfo) (any, error) { return 42, nil },
		ExecOptions{})
	if err != nil {
		t.Fatalf("ExecuteToolWithResilience: %v", err)
	}
	if res.Value != 42 {
		t.Errorf("value = %v, want 42", res.Value)
	}
}

// A real router over a real registry: the selected server fails once and the
// first alternative serves the call.
func TestExecute_WithRouterAndRegistry(t *testing.T) {
	t.Parallel()

	reg, err := registry.New(registry.DefaultOptions())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	t.Cleanup(reg.Close)
	for _, id := range []string{"fs-1", "fs-2"} {
		err := reg.RegisterServer(&mcp.ServerInfo{
			ID:           id,
			Name:         id,
			Config:       &mcp.ServerConfig{Transport: mcp.TransportStdio, Command: "fs"},
			Status:       mcp.StatusHealthy,
			Capabilities: []mcp.ToolCapability{{Name: "Read"}},
		})
		if err != nil {
			t.Fatalf("RegisterServer: %v", err)
		}
	}
	router, err := routing.New(reg, routing.DefaultConfig())
	if err != nil {
		t.Fatalf("routing.New: %v", err)
	}
	t.Cleanup(router.Close)

	m, err := NewManager(router, reg, Options{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)

	var calls atomic.Int32
	op := func(_ context.Context, s *mcp.ServerInfo) (string, error) {
		if calls.Add(1) == 1 {
			return "", errTest
		}
		return s.ID, nil
	}
	res, err := Execute[string](context.Background(), m, "Read", op, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.UsedFallback || res.Attempts < 2 || len(res.ExecutionLog) < 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.ServerID == res.ExecutionLog[0].ServerID {
		t.Error("fallback served by the failed server")
	}
	for _, a := range res.ExecutionLog {
		if mt, _ := reg.ServerMetrics(a.ServerID); mt.TotalRequests != 1 {
			t.Errorf("%s total requests = %d, want 1", a.ServerID, mt.TotalRequests)
		}
	}
}

func TestExecute_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mt, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := newManagerFixture(t, decisionFor("a", "b"), Options{}, WithMetrics(mt))
	cb, _ := f.m.Breakers().CircuitBreaker("a")
	cb.ForceOpen("test")

	if _, err := Execute[string](context.Background(), f.m, "Read", failOn(), ExecOptions{}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[md.Name] += dp.Value
				}
			}
		}
	}
	for name, want := range map[string]int64{
		"mcprouter.execution.attempts":  2,
		"mcprouter.execution.fallbacks": 1,
		"mcprouter.breaker.rejections":  1,
		"mcprouter.breaker.transitions": 1,
	} {
		if totals[name] != want {
			t.Errorf("%s = %d, want %d", name, totals[name], want)
		}
	}
}

func TestNewManager_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		router Router
		reg    Registry
		opts   Options
	}{
		{name: "nil router", reg: &fakeRegistry{}},
		{name: "nil registry", router: &fakeRouter{}},
		{name: "negative attempts", router: &fakeRouter{}, reg: &fakeRegistry{}, opts: Options{MaxRetryAttempts: -1}},
		{
			name:   "invalid server breaker",
			router: &fakeRouter{},
			reg:    &fakeRegistry{},
			opts:   Options{ServerBreakers: map[string]BreakerConfig{"a": {SuccessThreshold: 10}}},
		},
		{
			name:   "negative policy limit",
			router: &fakeRouter{},
			reg:    &fakeRegistry{},
			opts:   Options{Policies: map[string]Policy{"quick": {MaxRetryAttempts: -1}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewManager(tt.router, tt.reg, tt.opts); !errors.Is(err, mcp.ErrConfiguration) {
				t.Fatalf("err = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestManager_ServerBreakerOverride(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a"), Options{
		ServerBreakers: map[string]BreakerConfig{"a": {FailureThreshold: 1}},
	})
	Execute[string](context.Background(), f.m, "Read", failOn("a"), ExecOptions{})

	cb, ok := f.m.Breakers().Lookup("a")
	if !ok {
		t.Fatal("breaker for a not created")
	}
	if cb.Config().FailureThreshold != 1 {
		t.Errorf("failure threshold = %d, want 1", cb.Config().FailureThreshold)
	}
}

func TestManager_Recovery(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a"), Options{})
	if f.m.ForceServerRecovery("a") {
		t.Fatal("recovered a server without a breaker")
	}
	cb, _ := f.m.Breakers().CircuitBreaker("a")
	cb.ForceOpen("test")
	f.m.updateHealth("a", false, errTest)

	if !f.m.ForceServerRecovery("a") {
		t.Fatal("ForceServerRecovery returned false")
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
	if _, ok := f.m.ServerHealth()["a"]; ok {
		t.Error("health of a kept after recovery")
	}

	cb.ForceOpen("test")
	f.m.updateHealth("b", false, errTest)
	f.m.ForceGlobalRecovery()
	if cb.State() != StateClosed || len(f.m.ServerHealth()) != 0 {
		t.Errorf("global recovery left state %v, health %v", cb.State(), f.m.ServerHealth())
	}
}

func TestManager_ClearStats(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a", "b"), Options{})
	Execute[string](context.Background(), f.m, "Read", failOn("a"), ExecOptions{})
	f.m.ClearStats()

	s := f.m.Stats()
	if s.TotalOperations != 0 || s.FallbackOperations != 0 || len(s.FallbackUsageByTool) != 0 || s.P99ResponseTime != 0 {
		t.Errorf("stats after clear = %+v", s)
	}
	if len(s.ServerHealth) == 0 {
		t.Error("ClearStats dropped tracked health")
	}
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	m, err := NewManager(&fakeRouter{}, &fakeRegistry{}, Options{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Close()
	m.Close()
	if _, err := m.Breakers().CircuitBreaker("a"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("owned breaker manager not closed: %v", err)
	}
}

func TestExecute_EmitsServerFailurePerFailedAttempt(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a", "b", "c"), Options{})
	if _, err := Execute[string](context.Background(), f.m, "Read", failOn("a", "b"), ExecOptions{AgentID: "planner"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	failures := f.events.OfType(event.ServerFailure)
	if len(failures) != 2 {
		t.Fatalf("serverFailure events = %d, want 2", len(failures))
	}
	for i, id := range []string{"a", "b"} {
		ev := failures[i]
		d := ev.Data.(ServerFailureData)
		if ev.ServerID != id || ev.ToolName != "Read" || ev.AgentID != "planner" {
			t.Errorf("event %d = %+v", i, ev)
		}
		if d.Attempt != i+1 || !errors.Is(d.Err, errTest) || d.OperationID == "" {
			t.Errorf("event %d data = %+v", i, d)
		}
	}
}

func TestExecute_BreakerManagerErrorIsNotAServerFailure(t *testing.T) {
	t.Parallel()

	b, err := NewBreakerManager(BreakerConfig{})
	if err != nil {
		t.Fatalf("NewBreakerManager: %v", err)
	}
	b.Close()

	f := newManagerFixture(t, decisionFor("a", "b"), Options{}, WithBreakers(b))
	_, err = Execute[string](context.Background(), f.m, "Read", failOn(), ExecOptions{})
	if !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("err = %v, want ErrManagerClosed", err)
	}
	if len(f.reg.requests) != 0 {
		t.Errorf("registry requests = %+v, want none", f.reg.requests)
	}
	if len(f.learner.records) != 0 {
		t.Errorf("learning samples = %d, want none", len(f.learner.records))
	}
	if h := f.m.ServerHealth(); len(h) != 0 {
		t.Errorf("tracked health = %+v, want none", h)
	}
	if n := len(f.events.OfType(event.ServerFailure)); n != 0 {
		t.Errorf("serverFailure events = %d, want none", n)
	}
}

func TestExecute_Policies(t *testing.T) {
	t.Parallel()

	opts := Options{Policies: map[string]Policy{
		"single":    {MaxRetryAttempts: 1},
		"unguarded": {BypassCircuitBreaker: true},
	}}

	t.Run("attempt limit", func(t *testing.T) {
		t.Parallel()
		f := newManagerFixture(t, decisionFor("a", "b", "c"), opts)
		res, err := Execute[string](context.Background(), f.m, "Read", failOn("a"), ExecOptions{Policy: "single"})
		if err == nil || res.Attempts != 1 {
			t.Fatalf("attempts = %d, err = %v; want 1 failed attempt", res.Attempts, err)
		}
	})

	t.Run("explicit limit wins", func(t *testing.T) {
		t.Parallel()
		f := newManagerFixture(t, decisionFor("a", "b", "c"), opts)
		res, err := Execute[string](context.Background(), f.m, "Read", failOn("a"), ExecOptions{Policy: "single", MaxRetryAttempts: 2})
		if err != nil || res.ServerID != "b" {
			t.Fatalf("served by %v, err = %v; want b", res, err)
		}
	})

	t.Run("bypass breaker", func(t *testing.T) {
		t.Parallel()
		f := newManagerFixture(t, decisionFor("a"), opts)
		cb, _ := f.m.Breakers().CircuitBreaker("a")
		cb.ForceOpen("test")

		res, err := Execute[string](context.Background(), f.m, "Read", failOn(), ExecOptions{Policy: "unguarded"})
		if err != nil || res.ServerID != "a" {
			t.Fatalf("served by %v, err = %v; want a despite the open breaker", res, err)
		}
		if cb.Stats().RejectedCalls != 0 {
			t.Error("breaker saw the call")
		}
	})

	t.Run("unknown policy", func(t *testing.T) {
		t.Parallel()
		f := newManagerFixture(t, decisionFor("a"), opts)
		_, err := Execute[string](context.Background(), f.m, "Read", failOn(), ExecOptions{Policy: "missing"})
		if !errors.Is(err, mcp.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if len(f.router.calls) != 0 {
			t.Error("router consulted for an unknown policy")
		}
	})
}

func TestManager_RegisterPolicy(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a", "b"), Options{})
	if err := f.m.RegisterPolicy(Policy{}); !errors.Is(err, mcp.ErrConfiguration) {
		t.Fatalf("unnamed policy: err = %v, want ErrConfiguration", err)
	}
	if err := f.m.RegisterPolicy(Policy{Name: "fast", OperationTimeout: time.Second}); err != nil {
		t.Fatalf("RegisterPolicy: %v", err)
	}
	p, ok := f.m.Policy("fast")
	if !ok || p.OperationTimeout != time.Second {
		t.Fatalf("Policy = %+v, %v", p, ok)
	}
	if got := f.events.OfType(event.PolicyRegistered); len(got) != 1 || got[0].Name != "fast" {
		t.Errorf("policyRegistered events = %+v", got)
	}
}

func TestManager_UpdateConfig(t *testing.T) {
	t.Parallel()

	f := newManagerFixture(t, decisionFor("a", "b", "c"), Options{
		Policies: map[string]Policy{"single": {MaxRetryAttempts: 1}},
	})

	if err := f.m.UpdateConfig(Options{MaxRetryAttempts: -1}); !errors.Is(err, mcp.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if got := f.m.Options().MaxRetryAttempts; got != 3 {
		t.Fatalf("max attempts after rejected update = %d, want 3", got)
	}

	if err := f.m.UpdateConfig(Options{MaxRetryAttempts: 2}); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	res, _ := Execute[string](context.Background(), f.m, "Read", failOn("a", "b", "c"), ExecOptions{})
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if _, ok := f.m.Policy("single"); !ok {
		t.Error("registered policy dropped by an update without policies")
	}
	if got := f.m.Options().OperationTimeout; got != DefaultOptions().OperationTimeout {
		t.Errorf("operation timeout = %v, want default", got)
	}
	if len(f.events.OfType(event.ConfigUpdated)) != 1 {
		t.Error("configUpdated not emitted")
	}
}
