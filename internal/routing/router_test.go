package routing

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
	"github.com/MrWong99/mcprouter/internal/observe"
	"github.com/MrWong99/mcprouter/internal/registry"
)

type routerFixture struct {
	reg    *registry.Registry
	router *Router
	clock  *fakeClock
	events *[]event.Event
}

func newFixture(t *testing.T, cfg Config, opts ...Option) routerFixture {
	t.Helper()
	clk := newFakeClock()
	reg, err := registry.New(registry.DefaultOptions(), registry.WithClock(clk.Now))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	t.Cleanup(reg.Close)

	r, err := New(reg, cfg, append([]Option{WithClock(clk.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)

	var (
		mu     sync.Mutex
		events []event.Event
	)
	r.Subscribe(event.ListenerFunc(func(ev event.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	return routerFixture{reg: reg, router: r, clock: clk, events: &events}
}

func (f routerFixture) register(t *testing.T, id string, status mcp.ServerStatus, tools ...string) {
	t.Helper()
	caps := make([]mcp.ToolCapability, len(tools))
	for i, tool := range tools {
		caps[i] = mcp.ToolCapability{Name: tool}
	}
	err := f.reg.RegisterServer(&mcp.ServerInfo{
		ID:           id,
		Name:         id,
		Config:       &mcp.ServerConfig{Transport: mcp.TransportStdio, Command: id},
		Status:       status,
		Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("RegisterServer(%s): %v", id, err)
	}
}

func (f routerFixture) eventsOf(typ event.Type) []event.Event {
	var out []event.Event
	for _, ev := range *f.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestRouter_RouteAndCache(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.register(t, "fs", mcp.StatusHealthy, "Read", "Write")
	f.register(t, "backup", mcp.StatusDegraded, "Read")

	rc := mcp.RoutingContext{ToolName: "Read"}
	first, err := f.router.Route(context.Background(), rc)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if first.SelectedServer.ID != "fs" {
		t.Fatalf("selected %s, want fs", first.SelectedServer.ID)
	}
	if first.Strategy != PerformanceWeighted {
		t.Errorf("strategy = %s, want %s", first.Strategy, PerformanceWeighted)
	}
	if !first.Timestamp.Equal(f.clock.Now()) {
		t.Errorf("timestamp = %v, want %v", first.Timestamp, f.clock.Now())
	}
	if len(first.Alternatives) != 1 || first.Alternatives[0].ID != "backup" {
		t.Errorf("alternatives = %v, want [backup]", ids(first.Alternatives))
	}

	second, err := f.router.Route(context.Background(), rc)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if second != first {
		t.Error("cache hit did not return the cached decision")
	}

	decisions := f.eventsOf(event.RoutingDecision)
	if len(decisions) != 2 {
		t.Fatalf("routingDecision events = %d, want 2", len(decisions))
	}
	if decisions[0].Data.(DecisionData).FromCache || !decisions[1].Data.(DecisionData).FromCache {
		t.Error("fromCache flags = miss, hit expected")
	}

	stats := f.router.Stats()
	if stats.TotalDecisions != 2 || stats.CacheHits != 1 || stats.StrategyUsage[PerformanceWeighted] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRouter_CacheExpiresAndClears(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	counting := StrategyFunc{StrategyName: "counting", Fn: func(_ context.Context, c []*mcp.ServerInfo, _ mcp.RoutingContext, _ Env) (*mcp.RoutingDecision, error) {
		calls.Add(1)
		return &mcp.RoutingDecision{SelectedServer: c[0], Confidence: 1}, nil
	}}
	cfg := DefaultConfig()
	cfg.DefaultStrategy = "counting"
	f := newFixture(t, cfg, WithStrategies(counting))
	f.register(t, "fs", mcp.StatusHealthy, "Read")

	rc := mcp.RoutingContext{ToolName: "Read"}
	route := func() {
		t.Helper()
		if _, err := f.router.Route(context.Background(), rc); err != nil {
			t.Fatalf("Route: %v", err)
		}
	}

	route()
	route()
	if got := calls.Load(); got != 1 {
		t.Fatalf("evaluations = %d, want 1 while cached", got)
	}

	f.clock.Advance(DefaultCacheTTL + time.Second)
	route()
	if got := calls.Load(); got != 2 {
		t.Fatalf("evaluations = %d, want 2 after expiry", got)
	}

	f.router.ClearCache()
	if f.router.CacheStats().Entries != 0 {
		t.Error("cache not empty after ClearCache")
	}
	if len(f.eventsOf(event.CacheCleared)) != 1 {
		t.Error("cacheCleared not emitted")
	}
	route()
	if got := calls.Load(); got != 3 {
		t.Fatalf("evaluations = %d, want 3 after ClearCache", got)
	}
}

func TestRouter_CachingDisabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.EnableCaching = false
	f := newFixture(t, cfg)
	f.register(t, "fs", mcp.StatusHealthy, "Read")

	a, _ := f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Read"})
	b, _ := f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Read"})
	if a == nil || b == nil || a == b {
		t.Fatal("expected two independent decisions")
	}
	if f.router.CacheStats().Entries != 0 {
		t.Error("decision cached with caching disabled")
	}
}

func TestRouter_RejectsMalformedContext(t *testing.T) {
	t.Parallel()

	neg := -time.Second
	tests := []struct {
		name string
		rc   mcp.RoutingContext
		msg  string
	}{
		{name: "empty tool", rc: mcp.RoutingContext{}, msg: "Tool name is required"},
		{name: "blank tool", rc: mcp.RoutingContext{ToolName: "  "}, msg: "Tool name is required"},
		{name: "negative priority", rc: mcp.RoutingContext{ToolName: "Read", Priority: -1}, msg: "Priority must be non-negative"},
		{name: "negative timeout", rc: mcp.RoutingContext{ToolName: "Read", Timeout: &neg}, msg: "Timeout must be non-negative"},
	}
	f := newFixture(t, DefaultConfig())
	f.register(t, "fs", mcp.StatusHealthy, "Read")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.Route(context.Background(), tt.rc)
			if !errors.Is(err, mcp.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			if err.Error() != tt.msg {
				t.Errorf("message = %q, want %q", err.Error(), tt.msg)
			}
		})
	}
	if got := len(f.eventsOf(event.RoutingError)); got != len(tests) {
		t.Errorf("routingError events = %d, want %d", got, len(tests))
	}
}

func TestRouter_UnknownTool(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.register(t, "fs", mcp.StatusHealthy, "ReadFile")

	_, err := f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "ReadFil"})
	if !errors.Is(err, mcp.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err.Error() != "No servers registered for tool: ReadFil" {
		t.Errorf("message = %q", err.Error())
	}
	var nse *NoServersError
	if !errors.As(err, &nse) {
		t.Fatalf("err %T is not *NoServersError", err)
	}
	if len(nse.Suggestions) == 0 || nse.Suggestions[0] != "ReadFile" {
		t.Errorf("suggestions = %v, want ReadFile first", nse.Suggestions)
	}
}

func TestRouter_Timeouts(t *testing.T) {
	t.Parallel()

	slow := StrategyFunc{StrategyName: "slow", Fn: func(_ context.Context, c []*mcp.ServerInfo, _ mcp.RoutingContext, _ Env) (*mcp.RoutingDecision, error) {
		time.Sleep(300 * time.Millisecond)
		return &mcp.RoutingDecision{SelectedServer: c[0]}, nil
	}}
	cfg := DefaultConfig()
	cfg.ToolStrategies = map[string]string{"Slow": "slow"}
	f := newFixture(t, cfg, WithStrategies(slow))
	f.register(t, "fs", mcp.StatusHealthy, "Read", "Slow")

	zero := time.Duration(0)
	short := 20 * time.Millisecond
	tests := []struct {
		name string
		rc   mcp.RoutingContext
	}{
		{name: "zero timeout always times out", rc: mcp.RoutingContext{ToolName: "Read", Timeout: &zero}},
		{name: "slow strategy", rc: mcp.RoutingContext{ToolName: "Slow", Timeout: &short}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.router.Route(context.Background(), tt.rc)
			if !errors.Is(err, mcp.ErrTimeout) {
				t.Fatalf("err = %v, want ErrTimeout", err)
			}
			if !strings.Contains(err.Error(), "timed out") {
				t.Errorf("message = %q", err.Error())
			}
		})
	}
}

func TestRouter_StrategyPrecedence(t *testing.T) {
	t.Parallel()

	profiles := fakeProfiles{"learner": {AgentID: "learner"}, "pinned": {AgentID: "pinned"}}
	cfg := DefaultConfig()
	cfg.EnableCaching = false
	cfg.ToolStrategies = map[string]string{"Write": Failover, "Broken": "does_not_exist"}
	cfg.AgentStrategies = map[string]string{"pinned": LoadBalanced}
	f := newFixture(t, cfg, WithProfiles(profiles))
	f.register(t, "fs", mcp.StatusHealthy, "Read", "Write", "Broken")

	tests := []struct {
		name string
		rc   mcp.RoutingContext
		want string
	}{
		{name: "default", rc: mcp.RoutingContext{ToolName: "Read"}, want: PerformanceWeighted},
		{name: "tool override beats everything", rc: mcp.RoutingContext{ToolName: "Write", AgentID: "pinned", Priority: 9}, want: Failover},
		{name: "agent override beats priority", rc: mcp.RoutingContext{ToolName: "Read", AgentID: "pinned", Priority: 9}, want: LoadBalanced},
		{name: "high priority forces performance first", rc: mcp.RoutingContext{ToolName: "Read", AgentID: "learner", Priority: 8}, want: PerformanceFirst},
		{name: "profile selects agent optimized", rc: mcp.RoutingContext{ToolName: "Read", AgentID: "learner"}, want: AgentOptimized},
		{name: "unknown agent uses default", rc: mcp.RoutingContext{ToolName: "Read", AgentID: "stranger"}, want: PerformanceWeighted},
		{name: "unknown configured strategy falls back", rc: mcp.RoutingContext{ToolName: "Broken"}, want: PerformanceWeighted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, err := f.router.Route(context.Background(), tt.rc)
			if err != nil {
				t.Fatalf("Route: %v", err)
			}
			if d.Strategy != tt.want {
				t.Errorf("strategy = %s, want %s", d.Strategy, tt.want)
			}
		})
	}
}

func TestRouter_StrategyErrorsPropagate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.DefaultStrategy = RoundRobin
	f := newFixture(t, cfg)
	f.register(t, "fs", mcp.StatusDegraded, "Read")

	_, err := f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Read"})
	if !errors.Is(err, ErrNoHealthyServers) {
		t.Fatalf("err = %v, want ErrNoHealthyServers", err)
	}
	errs := f.eventsOf(event.RoutingError)
	if len(errs) != 1 || !errors.Is(errs[0].Data.(ErrorData).Err, ErrNoHealthyServers) {
		t.Fatalf("routingError events = %+v", errs)
	}
	if f.router.CacheStats().Entries != 0 {
		t.Error("failed decision was cached")
	}
}

func TestRouter_RegisterAndConfigureStrategies(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.register(t, "fs", mcp.StatusHealthy, "Read")

	custom := StrategyFunc{StrategyName: "custom", Fn: func(_ context.Context, c []*mcp.ServerInfo, _ mcp.RoutingContext, _ Env) (*mcp.RoutingDecision, error) {
		return &mcp.RoutingDecision{SelectedServer: c[0], Confidence: 0.42, Reasoning: "custom"}, nil
	}}
	if err := f.router.RegisterStrategy(custom); err != nil {
		t.Fatalf("RegisterStrategy: %v", err)
	}
	if got := f.eventsOf(event.StrategyRegistered); len(got) != 1 || got[0].Name != "custom" {
		t.Fatalf("strategyRegistered events = %+v", got)
	}
	names := f.router.Strategies()
	want := []string{AgentOptimized, "custom", Failover, LoadBalanced, PerformanceFirst, PerformanceWeighted, RoundRobin}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("Strategies = %v, want %v", names, want)
	}

	cfg := StrategyConfig{Weights: Weights{Performance: 0.2, Availability: 0.6, Load: 0.1, Preference: 0.1}}
	if err := f.router.UpdateStrategyConfig(Failover, cfg); err != nil {
		t.Fatalf("UpdateStrategyConfig: %v", err)
	}
	s, _ := f.router.Strategy(Failover)
	if got := s.(Configurable).Config(); got != cfg {
		t.Errorf("failover config = %+v, want %+v", got, cfg)
	}
	if got := f.eventsOf(event.StrategyConfigUpdated); len(got) != 1 || got[0].Name != Failover {
		t.Errorf("strategyConfigUpdated events = %+v", got)
	}

	if err := f.router.UpdateStrategyConfig("nope", cfg); !errors.Is(err, mcp.ErrNotFound) || err.Error() != "Strategy not found: nope" {
		t.Errorf("unknown strategy err = %v", err)
	}
	if err := f.router.UpdateStrategyConfig(RoundRobin, cfg); !errors.Is(err, mcp.ErrConfiguration) {
		t.Errorf("round robin err = %v, want ErrConfiguration", err)
	}
	if err := f.router.UpdateStrategyConfig(Failover, StrategyConfig{}); !errors.Is(err, mcp.ErrConfiguration) {
		t.Errorf("zero weights err = %v, want ErrConfiguration", err)
	}
}

func TestRouter_UpdateConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, DefaultConfig())
	f.register(t, "fs", mcp.StatusHealthy, "Read")
	if _, err := f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Read"}); err != nil {
		t.Fatalf("Route: %v", err)
	}

	cfg := DefaultConfig()
	cfg.DefaultStrategy = Failover
	if err := f.router.UpdateConfig(cfg); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	d, err := f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Read"})
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Strategy != Failover {
		t.Errorf("strategy = %s, want failover after reload", d.Strategy)
	}

	cfg.DefaultStrategy = "missing"
	if err := f.router.UpdateConfig(cfg); !errors.Is(err, mcp.ErrConfiguration) {
		t.Errorf("err = %v, want ErrConfiguration", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	reg, _ := registry.New(registry.DefaultOptions())
	t.Cleanup(reg.Close)

	tests := []struct {
		name string
		reg  Registry
		cfg  Config
	}{
		{name: "nil registry", cfg: DefaultConfig()},
		{name: "negative timeout", reg: reg, cfg: Config{DecisionTimeout: -1}},
		{name: "unknown default", reg: reg, cfg: Config{DefaultStrategy: "missing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.reg, tt.cfg); !errors.Is(err, mcp.ErrConfiguration) {
				t.Fatalf("err = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestRouter_ConcurrentMissesShareEvaluation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	slowOnce := StrategyFunc{StrategyName: "slow_once", Fn: func(_ context.Context, c []*mcp.ServerInfo, _ mcp.RoutingContext, _ Env) (*mcp.RoutingDecision, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &mcp.RoutingDecision{SelectedServer: c[0]}, nil
	}}
	cfg := DefaultConfig()
	cfg.DefaultStrategy = "slow_once"
	cfg.DecisionTimeout = time.Second
	f := newFixture(t, cfg, WithStrategies(slowOnce))
	f.register(t, "fs", mcp.StatusHealthy, "Read")

	const n = 8
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Read"}); err != nil {
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Route: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("evaluations = %d, want 1", got)
	}
}

func TestRouter_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := newFixture(t, DefaultConfig(), WithMetrics(m))
	f.register(t, "fs", mcp.StatusHealthy, "Read")

	f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Read"})
	f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Read"})
	f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Nope"})

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
	if totals["mcprouter.routing.decisions"] != 2 {
		t.Errorf("decisions = %d, want 2", totals["mcprouter.routing.decisions"])
	}
	if totals["mcprouter.routing.errors"] != 1 {
		t.Errorf("errors = %d, want 1", totals["mcprouter.routing.errors"])
	}
}

func TestRouter_PanickingStrategyIsAnError(t *testing.T) {
	t.Parallel()

	for _, caching := range []bool{true, false} {
		name := "uncached"
		if caching {
			name = "cached"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			broken := StrategyFunc{StrategyName: "broken", Fn: func(context.Context, []*mcp.ServerInfo, mcp.RoutingContext, Env) (*mcp.RoutingDecision, error) {
				panic("scoring bug")
			}}
			cfg := DefaultConfig()
			cfg.DefaultStrategy = "broken"
			cfg.EnableCaching = caching
			cfg.DecisionTimeout = time.Second
			f := newFixture(t, cfg, WithStrategies(broken))
			f.register(t, "fs", mcp.StatusHealthy, "Read")

			for range 2 {
				_, err := f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Read"})
				if !errors.Is(err, ErrStrategyPanic) {
					t.Fatalf("err = %v, want ErrStrategyPanic", err)
				}
				if !strings.Contains(err.Error(), "scoring bug") {
					t.Errorf("err = %q, want the panic value", err)
				}
			}
			errs := f.eventsOf(event.RoutingError)
			if len(errs) != 2 || !errors.Is(errs[0].Data.(ErrorData).Err, ErrStrategyPanic) {
				t.Fatalf("routingError events = %+v", errs)
			}
			if f.router.CacheStats().Entries != 0 {
				t.Error("failed decision was cached")
			}
		})
	}
}

func TestRouter_ClearDuringEvaluationIsNotCached(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	gated := StrategyFunc{StrategyName: "gated", Fn: func(_ context.Context, c []*mcp.ServerInfo, _ mcp.RoutingContext, _ Env) (*mcp.RoutingDecision, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return &mcp.RoutingDecision{SelectedServer: c[0], Confidence: 1}, nil
	}}
	cfg := DefaultConfig()
	cfg.DefaultStrategy = "gated"
	cfg.DecisionTimeout = 5 * time.Second
	f := newFixture(t, cfg, WithStrategies(gated))
	f.register(t, "fs", mcp.StatusHealthy, "Read")

	rc := mcp.RoutingContext{ToolName: "Read"}
	done := make(chan error, 1)
	go func() {
		_, err := f.router.Route(context.Background(), rc)
		done <- err
	}()

	<-entered
	f.router.ClearCache()
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Route: %v", err)
	}
	if n := f.router.CacheStats().Entries; n != 0 {
		t.Fatalf("entries = %d, want the stale decision dropped", n)
	}

	if _, err := f.router.Route(context.Background(), rc); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if n := f.router.CacheStats().Entries; n != 1 {
		t.Fatalf("entries = %d, want a fresh decision cached", n)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("evaluations = %d, want 2", got)
	}
}

func TestRouter_StartPrunesExpiredDecisions(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.CleanupInterval = 5 * time.Millisecond
	f := newFixture(t, cfg)
	f.register(t, "fs", mcp.StatusHealthy, "Read")

	if _, err := f.router.Route(context.Background(), mcp.RoutingContext{ToolName: "Read"}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if n := f.router.CacheStats().Entries; n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}

	f.clock.Advance(DefaultCacheTTL + time.Second)
	f.router.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for f.router.CacheStats().Entries != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expired decision still cached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.router.Close()
	f.router.Close()
}
