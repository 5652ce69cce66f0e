// Package app wires all mcprouter subsystems into a running control plane.
//
// The App struct owns the full lifecycle: New creates and connects the
// registry, preference engine, router, breakers and resilience manager;
// Start restores persisted state and connects the configured MCP servers; Run
// additionally serves the health and metrics endpoints; Shutdown tears
// everything down in reverse order.
//
// For testing, inject doubles via functional options (WithStore,
// WithHostFactory, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/mcprouter/internal/config"
	"github.com/MrWong99/mcprouter/internal/discovery"
	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/health"
	"github.com/MrWong99/mcprouter/internal/mcp"
	"github.com/MrWong99/mcprouter/internal/observe"
	"github.com/MrWong99/mcprouter/internal/preference"
	"github.com/MrWong99/mcprouter/internal/registry"
	"github.com/MrWong99/mcprouter/internal/resilience"
	"github.com/MrWong99/mcprouter/internal/routing"
	"github.com/MrWong99/mcprouter/internal/store"
)

// defaultShutdownTimeout bounds Shutdown when the config leaves it unset.
const defaultShutdownTimeout = 10 * time.Second

// ServerHost connects MCP servers and talks to them once selected.
// *discovery.Host satisfies it.
type ServerHost interface {
	mcp.Prober
	mcp.Invoker
	Connect(ctx context.Context, spec discovery.ServerSpec) error
	Disconnect(id string) bool
	Close() error
}

// sampler is implemented by hosts that can sample their server processes.
type sampler interface {
	StartSampling(ctx context.Context, interval time.Duration)
}

// HostFactory builds the server host around the registry it registers into.
type HostFactory func(reg discovery.Registrar) ServerHost

// App owns all subsystem lifetimes.
type App struct {
	mu  sync.RWMutex
	cfg *config.Config

	level       *slog.LevelVar
	stores      *config.StoreRegistry
	hostFactory HostFactory

	// Subsystems, initialised in New and torn down in Shutdown.
	store      store.Store
	metrics    *observe.Metrics
	registry   *registry.Registry
	prefs      *preference.Engine
	router     *routing.Router
	breakers   *resilience.BreakerManager
	resilience *resilience.Manager
	host       ServerHost
	health     *health.Handler
	httpSrv    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a persistence store instead of opening the configured
// driver.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithStores replaces the store driver registry. Default: [BuiltinStores].
func WithStores(r *config.StoreRegistry) Option {
	return func(a *App) { a.stores = r }
}

// WithHostFactory injects the server host. Default: [discovery.New].
func WithHostFactory(f HostFactory) Option {
	return func(a *App) { a.hostFactory = f }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevel lets config reloads adjust the log level through lv.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It does not connect
// any server; call Start or Run for that.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.stores == nil {
		a.stores = BuiltinStores()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.hostFactory == nil {
		a.hostFactory = func(reg discovery.Registrar) ServerHost { return discovery.New(reg) }
	}

	if err := a.init(ctx); err != nil {
		_ = a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Store ─────────────────────────────────────────────────────────
	if a.store == nil {
		s, closeFn, err := a.stores.Open(ctx, a.cfg.Store)
		if err != nil {
			return fmt.Errorf("app: init store: %w", err)
		}
		if s != nil {
			a.store = s
			a.closers = append(a.closers, closeFn)
			slog.Info("store opened", "driver", a.cfg.Store.Driver)
		}
	}

	// ── 2. Registry ──────────────────────────────────────────────────────
	regOpts := a.cfg.Registry
	var regOptions []registry.Option
	if a.store != nil {
		regOptions = append(regOptions, registry.WithStore(a.store))
	} else {
		regOpts.EnablePersistence = false
	}
	regOptions = append(regOptions, registry.WithMetrics(a.metrics))
	reg, err := registry.New(regOpts, regOptions...)
	if err != nil {
		return fmt.Errorf("app: init registry: %w", err)
	}
	a.registry = reg
	a.closers = append(a.closers, func() error { reg.Close(); return nil })

	// ── 3. Preference engine ─────────────────────────────────────────────
	var prefOptions []preference.Option
	if a.store != nil {
		prefOptions = append(prefOptions, preference.WithStore(a.store))
	}
	prefs, err := preference.New(a.cfg.Preference, prefOptions...)
	if err != nil {
		return fmt.Errorf("app: init preferences: %w", err)
	}
	a.prefs = prefs
	a.closers = append(a.closers, func() error { prefs.Close(); return nil })

	// ── 4. Router ────────────────────────────────────────────────────────
	router, err := routing.New(reg, a.cfg.Router,
		routing.WithProfiles(prefs),
		routing.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("app: init router: %w", err)
	}
	a.router = router
	a.closers = append(a.closers, func() error { router.Close(); return nil })
	for name, sc := range a.cfg.Strategies {
		if err := router.UpdateStrategyConfig(name, sc); err != nil {
			return fmt.Errorf("app: configure strategy %s: %w", name, err)
		}
	}

	// ── 5. Breakers + resilience ─────────────────────────────────────────
	breakers, err := resilience.NewBreakerManager(a.cfg.CircuitBreaker)
	if err != nil {
		return fmt.Errorf("app: init breakers: %w", err)
	}
	a.breakers = breakers
	a.closers = append(a.closers, func() error { breakers.Close(); return nil })

	res, err := resilience.NewManager(router, reg, a.cfg.Resilience,
		resilience.WithBreakers(breakers),
		resilience.WithLearner(prefs),
		resilience.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("app: init resilience: %w", err)
	}
	a.resilience = res
	a.closers = append(a.closers, func() error { res.Close(); return nil })
	res.Subscribe(event.ListenerFunc(logEvent))

	// ── 6. Server host ───────────────────────────────────────────────────
	a.host = a.hostFactory(reg)
	a.closers = append(a.closers, a.host.Close)

	// ── 7. Health ────────────────────────────────────────────────────────
	checkers := []health.Checker{health.ServersAvailable(reg)}
	if a.store != nil {
		checkers = append(checkers, health.StorePing(a.store))
	}
	a.health = health.New(checkers...).WithStatus(a.status)

	return nil
}

// logEvent logs the resilience events an operator should see.
func logEvent(ev event.Event) {
	switch ev.Type {
	case event.StateChange:
		if d, ok := ev.Data.(resilience.StateChangeData); ok {
			slog.Info("circuit breaker state changed", "breaker", ev.Name,
				"from", d.PreviousState.String(), "to", d.NewState.String(), "reason", d.Reason)
		}
	case event.ServerHealthChanged:
		slog.Info("server health changed", "server_id", ev.ServerID, "data", ev.Data)
	case event.OperationFailed:
		if d, ok := ev.Data.(resilience.FailureData); ok {
			slog.Warn("resilient operation failed", "tool", ev.ToolName,
				"operation_id", d.OperationID, "attempts", len(d.Log), "err", d.Err)
		}
	case event.PerformanceWarning:
		if d, ok := ev.Data.(resilience.WarningData); ok {
			slog.Warn(d.Message, "tool", ev.ToolName, "total_time", d.TotalTime, "target", d.Target)
		}
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Registry returns the server registry.
func (a *App) Registry() *registry.Registry { return a.registry }

// Router returns the tool router.
func (a *App) Router() *routing.Router { return a.router }

// Resilience returns the resilience manager.
func (a *App) Resilience() *resilience.Manager { return a.resilience }

// Preferences returns the preference engine.
func (a *App) Preferences() *preference.Engine { return a.prefs }

// ─── Start / Run ─────────────────────────────────────────────────────────────

// Start restores persisted state, launches the background loops and connects
// every configured server. A server that fails to connect is logged and
// skipped. Calling Start more than once is a no-op.
func (a *App) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		cfg := a.Config()

		a.registry.Start(ctx)
		a.router.Start(ctx)
		if a.store != nil {
			if n, err := a.registry.Restore(ctx); err != nil {
				slog.Warn("restore registry failed", "err", err)
			} else if n > 0 {
				slog.Info("registry restored", "servers", n)
			}
			if n, err := a.prefs.Load(ctx); err != nil {
				slog.Warn("load agent profiles failed", "err", err)
			} else if n > 0 {
				slog.Info("agent profiles loaded", "profiles", n)
			}
		}
		a.prefs.Start(ctx)

		a.connectServers(ctx, cfg.Servers)

		if s, ok := a.host.(sampler); ok {
			s.StartSampling(ctx, cfg.Telemetry.SampleInterval)
		}
		a.resilience.StartHealthMonitoring(ctx, a.host, cfg.Resilience.HealthCheckInterval)
	})
}

func (a *App) connectServers(ctx context.Context, specs []discovery.ServerSpec) {
	for _, spec := range specs {
		if err := a.host.Connect(ctx, spec); err != nil {
			slog.Warn("connect MCP server failed", "server_id", spec.ID, "err", err)
			continue
		}
		slog.Info("MCP server connected", "server_id", spec.ID, "name", spec.Name)
	}
}

// Handler returns the HTTP handler serving /healthz, /readyz, /statusz and
// /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Run starts the app, serves HTTP on the configured listen address and
// blocks until ctx is cancelled. It returns ctx.Err() on a clean stop.
func (a *App) Run(ctx context.Context) error {
	a.Start(ctx)

	errCh := make(chan error, 1)
	if addr := a.Config().Server.ListenAddr; addr != "" {
		a.httpSrv = &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("http listener started", "addr", addr)
			if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("app: serve http: %w", err)
			}
		}()
	}

	slog.Info("app running", "servers", len(a.registry.Servers()))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ─── Operations ──────────────────────────────────────────────────────────────

// Route returns the routing decision for rc.
func (a *App) Route(ctx context.Context, rc mcp.RoutingContext) (*mcp.RoutingDecision, error) {
	return a.router.Route(ctx, rc)
}

// CallTool routes tool and executes it on the selected server, falling back
// to the decision's alternatives. A tool that answers with an error result is
// a successful call at this level; only transport failures trigger fallback.
func (a *App) CallTool(ctx context.Context, tool, args string, opts resilience.ExecOptions) (*resilience.Result[*mcp.ToolResult], error) {
	return resilience.Execute(ctx, a.resilience, tool,
		func(ctx context.Context, server *mcp.ServerInfo) (*mcp.ToolResult, error) {
			return a.host.CallTool(ctx, server.ID, tool, args)
		}, opts)
}

// status is the /statusz body.
func (a *App) status(context.Context) any {
	return map[string]any{
		"registry":    a.registry.Stats(),
		"router":      a.router.Stats(),
		"resilience":  a.resilience.Stats(),
		"breakers":    a.breakers.AllStats(),
		"preferences": a.prefs.Stats(),
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig re-applies the hot-reloadable parts of next. Failures of single
// settings are logged and do not stop the others.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if d.Empty() {
		slog.Debug("config reload without applicable changes")
		return
	}

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.RouterChanged {
		if err := a.router.UpdateConfig(next.Router); err != nil {
			slog.Error("apply router config failed", "err", err)
		}
	}
	for name, sc := range d.StrategyChanges {
		if err := a.router.UpdateStrategyConfig(name, sc); err != nil {
			slog.Error("apply strategy config failed", "strategy", name, "err", err)
		}
	}
	if d.BreakerDefaultsChanged {
		if err := a.breakers.UpdateDefaultConfig(next.CircuitBreaker); err != nil {
			slog.Error("apply circuit breaker defaults failed", "err", err)
		}
	}
	if d.ResilienceChanged {
		if err := a.resilience.UpdateConfig(next.Resilience); err != nil {
			slog.Error("apply resilience config failed", "err", err)
		}
	}

	for _, id := range d.ServersRemoved {
		if a.host.Disconnect(id) {
			slog.Info("MCP server disconnected", "server_id", id)
		}
	}
	var connect []discovery.ServerSpec
	for _, spec := range next.Servers {
		if slices.Contains(d.ServersAdded, spec.ID) || slices.Contains(d.ServersChanged, spec.ID) {
			connect = append(connect, spec)
		}
	}
	a.connectServers(ctx, connect)
}

// SlogLevel maps a config log level onto slog. Unknown values are Info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP listener and health monitoring, saves agent
// profiles and closes every subsystem. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.httpSrv != nil {
			if err := a.httpSrv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}
		a.resilience.StopHealthMonitoring()

		if a.store != nil {
			if err := a.prefs.Save(ctx); err != nil {
				slog.Warn("save agent profiles failed", "err", err)
			}
		}

		shutdownErr = a.closeAllCtx(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ShutdownTimeout returns the configured graceful shutdown bound.
func (a *App) ShutdownTimeout() time.Duration {
	if d := a.Config().Server.ShutdownTimeout; d > 0 {
		return d
	}
	return defaultShutdownTimeout
}

func (a *App) closeAll() error { return a.closeAllCtx(context.Background()) }

// closeAllCtx runs the closers in reverse creation order.
func (a *App) closeAllCtx(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
