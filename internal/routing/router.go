package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/mcp"
	"github.com/MrWong99/mcprouter/internal/observe"
)

// DefaultDecisionTimeout bounds a strategy evaluation when neither the
// [Config] nor the request sets a timeout.
const DefaultDecisionTimeout = 100 * time.Millisecond

// DefaultCleanupInterval is how often expired decisions are swept.
const DefaultCleanupInterval = 30 * time.Second

// Registry is the part of the server registry the router reads.
type Registry interface {
	MetricsSource
	ServersForTool(tool string) []*mcp.ServerInfo
}

// suggester is implemented by registries that can propose similar tool names.
type suggester interface {
	SuggestTools(name string) []string
}

// NoServersError is returned when no registered server advertises the
// requested tool. It matches [mcp.ErrNotFound].
type NoServersError struct {
	Tool string

	// Suggestions are registered tool names similar to Tool, if any.
	Suggestions []string
}

func (e *NoServersError) Error() string {
	return "No servers registered for tool: " + e.Tool
}

// Is reports whether target is [mcp.ErrNotFound].
func (e *NoServersError) Is(target error) bool { return target == mcp.ErrNotFound }

// Config controls strategy selection and caching.
type Config struct {
	DefaultStrategy string        `yaml:"default_strategy"`
	EnableCaching   bool          `yaml:"enable_caching"`
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	DecisionTimeout time.Duration `yaml:"decision_timeout"`

	// CleanupInterval is how often [Router.Start] drops expired decisions.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// ToolStrategies maps a tool name to the strategy used for it.
	ToolStrategies map[string]string `yaml:"tool_strategies"`

	// AgentStrategies maps an agent id to the strategy used for it.
	AgentStrategies map[string]string `yaml:"agent_strategies"`
}

// DefaultConfig returns the router defaults: performance-weighted routing
// with caching enabled.
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: PerformanceWeighted,
		EnableCaching:   true,
		CacheSize:       DefaultCacheSize,
		CacheTTL:        DefaultCacheTTL,
		DecisionTimeout: DefaultDecisionTimeout,
		CleanupInterval: DefaultCleanupInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultStrategy == "" {
		c.DefaultStrategy = d.DefaultStrategy
	}
	if c.CacheSize == 0 {
		c.CacheSize = d.CacheSize
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.DecisionTimeout == 0 {
		c.DecisionTimeout = d.DecisionTimeout
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	c.ToolStrategies = maps.Clone(c.ToolStrategies)
	c.AgentStrategies = maps.Clone(c.AgentStrategies)
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.CacheSize < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Cache size must not be negative"))
	}
	if c.CacheTTL < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Cache TTL must not be negative"))
	}
	if c.DecisionTimeout < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Decision timeout must not be negative"))
	}
	if c.CleanupInterval < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Cleanup interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Option configures a [Router].
type Option func(*Router)

// WithClock sets the time source for decision timestamps and the cache.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithProfiles sets the agent profile source. Agents with a profile are
// routed with the agent-optimized strategy unless an override applies.
func WithProfiles(p ProfileSource) Option {
	return func(r *Router) { r.profiles = p }
}

// WithMetrics records decision counters and latencies into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithStrategies registers additional strategies at construction, replacing
// built-ins with the same name.
func WithStrategies(s ...Strategy) Option {
	return func(r *Router) {
		for _, st := range s {
			r.strategies[st.Name()] = st
		}
	}
}

// Event payloads, carried in [event.Event.Data].
type (
	// DecisionData accompanies [event.RoutingDecision].
	DecisionData struct {
		Context   mcp.RoutingContext
		Decision  *mcp.RoutingDecision
		FromCache bool
	}

	// ErrorData accompanies [event.RoutingError].
	ErrorData struct {
		Context mcp.RoutingContext
		Err     error
	}

	// StrategyConfigData accompanies [event.StrategyConfigUpdated].
	StrategyConfigData struct {
		Config StrategyConfig
	}
)

// Stats summarises router activity since construction.
type Stats struct {
	TotalDecisions      int64            `json:"totalDecisions"`
	CacheHits           int64            `json:"cacheHits"`
	Errors              int64            `json:"errors"`
	Timeouts            int64            `json:"timeouts"`
	AverageDecisionTime time.Duration    `json:"averageDecisionTime"`
	StrategyUsage       map[string]int64 `json:"strategyUsage"`
	Cache               CacheStats       `json:"cache"`
}

// Router turns a [mcp.RoutingContext] into a [mcp.RoutingDecision]. It is safe
// for concurrent use.
type Router struct {
	reg      Registry
	profiles ProfileSource
	now      func() time.Time
	metrics  *observe.Metrics
	emitter  *event.Emitter
	cache    *Cache[*mcp.RoutingDecision]
	flights  singleflight.Group

	mu         sync.RWMutex
	cfg        Config
	strategies map[string]Strategy

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	statsMu      sync.Mutex
	decisions    int64
	cacheHits    int64
	errorCount   int64
	timeouts     int64
	decisionTime time.Duration
	usage        map[string]int64
}

// New creates a router reading servers from reg.
func New(reg Registry, cfg Config, opts ...Option) (*Router, error) {
	if reg == nil {
		return nil, fmt.Errorf("routing: %w", mcp.NewError(mcp.ErrConfiguration, "Registry is required"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}
	cfg = cfg.withDefaults()

	r := &Router{
		reg:        reg,
		now:        time.Now,
		cfg:        cfg,
		strategies: make(map[string]Strategy),
		usage:      make(map[string]int64),
		done:       make(chan struct{}),
	}
	for _, s := range BuiltinStrategies() {
		r.strategies[s.Name()] = s
	}
	for _, o := range opts {
		o(r)
	}
	if _, ok := r.strategies[cfg.DefaultStrategy]; !ok {
		return nil, fmt.Errorf("routing: %w",
			mcp.NewError(mcp.ErrConfiguration, "Strategy not found: "+cfg.DefaultStrategy))
	}
	r.emitter = event.NewEmitter("tool-router", r.now)
	r.cache = NewCache(cfg.CacheSize, cfg.CacheTTL, WithCacheClock[*mcp.RoutingDecision](r.now))
	return r, nil
}

// Subscribe registers l for router events.
func (r *Router) Subscribe(l event.Listener) (unsubscribe func()) {
	return r.emitter.Subscribe(l)
}

// CacheKey returns the decision cache key of rc.
func CacheKey(rc mcp.RoutingContext) string {
	agent := rc.AgentID
	if agent == "" {
		agent = "global"
	}
	req := []byte("{}")
	if rc.Requirements != nil {
		if b, err := json.Marshal(rc.Requirements); err == nil {
			req = b
		}
	}
	return strings.Join([]string{rc.ToolName, agent, strconv.Itoa(rc.EffectivePriority()), string(req)}, "|")
}

func validateContext(rc mcp.RoutingContext) error {
	if strings.TrimSpace(rc.ToolName) == "" {
		return mcp.NewError(mcp.ErrValidation, "Tool name is required")
	}
	if rc.Priority < 0 {
		return mcp.NewError(mcp.ErrValidation, "Priority must be non-negative")
	}
	if rc.Timeout != nil && *rc.Timeout < 0 {
		return mcp.NewError(mcp.ErrValidation, "Timeout must be non-negative")
	}
	return nil
}

// Route returns a decision for rc. Malformed contexts fail with
// [mcp.ErrValidation], an unknown tool with [*NoServersError] and an
// evaluation exceeding the deadline with [mcp.ErrTimeout]. Strategy errors
// are returned unchanged.
func (r *Router) Route(ctx context.Context, rc mcp.RoutingContext) (*mcp.RoutingDecision, error) {
	ctx, span := observe.StartSpan(ctx, "router.route",
		trace.WithAttributes(
			attribute.String("tool", rc.ToolName),
			attribute.String("agent", rc.AgentID),
			attribute.Int("priority", rc.EffectivePriority()),
		),
	)
	start := time.Now()

	d, cached, err := r.route(ctx, rc)
	elapsed := time.Since(start)
	if err != nil {
		r.recordError(ctx, rc, err)
		observe.EndSpan(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("server", d.SelectedServer.ID),
		attribute.String("strategy", d.Strategy),
		attribute.Bool("cached", cached),
	)
	r.recordDecision(ctx, d, cached, elapsed)
	r.emitter.Emit(event.Event{
		Type:     event.RoutingDecision,
		Name:     d.Strategy,
		ServerID: d.SelectedServer.ID,
		ToolName: rc.ToolName,
		AgentID:  rc.AgentID,
		Data:     DecisionData{Context: rc, Decision: d, FromCache: cached},
	})
	observe.EndSpan(span, nil)
	return d, nil
}

func (r *Router) route(ctx context.Context, rc mcp.RoutingContext) (*mcp.RoutingDecision, bool, error) {
	if err := validateContext(rc); err != nil {
		return nil, false, err
	}
	cfg := r.config()
	timeout := cfg.DecisionTimeout
	if rc.Timeout != nil {
		timeout = *rc.Timeout
	}
	if timeout <= 0 {
		return nil, false, timeoutError(rc.ToolName, timeout)
	}

	key := CacheKey(rc)
	if cfg.EnableCaching {
		if d, ok := r.cache.Get(key); ok {
			return d, true, nil
		}
	}

	// A decision computed across a cache clear is returned but not stored.
	gen := r.cache.Generation()
	d, err := r.decide(ctx, rc, key+"#"+strconv.FormatUint(gen, 10), timeout, cfg.EnableCaching)
	if err != nil {
		return nil, false, err
	}
	if cfg.EnableCaching {
		r.cache.SetIfGeneration(key, d, gen)
	}
	return d, false, nil
}

// decide evaluates rc under timeout. With caching enabled, concurrent misses
// for the same key share one evaluation; the shared evaluation keeps the
// first caller's deadline but ignores its cancellation.
func (r *Router) decide(ctx context.Context, rc mcp.RoutingContext, key string, timeout time.Duration, share bool) (*mcp.RoutingDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var results <-chan singleflight.Result
	if share {
		detached := context.WithoutCancel(ctx)
		results = r.flights.DoChan(key, func() (any, error) {
			ectx, ecancel := context.WithTimeout(detached, timeout)
			defer ecancel()
			return r.evaluate(ectx, rc)
		})
	} else {
		ch := make(chan singleflight.Result, 1)
		go func() {
			d, err := r.evaluate(ctx, rc)
			ch <- singleflight.Result{Val: d, Err: err}
		}()
		results = ch
	}

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*mcp.RoutingDecision), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, timeoutError(rc.ToolName, timeout)
		}
		return nil, fmt.Errorf("routing: %w", ctx.Err())
	}
}

func timeoutError(tool string, timeout time.Duration) error {
	return mcp.NewError(mcp.ErrTimeout,
		fmt.Sprintf("Routing decision for %s timed out after %v", tool, timeout))
}

// evaluate runs the selected strategy. The returned decision is shared and
// never modified afterwards. A panicking strategy yields [ErrStrategyPanic].
func (r *Router) evaluate(ctx context.Context, rc mcp.RoutingContext) (d *mcp.RoutingDecision, err error) {
	start := time.Now()
	candidates := r.reg.ServersForTool(rc.ToolName)
	if len(candidates) == 0 {
		nse := &NoServersError{Tool: rc.ToolName}
		if s, ok := r.reg.(suggester); ok {
			nse.Suggestions = s.SuggestTools(rc.ToolName)
		}
		return nil, nse
	}

	strategy := r.selectStrategy(rc)
	defer func() {
		if p := recover(); p != nil {
			d, err = nil, fmt.Errorf("%w: %s: %v", ErrStrategyPanic, strategy.Name(), p)
		}
	}()
	env := Env{Metrics: r.reg, Profiles: r.profiles, Now: r.now}
	d, err = strategy.Evaluate(ctx, candidates, rc, env)
	if err != nil {
		return nil, err
	}
	if d == nil || d.SelectedServer == nil {
		return nil, fmt.Errorf("routing: strategy %s returned no server", strategy.Name())
	}
	d.Strategy = strategy.Name()
	d.Timestamp = r.now()
	d.DecisionTime = time.Since(start)
	return d, nil
}

// selectStrategy applies the override precedence: tool, agent, high
// priority, agent profile, default.
func (r *Router) selectStrategy(rc mcp.RoutingContext) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name, ok := r.cfg.ToolStrategies[rc.ToolName]; ok {
		return r.resolveLocked(name)
	}
	if rc.AgentID != "" {
		if name, ok := r.cfg.AgentStrategies[rc.AgentID]; ok {
			return r.resolveLocked(name)
		}
	}
	if rc.EffectivePriority() >= mcp.HighPriority {
		if s, ok := r.strategies[PerformanceFirst]; ok {
			return s
		}
	}
	if rc.AgentID != "" && r.profiles != nil {
		if _, ok := r.profiles.Profile(rc.AgentID); ok {
			if s, ok := r.strategies[AgentOptimized]; ok {
				return s
			}
		}
	}
	return r.resolveLocked(r.cfg.DefaultStrategy)
}

func (r *Router) resolveLocked(name string) Strategy {
	if s, ok := r.strategies[name]; ok {
		return s
	}
	slog.Warn("Strategy not found: "+name, "fallback", r.cfg.DefaultStrategy)
	if s, ok := r.strategies[r.cfg.DefaultStrategy]; ok {
		return s
	}
	return r.strategies[PerformanceWeighted]
}

func (r *Router) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Config returns a copy of the active configuration.
func (r *Router) Config() Config {
	cfg := r.config()
	cfg.ToolStrategies = maps.Clone(cfg.ToolStrategies)
	cfg.AgentStrategies = maps.Clone(cfg.AgentStrategies)
	return cfg
}

// UpdateConfig replaces the overrides, default strategy, timeout and caching
// switch, then clears the decision cache. Cache size, TTL and cleanup
// interval are fixed at construction.
func (r *Router) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	cfg = cfg.withDefaults()

	r.mu.Lock()
	if _, ok := r.strategies[cfg.DefaultStrategy]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("routing: %w",
			mcp.NewError(mcp.ErrConfiguration, "Strategy not found: "+cfg.DefaultStrategy))
	}
	cfg.CacheSize, cfg.CacheTTL = r.cfg.CacheSize, r.cfg.CacheTTL
	cfg.CleanupInterval = r.cfg.CleanupInterval
	r.cfg = cfg
	r.mu.Unlock()

	r.cache.Clear()
	return nil
}

// RegisterStrategy adds s, replacing any strategy with the same name, and
// emits [event.StrategyRegistered].
func (r *Router) RegisterStrategy(s Strategy) error {
	if s == nil || s.Name() == "" {
		return fmt.Errorf("routing: %w", mcp.NewError(mcp.ErrConfiguration, "Strategy name is required"))
	}
	r.mu.Lock()
	r.strategies[s.Name()] = s
	r.mu.Unlock()

	r.cache.Clear()
	r.emitter.Emit(event.Event{Type: event.StrategyRegistered, Name: s.Name()})
	return nil
}

// UpdateStrategyConfig reconfigures the named strategy and emits
// [event.StrategyConfigUpdated]. Unknown names fail with [mcp.ErrNotFound],
// strategies without tunable weights with [mcp.ErrConfiguration].
func (r *Router) UpdateStrategyConfig(name string, cfg StrategyConfig) error {
	r.mu.RLock()
	s, ok := r.strategies[name]
	r.mu.RUnlock()
	if !ok {
		return mcp.NewError(mcp.ErrNotFound, "Strategy not found: "+name)
	}
	c, ok := s.(Configurable)
	if !ok {
		return mcp.NewError(mcp.ErrConfiguration, "Strategy "+name+" is not configurable")
	}
	if err := c.SetConfig(cfg); err != nil {
		return fmt.Errorf("routing: strategy %s: %w", name, err)
	}

	r.cache.Clear()
	r.emitter.Emit(event.Event{
		Type: event.StrategyConfigUpdated,
		Name: name,
		Data: StrategyConfigData{Config: cfg},
	})
	return nil
}

// Strategy returns the registered strategy called name.
func (r *Router) Strategy(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Strategies returns the registered strategy names in sorted order.
func (r *Router) Strategies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.strategies))
}

// ClearCache drops every cached decision and emits [event.CacheCleared].
func (r *Router) ClearCache() {
	r.cache.Clear()
	r.emitter.Emit(event.Event{Type: event.CacheCleared})
}

// CacheStats returns the decision cache statistics.
func (r *Router) CacheStats() CacheStats {
	return r.cache.Stats()
}

// Stats returns a snapshot of router activity.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	s := Stats{
		TotalDecisions: r.decisions,
		CacheHits:      r.cacheHits,
		Errors:         r.errorCount,
		Timeouts:       r.timeouts,
		StrategyUsage:  maps.Clone(r.usage),
	}
	if r.decisions > 0 {
		s.AverageDecisionTime = r.decisionTime / time.Duration(r.decisions)
	}
	r.statsMu.Unlock()
	s.Cache = r.cache.Stats()
	return s
}

// Close stops the cleanup loop, clears the cache and drops all listeners.
// It is idempotent.
func (r *Router) Close() {
	r.stopOnce.Do(func() {
		r.startOnce.Do(func() {})
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}
		r.cache.Clear()
		r.emitter.Clear()
	})
}

// Start sweeps expired decisions from the cache every CleanupInterval until
// ctx is cancelled or the router is closed. Only the first call starts the
// loop.
func (r *Router) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		interval := r.config().CleanupInterval
		go func() {
			defer close(r.done)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := r.cache.PruneExpired(); n > 0 {
						slog.Debug("routing: pruned expired decisions", "entries", n)
					}
				}
			}
		}()
	})
}

func (r *Router) recordDecision(ctx context.Context, d *mcp.RoutingDecision, cached bool, elapsed time.Duration) {
	r.statsMu.Lock()
	r.decisions++
	r.decisionTime += elapsed
	r.usage[d.Strategy]++
	if cached {
		r.cacheHits++
	}
	r.statsMu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordDecision(ctx, d.Strategy, cached, elapsed)
	}
}

func (r *Router) recordError(ctx context.Context, rc mcp.RoutingContext, err error) {
	kind := errorKind(err)
	r.statsMu.Lock()
	r.errorCount++
	if kind == "timeout" {
		r.timeouts++
	}
	r.statsMu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordRoutingError(ctx, rc.ToolName, kind)
	}
	observe.Logger(ctx).Debug("routing failed", "tool", rc.ToolName, "agent", rc.AgentID, "err", err)
	r.emitter.Emit(event.Event{
		Type:     event.RoutingError,
		ToolName: rc.ToolName,
		AgentID:  rc.AgentID,
		Data:     ErrorData{Context: rc, Err: err},
	})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, mcp.ErrValidation):
		return "validation"
	case errors.Is(err, mcp.ErrTimeout):
		return "timeout"
	case errors.Is(err, mcp.ErrNotFound):
		return "not_found"
	}
	return "strategy"
}
