// Package registry is the authoritative in-memory table of MCP servers, their
// running metrics and the tool-to-server mapping used by routing.
//
// All mutating operations are serialised by a single write lock, so two
// interleaved registrations or metrics updates can never corrupt tool mappings
// or scores. Readers take the read lock and always receive deep copies.
// Events are emitted after the lock is released.
//
// When a [store.Store] is configured and persistence is enabled, every
// mutation enqueues a snapshot onto a bounded write-behind queue. The store is
// never consulted on the read path and its failures are only logged.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/mcp"
	"github.com/MrWong99/mcprouter/internal/observe"
	"github.com/MrWong99/mcprouter/internal/store"
)

// ErrClosed is returned by mutating operations after [Registry.Close].
var ErrClosed = errors.New("registry: closed")

// Options are the tunables of a [Registry]. Zero fields take the defaults
// listed on [DefaultOptions].
type Options struct {
	// MaxMetricsHistory bounds the per-server metrics history ring.
	MaxMetricsHistory int `yaml:"max_metrics_history"`

	// MetricsRetentionPeriod drops history points older than this.
	MetricsRetentionPeriod time.Duration `yaml:"metrics_retention_period"`

	// EnablePersistence turns on write-behind snapshots into the store passed
	// with [WithStore].
	EnablePersistence bool `yaml:"enable_persistence"`

	// QueryCacheTTL is how long [Registry.QueryServers] results stay valid.
	QueryCacheTTL time.Duration `yaml:"query_cache_ttl"`

	// CleanupInterval is the period of the retention loop.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultOptions returns 1000 history points, 7 days retention, persistence
// off, a 30s query cache and an hourly cleanup.
func DefaultOptions() Options {
	return Options{
		MaxMetricsHistory:      1000,
		MetricsRetentionPeriod: 7 * 24 * time.Hour,
		QueryCacheTTL:          30 * time.Second,
		CleanupInterval:        time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxMetricsHistory == 0 {
		o.MaxMetricsHistory = d.MaxMetricsHistory
	}
	if o.MetricsRetentionPeriod == 0 {
		o.MetricsRetentionPeriod = d.MetricsRetentionPeriod
	}
	if o.QueryCacheTTL == 0 {
		o.QueryCacheTTL = d.QueryCacheTTL
	}
	if o.CleanupInterval == 0 {
		o.CleanupInterval = d.CleanupInterval
	}
	return o
}

// Validate reports every invalid option.
func (o Options) Validate() error {
	var errs []error
	if o.MaxMetricsHistory < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Max metrics history must not be negative"))
	}
	if o.MetricsRetentionPeriod < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Metrics retention period must not be negative"))
	}
	if o.QueryCacheTTL < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Query cache TTL must not be negative"))
	}
	if o.CleanupInterval < 0 {
		errs = append(errs, mcp.NewError(mcp.ErrConfiguration, "Cleanup interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Option configures a [Registry].
type Option func(*Registry)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStore sets the persistence target used when
// [Options.EnablePersistence] is true.
func WithStore(s store.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithMetrics records the registered-server gauge into m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// MetricsPoint is one entry of a server's metrics history.
type MetricsPoint struct {
	Time    time.Time         `json:"time"`
	Metrics mcp.ServerMetrics `json:"metrics"`
	Score   float64           `json:"score"`
}

// ToolMapping lists the servers advertising one tool.
type ToolMapping struct {
	ToolName string `json:"toolName"`

	// ServerIDs is duplicate-free and in registration order.
	ServerIDs         []string  `json:"serverIds"`
	PreferredServerID string    `json:"preferredServerId,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Event payloads, carried in [event.Event.Data].
type (
	// RegisteredData accompanies [event.ServerRegistered].
	RegisteredData struct {
		Server *mcp.ServerInfo
		// Updated is true when an existing id was re-registered.
		Updated bool
	}

	// UnregisteredData accompanies [event.ServerUnregistered].
	UnregisteredData struct {
		Server *mcp.ServerInfo
	}

	// MetricsUpdatedData accompanies [event.MetricsUpdated].
	MetricsUpdatedData struct {
		Metrics mcp.ServerMetrics
		Score   float64
	}
)

type serverEntry struct {
	info         *mcp.ServerInfo
	metrics      mcp.ServerMetrics
	score        float64
	history      []MetricsPoint
	registeredAt time.Time
	updatedAt    time.Time
}

type toolEntry struct {
	serverIDs []string
	preferred string
	updatedAt time.Time
}

// Registry is safe for concurrent use. Create instances with [New].
type Registry struct {
	opts    Options
	now     func() time.Time
	store   store.Store
	metrics *observe.Metrics
	emitter *event.Emitter
	queries *queryCache

	mu      sync.RWMutex
	servers map[string]*serverEntry
	order   []string
	tools   map[string]*toolEntry
	closed  bool

	persistQ  chan persistOp
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a [Registry]. Call [Registry.Start] to run the retention loop
// and the persistence writer, and [Registry.Close] to stop them.
func New(opts Options, options ...Option) (*Registry, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	opts = opts.withDefaults()

	r := &Registry{
		opts:    opts,
		now:     time.Now,
		servers: make(map[string]*serverEntry),
		tools:   make(map[string]*toolEntry),
		done:    make(chan struct{}),
	}
	for _, o := range options {
		o(r)
	}
	if opts.EnablePersistence {
		if r.store == nil {
			return nil, fmt.Errorf("registry: %w",
				mcp.NewError(mcp.ErrConfiguration, "Persistence is enabled but no store is configured"))
		}
		r.persistQ = make(chan persistOp, persistQueueSize)
	}
	r.emitter = event.NewEmitter("server-registry", r.now)
	r.queries = newQueryCache(opts.QueryCacheTTL, r.now)
	return r, nil
}

// Subscribe registers l for registry events.
func (r *Registry) Subscribe(l event.Listener) (unsubscribe func()) {
	return r.emitter.Subscribe(l)
}

// Start launches the retention loop and, with persistence enabled, the
// write-behind writer. Both stop when ctx is cancelled or on Close.
func (r *Registry) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		r.cancel = cancel

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.cleanupLoop(ctx)
		}()
		if r.persistQ != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.persistLoop(ctx)
			}()
		}
		go func() {
			wg.Wait()
			close(r.done)
		}()
	})
}

// Close stops the background loops, flushes queued snapshots and clears all
// state and listeners. It is idempotent.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		r.startOnce.Do(func() {}) // a later Start is a no-op
		if r.cancel != nil {
			r.cancel()
			<-r.done
		} else if r.persistQ != nil {
			r.flushPersistQueue()
		}

		r.mu.Lock()
		n := len(r.servers)
		r.closed = true
		r.servers = make(map[string]*serverEntry)
		r.order = nil
		r.tools = make(map[string]*toolEntry)
		r.mu.Unlock()

		if r.metrics != nil && n > 0 {
			r.metrics.RegisteredServers.Add(context.Background(), int64(-n))
		}
		r.queries.clear()
		r.emitter.Clear()
	})
}

// RegisterServer validates info and inserts it, or replaces the entry with the
// same id while keeping its metrics and history. Tool mappings are rebuilt for
// every tool the server gains or loses.
func (r *Registry) RegisterServer(info *mcp.ServerInfo) error {
	if err := validateServer(info); err != nil {
		return fmt.Errorf("registry: register: %w", err)
	}
	srv := info.Clone()
	if srv.Status == "" {
		srv.Status = mcp.StatusUnknown
	}
	now := r.now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e, existed := r.servers[srv.ID]
	var previous []string
	if existed {
		previous = e.info.ToolNames()
	} else {
		e = &serverEntry{metrics: initialMetrics(), registeredAt: now}
		r.servers[srv.ID] = e
		r.order = append(r.order, srv.ID)
	}
	e.info = srv
	e.updatedAt = now
	e.score = Score(srv, e.metrics)

	current := srv.ToolNames()
	var touched []string
	for _, tool := range previous {
		if !slices.Contains(current, tool) {
			r.detachLocked(tool, srv.ID, now)
			touched = append(touched, tool)
		}
	}
	for _, tool := range current {
		r.attachLocked(tool, srv.ID, now)
		touched = append(touched, tool)
	}
	r.enqueue(r.serverOpLocked(srv.ID))
	r.enqueue(r.toolOpsLocked(touched)...)
	out := srv.Clone()
	r.mu.Unlock()

	r.queries.clear()
	if !existed && r.metrics != nil {
		r.metrics.RegisteredServers.Add(context.Background(), 1)
	}

	slog.Debug("server registered", "server_id", out.ID, "tools", len(current), "updated", existed)
	r.emitter.Emit(event.Event{
		Type:     event.ServerRegistered,
		ServerID: out.ID,
		Data:     RegisteredData{Server: out, Updated: existed},
	})
	return nil
}

// UnregisterServer removes the server and strips it from every tool mapping.
// Mappings left empty are deleted and a preferred server pointing at id is
// reassigned to the best remaining healthy server, or cleared. It returns
// false when id is unknown.
func (r *Registry) UnregisterServer(id string) bool {
	now := r.now()

	r.mu.Lock()
	e, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.servers, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })

	tools := e.info.ToolNames()
	for _, tool := range tools {
		r.detachLocked(tool, id, now)
	}
	r.enqueue(persistOp{key: store.ServerKeyPrefix + id, delete: true})
	r.enqueue(r.toolOpsLocked(tools)...)
	out := e.info.Clone()
	r.mu.Unlock()

	r.queries.clear()
	if r.metrics != nil {
		r.metrics.RegisteredServers.Add(context.Background(), -1)
	}

	slog.Debug("server unregistered", "server_id", id)
	r.emitter.Emit(event.Event{
		Type:     event.ServerUnregistered,
		ServerID: id,
		Data:     UnregisteredData{Server: out},
	})
	return true
}

// UpdateServerMetrics merges the non-nil fields of u into the server's
// metrics, appends a history point and recomputes the score. A new
// AverageResponseTime is folded in as a request-weighted running average when
// both the stored and the new TotalRequests are known and the count grew;
// otherwise it replaces the stored value. An unknown id logs a warning and
// returns false.
func (r *Registry) UpdateServerMetrics(id string, u mcp.MetricsUpdate) bool {
	return r.mutateMetrics(id, func(e *serverEntry) {
		mergeMetrics(&e.metrics, u)
		if u.AverageResponseTime != nil {
			e.info.ResponseTime = e.metrics.AverageResponseTime
		}
		if u.Status != nil {
			e.info.Status = *u.Status
		}
		if u.FailureCount != nil {
			e.info.FailureCount = *u.FailureCount
		}
	})
}

// RecordRequest folds one observed request into the server's counters and
// running average response time.
func (r *Registry) RecordRequest(id string, responseTime time.Duration, success bool, at time.Time) bool {
	return r.mutateMetrics(id, func(e *serverEntry) {
		m := &e.metrics
		m.TotalRequests++
		if success {
			m.SuccessfulRequests++
		} else {
			m.FailedRequests++
		}
		n := m.TotalRequests
		m.AverageResponseTime = time.Duration((float64(m.AverageResponseTime)*float64(n-1) + float64(responseTime)) / float64(n))
		m.ErrorRate = float64(m.FailedRequests) / float64(n)
		m.LastRequest = at
		e.info.ResponseTime = m.AverageResponseTime
	})
}

// SetServerStatus changes the status of a server, typically after a health
// probe. It returns false when id is unknown.
func (r *Registry) SetServerStatus(id string, status mcp.ServerStatus) bool {
	return r.UpdateServerMetrics(id, mcp.MetricsUpdate{Status: &status})
}

func (r *Registry) mutateMetrics(id string, apply func(*serverEntry)) bool {
	now := r.now()

	r.mu.Lock()
	e, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		slog.Warn("unknown server", "server_id", id)
		return false
	}
	apply(e)
	e.score = Score(e.info, e.metrics)
	e.updatedAt = now
	e.history = append(e.history, MetricsPoint{Time: now, Metrics: e.metrics, Score: e.score})
	if excess := len(e.history) - r.opts.MaxMetricsHistory; excess > 0 {
		n := copy(e.history, e.history[excess:])
		clear(e.history[n:])
		e.history = e.history[:n]
	}
	metrics, score := e.metrics, e.score
	r.enqueue(r.serverOpLocked(id))
	r.mu.Unlock()

	r.queries.clear()
	r.emitter.Emit(event.Event{
		Type:     event.MetricsUpdated,
		ServerID: id,
		Data:     MetricsUpdatedData{Metrics: metrics, Score: score},
	})
	return true
}

func initialMetrics() mcp.ServerMetrics {
	return mcp.ServerMetrics{UptimePercentage: 100}
}

func mergeMetrics(m *mcp.ServerMetrics, u mcp.MetricsUpdate) {
	if u.AverageResponseTime != nil {
		oldTotal := m.TotalRequests
		if u.TotalRequests != nil && oldTotal > 0 && *u.TotalRequests > oldTotal {
			newTotal := *u.TotalRequests
			delta := newTotal - oldTotal
			m.AverageResponseTime = time.Duration(
				(float64(m.AverageResponseTime)*float64(oldTotal) +
					float64(*u.AverageResponseTime)*float64(delta)) / float64(newTotal))
		} else {
			m.AverageResponseTime = *u.AverageResponseTime
		}
	}
	if u.TotalRequests != nil {
		m.TotalRequests = *u.TotalRequests
	}
	if u.SuccessfulRequests != nil {
		m.SuccessfulRequests = *u.SuccessfulRequests
	}
	if u.FailedRequests != nil {
		m.FailedRequests = *u.FailedRequests
	}
	if u.UptimePercentage != nil {
		m.UptimePercentage = *u.UptimePercentage
	}
	if u.Load != nil {
		m.Load = *u.Load
	}
	if u.Throughput != nil {
		m.Throughput = *u.Throughput
	}
	if u.ErrorRate != nil {
		m.ErrorRate = *u.ErrorRate
	}
	if u.MemoryUsage != nil {
		m.MemoryUsage = *u.MemoryUsage
	}
	if u.CPUUsage != nil {
		m.CPUUsage = *u.CPUUsage
	}
	if u.LastRequest != nil {
		m.LastRequest = *u.LastRequest
	}
}
