package resilience

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/mcp"
	"github.com/MrWong99/mcprouter/internal/observe"
)

// Router produces routing decisions. *routing.Router satisfies it.
type Router interface {
	Route(ctx context.Context, rc mcp.RoutingContext) (*mcp.RoutingDecision, error)
}

// Registry is the part of the server registry the manager writes to.
// *registry.Registry satisfies it.
type Registry interface {
	Servers() []*mcp.ServerInfo
	RecordRequest(id string, responseTime time.Duration, success bool, at time.Time) bool
	SetServerStatus(id string, status mcp.ServerStatus) bool
}

// Learner consumes execution outcomes. *preference.Engine satisfies it.
type Learner interface {
	RecordPerformance(rec mcp.PerformanceRecord)
}

// Options configures a [Manager]. Zero fields select the defaults of
// [DefaultOptions].
type Options struct {
	// MaxRetryAttempts caps the servers tried per operation, the selected
	// server included.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`

	// OperationTimeout bounds a single attempt.
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// FallbackDetectionTime is the target for a complete operation that had
	// to fall back. Slower operations emit [event.PerformanceWarning].
	FallbackDetectionTime time.Duration `yaml:"fallback_detection_time"`

	HealthFailureThreshold  int           `yaml:"health_failure_threshold"`
	HealthRecoveryThreshold int           `yaml:"health_recovery_threshold"`
	HealthCheckInterval     time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout      time.Duration `yaml:"health_check_timeout"`

	// ServerBreakers overrides the breaker defaults per server id.
	ServerBreakers map[string]BreakerConfig `yaml:"server_breakers"`

	// Policies are named execution limits selected through
	// ExecOptions.Policy.
	Policies map[string]Policy `yaml:"policies"`
}

// Policy overrides the attempt limit, the attempt timeout and breaker use
// for the executions that name it. Zero fields fall back to [Options].
type Policy struct {
	Name             string        `yaml:"-"`
	MaxRetryAttempts int           `yaml:"max_retry_attempts"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`

	// BypassCircuitBreaker runs attempts without the server's breaker.
	BypassCircuitBreaker bool `yaml:"bypass_circuit_breaker"`
}

// Validate reports negative limits.
func (p Policy) Validate() error {
	if p.MaxRetryAttempts < 0 || p.OperationTimeout < 0 {
		return configError("Policy limits must not be negative")
	}
	return nil
}

// DefaultOptions returns the manager defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetryAttempts:        3,
		OperationTimeout:        30 * time.Second,
		FallbackDetectionTime:   200 * time.Millisecond,
		HealthFailureThreshold:  3,
		HealthRecoveryThreshold: 2,
		HealthCheckInterval:     30 * time.Second,
		HealthCheckTimeout:      5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxRetryAttempts == 0 {
		o.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if o.OperationTimeout == 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.FallbackDetectionTime == 0 {
		o.FallbackDetectionTime = d.FallbackDetectionTime
	}
	if o.HealthFailureThreshold == 0 {
		o.HealthFailureThreshold = d.HealthFailureThreshold
	}
	if o.HealthRecoveryThreshold == 0 {
		o.HealthRecoveryThreshold = d.HealthRecoveryThreshold
	}
	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = d.HealthCheckInterval
	}
	if o.HealthCheckTimeout == 0 {
		o.HealthCheckTimeout = d.HealthCheckTimeout
	}
	o.ServerBreakers = maps.Clone(o.ServerBreakers)
	policies := make(map[string]Policy, len(o.Policies))
	for name, p := range o.Policies {
		p.Name = name
		policies[name] = p
	}
	o.Policies = policies
	return o
}

// Validate reports every invalid field.
func (o Options) Validate() error {
	var errs []error
	if o.MaxRetryAttempts < 0 {
		errs = append(errs, configError("Max retry attempts must not be negative"))
	}
	if o.OperationTimeout < 0 || o.FallbackDetectionTime < 0 {
		errs = append(errs, configError("Timeouts must not be negative"))
	}
	if o.HealthFailureThreshold < 0 || o.HealthRecoveryThreshold < 0 {
		errs = append(errs, configError("Health thresholds must not be negative"))
	}
	if o.HealthCheckInterval < 0 || o.HealthCheckTimeout < 0 {
		errs = append(errs, configError("Health check interval and timeout must not be negative"))
	}
	for id, cfg := range o.ServerBreakers {
		if err := cfg.mergeOver(DefaultBreakerConfig()).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("server %s: %w", id, err))
		}
	}
	for name, p := range o.Policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Option configures a [Manager].
type Option func(*Manager)

// WithBreakers uses an existing breaker manager instead of creating one. The
// caller keeps ownership and must close it.
func WithBreakers(b *BreakerManager) Option {
	return func(m *Manager) { m.breakers = b }
}

// WithLearner forwards every executed attempt to l.
func WithLearner(l Learner) Option {
	return func(m *Manager) { m.learner = l }
}

// WithMetrics records attempts, executions and breaker activity into mt.
func WithMetrics(mt *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithNow sets the time source of the manager and of a breaker manager it
// creates itself.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Stats summarises resilient executions.
type Stats struct {
	TotalOperations      int64 `json:"totalOperations"`
	SuccessfulOperations int64 `json:"successfulOperations"`
	FailedOperations     int64 `json:"failedOperations"`
	FallbackOperations   int64 `json:"fallbackOperations"`

	// CircuitBreakerActivations counts breakers currently open or half-open.
	CircuitBreakerActivations int                     `json:"circuitBreakerActivations"`
	AverageResponseTime       time.Duration           `json:"averageResponseTime"`
	CurrentFailureRate        float64                 `json:"currentFailureRate"`
	FallbackUsageByTool       map[string]int64        `json:"fallbackUsageByTool"`
	P95ResponseTime           time.Duration           `json:"p95ResponseTime"`
	P99ResponseTime           time.Duration           `json:"p99ResponseTime"`
	ServerHealth              map[string]ServerHealth `json:"serverHealth"`
}

// Manager executes tool operations with routing, per-server circuit breakers
// and fallback to the decision's alternatives. Create instances with
// [NewManager].
type Manager struct {
	router   Router
	reg      Registry
	learner  Learner
	breakers *BreakerManager
	metrics  *observe.Metrics
	now      func() time.Time
	emitter  *event.Emitter
	opts     Options

	ownsBreakers bool
	unsubscribe  func()

	mu            sync.Mutex
	total         int64
	succeeded     int64
	failed        int64
	fallbacks     int64
	fallbackTools map[string]int64
	latencies     *latencyWindow
	health        map[string]*healthEntry
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	closed        bool
}

// NewManager creates a [Manager] routing through router and reporting
// outcomes to reg.
func NewManager(router Router, reg Registry, opts Options, options ...Option) (*Manager, error) {
	if router == nil || reg == nil {
		return nil, configError("Router and registry are required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		router:        router,
		reg:           reg,
		now:           time.Now,
		opts:          opts.withDefaults(),
		fallbackTools: make(map[string]int64),
		latencies:     newLatencyWindow(latencyWindowSize),
		health:        make(map[string]*healthEntry),
	}
	for _, o := range options {
		o(m)
	}
	if m.breakers == nil {
		b, err := NewBreakerManager(BreakerConfig{}, WithManagerClock(m.now))
		if err != nil {
			return nil, err
		}
		m.breakers = b
		m.ownsBreakers = true
	}
	m.emitter = event.NewEmitter("resilience-manager", m.now)
	m.unsubscribe = m.breakers.Subscribe(event.ListenerFunc(m.onBreakerEvent))
	return m, nil
}

// Subscribe registers l for manager events. Breaker state changes are
// forwarded as well.
func (m *Manager) Subscribe(l event.Listener) (unsubscribe func()) {
	return m.emitter.Subscribe(l)
}

// Breakers returns the breaker manager guarding the servers.
func (m *Manager) Breakers() *BreakerManager { return m.breakers }

func (m *Manager) onBreakerEvent(ev event.Event) {
	switch ev.Type {
	case event.StateChange:
		if m.metrics != nil {
			if d, ok := ev.Data.(StateChangeData); ok {
				m.metrics.RecordBreakerTransition(context.Background(), ev.Name, d.NewState.String())
			}
		}
		m.emitter.Emit(ev)
	case event.CallRejected:
		if m.metrics != nil {
			m.metrics.RecordBreakerRejection(context.Background(), ev.Name)
		}
	}
}

// breaker returns the breaker guarding serverID, created with the server's
// configured override when one exists.
func (m *Manager) breaker(serverID string) (*CircuitBreaker, error) {
	if cfg, ok := m.options().ServerBreakers[serverID]; ok {
		return m.breakers.CircuitBreaker(serverID, cfg)
	}
	return m.breakers.CircuitBreaker(serverID)
}

func (m *Manager) options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Options returns a copy of the active options.
func (m *Manager) Options() Options {
	o := m.options()
	o.ServerBreakers = maps.Clone(o.ServerBreakers)
	o.Policies = maps.Clone(o.Policies)
	return o
}

// UpdateConfig replaces the options and emits [event.ConfigUpdated]. Nil
// Policies keep the registered policies. Breaker overrides apply to breakers
// created afterwards and a new health check interval to the next
// [Manager.StartHealthMonitoring].
func (m *Manager) UpdateConfig(opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	keepPolicies := opts.Policies == nil
	opts = opts.withDefaults()

	m.mu.Lock()
	if keepPolicies {
		opts.Policies = m.opts.Policies
	}
	m.opts = opts
	m.mu.Unlock()

	m.emitter.Emit(event.Event{Type: event.ConfigUpdated, Data: m.Options()})
	return nil
}

// RegisterPolicy adds p, replacing a policy with the same name, and emits
// [event.PolicyRegistered].
func (m *Manager) RegisterPolicy(p Policy) error {
	if p.Name == "" {
		return configError("Policy name is required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	policies := maps.Clone(m.opts.Policies)
	if policies == nil {
		policies = make(map[string]Policy)
	}
	policies[p.Name] = p
	m.opts.Policies = policies
	m.mu.Unlock()

	m.emitter.Emit(event.Event{Type: event.PolicyRegistered, Name: p.Name, Data: p})
	return nil
}

// Policy returns the policy called name.
func (m *Manager) Policy(name string) (Policy, bool) {
	p, ok := m.options().Policies[name]
	return p, ok
}

// RecordPerformance feeds one observed execution into the registry metrics
// and, when configured, the preference learner.
func (m *Manager) RecordPerformance(rec mcp.PerformanceRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now()
	}
	m.reg.RecordRequest(rec.ServerID, rec.ResponseTime, rec.Success, rec.Timestamp)
	if m.learner != nil {
		m.learner.RecordPerformance(rec)
	}
}

// Stats returns execution statistics.
func (m *Manager) Stats() Stats {
	activations := 0
	for _, s := range m.breakers.AllStats() {
		if s.State != StateClosed {
			activations++
		}
	}
	health := m.ServerHealth()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		TotalOperations:           m.total,
		SuccessfulOperations:      m.succeeded,
		FailedOperations:          m.failed,
		FallbackOperations:        m.fallbacks,
		CircuitBreakerActivations: activations,
		AverageResponseTime:       m.latencies.mean(),
		FallbackUsageByTool:       maps.Clone(m.fallbackTools),
		P95ResponseTime:           m.latencies.percentile(0.95),
		P99ResponseTime:           m.latencies.percentile(0.99),
		ServerHealth:              health,
	}
	if m.total > 0 {
		s.CurrentFailureRate = float64(m.failed) / float64(m.total)
	}
	return s
}

// ClearStats resets the execution statistics. Tracked health and breakers
// are kept.
func (m *Manager) ClearStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total, m.succeeded, m.failed, m.fallbacks = 0, 0, 0, 0
	clear(m.fallbackTools)
	m.latencies.reset()
}

// ForceGlobalRecovery resets every breaker and forgets all tracked health.
func (m *Manager) ForceGlobalRecovery() {
	m.breakers.ResetAll()
	m.mu.Lock()
	clear(m.health)
	m.mu.Unlock()
}

// ForceServerRecovery closes the breaker of serverID and forgets its tracked
// health. It returns false when no breaker exists for the server.
func (m *Manager) ForceServerRecovery(serverID string) bool {
	cb, ok := m.breakers.Lookup(serverID)
	if !ok {
		return false
	}
	cb.ForceClosed("Manual recovery")
	m.mu.Lock()
	delete(m.health, serverID)
	m.mu.Unlock()
	return true
}

// Close stops health monitoring and drops all listeners. A breaker manager
// created by [NewManager] is closed as well. It is idempotent.
func (m *Manager) Close() {
	m.StopHealthMonitoring()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.unsubscribe()
	if m.ownsBreakers {
		m.breakers.Close()
	}
	m.emitter.Clear()
}
