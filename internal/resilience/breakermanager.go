package resilience

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/mcprouter/internal/event"
)

// ErrManagerClosed is returned after [BreakerManager.Close].
var ErrManagerClosed = errors.New("resilience: breaker manager closed")

// managedBreaker pairs a breaker with the subscription forwarding its events.
type managedBreaker struct {
	cb    *CircuitBreaker
	unsub func()
}

// BreakerManager lazily creates one [CircuitBreaker] per service name and
// re-emits every child event. Child events already carry the breaker name in
// [event.Event.Name].
type BreakerManager struct {
	now     func() time.Time
	emitter *event.Emitter

	mu       sync.Mutex
	defaults BreakerConfig
	breakers map[string]managedBreaker
	closed   bool
}

// ManagerOption configures a [BreakerManager].
type ManagerOption func(*BreakerManager)

// WithManagerClock sets the time source handed to every created breaker.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *BreakerManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewBreakerManager creates a manager whose breakers default to defaults
// merged over [DefaultBreakerConfig].
func NewBreakerManager(defaults BreakerConfig, opts ...ManagerOption) (*BreakerManager, error) {
	defaults = defaults.mergeOver(DefaultBreakerConfig())
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	m := &BreakerManager{
		now:      time.Now,
		defaults: defaults,
		breakers: make(map[string]managedBreaker),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.emitter = event.NewEmitter("circuit-breaker-manager", m.now)
	return m, nil
}

// Subscribe registers l for the events of every managed breaker plus the
// manager's own events.
func (m *BreakerManager) Subscribe(l event.Listener) (unsubscribe func()) {
	return m.emitter.Subscribe(l)
}

// CircuitBreaker returns the breaker for name, creating it on first use from
// cfg merged over the manager defaults. Later calls return the same instance
// and ignore cfg.
func (m *BreakerManager) CircuitBreaker(name string, cfg ...BreakerConfig) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if mb, ok := m.breakers[name]; ok {
		return mb.cb, nil
	}

	merged := m.defaults
	if len(cfg) > 0 {
		merged = cfg[0].mergeOver(m.defaults)
	}
	merged.Name = name
	cb, err := NewCircuitBreaker(merged, WithClock(m.now))
	if err != nil {
		return nil, err
	}
	unsub := cb.Subscribe(event.ListenerFunc(m.emitter.Emit))
	m.breakers[name] = managedBreaker{cb: cb, unsub: unsub}
	slog.Debug("circuit breaker created", "name", name)
	return cb, nil
}

// Lookup returns the breaker for name without creating one.
func (m *BreakerManager) Lookup(name string) (*CircuitBreaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.breakers[name]
	return mb.cb, ok
}

// All returns every managed breaker keyed by name.
func (m *BreakerManager) All() map[string]*CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*CircuitBreaker, len(m.breakers))
	for name, mb := range m.breakers {
		out[name] = mb.cb
	}
	return out
}

// AllStats returns a stats snapshot of every managed breaker.
func (m *BreakerManager) AllStats() map[string]BreakerStats {
	all := m.All()
	out := make(map[string]BreakerStats, len(all))
	for name, cb := range all {
		out[name] = cb.Stats()
	}
	return out
}

// ResetAll resets every managed breaker and emits [event.AllReset].
func (m *BreakerManager) ResetAll() {
	all := m.All()
	for _, name := range slices.Sorted(maps.Keys(all)) {
		all[name].Reset()
	}
	m.emitter.Emit(event.Event{Type: event.AllReset})
}

// Remove detaches and forgets the breaker for name. It returns false when no
// such breaker exists.
func (m *BreakerManager) Remove(name string) bool {
	m.mu.Lock()
	mb, ok := m.breakers[name]
	if ok {
		delete(m.breakers, name)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	mb.unsub()
	m.emitter.Emit(event.Event{Type: event.CircuitBreakerRemoved, Name: name})
	return true
}

// UpdateDefaultConfig merges cfg over the current defaults. Only breakers
// created afterwards are affected.
func (m *BreakerManager) UpdateDefaultConfig(cfg BreakerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := cfg.mergeOver(m.defaults)
	if err := merged.Validate(); err != nil {
		return err
	}
	m.defaults = merged
	return nil
}

// DefaultConfig returns the current defaults.
func (m *BreakerManager) DefaultConfig() BreakerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaults
}

// Close detaches every breaker and drops all listeners. It is idempotent.
func (m *BreakerManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	breakers := m.breakers
	m.breakers = make(map[string]managedBreaker)
	m.mu.Unlock()

	for _, mb := range breakers {
		mb.unsub()
	}
	m.emitter.Clear()
}
