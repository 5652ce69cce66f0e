// Package event provides the observer mechanism used by every routing
// component to publish state changes.
//
// One logical occurrence produces exactly one [Event] carrying its full
// context. Listeners run synchronously on the emitting goroutine, after the
// emitter has released its own locks; a panicking listener is recovered and
// logged so it can never abort the operation that triggered the event.
package event

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names a category of event.
type Type string

// Registry events.
const (
	ServerRegistered   Type = "serverRegistered"
	ServerUnregistered Type = "serverUnregistered"
	MetricsUpdated     Type = "metricsUpdated"
	PreferenceUpdated  Type = "preferenceUpdated"
	PreferenceCleared  Type = "preferenceCleared"
)

// Router events.
const (
	RoutingDecision       Type = "routingDecision"
	RoutingError          Type = "routingError"
	CacheCleared          Type = "cacheCleared"
	StrategyRegistered    Type = "strategyRegistered"
	StrategyConfigUpdated Type = "strategyConfigUpdated"
)

// Circuit breaker events.
const (
	StateChange           Type = "stateChange"
	CallSuccess           Type = "callSuccess"
	CallFailure           Type = "callFailure"
	CallRejected          Type = "callRejected"
	AllReset              Type = "allReset"
	CircuitBreakerRemoved Type = "circuitBreakerRemoved"
)

// Resilience and learning events.
const (
	OperationFailed     Type = "operationFailed"
	ServerFailure       Type = "serverFailure"
	PerformanceWarning  Type = "performanceWarning"
	ServerHealthChanged Type = "serverHealthChanged"
	PolicyRegistered    Type = "policyRegistered"
	ConfigUpdated       Type = "configUpdated"
	LearningUpdate      Type = "learningUpdate"
)

// Event is one published occurrence.
type Event struct {
	// ID is unique per emission.
	ID   string
	Type Type
	Time time.Time

	// Source names the emitting component, e.g. "server-registry".
	Source string

	// Name identifies the emitting entity when it is not a server, such as a
	// circuit breaker or a strategy.
	Name     string
	ServerID string
	ToolName string
	AgentID  string

	// Data carries the event-specific payload. Its concrete type is
	// documented next to the emitting call.
	Data any
}

// Listener receives events.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to [Listener].
type ListenerFunc func(Event)

// HandleEvent calls f(e).
func (f ListenerFunc) HandleEvent(e Event) { f(e) }

// Emitter fans events out to subscribed listeners. The zero value is not
// usable; create instances with [NewEmitter].
type Emitter struct {
	source string
	now    func() time.Time

	mu        sync.RWMutex
	listeners map[uint64]Listener
	order     []uint64
	next      uint64
}

// NewEmitter creates an [Emitter] stamping events with source. now may be nil,
// in which case [time.Now] is used.
func NewEmitter(source string, now func() time.Time) *Emitter {
	if now == nil {
		now = time.Now
	}
	return &Emitter{
		source:    source,
		now:       now,
		listeners: make(map[uint64]Listener),
	}
}

// Subscribe registers l and returns a function that removes it again. The
// returned function is safe to call more than once.
func (e *Emitter) Subscribe(l Listener) (unsubscribe func()) {
	e.mu.Lock()
	id := e.next
	e.next++
	e.listeners[id] = l
	e.order = append(e.order, id)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.listeners, id)
			for i, v := range e.order {
				if v == id {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Len returns the number of subscribed listeners.
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.order)
}

// Clear removes every listener.
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[uint64]Listener)
	e.order = nil
}

// Emit stamps ev with an id, the emitter's source and the current time (when
// unset) and delivers it to every listener in subscription order. Emit must
// not be called while holding a lock that a listener might need.
func (e *Emitter) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	if ev.Source == "" {
		ev.Source = e.source
	}

	e.mu.RLock()
	ls := make([]Listener, 0, len(e.order))
	for _, id := range e.order {
		ls = append(ls, e.listeners[id])
	}
	e.mu.RUnlock()

	for _, l := range ls {
		deliver(l, ev)
	}
}

// deliver calls l and recovers a panic so the emitting operation continues.
func deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event listener panicked",
				"source", ev.Source,
				"type", string(ev.Type),
				"err", fmt.Sprint(r),
			)
		}
	}()
	l.HandleEvent(ev)
}
