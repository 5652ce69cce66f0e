// Package resilience provides per-server failure isolation and the
// retry-with-fallback orchestration of the routing control plane.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open) whose
// opening decision is based on the number of failures inside a sliding
// monitoring window rather than a lifetime counter. [BreakerManager] lazily
// creates one breaker per server. [Manager] asks the router for a decision,
// runs the caller's operation against the selected server through that
// server's breaker, and walks the decision's alternatives on failure.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/mcp"
)

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through; enough
	// successes close the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Transition reasons.
const (
	ReasonThresholdExceeded = "Failure threshold exceeded"
	ReasonRecoveryElapsed   = "Recovery timeout elapsed"
	ReasonHalfOpenFailure   = "Failure in half-open state"
	ReasonHalfOpenSuccess   = "Sufficient successful calls in half-open state"
	ReasonForcedOpen        = "Manually forced open"
	ReasonForcedClosed      = "Manually forced closed"
	ReasonReset             = "Reset to initial state"
)

// defaultBreakerName is used when a config carries no name.
const defaultBreakerName = "CircuitBreaker"

// BreakerConfig holds tuning knobs for a [CircuitBreaker].
type BreakerConfig struct {
	// Name labels log lines, events and rejection errors.
	Name string `yaml:"name"`

	// FailureThreshold is the number of failures inside MonitoringWindow that
	// opens the breaker.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before the next call
	// moves it to half-open.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// HalfOpenMaxCalls caps the probe calls admitted while half-open.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`

	// MonitoringWindow is the age after which failures stop counting.
	MonitoringWindow time.Duration `yaml:"monitoring_window"`

	// SuccessThreshold is the number of half-open successes that closes the
	// breaker. Zero means ceil(HalfOpenMaxCalls/2).
	SuccessThreshold int `yaml:"success_threshold"`
}

// DefaultBreakerConfig returns the defaults used by [BreakerManager].
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
		MonitoringWindow: 60 * time.Second,
		SuccessThreshold: 2,
	}
}

// mergeOver returns c with every zero field taken from base. A config that
// sets HalfOpenMaxCalls without SuccessThreshold keeps the derived default.
func (c BreakerConfig) mergeOver(base BreakerConfig) BreakerConfig {
	if c.SuccessThreshold == 0 && c.HalfOpenMaxCalls == 0 {
		c.SuccessThreshold = base.SuccessThreshold
	}
	if c.Name == "" {
		c.Name = base.Name
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = base.FailureThreshold
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = base.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls == 0 {
		c.HalfOpenMaxCalls = base.HalfOpenMaxCalls
	}
	if c.MonitoringWindow == 0 {
		c.MonitoringWindow = base.MonitoringWindow
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = int(math.Ceil(float64(c.HalfOpenMaxCalls) / 2))
	}
	return c
}

// WithDefaults returns c merged over [DefaultBreakerConfig].
func (c BreakerConfig) WithDefaults() BreakerConfig {
	return c.mergeOver(DefaultBreakerConfig())
}

// Validate reports the first invalid field of c.
func (c BreakerConfig) Validate() error {
	switch {
	case c.FailureThreshold <= 0:
		return configError("Failure threshold must be greater than 0")
	case c.RecoveryTimeout <= 0:
		return configError("Recovery timeout must be greater than 0")
	case c.HalfOpenMaxCalls <= 0:
		return configError("Half-open max calls must be greater than 0")
	case c.MonitoringWindow <= 0:
		return configError("Monitoring window must be greater than 0")
	case c.SuccessThreshold < 0:
		return configError("Success threshold must not be negative")
	case c.SuccessThreshold > c.HalfOpenMaxCalls:
		return configError("Success threshold cannot be greater than half-open max calls")
	}
	return nil
}

func configError(msg string) error {
	return fmt.Errorf("resilience: %w", mcp.NewError(mcp.ErrConfiguration, msg))
}

// CircuitOpenError is returned in [CallResult.Err] when a call is rejected.
// It matches [mcp.ErrCircuitOpen] under [errors.Is].
type CircuitOpenError struct {
	Name  string
	State State
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("Circuit breaker %s is %s", e.Name, e.State)
}

// Is reports whether target is [mcp.ErrCircuitOpen].
func (e *CircuitOpenError) Is(target error) bool { return target == mcp.ErrCircuitOpen }

// CallResult describes one [CircuitBreaker.Execute] call. Executed is false
// when the breaker rejected the call without running the operation.
type CallResult struct {
	Executed     bool
	Err          error
	State        State
	ResponseTime time.Duration
	Timestamp    time.Time
}

// BreakerStats is a snapshot of a breaker's counters.
type BreakerStats struct {
	Name  string
	State State

	// TotalCalls counts executed calls only; rejections are separate.
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	RejectedCalls   int64

	// FailureCount is the number of failures inside the monitoring window.
	FailureCount        int
	HalfOpenCalls       int
	FailureRate         float64
	AverageResponseTime time.Duration
	LastFailureTime     time.Time
	LastStateChange     time.Time

	// TimeToRecovery is only meaningful while open.
	TimeToRecovery time.Duration
}

// StateChangeData is the payload of [event.StateChange].
type StateChangeData struct {
	PreviousState State
	NewState      State
	Reason        string
}

// CallFailureData is the payload of [event.CallFailure].
type CallFailureData struct {
	Err              error
	FailureCount     int
	FailureThreshold int
	ResponseTime     time.Duration
}

// CallSuccessData is the payload of [event.CallSuccess].
type CallSuccessData struct {
	ResponseTime time.Duration
}

// CallRejectedData is the payload of [event.CallRejected].
type CallRejectedData struct {
	State State
}

// BreakerOption configures a [CircuitBreaker].
type BreakerOption func(*CircuitBreaker)

// WithClock replaces the breaker's time source. Tests use it to reach the
// open and half-open states deterministically.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg     BreakerConfig
	now     func() time.Time
	emitter *event.Emitter

	mu              sync.Mutex
	state           State
	failures        []time.Time // failure timestamps inside the window
	openedAt        time.Time
	lastFailure     time.Time
	lastStateChange time.Time
	halfOpenCalls   int
	halfOpenSuccess int
	generation      uint64 // bumped on every transition

	totalCalls      int64
	successfulCalls int64
	failedCalls     int64
	rejectedCalls   int64
	responseTimeSum time.Duration
}

// NewCircuitBreaker validates cfg and creates a closed [CircuitBreaker].
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) (*CircuitBreaker, error) {
	if cfg.Name == "" {
		cfg.Name = defaultBreakerName
	}
	if cfg.SuccessThreshold == 0 && cfg.HalfOpenMaxCalls > 0 {
		cfg.SuccessThreshold = int(math.Ceil(float64(cfg.HalfOpenMaxCalls) / 2))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cb := &CircuitBreaker{
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.emitter = event.NewEmitter("circuit-breaker", cb.now)
	cb.lastStateChange = cb.now()
	return cb, nil
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() BreakerConfig { return cb.cfg }

// Subscribe registers l for this breaker's events.
func (cb *CircuitBreaker) Subscribe(l event.Listener) (unsubscribe func()) {
	return cb.emitter.Subscribe(l)
}

// Execute runs fn if the breaker admits the call and reports the outcome. It
// never panics: a panic inside fn is recovered and counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) CallResult {
	var pending []event.Event

	cb.mu.Lock()
	now := cb.now()

	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.RecoveryTimeout {
		pending = append(pending, cb.transitionLocked(StateHalfOpen, ReasonRecoveryElapsed, now))
	}

	if cb.state == StateOpen || (cb.state == StateHalfOpen && cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls) {
		cb.rejectedCalls++
		state := cb.state
		cb.mu.Unlock()

		cb.emitAll(pending)
		cb.emitter.Emit(event.Event{
			Type: event.CallRejected,
			Name: cb.cfg.Name,
			Data: CallRejectedData{State: state},
		})
		return CallResult{
			Executed:  false,
			Err:       &CircuitOpenError{Name: cb.cfg.Name, State: state},
			State:     state,
			Timestamp: now,
		}
	}

	admittedIn := cb.state
	admittedGen := cb.generation
	if admittedIn == StateHalfOpen {
		cb.halfOpenCalls++
	}
	cb.totalCalls++
	cb.mu.Unlock()

	cb.emitAll(pending)
	pending = pending[:0]

	start := cb.now()
	err := runGuarded(ctx, fn)
	elapsed := cb.now().Sub(start)

	cb.mu.Lock()
	done := cb.now()
	var outcome event.Event
	if err != nil {
		pending = append(pending, cb.recordFailureLocked(admittedIn, admittedGen, done)...)
		outcome = event.Event{
			Type: event.CallFailure,
			Name: cb.cfg.Name,
			Data: CallFailureData{
				Err:              err,
				FailureCount:     len(cb.failures),
				FailureThreshold: cb.cfg.FailureThreshold,
				ResponseTime:     elapsed,
			},
		}
	} else {
		pending = append(pending, cb.recordSuccessLocked(admittedIn, admittedGen, done, elapsed)...)
		outcome = event.Event{
			Type: event.CallSuccess,
			Name: cb.cfg.Name,
			Data: CallSuccessData{ResponseTime: elapsed},
		}
	}
	state := cb.state
	cb.mu.Unlock()

	cb.emitter.Emit(outcome)
	cb.emitAll(pending)

	return CallResult{
		Executed:     true,
		Err:          err,
		State:        state,
		ResponseTime: elapsed,
		Timestamp:    done,
	}
}

// ExecuteWithResult is [CircuitBreaker.Execute] for operations that produce a
// value. It is a package-level function because Go does not support
// method-level type parameters.
func ExecuteWithResult[R any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (R, error)) (R, CallResult) {
	var out R
	res := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, res
}

// runGuarded calls fn and converts a panic into an error.
func runGuarded(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resilience: operation panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// recordFailureLocked accounts a failed call. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailureLocked(admittedIn State, gen uint64, now time.Time) []event.Event {
	cb.failedCalls++
	cb.lastFailure = now
	cb.failures = append(cb.failures, now)
	cb.pruneLocked(now)

	switch cb.state {
	case StateHalfOpen:
		if admittedIn == StateHalfOpen && gen == cb.generation {
			slog.Warn("circuit breaker re-opened from half-open", "name", cb.cfg.Name)
			return []event.Event{cb.transitionLocked(StateOpen, ReasonHalfOpenFailure, now)}
		}
	case StateClosed:
		if len(cb.failures) >= cb.cfg.FailureThreshold {
			slog.Warn("circuit breaker opened",
				"name", cb.cfg.Name,
				"failures_in_window", len(cb.failures))
			return []event.Event{cb.transitionLocked(StateOpen, ReasonThresholdExceeded, now)}
		}
	}
	return nil
}

// recordSuccessLocked accounts a successful call. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccessLocked(admittedIn State, gen uint64, now time.Time, elapsed time.Duration) []event.Event {
	cb.successfulCalls++
	cb.responseTimeSum += elapsed
	cb.pruneLocked(now)

	if cb.state == StateHalfOpen && admittedIn == StateHalfOpen && gen == cb.generation {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.SuccessThreshold {
			slog.Info("circuit breaker closed after successful probes", "name", cb.cfg.Name)
			return []event.Event{cb.transitionLocked(StateClosed, ReasonHalfOpenSuccess, now)}
		}
	}
	return nil
}

// pruneLocked drops failures older than the monitoring window.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.cfg.MonitoringWindow)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

// transitionLocked moves the breaker to next and returns the stateChange
// event to emit once the lock is released. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(next State, reason string, now time.Time) event.Event {
	prev := cb.state
	cb.state = next
	cb.generation++
	cb.lastStateChange = now

	switch next {
	case StateOpen:
		cb.openedAt = now
	case StateHalfOpen:
		cb.halfOpenCalls = 0
		cb.halfOpenSuccess = 0
		slog.Info("circuit breaker transitioning to half-open", "name", cb.cfg.Name)
	case StateClosed:
		cb.failures = cb.failures[:0]
		cb.halfOpenCalls = 0
		cb.halfOpenSuccess = 0
	}

	return event.Event{
		Type: event.StateChange,
		Name: cb.cfg.Name,
		Data: StateChangeData{PreviousState: prev, NewState: next, Reason: reason},
	}
}

func (cb *CircuitBreaker) emitAll(evs []event.Event) {
	for _, ev := range evs {
		cb.emitter.Emit(ev)
	}
}

// State returns the current [State]. An open breaker whose recovery timeout
// has elapsed still reports open until the next [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ForceOpen moves the breaker to open regardless of its counters. An empty
// reason uses [ReasonForcedOpen].
func (cb *CircuitBreaker) ForceOpen(reason string) {
	if reason == "" {
		reason = ReasonForcedOpen
	}
	cb.force(StateOpen, reason)
}

// ForceClosed moves the breaker to closed. An empty reason uses
// [ReasonForcedClosed].
func (cb *CircuitBreaker) ForceClosed(reason string) {
	if reason == "" {
		reason = ReasonForcedClosed
	}
	cb.force(StateClosed, reason)
}

func (cb *CircuitBreaker) force(next State, reason string) {
	cb.mu.Lock()
	ev := cb.transitionLocked(next, reason, cb.now())
	cb.mu.Unlock()
	slog.Info("circuit breaker state forced", "name", cb.cfg.Name, "state", next.String(), "reason", reason)
	cb.emitter.Emit(ev)
}

// Reset clears every counter and returns the breaker to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	ev := cb.transitionLocked(StateClosed, ReasonReset, cb.now())
	cb.lastFailure = time.Time{}
	cb.openedAt = time.Time{}
	cb.totalCalls = 0
	cb.successfulCalls = 0
	cb.failedCalls = 0
	cb.rejectedCalls = 0
	cb.responseTimeSum = 0
	cb.mu.Unlock()

	slog.Info("circuit breaker manually reset", "name", cb.cfg.Name)
	cb.emitter.Emit(ev)
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.pruneLocked(now)

	s := BreakerStats{
		Name:            cb.cfg.Name,
		State:           cb.state,
		TotalCalls:      cb.totalCalls,
		SuccessfulCalls: cb.successfulCalls,
		FailedCalls:     cb.failedCalls,
		RejectedCalls:   cb.rejectedCalls,
		FailureCount:    len(cb.failures),
		HalfOpenCalls:   cb.halfOpenCalls,
		LastFailureTime: cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
	if cb.totalCalls > 0 {
		s.FailureRate = float64(cb.failedCalls) / float64(cb.totalCalls)
	}
	if cb.successfulCalls > 0 {
		s.AverageResponseTime = cb.responseTimeSum / time.Duration(cb.successfulCalls)
	}
	if cb.state == StateOpen {
		s.TimeToRecovery = max(0, cb.cfg.RecoveryTimeout-now.Sub(cb.openedAt))
	}
	return s
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, mcp.ErrCircuitOpen)
}
