package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mcprouter/internal/event"
	"github.com/MrWong99/mcprouter/internal/mcp"
)

// maxConcurrentProbes bounds the probes in flight during one health round.
const maxConcurrentProbes = 16

// ServerHealth is the health the manager tracks for one server from
// execution outcomes and probes.
type ServerHealth struct {
	ServerID             string    `json:"serverId"`
	Healthy              bool      `json:"isHealthy"`
	BreakerState         string    `json:"circuitBreakerState"`
	LastCheck            time.Time `json:"lastCheckTime"`
	ConsecutiveFailures  int       `json:"consecutiveFailures"`
	ConsecutiveSuccesses int       `json:"consecutiveSuccesses"`
	LastError            string    `json:"lastError,omitempty"`
}

// HealthCheckResult is the outcome of one probe.
type HealthCheckResult struct {
	ServerID     string
	Healthy      bool
	ResponseTime time.Duration
	Err          error
	Timestamp    time.Time
}

// HealthChangeData accompanies [event.ServerHealthChanged].
type HealthChangeData struct {
	Healthy bool
	Err     error
}

type healthEntry struct {
	healthy              bool
	lastCheck            time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
	lastErr              error
}

// updateHealth folds one observation into the health of id. A server turns
// unhealthy after HealthFailureThreshold consecutive failures and healthy
// again after HealthRecoveryThreshold consecutive successes; both transitions
// are mirrored into the registry status.
func (m *Manager) updateHealth(id string, ok bool, err error) {
	now := m.now()

	m.mu.Lock()
	h, found := m.health[id]
	if !found {
		h = &healthEntry{healthy: true}
		m.health[id] = h
	}
	was := h.healthy
	h.lastCheck = now
	h.lastErr = err
	if ok {
		h.consecutiveSuccesses++
		h.consecutiveFailures = 0
		if h.consecutiveSuccesses >= m.opts.HealthRecoveryThreshold {
			h.healthy = true
		}
	} else {
		h.consecutiveFailures++
		h.consecutiveSuccesses = 0
		if h.consecutiveFailures >= m.opts.HealthFailureThreshold {
			h.healthy = false
		}
	}
	changed := was != h.healthy
	healthy := h.healthy
	m.mu.Unlock()

	if !changed {
		return
	}
	status := mcp.StatusHealthy
	if !healthy {
		status = mcp.StatusFailed
		slog.Warn("server marked unhealthy", "server_id", id, "err", err)
	} else {
		slog.Info("server recovered", "server_id", id)
	}
	m.reg.SetServerStatus(id, status)
	m.emitter.Emit(event.Event{
		Type:     event.ServerHealthChanged,
		ServerID: id,
		Data:     HealthChangeData{Healthy: healthy, Err: err},
	})
}

// ServerHealth returns the tracked health of every server seen so far.
func (m *Manager) ServerHealth() map[string]ServerHealth {
	m.mu.Lock()
	snapshot := make(map[string]healthEntry, len(m.health))
	for id, h := range m.health {
		snapshot[id] = *h
	}
	m.mu.Unlock()

	out := make(map[string]ServerHealth, len(snapshot))
	for id, h := range snapshot {
		sh := ServerHealth{
			ServerID:             id,
			Healthy:              h.healthy,
			BreakerState:         "unknown",
			LastCheck:            h.lastCheck,
			ConsecutiveFailures:  h.consecutiveFailures,
			ConsecutiveSuccesses: h.consecutiveSuccesses,
		}
		if h.lastErr != nil {
			sh.LastError = h.lastErr.Error()
		}
		if cb, ok := m.breakers.Lookup(id); ok {
			sh.BreakerState = cb.State().String()
		}
		out[id] = sh
	}
	return out
}

// CheckHealth probes every registered server concurrently and folds the
// results into the tracked health. Probe failures are results, not errors;
// the returned error is only ctx's.
func (m *Manager) CheckHealth(ctx context.Context, prober mcp.Prober) ([]HealthCheckResult, error) {
	servers := m.reg.Servers()
	results := make([]HealthCheckResult, len(servers))
	timeout := m.options().HealthCheckTimeout

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, s := range servers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			start := m.now()
			err := prober.Probe(pctx, s.ID)
			if err != nil {
				err = fmt.Errorf("probe %s: %w", s.ID, err)
			}
			results[i] = HealthCheckResult{
				ServerID:     s.ID,
				Healthy:      err == nil,
				ResponseTime: m.now().Sub(start),
				Err:          err,
				Timestamp:    m.now(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, r := range results {
		m.updateHealth(r.ServerID, r.Healthy, r.Err)
	}
	return results, nil
}

// StartHealthMonitoring probes all registered servers every interval until
// ctx is cancelled or the manager is closed. A zero interval uses
// Options.HealthCheckInterval. Calling it again while a monitor runs is a
// no-op.
func (m *Manager) StartHealthMonitoring(ctx context.Context, prober mcp.Prober, interval time.Duration) {
	if interval <= 0 {
		interval = m.options().HealthCheckInterval
	}

	m.mu.Lock()
	if m.monitorCancel != nil || m.closed {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.monitorCancel = cancel
	m.monitorDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				results, err := m.CheckHealth(ctx, prober)
				if err != nil {
					return
				}
				unhealthy := 0
				for _, r := range results {
					if !r.Healthy {
						unhealthy++
					}
				}
				slog.Debug("health round completed", "servers", len(results), "unhealthy", unhealthy)
			}
		}
	}()
}

// StopHealthMonitoring stops a running monitor and waits for it to exit.
func (m *Manager) StopHealthMonitoring() {
	m.mu.Lock()
	cancel, done := m.monitorCancel, m.monitorDone
	m.monitorCancel, m.monitorDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
