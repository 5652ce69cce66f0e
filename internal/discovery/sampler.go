package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// ProcessSample is the resource usage of one stdio server process.
type ProcessSample struct {
	ServerID   string
	PID        int32
	MemoryRSS  uint64
	CPUPercent float64
}

// SampleProcesses reads memory and CPU usage of every connected stdio server
// and pushes them into the registry metrics. Servers whose process is gone are
// skipped with a warning.
func (h *Host) SampleProcesses(ctx context.Context) []ProcessSample {
	h.mu.RLock()
	targets := make(map[string]int32, len(h.conns))
	for id, c := range h.conns {
		if c.pid > 0 {
			targets[id] = c.pid
		}
	}
	h.mu.RUnlock()

	samples := make([]ProcessSample, 0, len(targets))
	for id, pid := range targets {
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			slog.Warn("mcp server process not found", "server_id", id, "pid", pid, "err", err)
			continue
		}
		s := ProcessSample{ServerID: id, PID: pid}
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			s.MemoryRSS = mem.RSS
		}
		if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
			s.CPUPercent = cpu
		}
		h.reg.UpdateServerMetrics(id, mcp.MetricsUpdate{
			MemoryUsage: mcp.Ptr(s.MemoryRSS),
			CPUUsage:    mcp.Ptr(s.CPUPercent),
		})
		samples = append(samples, s)
	}
	return samples
}

// StartSampling calls [Host.SampleProcesses] every interval until ctx is
// cancelled or [Host.StopSampling] is called. A second call while sampling
// runs is a no-op.
func (h *Host) StartSampling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	h.mu.Lock()
	if h.samplerCancel != nil {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	h.samplerCancel = cancel
	h.samplerDone = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.SampleProcesses(ctx)
			}
		}
	}()
}

// StopSampling stops a running sampler and waits for it to exit.
func (h *Host) StopSampling() {
	h.mu.Lock()
	cancel, done := h.samplerCancel, h.samplerDone
	h.samplerCancel, h.samplerDone = nil, nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
