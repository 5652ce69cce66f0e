package registry

import (
	"context"
	"log/slog"
	"time"
)

func (r *Registry) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.pruneHistory(r.now()); n > 0 {
				slog.Debug("registry: pruned metrics history", "points", n)
			}
		}
	}
}

// pruneHistory drops history points older than the retention period and
// returns how many were removed.
func (r *Registry) pruneHistory(now time.Time) int {
	cutoff := now.Add(-r.opts.MetricsRetentionPeriod)

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, e := range r.servers {
		keep := 0
		for keep < len(e.history) && e.history[keep].Time.Before(cutoff) {
			keep++
		}
		if keep == 0 {
			continue
		}
		removed += keep
		n := copy(e.history, e.history[keep:])
		clear(e.history[n:])
		e.history = e.history[:n]
	}
	return removed
}
