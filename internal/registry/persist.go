package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/mcprouter/internal/mcp"
	"github.com/MrWong99/mcprouter/internal/store"
)

const (
	persistQueueSize = 256
	persistTimeout   = 5 * time.Second
)

type persistOp struct {
	key    string
	value  []byte
	delete bool
}

// serverRecord is the persisted form of a server entry.
type serverRecord struct {
	Server       *mcp.ServerInfo   `json:"server"`
	Metrics      mcp.ServerMetrics `json:"metrics"`
	Score        float64           `json:"score"`
	RegisteredAt time.Time         `json:"registeredAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

func (r *Registry) serverOpLocked(id string) persistOp {
	if r.persistQ == nil {
		return persistOp{}
	}
	e := r.servers[id]
	b, err := json.Marshal(serverRecord{
		Server:       e.info,
		Metrics:      e.metrics,
		Score:        e.score,
		RegisteredAt: e.registeredAt,
		UpdatedAt:    e.updatedAt,
	})
	if err != nil {
		slog.Warn("registry: encode server snapshot", "server_id", id, "err", err)
		return persistOp{}
	}
	return persistOp{key: store.ServerKeyPrefix + id, value: b}
}

func (r *Registry) toolOpsLocked(tools []string) []persistOp {
	if r.persistQ == nil {
		return nil
	}
	ops := make([]persistOp, 0, len(tools))
	for _, tool := range tools {
		t, ok := r.tools[tool]
		if !ok {
			ops = append(ops, persistOp{key: store.ToolKeyPrefix + tool, delete: true})
			continue
		}
		b, err := json.Marshal(t.snapshot(tool))
		if err != nil {
			slog.Warn("registry: encode tool mapping", "tool", tool, "err", err)
			continue
		}
		ops = append(ops, persistOp{key: store.ToolKeyPrefix + tool, value: b})
	}
	return ops
}

// enqueue hands ops to the writer without blocking. A full queue drops the
// op with a warning.
func (r *Registry) enqueue(ops ...persistOp) {
	if r.persistQ == nil {
		return
	}
	for _, op := range ops {
		if op.key == "" {
			continue
		}
		select {
		case r.persistQ <- op:
		default:
			slog.Warn("registry: persistence queue full, dropping snapshot", "key", op.key)
		}
	}
}

func (r *Registry) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flushPersistQueue()
			return
		case op := <-r.persistQ:
			r.write(context.Background(), op)
		}
	}
}

// flushPersistQueue writes whatever is queued right now.
func (r *Registry) flushPersistQueue() {
	for {
		select {
		case op := <-r.persistQ:
			r.write(context.Background(), op)
		default:
			return
		}
	}
}

func (r *Registry) write(ctx context.Context, op persistOp) {
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	var err error
	if op.delete {
		err = r.store.Delete(ctx, op.key)
	} else {
		err = r.store.Put(ctx, op.key, op.value)
	}
	if err != nil {
		slog.Warn("registry: persistence write failed", "key", op.key, "err", err)
	}
}

// Restore reloads persisted servers and tool preferences from the store. It
// is best-effort: undecodable records are skipped with a warning. Restored
// servers start in [mcp.StatusUnknown] until discovery reports otherwise. It
// returns the number of restored servers.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.List(ctx, store.ServerKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("registry: restore servers: %w", err)
	}

	restored := 0
	for key, raw := range records {
		var rec serverRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Server == nil {
			slog.Warn("registry: skipping undecodable server snapshot", "key", key, "err", err)
			continue
		}
		rec.Server.Status = mcp.StatusUnknown
		if err := r.RegisterServer(rec.Server); err != nil {
			slog.Warn("registry: skipping invalid server snapshot", "key", key, "err", err)
			continue
		}
		r.restoreMetrics(rec.Server.ID, rec.Metrics)
		restored++
	}

	mappings, err := r.store.List(ctx, store.ToolKeyPrefix)
	if err != nil {
		return restored, fmt.Errorf("registry: restore tool mappings: %w", err)
	}
	for key, raw := range mappings {
		var m ToolMapping
		if err := json.Unmarshal(raw, &m); err != nil {
			slog.Warn("registry: skipping undecodable tool mapping", "key", key, "err", err)
			continue
		}
		if m.PreferredServerID == "" {
			continue
		}
		if m.ToolName == "" {
			m.ToolName = strings.TrimPrefix(key, store.ToolKeyPrefix)
		}
		r.SetPreferredServerForTool(m.ToolName, m.PreferredServerID)
	}
	return restored, nil
}

func (r *Registry) restoreMetrics(id string, m mcp.ServerMetrics) {
	r.mu.Lock()
	if e, ok := r.servers[id]; ok {
		e.metrics = m
		e.info.ResponseTime = m.AverageResponseTime
		e.score = Score(e.info, e.metrics)
	}
	r.mu.Unlock()
	r.queries.clear()
}
