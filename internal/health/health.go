// Package health serves the liveness, readiness and status endpoints of the
// router daemon.
//
//   - /healthz is the liveness probe and always answers 200.
//   - /readyz answers 200 only when every [Checker] passes. The daemon wires
//     [ServersAvailable] and [StorePing] here.
//   - /statusz returns a JSON snapshot produced by a [StatusFunc], typically
//     the registry, router and resilience statistics.
//
// Readiness responses carry a top-level "status" ("ok" or "fail") and a
// "checks" map with the outcome of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable and must respect ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// StatusFunc produces the body of /statusz. The value is encoded as JSON.
type StatusFunc func(ctx context.Context) any

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	status   StatusFunc
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithStatus sets the producer of /statusz and returns h.
func (h *Handler) WithStatus(fn StatusFunc) *Handler {
	h.status = fn
	return h
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each with a [checkTimeout] deadline,
// and returns 503 when any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if errs[i] != nil {
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Statusz writes the snapshot of the configured [StatusFunc], or 404 when
// none is set.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeJSON(w, http.StatusNotFound, result{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, h.status(r.Context()))
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
}

// ServerLister is the registry view used by [ServersAvailable].
type ServerLister interface {
	Servers() []*mcp.ServerInfo
}

// ErrNoUsableServers is reported by [ServersAvailable].
var ErrNoUsableServers = errors.New("no healthy or degraded servers registered")

// ServersAvailable passes when at least one registered server is healthy or
// degraded.
func ServersAvailable(reg ServerLister) Checker {
	return Checker{
		Name: "servers",
		Check: func(context.Context) error {
			for _, s := range reg.Servers() {
				if s.Status.Usable() {
					return nil
				}
			}
			return ErrNoUsableServers
		},
	}
}

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorePing passes when the persistence store answers a ping.
func StorePing(p Pinger) Checker {
	return Checker{Name: "store", Check: p.Ping}
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
