package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/mcprouter/internal/store"
)

// ErrDriverNotRegistered is returned by [StoreRegistry.Open] when no factory
// has been registered for the configured driver.
var ErrDriverNotRegistered = errors.New("config: store driver not registered")

// StoreFactory opens the store described by cfg. The returned close function
// releases it and may be nil.
type StoreFactory func(ctx context.Context, cfg StoreConfig) (s store.Store, closeFn func() error, err error)

// StoreRegistry maps store driver names to their factories. The daemon
// registers the built-in drivers at start-up. It is safe for concurrent use.
type StoreRegistry struct {
	mu        sync.RWMutex
	factories map[StoreDriver]StoreFactory
}

// NewStoreRegistry returns an empty registry.
func NewStoreRegistry() *StoreRegistry {
	return &StoreRegistry{factories: make(map[StoreDriver]StoreFactory)}
}

// Register installs factory under driver, replacing an earlier registration.
func (r *StoreRegistry) Register(driver StoreDriver, factory StoreFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[driver] = factory
}

// Drivers returns the registered driver names in sorted order.
func (r *StoreRegistry) Drivers() []StoreDriver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StoreDriver, 0, len(r.factories))
	for d := range r.factories {
		out = append(out, d)
	}
	slices.Sort(out)
	return out
}

// Open creates the store selected by cfg.Driver. [StoreNone] yields a nil
// store and no error: persistence is simply off.
func (r *StoreRegistry) Open(ctx context.Context, cfg StoreConfig) (store.Store, func() error, error) {
	if cfg.Driver == StoreNone {
		return nil, nil, nil
	}
	r.mu.RLock()
	factory, ok := r.factories[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrDriverNotRegistered, cfg.Driver)
	}
	s, closeFn, err := factory(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("config: open %s store: %w", cfg.Driver, err)
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return s, closeFn, nil
}
