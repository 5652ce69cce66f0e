// Package store defines the key-value persistence contract the server
// registry writes through. A store is a best-effort snapshot, never the
// source of truth: the registry keeps working when it is slow or down.
//
// Keys are flat strings. The registry uses [ServerKeyPrefix] and
// [ToolKeyPrefix] namespaces and JSON-encoded values.
package store

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Key namespaces used by the registry.
const (
	ServerKeyPrefix = "mcp:server:"
	ToolKeyPrefix   = "mcp:tool:"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is a minimal key-value store.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// Put creates or replaces the value stored under key.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key.
	// Returns [ErrNotFound] when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key/value pair whose key starts with prefix.
	List(ctx context.Context, prefix string) (map[string][]byte, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for single-node use and testing.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Put implements [Store.Put].
func (s *MemStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = slices.Clone(value)
	return nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

// Delete implements [Store.Delete].
func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List implements [Store.List].
func (s *MemStore) List(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = slices.Clone(v)
		}
	}
	return out, nil
}

// Ping implements [Store.Ping]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Keys returns every stored key in sorted order.
func (s *MemStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.data))
}
