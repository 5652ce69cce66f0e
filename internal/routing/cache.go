package routing

import (
	"cmp"
	"container/list"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultCacheSize = 10000
	DefaultCacheTTL  = 30 * time.Second

	topKeysLimit = 10
)

type cacheEntry[T any] struct {
	key          string
	value        T
	createdAt    time.Time
	lastAccessed time.Time
	expiresAt    time.Time
	accessCount  int64
	size         int
}

// Cache is a bounded TTL cache with least-recently-used eviction. It is safe
// for concurrent use. Expired entries are dropped on lookup and by
// [Cache.PruneExpired].
type Cache[T any] struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
	sizeOf   func(T) int

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently accessed

	gen       uint64 // bumped by Clear
	hits      int64
	misses    int64
	evictions int64
}

// CacheOption configures a [Cache].
type CacheOption[T any] func(*Cache[T])

// WithCacheClock sets the time source used for expiry and ages.
func WithCacheClock[T any](now func() time.Time) CacheOption[T] {
	return func(c *Cache[T]) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSizeFunc overrides how entry sizes are estimated. The default is the
// length of the JSON encoding.
func WithSizeFunc[T any](f func(T) int) CacheOption[T] {
	return func(c *Cache[T]) {
		if f != nil {
			c.sizeOf = f
		}
	}
}

// NewCache creates a cache holding at most capacity entries for ttl each.
// Non-positive values select [DefaultCacheSize] and [DefaultCacheTTL].
func NewCache[T any](capacity int, ttl time.Duration, opts ...CacheOption[T]) *Cache[T] {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &Cache[T]{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		sizeOf:   jsonSize[T],
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func jsonSize[T any](v T) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// Get returns the value for key. A missing or expired entry is a miss.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero T
		return zero, false
	}
	e := el.Value.(*cacheEntry[T])
	if now.After(e.expiresAt) {
		c.removeLocked(el)
		c.misses++
		var zero T
		return zero, false
	}
	e.lastAccessed = now
	e.accessCount++
	c.lru.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set stores value under key with the cache TTL.
func (c *Cache[T]) Set(key string, value T) {
	c.SetWithTTL(key, value, c.ttl)
}

// Generation returns a counter that changes on every [Cache.Clear].
func (c *Cache[T]) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// SetIfGeneration stores value like [Cache.Set] unless the cache was cleared
// since gen was read. It reports whether the value was stored.
func (c *Cache[T]) SetIfGeneration(key string, value T, gen uint64) bool {
	size := c.sizeOf(value)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.setLocked(key, value, c.ttl, size)
	return true
}

// SetWithTTL stores value under key for ttl, evicting the least recently
// accessed entry when the cache is full.
func (c *Cache[T]) SetWithTTL(key string, value T, ttl time.Duration) {
	size := c.sizeOf(value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl, size)
}

func (c *Cache[T]) setLocked(key string, value T, ttl time.Duration, size int) {
	now := c.now()
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*cacheEntry[T])
		e.value = value
		e.createdAt = now
		e.lastAccessed = now
		e.expiresAt = now.Add(ttl)
		e.size = size
		c.lru.MoveToFront(el)
		return
	}
	for c.lru.Len() >= c.capacity {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back)
		c.evictions++
	}
	e := &cacheEntry[T]{
		key:          key,
		value:        value,
		createdAt:    now,
		lastAccessed: now,
		expiresAt:    now.Add(ttl),
		size:         size,
	}
	c.entries[key] = c.lru.PushFront(e)
}

// Delete removes key and reports whether it was present.
func (c *Cache[T]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

// Clear drops every entry and resets the counters.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	c.hits, c.misses, c.evictions = 0, 0, 0
	c.gen++
}

// PruneExpired removes every expired entry and returns how many it removed.
func (c *Cache[T]) PruneExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		if now.After(el.Value.(*cacheEntry[T]).expiresAt) {
			c.removeLocked(el)
			n++
		}
		el = next
	}
	return n
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[T]) removeLocked(el *list.Element) {
	e := el.Value.(*cacheEntry[T])
	delete(c.entries, e.key)
	c.lru.Remove(el)
}

// KeyAccess is one entry of [CacheStats.TopKeys].
type KeyAccess struct {
	Key      string `json:"key"`
	Accesses int64  `json:"accesses"`
}

// CacheStats is a snapshot of cache effectiveness.
type CacheStats struct {
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	HitRatio   float64       `json:"hitRatio"`
	Entries    int           `json:"entryCount"`
	TotalSize  int           `json:"totalSize"`
	AverageAge time.Duration `json:"averageAge"`
	Evictions  int64         `json:"evictions"`
	TopKeys    []KeyAccess   `json:"topKeys"`
}

// Stats returns a snapshot of the cache counters and contents.
func (c *Cache[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Entries:   c.lru.Len(),
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRatio = float64(c.hits) / float64(total)
	}

	keys := make([]KeyAccess, 0, c.lru.Len())
	var age time.Duration
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*cacheEntry[T])
		s.TotalSize += e.size
		age += now.Sub(e.createdAt)
		keys = append(keys, KeyAccess{Key: e.key, Accesses: e.accessCount})
	}
	if n := len(keys); n > 0 {
		s.AverageAge = age / time.Duration(n)
	}
	slices.SortStableFunc(keys, func(a, b KeyAccess) int {
		return cmp.Compare(b.Accesses, a.Accesses)
	})
	if len(keys) > topKeysLimit {
		keys = keys[:topKeysLimit]
	}
	s.TopKeys = keys
	return s
}
