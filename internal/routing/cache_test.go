package routing

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/mcprouter/internal/mcp"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestCache_Expiry(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := NewCache(10, 30*time.Second, WithCacheClock[string](clk.Now))
	c.Set("k", "v")

	if got, ok := c.Get("k"); !ok || got != "v" {
		t.Fatalf("Get = %q, %v; want v, true", got, ok)
	}

	clk.Advance(30 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired at exactly its TTL")
	}

	clk.Advance(time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry still served after its TTL")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want expired entry removed", c.Len())
	}
}

func TestCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := NewCache(2, time.Minute, WithCacheClock[int](clk.Now))
	c.Set("a", 1)
	clk.Advance(time.Second)
	c.Set("b", 2)
	clk.Advance(time.Second)
	c.Get("a")
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("b survived although it was least recently accessed")
	}
	for _, k := range []string{"a", "c"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s was evicted", k)
		}
	}
	if got := c.Stats().Evictions; got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
}

func TestCache_OverwriteDoesNotEvict(t *testing.T) {
	t.Parallel()

	c := NewCache[int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)

	if got, _ := c.Get("a"); got != 10 {
		t.Errorf("a = %d, want 10", got)
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("overwriting a evicted b")
	}
}

func TestCache_Stats(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := NewCache(10, time.Minute,
		WithCacheClock[string](clk.Now),
		WithSizeFunc(func(s string) int { return len(s) }),
	)
	c.Set("short", "ab")
	clk.Advance(10 * time.Second)
	c.Set("long", "abcdef")

	c.Get("long")
	c.Get("long")
	c.Get("short")
	c.Get("missing")

	s := c.Stats()
	if s.Hits != 3 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 3/1", s.Hits, s.Misses)
	}
	if s.HitRatio != 0.75 {
		t.Errorf("hit ratio = %v, want 0.75", s.HitRatio)
	}
	if s.Entries != 2 || s.TotalSize != 8 {
		t.Errorf("entries/size = %d/%d, want 2/8", s.Entries, s.TotalSize)
	}
	if s.AverageAge != 5*time.Second {
		t.Errorf("average age = %v, want 5s", s.AverageAge)
	}
	if len(s.TopKeys) != 2 || s.TopKeys[0].Key != "long" || s.TopKeys[0].Accesses != 2 {
		t.Errorf("top keys = %+v, want long first with 2 accesses", s.TopKeys)
	}

	c.Clear()
	if s := c.Stats(); s.Entries != 0 || s.Hits != 0 {
		t.Errorf("stats after Clear = %+v", s)
	}
}

func TestCache_TopKeysBounded(t *testing.T) {
	t.Parallel()

	c := NewCache[int](100, time.Minute)
	for i := range 15 {
		c.Set(strings.Repeat("k", i+1), i)
	}
	if got := len(c.Stats().TopKeys); got != topKeysLimit {
		t.Fatalf("top keys = %d, want %d", got, topKeysLimit)
	}
}

func TestCacheKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rc   mcp.RoutingContext
		want string
	}{
		{
			name: "global default priority",
			rc:   mcp.RoutingContext{ToolName: "Read"},
			want: "Read|global|5|{}",
		},
		{
			name: "agent and priority",
			rc:   mcp.RoutingContext{ToolName: "Read", AgentID: "coder", Priority: 9},
			want: "Read|coder|9|{}",
		},
		{
			name: "requirements",
			rc: mcp.RoutingContext{
				ToolName:     "Read",
				Requirements: &mcp.Requirements{MinSuccessRate: 0.9},
			},
			want: `Read|global|5|{"minSuccessRate":0.9}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := CacheKey(tt.rc); got != tt.want {
				t.Errorf("CacheKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCache_PruneExpired(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := NewCache(10, 30*time.Second, WithCacheClock[string](clk.Now))
	c.Set("old-1", "v")
	c.Set("old-2", "v")
	clk.Advance(20 * time.Second)
	c.Set("fresh", "v")
	clk.Advance(11 * time.Second)

	if n := c.PruneExpired(); n != 2 {
		t.Fatalf("PruneExpired = %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if _, ok := c.Get("fresh"); !ok {
		t.Error("live entry pruned")
	}
	if n := c.PruneExpired(); n != 0 {
		t.Errorf("second PruneExpired = %d, want 0", n)
	}
}

func TestCache_SetIfGeneration(t *testing.T) {
	t.Parallel()

	c := NewCache[string](10, time.Minute)
	gen := c.Generation()
	if !c.SetIfGeneration("a", "1", gen) {
		t.Fatal("store with current generation refused")
	}

	c.Clear()
	if c.SetIfGeneration("b", "2", gen) {
		t.Fatal("store with stale generation accepted")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("stale value visible")
	}
	if !c.SetIfGeneration("b", "2", c.Generation()) {
		t.Error("store after refreshing the generation refused")
	}
}
