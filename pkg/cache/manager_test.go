package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lenSizer sizes strings by their length so memory tests are exact.
var lenSizer = SizeFunc(func(v any) int64 {
	return int64(len(v.(string)))
})

func newTestManager[V any](t *testing.T, cfg Config, clock *fakeClock, opts ...Option) *Manager[V] {
	t.Helper()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	m, err := NewManager[V](context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_GetSet(t *testing.T) {
	m := newTestManager[string](t, testConfig(), newFakeClock())

	assert.True(t, m.Set("key1", "value1", 0))

	v, ok := m.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, "value1", v)

	_, ok = m.Get("nonexistent")
	assert.False(t, ok)

	s := m.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Adds)
	assert.Equal(t, int64(1), s.Items)
	assert.Equal(t, 0.5, s.HitRatio)
}

func TestManager_TTLExpiry(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager[string](t, testConfig(), clock)

	require.True(t, m.Set("k", "v", 10*time.Second))

	clock.Advance(10 * time.Second)
	v, ok := m.Get("k")
	assert.True(t, ok, "entry is live until its age exceeds the ttl")
	assert.Equal(t, "v", v)

	clock.Advance(time.Millisecond)
	_, ok = m.Get("k")
	assert.False(t, ok)

	s := m.Stats()
	assert.Equal(t, int64(1), s.Expirations)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, 0, m.Len(), "expired entry is removed on lookup")
}

func TestManager_PurgeExpiredScenario(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager[string](t, testConfig(), clock)

	require.True(t, m.Set("x", "payload", time.Second))
	clock.Advance(1100 * time.Millisecond)

	assert.Equal(t, 1, m.PurgeExpired())
	_, ok := m.Get("x")
	assert.False(t, ok)
}

func TestManager_TTLClamped(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.MinTTL = 5 * time.Second
	cfg.MaxTTL = time.Minute
	m := newTestManager[string](t, cfg, clock)

	m.Set("short", "v", time.Millisecond)
	m.Set("long", "v", time.Hour)

	clock.Advance(4 * time.Second)
	_, ok := m.Get("short")
	assert.True(t, ok, "ttl below the floor is raised to MinTTL")

	clock.Advance(57 * time.Second)
	_, ok = m.Get("long")
	assert.False(t, ok, "ttl above the ceiling is lowered to MaxTTL")
}

func TestManager_PatternTTL(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.PatternTTLs = []PatternTTL{
		{Pattern: "status", TTL: 5 * time.Second},
		{Pattern: "branches", TTL: time.Minute},
	}
	m := newTestManager[string](t, cfg, clock)

	m.Set("repo:status:", "clean", 0)
	m.Set("repo:branches:", "main", 0)
	m.Set("repo:other:", "x", 0)

	clock.Advance(6 * time.Second)
	_, ok := m.Get("repo:status:")
	assert.False(t, ok)
	_, ok = m.Get("repo:branches:")
	assert.True(t, ok)

	clock.Advance(5 * time.Minute)
	_, ok = m.Get("repo:other:")
	assert.False(t, ok, "unmatched keys use the default ttl")
}

func TestManager_NilValuesRejected(t *testing.T) {
	m := newTestManager[any](t, testConfig(), newFakeClock())

	require.True(t, m.Set("k", "original", 0))

	var nilSlice []string
	var nilMap map[string]int
	assert.False(t, m.Set("k", nil, 0))
	assert.False(t, m.Set("k", nilSlice, 0))
	assert.False(t, m.Set("k", nilMap, 0))

	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, "original", v)
	assert.Equal(t, int64(0), m.Stats().Updates)

	assert.True(t, m.Set("empty", []string{}, 0), "empty but non-nil values are cached")
}

func TestManager_HitsDoNotChangeValue(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager[string](t, testConfig(), clock)
	m.Set("k", "v", 0)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		v, ok := m.Get("k")
		require.True(t, ok)
		assert.Equal(t, "v", v)
	}

	m.mu.Lock()
	entry := m.items["k"].Value.(*Entry[string])
	assert.Equal(t, int64(5), entry.AccessCount)
	assert.Equal(t, clock.Now(), entry.LastAccessed)
	m.mu.Unlock()
}

func TestManager_UpdateInPlace(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager[string](t, testConfig(), clock, WithSizeEstimator(lenSizer))

	m.Set("k", "aaaa", 0)
	created := clock.Now()
	clock.Advance(time.Second)
	m.Set("k", "bb", 0)

	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, "bb", v)

	s := m.Stats()
	assert.Equal(t, int64(1), s.Adds)
	assert.Equal(t, int64(1), s.Updates)
	assert.Equal(t, int64(2), s.MemoryUsage)

	m.mu.Lock()
	assert.Equal(t, created, m.items["k"].Value.(*Entry[string]).CreatedAt)
	m.mu.Unlock()
}

func TestManager_LRUScenario(t *testing.T) {
	cfg := testConfig()
	cfg.MaxItems = 2
	m := newTestManager[int](t, cfg, newFakeClock())

	m.Set("a", 1, 0)
	m.Set("b", 2, 0)
	m.Set("c", 3, 0)

	_, ok := m.Get("a")
	assert.False(t, ok)
	v, ok := m.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	v, ok = m.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestManager_LRUEvictsExactlyFirstInserted(t *testing.T) {
	const n = 50
	cfg := testConfig()
	cfg.MaxItems = n
	m := newTestManager[int](t, cfg, newFakeClock())

	for i := 0; i <= n; i++ {
		require.True(t, m.Set(fmt.Sprintf("k%d", i), i, 0))
	}

	assert.Equal(t, n, m.Len())
	_, ok := m.Get("k0")
	assert.False(t, ok)
	for i := 1; i <= n; i++ {
		_, ok := m.Get(fmt.Sprintf("k%d", i))
		assert.True(t, ok, "k%d should survive", i)
	}
}

func TestManager_RecentlyUsedSurvivesEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxItems = 3
	m := newTestManager[string](t, cfg, newFakeClock())

	m.Set("key1", "value1", 0)
	m.Set("key2", "value2", 0)
	m.Set("key3", "value3", 0)
	_, _ = m.Get("key1")
	m.Set("key4", "value4", 0)

	_, ok := m.Get("key2")
	assert.False(t, ok)
	_, ok = m.Get("key1")
	assert.True(t, ok)
}

func TestManager_MemoryAccounting(t *testing.T) {
	m := newTestManager[string](t, testConfig(), newFakeClock(), WithSizeEstimator(lenSizer))

	m.Set("a", strings.Repeat("x", 100), 0)
	m.Set("b", strings.Repeat("y", 250), 0)
	assert.Equal(t, int64(350), m.Stats().MemoryUsage)

	m.Delete("a")
	assert.Equal(t, int64(250), m.Stats().MemoryUsage)

	m.Set("c", strings.Repeat("z", 10), 0)
	assert.Equal(t, 2, m.Clear())
	s := m.Stats()
	assert.Equal(t, int64(0), s.MemoryUsage)
	assert.Equal(t, int64(0), s.Items)
	assert.Equal(t, int64(350), s.PeakMemoryUsage)
	assert.Equal(t, int64(2), s.PeakItemCount)
}

func TestManager_MemoryReduction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMemoryBytes = 100
	m := newTestManager[string](t, cfg, newFakeClock(), WithSizeEstimator(lenSizer))

	m.Set("a", strings.Repeat("a", 30), 0)
	m.Set("b", strings.Repeat("b", 30), 0)
	m.Set("c", strings.Repeat("c", 30), 0)
	require.True(t, m.Set("d", strings.Repeat("d", 30), 0))

	// 120 bytes exceeds the budget; LRU entries go until usage <= 80.
	s := m.Stats()
	assert.Equal(t, int64(60), s.MemoryUsage)
	assert.Equal(t, int64(2), s.Evictions)
	assert.Equal(t, int64(0), s.MemoryLimitHits)

	_, ok := m.Get("a")
	assert.False(t, ok)
	_, ok = m.Get("b")
	assert.False(t, ok)
	_, ok = m.Get("d")
	assert.True(t, ok)
}

func TestManager_OverBudgetEntryIsKept(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMemoryBytes = 100
	m := newTestManager[string](t, cfg, newFakeClock(), WithSizeEstimator(lenSizer))

	assert.True(t, m.Set("big", strings.Repeat("x", 500), 0))

	v, ok := m.Get("big")
	assert.True(t, ok)
	assert.Len(t, v, 500)

	s := m.Stats()
	assert.Equal(t, int64(500), s.MemoryUsage)
	assert.Equal(t, int64(1), s.MemoryLimitHits)
	assert.Equal(t, int64(0), s.Evictions)
}

func TestManager_InvalidatePattern(t *testing.T) {
	m := newTestManager[string](t, testConfig(), newFakeClock())

	m.Set("r1:status:", "s", 0)
	m.Set("r1:branches:", "b", 0)
	m.Set("r2:status:", "s", 0)
	m.Set("r1:commit_history:limit=10", "c", 0)

	assert.Equal(t, 2, m.InvalidatePattern("status"))
	assert.Equal(t, 2, m.Len())

	_, ok := m.Get("r1:status:")
	assert.False(t, ok)
	_, ok = m.Get("r1:branches:")
	assert.True(t, ok)

	assert.Equal(t, 2, m.InvalidatePattern("r1:"))
	assert.Equal(t, 0, m.InvalidatePattern("r1:"))
	assert.Equal(t, 0, m.InvalidatePattern(""))
	assert.Equal(t, int64(4), m.Stats().Invalidations)
}

func TestManager_DeleteAndClear(t *testing.T) {
	m := newTestManager[string](t, testConfig(), newFakeClock())

	m.Set("key1", "value1", 0)
	m.Set("key2", "value2", 0)

	assert.True(t, m.Delete("key1"))
	assert.False(t, m.Delete("key1"))
	assert.Equal(t, 1, m.Clear())
	assert.Equal(t, 0, m.Clear())
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, int64(1), m.Stats().Deletes)
}

func TestManager_OpportunisticPurge(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.MaxItems = 10
	m := newTestManager[int](t, cfg, clock)

	for i := 0; i < 9; i++ {
		m.Set(fmt.Sprintf("short%d", i), i, time.Second)
	}
	clock.Advance(2 * time.Second)

	// Occupancy is 90%, so this insert purges the expired entries first
	// instead of evicting.
	m.Set("fresh", 1, 0)

	s := m.Stats()
	assert.Equal(t, int64(9), s.Expirations)
	assert.Equal(t, int64(0), s.Evictions)
	assert.Equal(t, 1, m.Len())
}

func TestManager_OptimizeTrimsLeastImportant(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.MaxItems = 10
	m := newTestManager[int](t, cfg, clock)

	for i := 0; i < 10; i++ {
		m.Set(fmt.Sprintf("k%d", i), i, 0)
	}

	// k0 and k1 are the oldest, but frequent regular access makes them
	// the most important keys.
	for i := 0; i < 3; i++ {
		_, _ = m.Get("k0")
		_, _ = m.Get("k1")
		clock.Advance(2 * time.Second)
	}

	assert.Equal(t, 2, m.Optimize())
	assert.Equal(t, 8, m.Len())

	_, ok := m.Get("k0")
	assert.True(t, ok)
	_, ok = m.Get("k1")
	assert.True(t, ok)
	_, ok = m.Get("k2")
	assert.False(t, ok, "unknown keys tie at 0.5 and fall back to LRU order")
	_, ok = m.Get("k3")
	assert.False(t, ok)

	assert.Equal(t, int64(1), m.Stats().OptimizeRuns)
}

func TestManager_OptimizeBelowThresholdKeepsEntries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxItems = 10
	m := newTestManager[int](t, cfg, newFakeClock())

	for i := 0; i < 9; i++ {
		m.Set(fmt.Sprintf("k%d", i), i, 0)
	}
	assert.Equal(t, 0, m.Optimize())
	assert.Equal(t, 9, m.Len())
}

func TestManager_AdaptiveTTL(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.AdaptiveTTL = true
	cfg.DefaultTTL = 300 * time.Second
	m := newTestManager[string](t, cfg, clock)

	require.True(t, m.Set("hot", "v", 0))
	for i := 0; i < 3; i++ {
		_, ok := m.Get("hot")
		require.True(t, ok)
		clock.Advance(5 * time.Second)
	}

	m.Optimize()

	clock.Advance(400 * time.Second)
	_, ok := m.Get("hot")
	assert.True(t, ok, "frequently read keys get twice the default ttl")
}

func TestManager_AdaptiveTTLOnSet(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.AdaptiveTTL = true
	cfg.DefaultTTL = 300 * time.Second
	m := newTestManager[string](t, cfg, clock)

	// Misses feed the analyzer too: a key polled every 5s is cached longer.
	for i := 0; i < 3; i++ {
		_, _ = m.Get("polled")
		clock.Advance(5 * time.Second)
	}
	require.True(t, m.Set("polled", "v", 0))

	clock.Advance(500 * time.Second)
	_, ok := m.Get("polled")
	assert.True(t, ok)
}

type snapshot struct {
	items []string
}

func (s snapshot) Clone() snapshot {
	return snapshot{items: append([]string(nil), s.items...)}
}

func TestManager_OptimizeKeepsExplicitTTL(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.AdaptiveTTL = true
	m := newTestManager[string](t, cfg, clock)

	require.True(t, m.Set("x", "v", 10*time.Second))
	require.True(t, m.Set("y", "v", 0))

	// Reads every second would stretch an adaptive ttl.
	for i := 0; i < 3; i++ {
		_, _ = m.Get("x")
		_, _ = m.Get("y")
		clock.Advance(time.Second)
	}
	m.Optimize()

	clock.Advance(20 * time.Second)
	_, ok := m.Get("x")
	assert.False(t, ok, "entry set with a 10s ttl is gone after 20s")
	_, ok = m.Get("y")
	assert.True(t, ok)
}

func TestManager_OptimizeAdaptsFromBaseTTL(t *testing.T) {
	clock := newFakeClock()
	cfg := testConfig()
	cfg.AdaptiveTTL = true
	cfg.DefaultTTL = 300 * time.Second
	cfg.PatternTTLs = []PatternTTL{{Pattern: ":status:", TTL: 10 * time.Second}}
	m := newTestManager[string](t, cfg, clock)

	require.True(t, m.Set("r:status:", "v", 0))
	for i := 0; i < 3; i++ {
		_, _ = m.Get("r:status:")
		clock.Advance(2 * time.Second)
	}

	// Frequent reads give max(300s, 2*10s), not twice the default.
	m.Optimize()
	clock.Advance(290 * time.Second)
	_, ok := m.Get("r:status:")
	assert.True(t, ok)

	clock.Advance(20 * time.Second)
	_, ok = m.Get("r:status:")
	assert.False(t, ok)
}

func TestManager_StatsTrackedKeys(t *testing.T) {
	m := newTestManager[string](t, testConfig(), newFakeClock())

	require.True(t, m.Set("a", "1", 0))
	_, _ = m.Get("a")
	_, _ = m.Get("b")

	assert.Equal(t, int64(2), m.Stats().TrackedKeys, "misses are tracked too")
}

func TestManager_ClonerIsolatesCallers(t *testing.T) {
	m := newTestManager[snapshot](t, testConfig(), newFakeClock())

	in := snapshot{items: []string{"a", "b"}}
	require.True(t, m.Set("k", in, 0))
	in.items[0] = "mutated"

	out, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, out.items)

	out.items[1] = "mutated"
	again, _ := m.Get("k")
	assert.Equal(t, []string{"a", "b"}, again.items)
}

func TestManager_MaintainRecoversPanics(t *testing.T) {
	var explode atomic.Bool
	base := newFakeClock()
	clock := func() time.Time {
		if explode.Load() {
			panic("clock failure")
		}
		return base.Now()
	}

	m, err := NewManager[string](context.Background(), testConfig(), WithClock(clock))
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	m.Set("k", "v", 0)

	explode.Store(true)
	err = m.maintain()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clock failure")
	explode.Store(false)

	// The lock was released by the panicking pass.
	v, ok := m.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.NoError(t, m.maintain())
}

func TestManager_BackgroundLoopPurges(t *testing.T) {
	cfg := testConfig()
	cfg.PurgeInterval = 10 * time.Millisecond
	m, err := NewManager[string](context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	require.True(t, m.Set("k", "v", time.Second))

	assert.Eventually(t, func() bool {
		return m.Stats().Expirations == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m, err := NewManager[string](context.Background(), testConfig())
	require.NoError(t, err)

	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestManager_ContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m, err := NewManager[string](ctx, testConfig())
	require.NoError(t, err)

	cancel()
	select {
	case <-m.done:
	case <-time.After(time.Second):
		t.Fatal("maintenance loop did not stop on context cancel")
	}
	assert.NoError(t, m.Close())
}

func TestManager_Concurrent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxItems = 100
	m, err := NewManager[int](context.Background(), cfg)
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*31+i)%150)
				m.Set(key, i, 0)
				m.Get(key)
				if i%50 == 0 {
					m.InvalidatePattern("k1")
				}
			}
		}(g)
	}
	wg.Wait()

	s := m.Stats()
	assert.LessOrEqual(t, s.Items, int64(100))
	assert.LessOrEqual(t, s.PeakItemCount, int64(100))
}

func BenchmarkManager_Get(b *testing.B) {
	m, _ := NewManager[string](context.Background(), DefaultConfig())
	defer func() { _ = m.Close() }()
	m.Set("key", "value", 0)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Get("key")
	}
}

func BenchmarkManager_Set(b *testing.B) {
	m, _ := NewManager[string](context.Background(), DefaultConfig())
	defer func() { _ = m.Close() }()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Set(fmt.Sprintf("key%d", i%1000), "value", 0)
	}
}
