package cache

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// simpleEvictFraction is the share of entries dropped when SimpleCache is full.
const simpleEvictFraction = 0.1

// SimpleCache is a thread-safe TTL cache with pattern invalidation and an
// item cap. It does no size accounting, adaptation or disk spill and serves
// as the fallback when a Manager cannot be built.
type SimpleCache[V any] struct {
	mu       sync.RWMutex
	items    map[string]*simpleItem[V]
	maxItems int
	ttl      time.Duration
	stats    *counters
	logger   *zap.Logger
	now      func() time.Time

	stopCh  chan struct{}
	done    chan struct{}
	stopped atomic.Bool
}

type simpleItem[V any] struct {
	value      V
	expiresAt  time.Time
	lastAccess atomic.Int64
}

// NewSimple creates a SimpleCache holding at most maxItems entries. A ttl
// <= 0 passed to Set uses defaultTTL. Expired entries are swept every
// sweepInterval until ctx is done or Close is called.
func NewSimple[V any](ctx context.Context, maxItems int, defaultTTL, sweepInterval time.Duration, opts ...Option) *SimpleCache[V] {
	o := applyOptions(opts...)
	if maxItems <= 0 {
		maxItems = DefaultConfig().FallbackMaxItems
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultConfig().DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultConfig().PurgeInterval
	}

	c := &SimpleCache[V]{
		items:    make(map[string]*simpleItem[V]),
		maxItems: maxItems,
		ttl:      defaultTTL,
		stats:    newCounters(o.now()),
		logger:   o.logger,
		now:      o.now,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	go c.sweepLoop(ctx, sweepInterval)

	return c
}

// Get returns the value for key if present and not expired.
func (c *SimpleCache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.now()

	c.mu.RLock()
	item, ok := c.items[key]
	if ok && !now.After(item.expiresAt) {
		item.lastAccess.Store(now.UnixNano())
		value := item.value
		c.mu.RUnlock()
		c.stats.hits.Add(1)
		return cloneValue(value), true
	}
	c.mu.RUnlock()

	if ok {
		c.mu.Lock()
		if cur, still := c.items[key]; still && now.After(cur.expiresAt) {
			delete(c.items, key)
			c.stats.expirations.Add(1)
		}
		c.mu.Unlock()
	}
	c.stats.misses.Add(1)
	return zero, false
}

// Set stores value for ttl, or the default TTL when ttl <= 0. Nil-like
// values are rejected.
func (c *SimpleCache[V]) Set(key string, value V, ttl time.Duration) bool {
	if isNothing(any(value)) {
		return false
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		c.stats.updates.Add(1)
	} else {
		if len(c.items) >= c.maxItems {
			c.evictLeastRecent()
		}
		c.stats.adds.Add(1)
	}

	item := &simpleItem[V]{value: cloneValue(value), expiresAt: now.Add(ttl)}
	item.lastAccess.Store(now.UnixNano())
	c.items[key] = item
	c.stats.observePeaks(int64(len(c.items)), 0)
	return true
}

// Delete removes key. It returns true if the key was present.
func (c *SimpleCache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; !ok {
		return false
	}
	delete(c.items, key)
	c.stats.deletes.Add(1)
	return true
}

// Clear removes all entries and returns how many there were.
func (c *SimpleCache[V]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	c.items = make(map[string]*simpleItem[V])
	c.stats.invalidations.Add(int64(n))
	return n
}

// InvalidatePattern removes every key containing pattern.
func (c *SimpleCache[V]) InvalidatePattern(pattern string) int {
	if pattern == "" {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.items {
		if strings.Contains(key, pattern) {
			delete(c.items, key)
			removed++
		}
	}
	c.stats.invalidations.Add(int64(removed))
	return removed
}

// PurgeExpired removes expired entries.
func (c *SimpleCache[V]) PurgeExpired() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
			removed++
		}
	}
	c.stats.expirations.Add(int64(removed))
	return removed
}

// Len returns the number of entries.
func (c *SimpleCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns cache statistics.
func (c *SimpleCache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := c.stats.snapshot(c.now())
	s.Items = int64(len(c.items))
	s.MaxItems = int64(c.maxItems)
	s.Backend = backendSimple
	return s
}

// Close stops the sweep goroutine.
func (c *SimpleCache[V]) Close() error {
	if c.stopped.CompareAndSwap(false, true) {
		close(c.stopCh)
		<-c.done
	}
	return nil
}

// evictLeastRecent drops the least recently accessed 10% of entries, at
// least one. Callers hold the write lock.
func (c *SimpleCache[V]) evictLeastRecent() {
	type aged struct {
		key  string
		last int64
	}
	all := make([]aged, 0, len(c.items))
	for key, item := range c.items {
		all = append(all, aged{key: key, last: item.lastAccess.Load()})
	}
	slices.SortFunc(all, func(a, b aged) int {
		switch {
		case a.last < b.last:
			return -1
		case a.last > b.last:
			return 1
		default:
			return strings.Compare(a.key, b.key)
		}
	})

	n := max(1, int(float64(len(all))*simpleEvictFraction))
	for _, a := range all[:min(n, len(all))] {
		delete(c.items, a.key)
		c.stats.evictions.Add(1)
	}
}

// sweepLoop periodically removes expired entries.
func (c *SimpleCache[V]) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.PurgeExpired(); n > 0 {
				c.logger.Debug("simple cache sweep", zap.Int("expired", n))
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
