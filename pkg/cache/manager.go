package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// purgeOccupancy triggers an opportunistic purge on insert and an
	// optimize pass in the background loop.
	purgeOccupancy = 0.8

	// optimizeOccupancy triggers importance-based trimming in Optimize.
	optimizeOccupancy = 0.9

	// optimizeTrimFraction is the share of entries Optimize trims.
	optimizeTrimFraction = 0.2

	closeTimeout = 5 * time.Second
)

// Cloner is implemented by values that must not be shared between the
// cache and its callers. Clone is called when a value enters and leaves
// the cache.
type Cloner[V any] interface {
	Clone() V
}

// Manager is the adaptive cache engine. It combines LRU ordering, TTL
// expiry, an approximate memory budget, access-pattern driven TTLs and an
// optional disk-spill tier.
//
// A single mutex guards the entry map, the LRU list and the memory counter.
// Disk I/O never happens while it is held.
type Manager[V any] struct {
	mu     sync.Mutex
	items  map[string]*list.Element
	lru    *list.List
	memory int64

	cfg      Config
	analyzer *AccessAnalyzer
	stats    *counters
	spill    *spillStore
	logger   *zap.Logger
	now      func() time.Time
	sizer    SizeEstimator

	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool
}

// NewManager validates cfg, loads any spilled entries and starts the
// background maintenance loop. The loop stops when ctx is done or Close is
// called.
func NewManager[V any](ctx context.Context, cfg Config, opts ...Option) (*Manager[V], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts...)

	m := &Manager[V]{
		items:    make(map[string]*list.Element),
		lru:      list.New(),
		cfg:      cfg,
		analyzer: NewAccessAnalyzer(DefaultAccessWindow, o.now),
		stats:    newCounters(o.now()),
		logger:   o.logger,
		now:      o.now,
		sizer:    o.sizer,
		done:     make(chan struct{}),
	}

	if cfg.DiskCache {
		spill, err := openSpillStore(cfg, o.fs, o.logger, m.stats)
		if err != nil {
			return nil, err
		}
		m.spill = spill
		m.loadSpilled()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.run(loopCtx)

	return m, nil
}

// Get returns a copy of the value for key. Expired entries are removed and
// reported as misses.
func (m *Manager[V]) Get(key string) (V, bool) {
	var zero V

	m.mu.Lock()
	defer m.mu.Unlock()

	m.analyzer.RecordAccess(key)

	elem, ok := m.items[key]
	if !ok {
		m.stats.misses.Add(1)
		return zero, false
	}

	entry := elem.Value.(*Entry[V])
	now := m.now()
	if entry.IsExpired(now) {
		m.removeElement(elem)
		m.stats.expirations.Add(1)
		m.stats.misses.Add(1)
		return zero, false
	}

	m.lru.MoveToFront(elem)
	m.stats.hits.Add(1)
	return cloneValue(entry.Access(now)), true
}

// Set stores value under key. Nil-like values are rejected. A ttl <= 0 is
// resolved from the pattern table, the access analyzer or the default, and
// every TTL is clamped to [MinTTL, MaxTTL].
//
// Set returns false when the value was not cached, either because it was
// nil-like or because the item limit could not be satisfied. A value that
// pushes memory usage over budget is still kept.
func (m *Manager[V]) Set(key string, value V, ttl time.Duration) bool {
	if isNothing(any(value)) {
		return false
	}
	value = cloneValue(value)
	size := m.sizer.EstimateSize(value)

	w := m.set(key, value, size, ttl)
	switch {
	case w.seq > 0:
		m.spill.write(key, value, w.now, w.ttl, w.seq)
	case w.unspill:
		m.spill.remove(key)
	}
	return w.stored
}

// setResult reports what set did. A non-zero seq is a spill write
// reserved under the lock; ttl is non-zero only for explicit TTLs. unspill
// asks for the removal of an older spill file the new value replaces.
type setResult struct {
	stored  bool
	seq     uint64
	now     time.Time
	ttl     time.Duration
	unspill bool
}

func (m *Manager[V]) set(key string, value V, size int64, ttl time.Duration) setResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	explicit := ttl > 0
	resolved, base := m.resolveTTL(key, ttl)

	if elem, ok := m.items[key]; ok {
		entry := elem.Value.(*Entry[V])
		m.memory += size - entry.Size
		entry.Update(value, size, resolved, now)
		entry.BaseTTL = base
		entry.Explicit = explicit
		m.lru.MoveToFront(elem)
		m.stats.updates.Add(1)
	} else {
		if m.occupancy() > purgeOccupancy {
			m.purgeExpiredLocked(now)
		}
		if m.lru.Len() >= m.cfg.MaxItems {
			m.evictLRU(m.lru.Len() - m.cfg.MaxItems + 1)
		}
		if m.lru.Len() >= m.cfg.MaxItems {
			m.stats.itemLimitHits.Add(1)
			return setResult{now: now}
		}

		entry := newEntry(key, value, size, resolved, now)
		entry.BaseTTL = base
		entry.Explicit = explicit
		m.items[key] = m.lru.PushFront(entry)
		m.memory += size
		m.stats.adds.Add(1)
	}
	m.stats.observePeaks(int64(m.lru.Len()), m.memory)

	if m.memory > m.cfg.MaxMemoryBytes {
		m.reduceMemory(key)
	}

	res := setResult{stored: true, now: now}
	if m.spill == nil {
		return res
	}
	if size >= spillMinSize && m.analyzer.Importance(key) > spillMinImportance {
		res.seq = m.spill.reserve(key)
		if explicit {
			res.ttl = resolved
		}
	} else {
		res.unspill = m.spill.supersede(key)
	}
	return res
}

// Delete removes key. It returns true if the key was present.
func (m *Manager[V]) Delete(key string) bool {
	found := func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.spill != nil {
			m.spill.cancel(key)
		}
		elem, ok := m.items[key]
		if !ok {
			return false
		}
		m.removeElement(elem)
		m.stats.deletes.Add(1)
		return true
	}()

	if m.spill != nil {
		m.spill.remove(key)
	}
	return found
}

// Clear removes every entry, resets memory accounting to zero and returns
// the number of entries removed.
func (m *Manager[V]) Clear() int {
	n := func() int {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.spill != nil {
			m.spill.cancelMatching("")
		}
		n := m.lru.Len()
		m.items = make(map[string]*list.Element)
		m.lru.Init()
		m.memory = 0
		m.stats.invalidations.Add(int64(n))
		return n
	}()

	if m.spill != nil {
		m.spill.clear()
	}
	return n
}

// InvalidatePattern removes every key containing pattern and returns how
// many were removed. An empty pattern matches nothing.
func (m *Manager[V]) InvalidatePattern(pattern string) int {
	if pattern == "" {
		return 0
	}

	removed := func() []string {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.spill != nil {
			m.spill.cancelMatching(pattern)
		}
		var keys []string
		for key, elem := range m.items {
			if strings.Contains(key, pattern) {
				m.removeElement(elem)
				keys = append(keys, key)
			}
		}
		m.stats.invalidations.Add(int64(len(keys)))
		return keys
	}()

	if m.spill != nil && len(removed) > 0 {
		m.spill.remove(removed...)
	}
	return len(removed)
}

// PurgeExpired removes every expired entry and returns the count.
func (m *Manager[V]) PurgeExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeExpiredLocked(m.now())
}

// Optimize trims the least important 20% of entries when occupancy is
// above 90%. With adaptive TTL enabled it then recomputes the TTL of every
// entry that was not given an explicit one. It returns the number of entries trimmed.
func (m *Manager[V]) Optimize() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	trimmed := 0
	if m.occupancy() > optimizeOccupancy {
		type scored struct {
			elem       *list.Element
			importance float64
		}
		candidates := make([]scored, 0, m.lru.Len())
		for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
			key := elem.Value.(*Entry[V]).Key
			candidates = append(candidates, scored{elem: elem, importance: m.analyzer.Importance(key)})
		}
		// Stable so that equal scores fall back to LRU order.
		slices.SortStableFunc(candidates, func(a, b scored) int {
			switch {
			case a.importance < b.importance:
				return -1
			case a.importance > b.importance:
				return 1
			default:
				return 0
			}
		})

		n := max(1, int(float64(len(candidates))*optimizeTrimFraction))
		for _, c := range candidates[:n] {
			m.removeElement(c.elem)
			m.stats.evictions.Add(1)
			trimmed++
		}
	}

	if m.cfg.AdaptiveTTL {
		for elem := m.lru.Front(); elem != nil; elem = elem.Next() {
			entry := elem.Value.(*Entry[V])
			if entry.Explicit {
				continue
			}
			entry.TTL = m.cfg.clampTTL(m.analyzer.OptimalTTL(entry.Key, entry.BaseTTL))
		}
	}

	m.stats.observePeaks(int64(m.lru.Len()), m.memory)
	m.stats.optimizeRuns.Add(1)
	return trimmed
}

// Len returns the number of entries, including expired ones not yet purged.
func (m *Manager[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Stats returns a snapshot of cache statistics.
func (m *Manager[V]) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats.snapshot(m.now())
	s.Items = int64(m.lru.Len())
	s.MemoryUsage = m.memory
	s.TrackedKeys = int64(m.analyzer.Len())
	s.MaxItems = int64(m.cfg.MaxItems)
	s.MaxMemoryBytes = m.cfg.MaxMemoryBytes
	s.Backend = backendManager
	return s
}

// Close stops the background loop and waits for it to exit. It is safe to
// call more than once.
func (m *Manager[V]) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	select {
	case <-m.done:
		return nil
	case <-time.After(closeTimeout):
		return fmt.Errorf("cache maintenance loop did not stop within %v", closeTimeout)
	}
}

// run is the background maintenance loop.
func (m *Manager[V]) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.maintain(); err != nil {
				m.logger.Error("cache maintenance failed",
					zap.Error(err),
					zap.Duration("backoff", m.cfg.ErrorBackoff),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.cfg.ErrorBackoff):
				}
			}
		}
	}
}

// maintain runs one maintenance pass. A panic is returned as an error so
// the loop survives it.
func (m *Manager[V]) maintain() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("maintenance pass panicked: %v", r)
		}
	}()

	expired := m.PurgeExpired()
	pruned := m.analyzer.Prune(m.cfg.MaxTTL)

	trimmed := 0
	if m.cfg.AdaptiveTTL || m.occupancyRatio() > purgeOccupancy {
		trimmed = m.Optimize()
	}

	if expired > 0 || pruned > 0 || trimmed > 0 {
		m.logger.Debug("cache maintenance",
			zap.Int("expired", expired),
			zap.Int("pruned_patterns", pruned),
			zap.Int("trimmed", trimmed),
		)
	}
	return nil
}

// loadSpilled repopulates memory from the disk-spill tier.
func (m *Manager[V]) loadSpilled() {
	now := m.now()
	records := m.spill.load(m.cfg.MaxTTL, now)

	var stale []string
	loaded := 0
	m.mu.Lock()
	for _, rec := range records {
		var value V
		if err := json.Unmarshal(rec.Data, &value); err != nil {
			m.spill.fail("decode", rec.Key, err)
			stale = append(stale, rec.Key)
			continue
		}
		if isNothing(any(value)) {
			stale = append(stale, rec.Key)
			continue
		}
		if _, ok := m.items[rec.Key]; ok || m.lru.Len() >= m.cfg.MaxItems {
			continue
		}

		ttl, base := m.resolveTTL(rec.Key, rec.TTL)
		entry := newEntry(rec.Key, value, m.sizer.EstimateSize(value), ttl, rec.Timestamp)
		entry.BaseTTL = base
		entry.Explicit = rec.TTL > 0
		if entry.IsExpired(now) {
			stale = append(stale, rec.Key)
			continue
		}
		m.items[rec.Key] = m.lru.PushBack(entry)
		m.memory += entry.Size
		m.stats.spillLoads.Add(1)
		loaded++
	}
	m.stats.observePeaks(int64(m.lru.Len()), m.memory)
	m.mu.Unlock()

	m.spill.remove(stale...)
	if loaded > 0 {
		m.logger.Sugar().Infow("loaded entries from disk cache", "entries", loaded)
	}
}

// resolveTTL returns the TTL for a write of key and the base TTL that
// adaptation later starts from. Both are clamped.
func (m *Manager[V]) resolveTTL(key string, ttl time.Duration) (resolved, base time.Duration) {
	if ttl > 0 {
		ttl = m.cfg.clampTTL(ttl)
		return ttl, ttl
	}
	base = m.cfg.clampTTL(m.baseTTL(key))
	if p, ok := m.cfg.patternTTL(key); ok {
		return m.cfg.clampTTL(p), base
	}
	if m.cfg.AdaptiveTTL {
		return m.cfg.clampTTL(m.analyzer.OptimalTTL(key, m.cfg.DefaultTTL)), base
	}
	return base, base
}

// baseTTL is the TTL a key gets before adaptation.
func (m *Manager[V]) baseTTL(key string) time.Duration {
	if p, ok := m.cfg.patternTTL(key); ok {
		return p
	}
	return m.cfg.DefaultTTL
}

func (m *Manager[V]) occupancy() float64 {
	return float64(m.lru.Len()) / float64(m.cfg.MaxItems)
}

func (m *Manager[V]) occupancyRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.occupancy()
}

func (m *Manager[V]) purgeExpiredLocked(now time.Time) int {
	var expired []*list.Element
	for elem := m.lru.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*Entry[V]).IsExpired(now) {
			expired = append(expired, elem)
		}
	}
	for _, elem := range expired {
		m.removeElement(elem)
		m.stats.expirations.Add(1)
	}
	return len(expired)
}

// evictLRU removes up to n entries from the least recently used end.
func (m *Manager[V]) evictLRU(n int) int {
	evicted := 0
	for evicted < n {
		elem := m.lru.Back()
		if elem == nil {
			break
		}
		m.removeElement(elem)
		m.stats.evictions.Add(1)
		evicted++
	}
	return evicted
}

// reduceMemory evicts in LRU order until usage is at most 80% of the
// budget, never evicting protect. It returns the bytes freed.
func (m *Manager[V]) reduceMemory(protect string) int64 {
	target := int64(float64(m.cfg.MaxMemoryBytes) * purgeOccupancy)
	var freed int64

	elem := m.lru.Back()
	for elem != nil && m.memory > target {
		prev := elem.Prev()
		entry := elem.Value.(*Entry[V])
		if entry.Key != protect {
			m.removeElement(elem)
			m.stats.evictions.Add(1)
			freed += entry.Size
		}
		elem = prev
	}

	if freed < m.cfg.MaxMemoryBytes/10 {
		m.stats.memoryLimitHits.Add(1)
		m.logger.Sugar().Warnw("cache memory budget exceeded",
			"key", protect,
			"memory_usage", m.memory,
			"max_memory_bytes", m.cfg.MaxMemoryBytes,
			"freed", freed,
		)
	}
	return freed
}

func (m *Manager[V]) removeElement(elem *list.Element) {
	entry := elem.Value.(*Entry[V])
	delete(m.items, entry.Key)
	m.lru.Remove(elem)
	m.memory -= entry.Size
}

func cloneValue[V any](v V) V {
	if c, ok := any(v).(Cloner[V]); ok {
		return c.Clone()
	}
	return v
}
