package cache

import (
	"sync/atomic"
	"time"
)

const (
	backendManager = "manager"
	backendSimple  = "simple"
)

// Stats is a point-in-time snapshot of cache statistics.
type Stats struct {
	// Hits is the number of lookups that found a live entry.
	Hits int64 `json:"hits"`

	// Misses is the number of lookups that found nothing or an expired entry.
	Misses int64 `json:"misses"`

	// Adds is the number of new entries inserted.
	Adds int64 `json:"adds"`

	// Updates is the number of in-place replacements of existing entries.
	Updates int64 `json:"updates"`

	// Deletes is the number of explicit deletions.
	Deletes int64 `json:"deletes"`

	// Invalidations is the number of entries removed by pattern or Clear.
	Invalidations int64 `json:"invalidations"`

	// Evictions is the number of entries removed to make room.
	Evictions int64 `json:"evictions"`

	// Expirations is the number of entries removed for outliving their TTL.
	Expirations int64 `json:"expirations"`

	MemoryLimitHits int64 `json:"memory_limit_hits"`
	ItemLimitHits   int64 `json:"item_limit_hits"`
	OptimizeRuns    int64 `json:"optimize_runs"`

	SpillWrites int64 `json:"spill_writes"`
	SpillErrors int64 `json:"spill_errors"`
	SpillLoads  int64 `json:"spill_loads"`

	// Items is the current number of entries.
	Items int64 `json:"items"`

	// MemoryUsage is the estimated size of all entries in bytes.
	MemoryUsage int64 `json:"memory_usage"`

	// TrackedKeys is the number of keys with recorded access history,
	// including keys that are not cached.
	TrackedKeys int64 `json:"tracked_keys"`

	PeakMemoryUsage int64 `json:"peak_memory_usage"`
	PeakItemCount   int64 `json:"peak_item_count"`

	MaxItems       int64 `json:"max_items"`
	MaxMemoryBytes int64 `json:"max_memory_bytes"`

	HitRatio  float64       `json:"hit_ratio"`
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`

	// Backend is "manager" or "simple".
	Backend string `json:"backend"`
}

// HitRate returns the cache hit rate (0.0 to 1.0).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// counters holds the monotonic statistics of one cache instance.
type counters struct {
	hits            atomic.Int64
	misses          atomic.Int64
	adds            atomic.Int64
	updates         atomic.Int64
	deletes         atomic.Int64
	invalidations   atomic.Int64
	evictions       atomic.Int64
	expirations     atomic.Int64
	memoryLimitHits atomic.Int64
	itemLimitHits   atomic.Int64
	optimizeRuns    atomic.Int64
	spillWrites     atomic.Int64
	spillErrors     atomic.Int64
	spillLoads      atomic.Int64
	peakMemory      atomic.Int64
	peakItems       atomic.Int64
	startTime       time.Time
}

func newCounters(now time.Time) *counters {
	return &counters{startTime: now}
}

// observePeaks raises the peak values to items and memory if larger.
func (c *counters) observePeaks(items, memory int64) {
	raise(&c.peakItems, items)
	raise(&c.peakMemory, memory)
}

func raise(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (c *counters) snapshot(now time.Time) Stats {
	s := Stats{
		Hits:            c.hits.Load(),
		Misses:          c.misses.Load(),
		Adds:            c.adds.Load(),
		Updates:         c.updates.Load(),
		Deletes:         c.deletes.Load(),
		Invalidations:   c.invalidations.Load(),
		Evictions:       c.evictions.Load(),
		Expirations:     c.expirations.Load(),
		MemoryLimitHits: c.memoryLimitHits.Load(),
		ItemLimitHits:   c.itemLimitHits.Load(),
		OptimizeRuns:    c.optimizeRuns.Load(),
		SpillWrites:     c.spillWrites.Load(),
		SpillErrors:     c.spillErrors.Load(),
		SpillLoads:      c.spillLoads.Load(),
		PeakMemoryUsage: c.peakMemory.Load(),
		PeakItemCount:   c.peakItems.Load(),
		StartTime:       c.startTime,
		Uptime:          now.Sub(c.startTime),
	}
	s.HitRatio = s.HitRate()
	return s
}
