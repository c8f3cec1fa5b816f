package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Siddhant-K-code/repocache/pkg/cache"
)

// CacheCollector exports a cache.Stats snapshot taken at scrape time.
type CacheCollector struct {
	stats func() cache.Stats

	ops        *prometheus.Desc
	removals   *prometheus.Desc
	limitHits  *prometheus.Desc
	spill      *prometheus.Desc
	items      *prometheus.Desc
	memory     *prometheus.Desc
	tracked    *prometheus.Desc
	peakItems  *prometheus.Desc
	peakMemory *prometheus.Desc
	maxItems   *prometheus.Desc
	maxMemory  *prometheus.Desc
	hitRatio   *prometheus.Desc
	optimize   *prometheus.Desc
	uptime     *prometheus.Desc
}

// NewCacheCollector returns a collector over stats.
func NewCacheCollector(stats func() cache.Stats) *CacheCollector {
	backend := []string{"backend"}
	return &CacheCollector{
		stats: stats,
		ops: prometheus.NewDesc("repocache_cache_operations_total",
			"Cache operations by kind (hit, miss, add, update, delete).",
			[]string{"backend", "op"}, nil),
		removals: prometheus.NewDesc("repocache_cache_removals_total",
			"Entries removed by reason (eviction, expiration, invalidation).",
			[]string{"backend", "reason"}, nil),
		limitHits: prometheus.NewDesc("repocache_cache_limit_hits_total",
			"Times a limit could not be satisfied (memory, items).",
			[]string{"backend", "limit"}, nil),
		spill: prometheus.NewDesc("repocache_cache_spill_total",
			"Disk spill activity by result (write, error, load).",
			[]string{"backend", "result"}, nil),
		items: prometheus.NewDesc("repocache_cache_items",
			"Current number of cache entries.", backend, nil),
		memory: prometheus.NewDesc("repocache_cache_memory_bytes",
			"Estimated memory used by cache entries.", backend, nil),
		tracked: prometheus.NewDesc("repocache_cache_tracked_keys",
			"Keys with recorded access history.", backend, nil),
		peakItems: prometheus.NewDesc("repocache_cache_peak_items",
			"Highest number of entries observed.", backend, nil),
		peakMemory: prometheus.NewDesc("repocache_cache_peak_memory_bytes",
			"Highest estimated memory observed.", backend, nil),
		maxItems: prometheus.NewDesc("repocache_cache_max_items",
			"Configured entry limit.", backend, nil),
		maxMemory: prometheus.NewDesc("repocache_cache_max_memory_bytes",
			"Configured memory budget.", backend, nil),
		hitRatio: prometheus.NewDesc("repocache_cache_hit_ratio",
			"Hits over total lookups.", backend, nil),
		optimize: prometheus.NewDesc("repocache_cache_optimize_runs_total",
			"Optimization passes run.", backend, nil),
		uptime: prometheus.NewDesc("repocache_cache_uptime_seconds",
			"Time since the cache was created.", backend, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.ops, c.removals, c.limitHits, c.spill,
		c.items, c.memory, c.tracked, c.peakItems, c.peakMemory,
		c.maxItems, c.maxMemory, c.hitRatio, c.optimize, c.uptime,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	b := s.Backend

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), append([]string{b}, labels...)...)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, b)
	}

	counter(c.ops, s.Hits, "hit")
	counter(c.ops, s.Misses, "miss")
	counter(c.ops, s.Adds, "add")
	counter(c.ops, s.Updates, "update")
	counter(c.ops, s.Deletes, "delete")

	counter(c.removals, s.Evictions, "eviction")
	counter(c.removals, s.Expirations, "expiration")
	counter(c.removals, s.Invalidations, "invalidation")

	counter(c.limitHits, s.MemoryLimitHits, "memory")
	counter(c.limitHits, s.ItemLimitHits, "items")

	counter(c.spill, s.SpillWrites, "write")
	counter(c.spill, s.SpillErrors, "error")
	counter(c.spill, s.SpillLoads, "load")

	counter(c.optimize, s.OptimizeRuns)

	gauge(c.items, float64(s.Items))
	gauge(c.memory, float64(s.MemoryUsage))
	gauge(c.tracked, float64(s.TrackedKeys))
	gauge(c.peakItems, float64(s.PeakItemCount))
	gauge(c.peakMemory, float64(s.PeakMemoryUsage))
	gauge(c.maxItems, float64(s.MaxItems))
	gauge(c.maxMemory, float64(s.MaxMemoryBytes))
	gauge(c.hitRatio, s.HitRatio)
	gauge(c.uptime, s.Uptime.Seconds())
}
