package cache

import (
	"math"
	"sync"
	"time"
)

// DefaultAccessWindow is how many access timestamps are kept per key.
const DefaultAccessWindow = 10

// minIntervalSamples is the number of timestamps needed before interval
// statistics are computed.
const minIntervalSamples = 3

// IntervalStats summarizes the gaps between recent accesses to one key.
type IntervalStats struct {
	Avg        time.Duration `json:"avg"`
	Min        time.Duration `json:"min"`
	Max        time.Duration `json:"max"`
	StdDev     time.Duration `json:"stddev"`
	Samples    int           `json:"samples"`
	LastUpdate time.Time     `json:"last_update"`
}

type accessRecord struct {
	ring  []time.Time
	next  int
	count int
	last  time.Time
	stats *IntervalStats
}

func (r *accessRecord) add(t time.Time) {
	r.ring[r.next] = t
	r.next = (r.next + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
	r.last = t
	if r.count >= minIntervalSamples {
		s := r.compute(t)
		r.stats = &s
	}
}

// ordered returns the timestamps oldest first.
func (r *accessRecord) ordered() []time.Time {
	out := make([]time.Time, 0, r.count)
	start := 0
	if r.count == len(r.ring) {
		start = r.next
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.ring[(start+i)%len(r.ring)])
	}
	return out
}

func (r *accessRecord) compute(now time.Time) IntervalStats {
	times := r.ordered()
	intervals := make([]float64, 0, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals = append(intervals, float64(times[i].Sub(times[i-1])))
	}

	minV, maxV, sum := intervals[0], intervals[0], 0.0
	for _, iv := range intervals {
		sum += iv
		minV = math.Min(minV, iv)
		maxV = math.Max(maxV, iv)
	}
	avg := sum / float64(len(intervals))

	var variance float64
	for _, iv := range intervals {
		d := iv - avg
		variance += d * d
	}
	variance /= float64(len(intervals))

	return IntervalStats{
		Avg:        time.Duration(avg),
		Min:        time.Duration(minV),
		Max:        time.Duration(maxV),
		StdDev:     time.Duration(math.Sqrt(variance)),
		Samples:    len(times),
		LastUpdate: now,
	}
}

// AccessAnalyzer tracks per-key access intervals and derives adaptive TTLs
// and importance scores from them.
//
// It has its own lock. Callers holding another lock must always acquire it
// before the analyzer's, never the other way round.
type AccessAnalyzer struct {
	mu      sync.Mutex
	window  int
	now     func() time.Time
	records map[string]*accessRecord
}

// NewAccessAnalyzer creates an analyzer keeping window timestamps per key.
func NewAccessAnalyzer(window int, now func() time.Time) *AccessAnalyzer {
	if window < minIntervalSamples {
		window = DefaultAccessWindow
	}
	if now == nil {
		now = time.Now
	}
	return &AccessAnalyzer{
		window:  window,
		now:     now,
		records: make(map[string]*accessRecord),
	}
}

// RecordAccess notes an access to key at the current time.
func (a *AccessAnalyzer) RecordAccess(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.records[key]
	if !ok {
		r = &accessRecord{ring: make([]time.Time, a.window)}
		a.records[key] = r
	}
	r.add(a.now())
}

// Stats returns interval statistics for key, if enough accesses were seen.
func (a *AccessAnalyzer) Stats(key string) (IntervalStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.records[key]
	if !ok || r.stats == nil {
		return IntervalStats{}, false
	}
	return *r.stats, true
}

// OptimalTTL maps the average access interval of key to a TTL. Keys without
// interval statistics get def. The result is not clamped.
func (a *AccessAnalyzer) OptimalTTL(key string, def time.Duration) time.Duration {
	s, ok := a.Stats(key)
	if !ok {
		return def
	}

	switch {
	case s.Avg < 10*time.Second:
		return max(300*time.Second, 2*def)
	case s.Avg < time.Minute:
		return def * 3 / 2
	case s.Avg < 5*time.Minute:
		return def
	case s.Avg < 30*time.Minute:
		return max(time.Minute, def*3/4)
	default:
		return max(30*time.Second, def/2)
	}
}

// Importance scores key in [0,1] from how often, how recently and how
// regularly it is accessed. Unknown keys score 0.5.
func (a *AccessAnalyzer) Importance(key string) float64 {
	s, ok := a.Stats(key)
	if !ok {
		return 0.5
	}

	var frequency float64
	switch {
	case s.Avg < 10*time.Second:
		frequency = 1.0
	case s.Avg < time.Minute:
		frequency = 0.8
	case s.Avg < 5*time.Minute:
		frequency = 0.6
	case s.Avg < 30*time.Minute:
		frequency = 0.4
	default:
		frequency = 0.2
	}

	recency := 1 - clamp01(float64(a.now().Sub(s.LastUpdate))/float64(time.Hour))

	var stability float64
	if s.Avg > 0 {
		stability = clamp01(1 - float64(s.StdDev)/float64(s.Avg))
	}

	return clamp01(0.5*frequency + 0.3*recency + 0.2*stability)
}

// Prune drops records whose last access is older than olderThan and
// returns how many were dropped.
func (a *AccessAnalyzer) Prune(olderThan time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-olderThan)
	removed := 0
	for key, r := range a.records {
		if r.last.Before(cutoff) {
			delete(a.records, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (a *AccessAnalyzer) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
