package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/Siddhant-K-code/repocache/pkg/cache"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.Registry() == nil {
		t.Fatal("registry is nil")
	}
}

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("/v1/query", 200, 50*time.Millisecond)
	m.RecordRequest("/v1/query", 200, 100*time.Millisecond)
	m.RecordRequest("/v1/query", 400, 5*time.Millisecond)

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/query", "status", "200")
	if val != 2 {
		t.Errorf("expected 2 requests with status 200, got %f", val)
	}

	val = counterValue(t, m.RequestsTotal, "endpoint", "/v1/query", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestRecordQuery(t *testing.T) {
	m := New()
	m.RecordQuery("status", "miss", 3*time.Millisecond)
	m.RecordQuery("status", "hit", 10*time.Microsecond)
	m.RecordQuery("status", "hit", 12*time.Microsecond)
	m.RecordQuery("tags", "error", time.Millisecond)

	if val := counterValue(t, m.QueriesTotal, "operation", "status", "outcome", "hit"); val != 2 {
		t.Errorf("expected 2 status hits, got %f", val)
	}
	if val := counterValue(t, m.QueriesTotal, "operation", "status", "outcome", "miss"); val != 1 {
		t.Errorf("expected 1 status miss, got %f", val)
	}
	if val := counterValue(t, m.QueriesTotal, "operation", "tags", "outcome", "error"); val != 1 {
		t.Errorf("expected 1 tags error, got %f", val)
	}

	obs, err := m.QueryDuration.GetMetricWithLabelValues("status", "hit")
	if err != nil {
		t.Fatalf("failed to get histogram: %v", err)
	}
	var metric dto.Metric
	if err := obs.(prometheus.Metric).Write(&metric); err != nil {
		t.Fatalf("failed to write histogram: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() != 2 {
		t.Errorf("expected 2 latency samples, got %d", metric.GetHistogram().GetSampleCount())
	}
}

func TestRecordInvalidation(t *testing.T) {
	m := New()
	m.RecordInvalidation("commit", 4)
	m.RecordInvalidation("commit", 0)

	if val := counterValue(t, m.InvalidationsTotal, "mutation", "commit"); val != 2 {
		t.Errorf("expected 2 invalidation runs, got %f", val)
	}
	if val := counterValue(t, m.InvalidatedEntries, "mutation", "commit"); val != 4 {
		t.Errorf("expected 4 invalidated entries, got %f", val)
	}
}

func TestMiddleware(t *testing.T) {
	m := New()

	handler := m.Middleware("/v1/query", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/query", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/query", "status", "200")
	if val != 1 {
		t.Errorf("expected 1 request recorded, got %f", val)
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	m := New()

	handler := m.Middleware("/v1/query", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/query", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/query", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestMiddleware_Flush(t *testing.T) {
	m := New()

	handler := m.Middleware("/v1/warm", func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer does not implement http.Flusher")
		}
		_, _ = w.Write([]byte("event: progress\n\n"))
		f.Flush()
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/warm", nil))

	if !rec.Flushed {
		t.Error("expected the underlying recorder to be flushed")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("/v1/query", 200, 10*time.Millisecond)
	m.RecordQuery("status", "hit", time.Microsecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"repocache_requests_total",
		"repocache_request_duration_seconds",
		"repocache_queries_total",
		"go_goroutines",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestActiveRequests(t *testing.T) {
	m := New()

	started := make(chan struct{})
	release := make(chan struct{})

	handler := m.Middleware("/v1/query", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		req := httptest.NewRequest(http.MethodGet, "/v1/query", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}()

	<-started

	var metric dto.Metric
	if err := m.ActiveRequests.Write(&metric); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	if metric.GetGauge().GetValue() != 1 {
		t.Errorf("expected 1 active request, got %f", metric.GetGauge().GetValue())
	}

	close(release)
}

func TestCacheCollector(t *testing.T) {
	m := New()
	snapshot := cache.Stats{
		Hits:            7,
		Misses:          3,
		Evictions:       2,
		Expirations:     1,
		MemoryLimitHits: 1,
		SpillWrites:     5,
		Items:           4,
		MemoryUsage:     2048,
		TrackedKeys:     6,
		MaxItems:        1000,
		HitRatio:        0.7,
		Uptime:          90 * time.Second,
		Backend:         "manager",
	}
	if err := m.RegisterCache(func() cache.Stats { return snapshot }); err != nil {
		t.Fatalf("RegisterCache failed: %v", err)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	checks := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"repocache_cache_operations_total", map[string]string{"op": "hit"}, 7},
		{"repocache_cache_operations_total", map[string]string{"op": "miss"}, 3},
		{"repocache_cache_removals_total", map[string]string{"reason": "eviction"}, 2},
		{"repocache_cache_limit_hits_total", map[string]string{"limit": "memory"}, 1},
		{"repocache_cache_spill_total", map[string]string{"result": "write"}, 5},
		{"repocache_cache_items", nil, 4},
		{"repocache_cache_memory_bytes", nil, 2048},
		{"repocache_cache_tracked_keys", nil, 6},
		{"repocache_cache_hit_ratio", nil, 0.7},
		{"repocache_cache_uptime_seconds", nil, 90},
	}
	for _, c := range checks {
		got, ok := find(families, c.name, c.labels)
		if !ok {
			t.Errorf("%s%v not exported", c.name, c.labels)
			continue
		}
		if got != c.want {
			t.Errorf("%s%v = %f, want %f", c.name, c.labels, got, c.want)
		}
	}
}

// find returns the value of the first sample of name whose labels include
// want and backend="manager".
func find(families []*dto.MetricFamily, name string, want map[string]string) (float64, bool) {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["backend"] != "manager" {
				continue
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue(), true
			}
			return metric.GetGauge().GetValue(), true
		}
	}
	return 0, false
}

// counterValue extracts the value of a counter with the given label pairs.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labelPairs ...string) float64 {
	t.Helper()
	labels := prometheus.Labels{}
	for i := 0; i < len(labelPairs); i += 2 {
		labels[labelPairs[i]] = labelPairs[i+1]
	}
	counter, err := cv.GetMetricWith(labels)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}
