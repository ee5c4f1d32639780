// Package metrics tracks latencies of external calls and batch run counters.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Names of the tracked external call sites.
const (
	CallFetch    = "fetch"
	CallClassify = "classify"
	CallAnnotate = "annotate"
	CallPersist  = "persist"
)

// LatencyTracker keeps a ring of recent samples and reports percentiles.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	count   int64
}

// NewLatencyTracker creates a tracker that keeps the last windowSize samples.
func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{samples: make([]time.Duration, windowSize)}
}

// Record records a latency measurement.
func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.samples[lt.next] = d
	lt.next++
	if lt.next == len(lt.samples) {
		lt.next = 0
		lt.full = true
	}
	lt.count++
}

// Stats returns latency statistics over the current window.
func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	n := lt.next
	if lt.full {
		n = len(lt.samples)
	}
	window := make([]time.Duration, n)
	copy(window, lt.samples[:n])
	total := lt.count
	lt.mu.Unlock()

	if n == 0 {
		return LatencyStats{}
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })

	var sum time.Duration
	for _, v := range window {
		sum += v
	}
	pick := func(p float64) time.Duration { return window[int(float64(n-1)*p)] }

	return LatencyStats{
		Count:   total,
		Min:     window[0],
		Max:     window[n-1],
		Avg:     sum / time.Duration(n),
		P50:     pick(0.50),
		P95:     pick(0.95),
		P99:     pick(0.99),
		Samples: n,
	}
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int64         `json:"count"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Avg     time.Duration `json:"avg"`
	P50     time.Duration `json:"p50"`
	P95     time.Duration `json:"p95"`
	P99     time.Duration `json:"p99"`
	Samples int           `json:"samples"`
}

// ToMap renders the stats in milliseconds for JSON output.
func (s LatencyStats) ToMap() map[string]any {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return map[string]any{
		"count":       s.Count,
		"min_ms":      ms(s.Min),
		"max_ms":      ms(s.Max),
		"avg_ms":      ms(s.Avg),
		"p50_ms":      ms(s.P50),
		"p95_ms":      ms(s.P95),
		"p99_ms":      ms(s.P99),
		"sample_size": s.Samples,
	}
}

// Registry groups latency trackers per call site and counts run outcomes.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	window   int

	RunsCompleted      atomic.Int64
	RunsSkipped        atomic.Int64
	RunsFailed         atomic.Int64
	MessagesProcessed  atomic.Int64
	FallbackOutcomes   atomic.Int64
	AnnotationFailures atomic.Int64
}

// NewRegistry creates a registry with the given window per tracker.
func NewRegistry(windowSize int) *Registry {
	return &Registry{trackers: make(map[string]*LatencyTracker), window: windowSize}
}

// Record records a latency for the given call site.
func (r *Registry) Record(call string, d time.Duration) {
	r.mu.RLock()
	tracker, ok := r.trackers[call]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if tracker, ok = r.trackers[call]; !ok {
			tracker = NewLatencyTracker(r.window)
			r.trackers[call] = tracker
		}
		r.mu.Unlock()
	}
	tracker.Record(d)
}

// Since records time.Since(start) for call. Use with defer.
func (r *Registry) Since(call string, start time.Time) {
	r.Record(call, time.Since(start))
}

// Stats returns statistics for a call site.
func (r *Registry) Stats(call string) LatencyStats {
	r.mu.RLock()
	tracker, ok := r.trackers[call]
	r.mu.RUnlock()
	if !ok {
		return LatencyStats{}
	}
	return tracker.Stats()
}

// Snapshot renders all counters and latencies.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	latencies := make(map[string]any, len(r.trackers))
	for name, tracker := range r.trackers {
		latencies[name] = tracker.Stats().ToMap()
	}
	r.mu.RUnlock()

	return map[string]any{
		"runs_completed":      r.RunsCompleted.Load(),
		"runs_skipped":        r.RunsSkipped.Load(),
		"runs_failed":         r.RunsFailed.Load(),
		"messages_processed":  r.MessagesProcessed.Load(),
		"fallback_outcomes":   r.FallbackOutcomes.Load(),
		"annotation_failures": r.AnnotationFailures.Load(),
		"latency":             latencies,
	}
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the process-wide registry.
func Global() *Registry {
	globalOnce.Do(func() {
		global = NewRegistry(1000)
	})
	return global
}
