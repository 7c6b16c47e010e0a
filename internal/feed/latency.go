package feed

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyTracker keeps a sliding window of journal-to-dashboard delays
// and reports percentiles for the stats feed. Thread-safe.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	pos     int
	count   int
}

// NewLatencyTracker creates a tracker over the last capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 2048
	}
	return &LatencyTracker{samples: make([]float64, capacity)}
}

// Record adds one delay sample.
func (lt *LatencyTracker) Record(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	lt.mu.Lock()
	lt.samples[lt.pos] = ms
	lt.pos = (lt.pos + 1) % len(lt.samples)
	if lt.count < len(lt.samples) {
		lt.count++
	}
	lt.mu.Unlock()
}

// Percentiles returns p50, p95 and p99 delay in milliseconds, or
// zeros when nothing has been recorded.
func (lt *LatencyTracker) Percentiles() (p50, p95, p99 float64) {
	lt.mu.Lock()
	n := lt.count
	if n == 0 {
		lt.mu.Unlock()
		return 0, 0, 0
	}
	sorted := make([]float64, n)
	if n == len(lt.samples) {
		copy(sorted, lt.samples[lt.pos:])
		copy(sorted[len(lt.samples)-lt.pos:], lt.samples[:lt.pos])
	} else {
		copy(sorted, lt.samples[:n])
	}
	lt.mu.Unlock()

	sort.Float64s(sorted)
	return percentile(sorted, 0.50), percentile(sorted, 0.95), percentile(sorted, 0.99)
}

// Count returns the number of samples held, capped at capacity.
func (lt *LatencyTracker) Count() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.count
}

// percentile interpolates the p-th percentile (0.0 to 1.0) of a sorted
// slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
