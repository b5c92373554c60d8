package gateway

import (
	"sort"
	"sync"
)

// LatencyTracker keeps the last N end-to-end latency samples in a ring
// and summarizes them as p50/p95/p99. Safe for concurrent use.
type LatencyTracker struct {
	mu    sync.Mutex
	ring  []float64 // samples in ms
	total uint64    // lifetime sample count; ring fill is min(total, len)
}

// NewLatencyTracker creates a tracker holding the last capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{ring: make([]float64, capacity)}
}

// Record adds a latency sample in milliseconds.
func (lt *LatencyTracker) Record(ms float64) {
	lt.mu.Lock()
	lt.ring[lt.total%uint64(len(lt.ring))] = ms
	lt.total++
	lt.mu.Unlock()
}

// Count returns the number of live samples (up to capacity).
func (lt *LatencyTracker) Count() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.fill()
}

func (lt *LatencyTracker) fill() int {
	if lt.total >= uint64(len(lt.ring)) {
		return len(lt.ring)
	}
	return int(lt.total)
}

// Percentiles returns p50, p95 and p99 latency in milliseconds, all
// zero when nothing has been recorded.
func (lt *LatencyTracker) Percentiles() (p50, p95, p99 float64) {
	lt.mu.Lock()
	n := lt.fill()
	if n == 0 {
		lt.mu.Unlock()
		return 0, 0, 0
	}
	// The quantile math sorts anyway, so ring order is irrelevant;
	// ring[:n] holds exactly the live samples.
	sorted := append([]float64(nil), lt.ring[:n]...)
	lt.mu.Unlock()

	sort.Float64s(sorted)
	return quantile(sorted, 0.50), quantile(sorted, 0.95), quantile(sorted, 0.99)
}

// quantile returns the q-th quantile (0 to 1) of a sorted slice,
// linearly interpolated between ranks.
func quantile(sorted []float64, q float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	rank := q * float64(len(sorted)-1)
	i := int(rank)
	if i+1 == len(sorted) {
		return sorted[i]
	}
	frac := rank - float64(i)
	return sorted[i] + (sorted[i+1]-sorted[i])*frac
}
