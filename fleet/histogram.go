// Package fleet implements the pre-warm recommendation analyzer (spec.md
// §4.8): per-model rolling hourly request histograms feed an hourly analysis
// pass that proposes backends worth loading a model onto ahead of demand.
package fleet

import (
	"sync"
	"time"
)

// retentionHours bounds how much history a model's histogram keeps, per
// spec.md §4.8's "≤30-day retention, capped in memory".
const retentionHours = 30 * 24

// bucket counts requests observed within one hour-aligned window.
type bucket struct {
	hour  time.Time
	count int
}

// histogram is one model's rolling hourly timestamp count, grounded on
// resilience.SlidingWindow's bucket-rotation idiom (see router.QualityTracker)
// but sized for 720 hourly buckets rather than 60 one-minute buckets, and
// keyed by wall-clock hour rather than a fixed ring index, since the analysis
// pass needs each bucket's hour-of-day for the 24-hour profile.
type histogram struct {
	mu      sync.Mutex
	buckets []bucket // ascending by hour
}

func newHistogram() *histogram {
	return &histogram{}
}

// record folds one completed request's timestamp into its hour bucket and
// evicts buckets older than the retention window. Samples normally arrive in
// wall-clock order, but an out-of-order timestamp is inserted in place so the
// ascending-by-hour invariant the analysis pass relies on always holds.
func (h *histogram) record(at time.Time) {
	hour := at.Truncate(time.Hour)

	h.mu.Lock()
	defer h.mu.Unlock()

	i := len(h.buckets)
	for i > 0 && h.buckets[i-1].hour.After(hour) {
		i--
	}
	if i > 0 && h.buckets[i-1].hour.Equal(hour) {
		h.buckets[i-1].count++
	} else {
		h.buckets = append(h.buckets, bucket{})
		copy(h.buckets[i+1:], h.buckets[i:])
		h.buckets[i] = bucket{hour: hour, count: 1}
	}

	cutoff := h.buckets[len(h.buckets)-1].hour.Add(-retentionHours * time.Hour)
	j := 0
	for j < len(h.buckets) && h.buckets[j].hour.Before(cutoff) {
		j++
	}
	if j > 0 {
		h.buckets = h.buckets[j:]
	}
}

// snapshot returns a copy of the current buckets for lock-free analysis.
func (h *histogram) snapshot() []bucket {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bucket, len(h.buckets))
	copy(out, h.buckets)
	return out
}
