package router

import (
	"sync"
	"time"

	"github.com/nexus-proxy/nexus/core"
	"github.com/nexus-proxy/nexus/resilience"
)

// qualityWindow and qualityBuckets size the rolling hourly window each
// (backend, model) pair tracks, expressed as 60 one-minute buckets.
const (
	qualityWindow  = time.Hour
	qualityBuckets = 60
)

// QualityTracker maintains one rolling-hour success/failure window per
// (backend_id, model_id) pair, read by the Quality reconciler as an error
// rate subject to a minimum-sample floor (spec.md §4.5). It is grounded on
// the teacher's resilience.SlidingWindow bucket-rotation idiom, reused here
// per backend/model rather than per circuit breaker.
type QualityTracker struct {
	mu         sync.RWMutex
	windows    map[string]*resilience.SlidingWindow
	minSamples uint64
}

// NewQualityTracker constructs a tracker that treats any pair with fewer
// than minSamples total observations as unsampled (never excluded).
func NewQualityTracker(minSamples uint64) *QualityTracker {
	return &QualityTracker{windows: make(map[string]*resilience.SlidingWindow), minSamples: minSamples}
}

func qualityKey(backendID core.BackendId, modelID string) string {
	return string(backendID) + "|" + modelID
}

func (q *QualityTracker) windowFor(backendID core.BackendId, modelID string) *resilience.SlidingWindow {
	key := qualityKey(backendID, modelID)

	q.mu.RLock()
	w, ok := q.windows[key]
	q.mu.RUnlock()
	if ok {
		return w
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.windows[key]; ok {
		return w
	}
	w = resilience.NewSlidingWindow(qualityWindow, qualityBuckets, true)
	q.windows[key] = w
	return w
}

// RecordOutcome folds one completed request's outcome into the pair's
// rolling window. Called on request completion for the backend/model that
// actually served it.
func (q *QualityTracker) RecordOutcome(backendID core.BackendId, modelID string, success bool) {
	w := q.windowFor(backendID, modelID)
	if success {
		w.RecordSuccess()
	} else {
		w.RecordFailure()
	}
}

// ErrorRate returns the pair's rolling error rate and whether it has
// accumulated enough samples to be trusted; below the minimum-sample floor,
// sampled is false and the Quality reconciler must not exclude on it.
func (q *QualityTracker) ErrorRate(backendID core.BackendId, modelID string) (rate float64, sampled bool) {
	key := qualityKey(backendID, modelID)
	q.mu.RLock()
	w, ok := q.windows[key]
	q.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if w.GetTotal() < q.minSamples {
		return 0, false
	}
	return w.GetErrorRate(), true
}
