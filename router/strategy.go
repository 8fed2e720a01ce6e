package router

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// scoreBackend implements the Smart scoring function (spec.md §4.4),
// integer arithmetic only, clamped to [0,100]:
//
//	priority_score = 100 - min(priority, 100)
//	load_score     = 100 - min(pending_requests, 100)
//	latency_score  = 100 - min(avg_latency_ms / 10, 100)
//	score = (priority_score*w_p + load_score*w_l + latency_score*w_ℓ) / 100
func scoreBackend(priority int, pending, avgLatencyMs int64, w Weights) int {
	if priority > 100 {
		priority = 100
	}
	priorityScore := 100 - priority

	if pending > 100 {
		pending = 100
	}
	loadScore := 100 - int(pending)

	latencyBucket := avgLatencyMs / 10
	if latencyBucket > 100 {
		latencyBucket = 100
	}
	latencyScore := 100 - int(latencyBucket)

	score := (priorityScore*w.Priority + loadScore*w.Load + latencyScore*w.Latency) / 100
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// selectSmart picks the maximum-score candidate; ties keep the first in
// iteration order. A single candidate short-circuits to the
// "only_healthy_backend" route reason (spec.md §4.4 table).
func selectSmart(candidates []Candidate, w Weights) (Candidate, string) {
	if len(candidates) == 1 {
		return candidates[0], "only_healthy_backend"
	}

	bestIdx := 0
	bestScore := scoreBackend(candidates[0].Backend.Priority, candidates[0].Backend.PendingRequests, candidates[0].Backend.AvgLatencyMillis, w) + candidates[0].ScoreBias
	for i := 1; i < len(candidates); i++ {
		c := candidates[i]
		score := scoreBackend(c.Backend.Priority, c.Backend.PendingRequests, c.Backend.AvgLatencyMillis, w) + c.ScoreBias
		if score > bestScore {
			bestScore = score
			bestIdx = i
		}
	}
	chosen := candidates[bestIdx]
	return chosen, fmt.Sprintf("highest_score:%s:%d", chosen.Backend.Name, bestScore)
}

// selectRoundRobin picks index = fetch_add(counter, 1) mod len(candidates),
// Relaxed ordering (spec.md §4.4, §5).
func selectRoundRobin(candidates []Candidate, counter *atomic.Uint64) (Candidate, string) {
	n := counter.Add(1) - 1
	idx := int(n % uint64(len(candidates)))
	return candidates[idx], fmt.Sprintf("round_robin:index_%d", idx)
}

// selectPriorityOnly picks the minimum-priority candidate; ties keep the
// first in iteration order.
func selectPriorityOnly(candidates []Candidate) (Candidate, string) {
	bestIdx := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Backend.Priority < candidates[bestIdx].Backend.Priority {
			bestIdx = i
		}
	}
	chosen := candidates[bestIdx]
	return chosen, fmt.Sprintf("priority:%s:%d", chosen.Backend.Name, chosen.Backend.Priority)
}

// selectRandom is a time-hashed uniform pick over the candidate set
// (spec.md §4.4 table). math/rand/v2's package-level generator is
// goroutine-safe, so no additional locking is needed on this hot path.
func selectRandom(candidates []Candidate) (Candidate, string) {
	idx := rand.N(len(candidates))
	chosen := candidates[idx]
	return chosen, fmt.Sprintf("random:%s", chosen.Backend.Name)
}

// roundRobinCounters holds one atomic counter per model name, lazily
// created; each model's candidate set rotates independently.
type roundRobinCounters struct {
	mu       sync.Mutex
	counters map[string]*atomic.Uint64
}

func newRoundRobinCounters() *roundRobinCounters {
	return &roundRobinCounters{counters: make(map[string]*atomic.Uint64)}
}

func (c *roundRobinCounters) get(model string) *atomic.Uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[model]; ok {
		return ctr
	}
	ctr := &atomic.Uint64{}
	c.counters[model] = ctr
	return ctr
}
