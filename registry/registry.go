// Package registry is the authoritative in-memory table of known backends,
// their agents, models, and health (spec.md §4.2). All shared mutable state
// that the request path and the background discovery/lifecycle/fleet tasks
// touch lives here, guarded by sharded concurrent maps and per-field atomics
// rather than a single global lock.
package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-proxy/nexus/core"
)

var (
	// ErrDuplicate is returned by AddBackendWithAgent when the id already exists.
	ErrDuplicate = errors.New("backend already registered")
	// ErrNotFound is returned by operations addressing an unknown backend id.
	ErrNotFound = errors.New("backend not found")
)

// backendState is the live, mutable object behind a BackendRecord. Counters
// use atomics so the hot routing path never blocks on a lock; everything
// else is guarded by a per-backend RWMutex held only for a field swap, never
// across I/O.
type backendState struct {
	id          core.BackendId
	name        string
	url         string
	backendType core.BackendType
	privacyZone core.PrivacyZone
	source      core.DiscoverySource

	pending    atomic.Int64
	avgLatency atomic.Int64

	mu                   sync.RWMutex
	priority             int
	status               Status
	models               []core.Model
	currentOp            *LifecycleOperation
	lastSuccess          time.Time
	lastFailure          time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
}

func (s *backendState) snapshot() BackendRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	models := make([]core.Model, len(s.models))
	copy(models, s.models)

	var op *LifecycleOperation
	if s.currentOp != nil {
		o := *s.currentOp
		op = &o
	}

	return BackendRecord{
		ID:                   s.id,
		Name:                 s.name,
		URL:                  s.url,
		BackendType:          s.backendType,
		Status:               s.status,
		Models:               models,
		Priority:             s.priority,
		PendingRequests:      s.pending.Load(),
		AvgLatencyMillis:     s.avgLatency.Load(),
		CurrentOperation:     op,
		PrivacyZone:          s.privacyZone,
		DiscoverySource:      s.source,
		LastSuccessAt:        s.lastSuccess,
		LastFailureAt:        s.lastFailure,
		ConsecutiveFailures:  s.consecutiveFailures,
		ConsecutiveSuccesses: s.consecutiveSuccesses,
	}
}

// Registry is the dual-indexed store described by spec.md §4.2: one sharded
// map holds BackendRecord state, a second holds the Agent handle, and a
// third is the inverted model_id -> []BackendId index.
type Registry struct {
	states *shardedMap[*backendState]
	agents *shardedMap[Agent]
	index  *modelIndex
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		states: newShardedMap[*backendState](),
		agents: newShardedMap[Agent](),
		index:  newModelIndex(),
	}
}

// AddBackendWithAgent registers a backend and its agent atomically: both
// maps either end up containing the id or neither does, and every model the
// record carries gets an inverted-index entry (§4.2 invariant).
func (r *Registry) AddBackendWithAgent(rec BackendRecord, agent Agent) error {
	id := string(rec.ID)

	state := &backendState{
		id:          rec.ID,
		name:        rec.Name,
		url:         rec.URL,
		backendType: rec.BackendType,
		privacyZone: rec.PrivacyZone,
		source:      rec.DiscoverySource,
		priority:    rec.Priority,
		status:      rec.Status,
		models:      append([]core.Model(nil), rec.Models...),
	}
	state.pending.Store(rec.PendingRequests)
	state.avgLatency.Store(rec.AvgLatencyMillis)

	if !r.states.SetIfAbsent(id, state) {
		return ErrDuplicate
	}
	// The agent map must agree with the state map: if this id somehow
	// already carries an agent (shouldn't happen given SetIfAbsent above
	// succeeded), treat it the same as a duplicate and roll back.
	if !r.agents.SetIfAbsent(id, agent) {
		r.states.Delete(id)
		return ErrDuplicate
	}

	for _, m := range rec.Models {
		r.index.add(m.ID, id)
	}
	return nil
}

// RemoveBackend removes a backend from both maps and prunes the inverted
// index. The removed agent's only registry-held reference is dropped here;
// in-flight requests holding their own reference keep it alive until they
// finish (ordinary Go interface/GC semantics satisfy the "destroyed when
// the last holder releases it" requirement from §3).
func (r *Registry) RemoveBackend(id core.BackendId) error {
	key := string(id)
	state, ok := r.states.Get(key)
	if !ok {
		return ErrNotFound
	}

	state.mu.RLock()
	models := append([]core.Model(nil), state.models...)
	state.mu.RUnlock()

	r.states.Delete(key)
	r.agents.Delete(key)
	for _, m := range models {
		r.index.remove(m.ID, key)
	}
	return nil
}

// GetBackend returns a read-only snapshot of the named backend.
func (r *Registry) GetBackend(id core.BackendId) (BackendRecord, bool) {
	state, ok := r.states.Get(string(id))
	if !ok {
		return BackendRecord{}, false
	}
	return state.snapshot(), true
}

// GetAgent returns the Agent handle for id.
func (r *Registry) GetAgent(id core.BackendId) (Agent, bool) {
	return r.agents.Get(string(id))
}

// GetBackendsForModel returns snapshots of every backend currently hosting
// modelID, per the inverted index.
func (r *Registry) GetBackendsForModel(modelID string) []BackendRecord {
	ids := r.index.backendsFor(modelID)
	out := make([]BackendRecord, 0, len(ids))
	for _, id := range ids {
		if state, ok := r.states.Get(id); ok {
			out = append(out, state.snapshot())
		}
	}
	return out
}

// AllBackends returns a snapshot of every registered backend, used by the
// /v1/models aggregation endpoint and the fleet analyzer.
func (r *Registry) AllBackends() []BackendRecord {
	out := make([]BackendRecord, 0, r.states.Len())
	r.states.Range(func(_ string, s *backendState) bool {
		out = append(out, s.snapshot())
		return true
	})
	return out
}

// UpdateStatus atomically replaces a backend's status field.
func (r *Registry) UpdateStatus(id core.BackendId, status Status) error {
	state, ok := r.states.Get(string(id))
	if !ok {
		return ErrNotFound
	}
	state.mu.Lock()
	state.status = status
	state.mu.Unlock()
	return nil
}

// UpdateModels replaces a backend's model list wholesale and repairs the
// inverted index so no concurrent reader ever observes an orphan reference:
// new entries are added before old ones are removed, so the model index is
// always a superset of the truth, never missing a just-added model.
func (r *Registry) UpdateModels(id core.BackendId, models []core.Model) error {
	key := string(id)
	state, ok := r.states.Get(key)
	if !ok {
		return ErrNotFound
	}

	state.mu.Lock()
	old := state.models
	state.models = append([]core.Model(nil), models...)
	state.mu.Unlock()

	newSet := make(map[string]struct{}, len(models))
	for _, m := range models {
		newSet[m.ID] = struct{}{}
		r.index.add(m.ID, key)
	}
	for _, m := range old {
		if _, stillPresent := newSet[m.ID]; !stillPresent {
			r.index.remove(m.ID, key)
		}
	}
	return nil
}

// AddModelToBackend appends (or replaces) a single model entry, used by the
// lifecycle controller on Load completion.
func (r *Registry) AddModelToBackend(id core.BackendId, model core.Model) error {
	key := string(id)
	state, ok := r.states.Get(key)
	if !ok {
		return ErrNotFound
	}
	state.mu.Lock()
	found := false
	for i, m := range state.models {
		if m.ID == model.ID {
			state.models[i] = model
			found = true
			break
		}
	}
	if !found {
		state.models = append(state.models, model)
	}
	state.mu.Unlock()
	r.index.add(model.ID, key)
	return nil
}

// RemoveModelFromBackend drops one model entry, used by the lifecycle
// controller on Unload completion.
func (r *Registry) RemoveModelFromBackend(id core.BackendId, modelID string) error {
	key := string(id)
	state, ok := r.states.Get(key)
	if !ok {
		return ErrNotFound
	}
	state.mu.Lock()
	out := state.models[:0]
	for _, m := range state.models {
		if m.ID != modelID {
			out = append(out, m)
		}
	}
	state.models = out
	state.mu.Unlock()
	r.index.remove(modelID, key)
	return nil
}

// IncrementPending bumps the in-flight request counter, relaxed ordering.
func (r *Registry) IncrementPending(id core.BackendId) {
	if state, ok := r.states.Get(string(id)); ok {
		state.pending.Add(1)
	}
}

// DecrementPending decrements the in-flight counter, saturating at zero so
// an imbalanced decrement (e.g. from a double-release bug) can never drive
// it negative.
func (r *Registry) DecrementPending(id core.BackendId) {
	state, ok := r.states.Get(string(id))
	if !ok {
		return
	}
	for {
		cur := state.pending.Load()
		if cur <= 0 {
			return
		}
		if state.pending.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// emaAlpha is the exponential moving average smoothing factor for
// avg_latency_ms (spec.md §4.3: "α ≈ 0.3; exact value fixed at
// implementation").
const emaAlpha = 0.3

// RecordLatency folds one latency sample into the backend's EMA; the first
// sample seeds the average directly. It leaves the success/failure counters
// alone (RecordProbeOutcome maintains those).
func (r *Registry) RecordLatency(id core.BackendId, ms int64) {
	state, ok := r.states.Get(string(id))
	if !ok {
		return
	}
	for {
		cur := state.avgLatency.Load()
		var next int64
		if cur == 0 {
			next = ms
		} else {
			next = int64(emaAlpha*float64(ms) + (1-emaAlpha)*float64(cur))
		}
		if state.avgLatency.CompareAndSwap(cur, next) {
			return
		}
	}
}

// RecordProbeOutcome updates last_success_ts/last_failure_ts and the
// consecutive success/failure counters the discovery loop uses to drive
// Unknown/Healthy/Unhealthy transitions (§4.3).
func (r *Registry) RecordProbeOutcome(id core.BackendId, success bool, at time.Time) {
	state, ok := r.states.Get(string(id))
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if success {
		state.lastSuccess = at
		state.consecutiveFailures = 0
		state.consecutiveSuccesses++
	} else {
		state.lastFailure = at
		state.consecutiveSuccesses = 0
		state.consecutiveFailures++
	}
}

// UpdateOperation sets or clears the backend's current lifecycle operation.
// Only one InProgress operation per backend is permitted; callers (the
// lifecycle controller) are responsible for checking that invariant before
// calling UpdateOperation with a new InProgress op.
func (r *Registry) UpdateOperation(id core.BackendId, op *LifecycleOperation) error {
	state, ok := r.states.Get(string(id))
	if !ok {
		return ErrNotFound
	}
	state.mu.Lock()
	state.currentOp = op
	state.mu.Unlock()
	return nil
}

// CurrentOperation returns the backend's current lifecycle operation, if any.
func (r *Registry) CurrentOperation(id core.BackendId) (*LifecycleOperation, bool) {
	state, ok := r.states.Get(string(id))
	if !ok {
		return nil, false
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	if state.currentOp == nil {
		return nil, false
	}
	op := *state.currentOp
	return &op, true
}
