package registry

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// shardCount is the fan-out of the striped lock. 16 shards keep contention
// low for a few hundred backends without the memory overhead of one lock
// per key.
const shardCount = 16

// shardedMap is a generic, key-striped concurrent map. Reads and writes only
// ever hold one shard's lock, and never across I/O, satisfying §4.2's "no
// lock held across an await/I/O call" guarantee.
type shardedMap[V any] struct {
	shards [shardCount]*shard[V]
}

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

func newShardedMap[V any]() *shardedMap[V] {
	sm := &shardedMap[V]{}
	for i := range sm.shards {
		sm.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return sm
}

func (sm *shardedMap[V]) shardFor(key string) *shard[V] {
	h := xxhash.Sum64String(key)
	return sm.shards[h%uint64(shardCount)]
}

func (sm *shardedMap[V]) Get(key string) (V, bool) {
	s := sm.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (sm *shardedMap[V]) Set(key string, v V) {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = v
}

// SetIfAbsent returns false without modifying the map if key already exists.
func (sm *shardedMap[V]) SetIfAbsent(key string, v V) bool {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.m[key]; exists {
		return false
	}
	s.m[key] = v
	return true
}

func (sm *shardedMap[V]) Delete(key string) {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (sm *shardedMap[V]) Len() int {
	n := 0
	for _, s := range sm.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Range visits every entry. fn returning false stops iteration early. Range
// takes a read lock per shard, never the whole map at once.
func (sm *shardedMap[V]) Range(fn func(key string, v V) bool) {
	for _, s := range sm.shards {
		s.mu.RLock()
		for k, v := range s.m {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// modelIndex is the inverted model_id -> set-of-backend-ids index described
// in §3's invariants and §4.2. Each model gets its own shard-local set so
// add/remove never scans unrelated models.
type modelIndex struct {
	sm *shardedMap[map[string]struct{}]
}

func newModelIndex() *modelIndex {
	return &modelIndex{sm: newShardedMap[map[string]struct{}]()}
}

func (mi *modelIndex) add(modelID, backendID string) {
	s := mi.sm.shardFor(modelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.m[modelID]
	if !ok {
		set = make(map[string]struct{})
		s.m[modelID] = set
	}
	set[backendID] = struct{}{}
}

func (mi *modelIndex) remove(modelID, backendID string) {
	s := mi.sm.shardFor(modelID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.m[modelID]
	if !ok {
		return
	}
	delete(set, backendID)
	if len(set) == 0 {
		delete(s.m, modelID)
	}
}

func (mi *modelIndex) backendsFor(modelID string) []string {
	s := mi.sm.shardFor(modelID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.m[modelID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	// Stable ordering keeps candidate iteration deterministic across calls:
	// round-robin's rotation and the strategies' first-on-tie rule both
	// depend on it.
	sort.Strings(out)
	return out
}
