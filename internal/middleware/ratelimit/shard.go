package ratelimit

import (
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const numShards = 64

// shard is a single partition of the sharded map. Each partition is its own
// bounded LRU so a hot key in one shard can't starve capacity for keys that
// hash elsewhere; eviction order is least-recently-touched, per shard.
type shard[V any] struct {
	mu    sync.Mutex
	cache *lru.LRU[string, V]
}

// shardedMap is a concurrent, size-bounded map split into fixed shards to
// reduce lock contention and to cap per-dimension memory growth. capacity
// is the total number of keys to retain across
// all shards combined; each shard gets an even slice of it.
type shardedMap[V any] struct {
	shards [numShards]shard[V]
}

func newShardedMap[V any](capacity int) *shardedMap[V] {
	perShard := capacity / numShards
	if perShard < 1 {
		perShard = 1
	}
	var m shardedMap[V]
	for i := range m.shards {
		m.shards[i].cache = lru.NewLRU[string, V](perShard, nil, 0)
	}
	return &m
}

func (m *shardedMap[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%numShards]
}

// getOrCreate returns the value for key, creating it with init if absent.
// The shard lock is held during init; keep init cheap. Touching an existing
// key promotes it in that shard's LRU order.
func (m *shardedMap[V]) getOrCreate(key string, init func() V) V {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache.Get(key)
	if !ok {
		v = init()
		s.cache.Add(key, v)
	}
	return v
}

// get returns the value for key and whether it existed.
func (m *shardedMap[V]) get(key string) (V, bool) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(key)
}

// set stores a value for key, evicting the shard's least-recently-touched
// entry first if the shard is already at capacity.
func (m *shardedMap[V]) set(key string, v V) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, v)
}

// len returns the total number of keys resident across all shards. Used by
// tests to assert eviction actually bounds memory under load.
func (m *shardedMap[V]) len() int {
	total := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		total += s.cache.Len()
		s.mu.Unlock()
	}
	return total
}
