package storage

import (
	"hash/fnv"
	"sync"
)

const numShards = 64

// shard is a single partition of the sharded map.
type shard struct {
	mu    sync.Mutex
	items map[string]*entry
}

// shardedMap is a concurrent map split into fixed shards to reduce lock
// contention on hot counter keys.
type shardedMap struct {
	shards [numShards]shard
}

func newShardedMap() *shardedMap {
	var m shardedMap
	for i := range m.shards {
		m.shards[i].items = make(map[string]*entry)
	}
	return &m
}

func (m *shardedMap) getShard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%numShards]
}

// deleteFunc iterates all shards and deletes entries for which fn returns true.
func (m *shardedMap) deleteFunc(fn func(key string, e *entry) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, e := range s.items {
			if fn(k, e) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

// rangeFunc visits every live entry until fn returns false.
func (m *shardedMap) rangeFunc(fn func(key string, e *entry) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, e := range s.items {
			if !fn(k, e) {
				s.mu.Unlock()
				return
			}
		}
		s.mu.Unlock()
	}
}
