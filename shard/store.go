package shard

import (
	"sync/atomic"

	"github.com/krisalay/weather-cache/types"
)

/*
This file defines how entries are stored inside a shard.
- Reads happen on every Get and must not take locks
- Writes happen once per fetch and can afford a copy

To achieve this, we use a technique called: "Copy-On-Write" (COW)
*/

// ShardStore is the interface used by a shard to store and retrieve cache entries.
type ShardStore interface {
	Get(string) (*types.CacheEntry, bool)

	// Put inserts or replaces an entry.
	Put(string, *types.CacheEntry)

	Delete(string)

	// Snapshot returns the current immutable map. Callers must not modify it.
	Snapshot() map[string]*types.CacheEntry

	// Reset drops every entry.
	Reset()

	Size() int64

	// Bytes is the sum of SizeBytes over entries that hold data.
	Bytes() int64
}

/*
cowStore is a Copy-On-Write implementation of ShardStore.

- Readers always see an immutable snapshot
- Writers create a NEW copy of the map
- The new map replaces the old one atomically

Writers must be serialized by the owner (see Shard.Mu).
*/
type cowStore struct {
	data atomic.Value // map[string]*types.CacheEntry

	size  atomic.Int64
	bytes atomic.Int64
}

func NewCOWStore() *cowStore {
	s := &cowStore{}
	s.data.Store(make(map[string]*types.CacheEntry))
	return s
}

func (s *cowStore) load() map[string]*types.CacheEntry {
	return s.data.Load().(map[string]*types.CacheEntry)
}

func (s *cowStore) Get(key string) (*types.CacheEntry, bool) {
	ent, ok := s.load()[key]
	return ent, ok
}

// Put copies the map, adds or replaces the entry and swaps the copy in.
func (s *cowStore) Put(key string, ent *types.CacheEntry) {
	old := s.load()

	n := make(map[string]*types.CacheEntry, len(old)+1)
	for k, v := range old {
		n[k] = v
	}

	delta := dataBytes(ent)
	if prev, ok := old[key]; ok {
		delta -= dataBytes(prev)
	}
	n[key] = ent

	s.data.Store(n)
	s.size.Store(int64(len(n)))
	s.bytes.Add(delta)
}

func (s *cowStore) Delete(key string) {
	old := s.load()
	prev, ok := old[key]
	if !ok {
		return
	}

	n := make(map[string]*types.CacheEntry, len(old))
	for k, v := range old {
		if k != key {
			n[k] = v
		}
	}

	s.data.Store(n)
	s.size.Store(int64(len(n)))
	s.bytes.Add(-dataBytes(prev))
}

func (s *cowStore) Snapshot() map[string]*types.CacheEntry {
	return s.load()
}

func (s *cowStore) Reset() {
	s.data.Store(make(map[string]*types.CacheEntry))
	s.size.Store(0)
	s.bytes.Store(0)
}

func (s *cowStore) Size() int64 {
	return s.size.Load()
}

func (s *cowStore) Bytes() int64 {
	return s.bytes.Load()
}

// dataBytes is what an entry costs in memory accounting.
// Metadata-only entries cost nothing.
func dataBytes(ent *types.CacheEntry) int64 {
	if ent == nil || ent.IsMetadataOnly {
		return 0
	}
	return ent.SizeBytes
}
