package shard

import (
	"sync"

	"github.com/krisalay/weather-cache/types"
)

/*
A Shard is a small, independent piece of the volatile store. Each shard:
- Holds some portion of the entries
- Has its own lock for writes

Reads never lock. Eviction is not per shard: the quota manager ranks the
whole population by timestamp, so a Set exposes every shard's entries.
*/
type Shard struct {
	// Store holds the key → entry data for this shard.
	Store ShardStore

	// Mu serializes writes on this shard.
	Mu sync.Mutex
}

func NewShard() *Shard {
	return &Shard{Store: NewCOWStore()}
}

// Set is the volatile store: a fixed number of shards addressed by key.
type Set struct {
	shards   []*Shard
	selector Selector
}

// NewSet creates a Set with n shards (at least one).
func NewSet(n int) *Set {
	if n < 1 {
		n = 1
	}
	s := make([]*Shard, n)
	for i := range s {
		s[i] = NewShard()
	}
	return &Set{shards: s, selector: &HashSelector{}}
}

func (s *Set) shardFor(key string) *Shard {
	return s.selector.Select(key, s.shards)
}

// Get returns the entry stored under key.
func (s *Set) Get(key string) (*types.CacheEntry, bool) {
	return s.shardFor(key).Store.Get(key)
}

// Put inserts or replaces the entry under ent.Key.
func (s *Set) Put(ent *types.CacheEntry) {
	sh := s.shardFor(ent.Key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()
	sh.Store.Put(ent.Key, ent)
}

// Delete removes key. Removing a missing key is a no-op.
func (s *Set) Delete(key string) {
	sh := s.shardFor(key)
	sh.Mu.Lock()
	defer sh.Mu.Unlock()
	sh.Store.Delete(key)
}

// Clear removes every entry.
func (s *Set) Clear() {
	for _, sh := range s.shards {
		sh.Mu.Lock()
		sh.Store.Reset()
		sh.Mu.Unlock()
	}
}

// Entries returns every entry across all shards, in no particular order.
func (s *Set) Entries() []*types.CacheEntry {
	out := make([]*types.CacheEntry, 0, s.Len())
	for _, sh := range s.shards {
		for _, ent := range sh.Store.Snapshot() {
			out = append(out, ent)
		}
	}
	return out
}

// Len returns the entry count, metadata-only entries included.
func (s *Set) Len() int {
	var n int64
	for _, sh := range s.shards {
		n += sh.Store.Size()
	}
	return int(n)
}

// Bytes returns the summed size of entries that hold data.
func (s *Set) Bytes() int64 {
	var n int64
	for _, sh := range s.shards {
		n += sh.Store.Bytes()
	}
	return n
}
