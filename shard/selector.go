package shard

import "github.com/cespare/xxhash/v2"

/*
Selector decides which shard should handle a given key.
The store does not care HOW this decision is made. Different strategies can be plugged in.
*/
type Selector interface {
	Select(string, []*Shard) *Shard
}

// HashSelector places a key by its xxHash64 modulo the shard count.
type HashSelector struct{}

func (p *HashSelector) Select(key string, shards []*Shard) *Shard {
	return shards[xxhash.Sum64String(key)%uint64(len(shards))]
}
