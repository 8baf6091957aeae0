// Package quota keeps the volatile store and the durable tier within their
// byte budgets.
package quota

import (
	"github.com/krisalay/weather-cache/eviction"
	"github.com/krisalay/weather-cache/shard"
	"github.com/krisalay/weather-cache/types"
)

// Memory keeps the summed size of data-holding entries under Ceiling.
// Metadata-only entries count as zero bytes but are still eviction candidates.
type Memory struct {
	Ceiling int64
	Evictor eviction.Policy
}

func NewMemory(ceiling int64, p eviction.Policy) *Memory {
	if p == nil {
		p = eviction.OldestFirst{Fraction: eviction.DefaultFraction}
	}
	return &Memory{Ceiling: ceiling, Evictor: p}
}

/*
MakeRoom evicts entries from set until an entry of size bytes can be stored
under key without exceeding the ceiling.

BEHAVIOR:
---------
- The current entry under key does not count, since it is about to be replaced
- Each round removes what the eviction policy selects and checks again
- Stops when the entry fits or the set is empty
- Returns the evicted keys in eviction order

The caller must serialize MakeRoom with every other mutation of set.
*/
func (m *Memory) MakeRoom(set *shard.Set, key string, size int64) []string {
	var evicted []string
	for set.Len() > 0 {
		used := set.Bytes()
		if old, ok := set.Get(key); ok && old.HasData() {
			used -= old.SizeBytes
		}
		if used+size <= m.Ceiling {
			break
		}

		keys := m.Evictor.Select(Candidates(set.Entries()))
		if len(keys) == 0 {
			break
		}
		for _, k := range keys {
			set.Delete(k)
		}
		evicted = append(evicted, keys...)
	}
	return evicted
}

// Candidates converts entries to eviction candidates.
func Candidates(entries []*types.CacheEntry) []eviction.Candidate {
	out := make([]eviction.Candidate, len(entries))
	for i, ent := range entries {
		out[i] = eviction.Candidate{Key: ent.Key, Timestamp: ent.Timestamp}
	}
	return out
}
