package types

import "time"

// Priority ranks a policy type. It is recorded on every entry and projection
// but does not influence eviction order.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// CacheEntry is one record of the volatile store.
//
// Entries are replaced, never mutated, once they are visible in the store.
// A metadata-only entry has no Data and its SizeBytes is above the single
// entry threshold.
type CacheEntry struct {
	Key            string
	Data           any // nil when IsMetadataOnly
	Timestamp      time.Time
	Type           string
	Priority       Priority
	SizeBytes      int64
	IsMetadataOnly bool
	Fingerprint    string

	// Epoch is the fetch sequence number that produced this entry.
	// Only consulted when stale completions are discarded.
	Epoch uint64
}

// HasData reports whether the entry can serve a value, fresh or not.
func (e *CacheEntry) HasData() bool {
	return e != nil && !e.IsMetadataOnly
}

// Age returns how long ago the entry was fetched.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// Projection converts the entry to its durable form.
func (e *CacheEntry) Projection() Projection {
	return Projection{
		Key:         e.Key,
		Timestamp:   e.Timestamp,
		Type:        e.Type,
		Priority:    e.Priority,
		SizeBytes:   e.SizeBytes,
		Fingerprint: e.Fingerprint,
	}
}

// Projection is the metadata of an entry that may outlive the process.
// It never carries the payload.
type Projection struct {
	Key         string    `json:"key"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	Priority    Priority  `json:"priority"`
	SizeBytes   int64     `json:"sizeBytes"`
	Fingerprint string    `json:"fingerprint"`
}

// Payload is a successfully fetched and parsed response.
type Payload struct {
	// Value is the decoded JSON document.
	Value any

	// Raw is the compacted JSON text. Its length is the serialized size
	// and it is the fingerprint input.
	Raw []byte
}

// Size returns the serialized byte length of the payload.
func (p Payload) Size() int64 {
	return int64(len(p.Raw))
}
