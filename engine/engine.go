package engine

import (
	"context"
	"time"

	"github.com/krisalay/weather-cache/expiration"
	"github.com/krisalay/weather-cache/fingerprint"
	"github.com/krisalay/weather-cache/policy"
	"github.com/krisalay/weather-cache/refresh"
	"github.com/krisalay/weather-cache/types"
	"github.com/krisalay/weather-cache/writepolicy"
)

/*
CacheEngine is the "brain" of the cache system.
It is responsible for the "behavior" of the cache, NOT storage.
This acts as the policy layer.

It decides:
- Whether an entry is fresh enough to serve
- Whether the sweep may drop an entry
- When refresh hooks are triggered
- How data is fetched on a miss
- How a payload becomes an entry (size class, fingerprint)
- How writes are propagated to durable storage

It does NOT:
- Store data
- Handle sharding
- Handle locking
- Decide eviction order
*/
type CacheEngine struct {

	// Policies maps entry types to their freshness rules.
	Policies *policy.Registry

	// Expiration decides whether an entry may still be served.
	Expiration expiration.Strategy

	// Retention decides whether the sweep may remove an entry.
	Retention expiration.Strategy

	// Refresh is called after serving a fresh entry whose policy asks for
	// background refresh. If nil, no refresh logic is executed.
	Refresh refresh.Hook

	// Fetcher is how the cache talks to the remote data source.
	Fetcher types.Fetcher

	// WritePolicy decides when projections reach durable storage.
	// If nil, entries stay only in memory.
	WritePolicy writepolicy.WritePolicy

	// Fingerprint summarizes payloads.
	Fingerprint fingerprint.Func

	// MaxEntryBytes is the largest payload kept in memory.
	MaxEntryBytes int64

	Metrics types.Metrics
	Clock   types.Clock
}

/*
NewCacheEngine creates a CacheEngine with the standard rules:
MaxAge for serving, twice MaxAge for the sweep, Rolling32 fingerprints.
*/
func NewCacheEngine(
	policies *policy.Registry,
	fetcher types.Fetcher,
	writePolicy writepolicy.WritePolicy,
	metrics types.Metrics,
	maxEntryBytes int64,
) *CacheEngine {

	// Ensure metrics is always non-nil
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if policies == nil {
		policies = policy.NewRegistry()
	}

	return &CacheEngine{
		Policies:      policies,
		Expiration:    expiration.MaxAge{},
		Retention:     expiration.DefaultRetention,
		Fetcher:       fetcher,
		WritePolicy:   writePolicy,
		Fingerprint:   fingerprint.Rolling32{},
		MaxEntryBytes: maxEntryBytes,
		Metrics:       metrics,
		Clock:         types.SystemClock{},
	}
}

/*
IsFresh checks whether an entry can be served without a fetch.

BEHAVIOR:
---------
- Metadata-only entries are never fresh
- Otherwise delegates to the Expiration strategy under the policy of the
  requested type, as registered at the time of the check
*/
func (e *CacheEngine) IsFresh(ent *types.CacheEntry, typ string) bool {
	if !ent.HasData() {
		return false
	}
	return !e.Expiration.IsExpired(ent.Timestamp, e.Policies.Lookup(typ), e.Clock.Now())
}

// IsSwept reports whether something of type typ stamped at ts is past retention.
func (e *CacheEngine) IsSwept(ts time.Time, typ string) bool {
	return e.Retention.IsExpired(ts, e.Policies.Lookup(typ), e.Clock.Now())
}

/*
OnRead is called every time the cache serves a fresh entry.
If the entry's policy asks for it, a background refresh is scheduled.
*/
func (e *CacheEngine) OnRead(req refresh.Request) {
	if e.Refresh == nil {
		return
	}
	if e.Policies.Lookup(req.Type).BackgroundRefresh {
		e.Refresh.OnRead(req)
	}
}

/*
Build turns a fetched payload into an entry.

A payload larger than MaxEntryBytes becomes a metadata-only entry: no data,
size and fingerprint recorded. The entry is stamped with the current time.
*/
func (e *CacheEngine) Build(key, typ string, p types.Payload) *types.CacheEntry {
	size := p.Size()
	ent := &types.CacheEntry{
		Key:         key,
		Timestamp:   e.Clock.Now(),
		Type:        typ,
		Priority:    e.Policies.Lookup(typ).Priority,
		SizeBytes:   size,
		Fingerprint: e.Fingerprint.Sum(p.Raw),
	}
	if size > e.MaxEntryBytes {
		ent.IsMetadataOnly = true
		return ent
	}
	ent.Data = p.Value
	return ent
}

/*
OnWrite is called after an entry has been stored in memory.
Only entries holding data get a durable projection.
*/
func (e *CacheEngine) OnWrite(ctx context.Context, ent *types.CacheEntry) {
	if e.WritePolicy == nil || !ent.HasData() {
		return
	}
	e.WritePolicy.OnWrite(ctx, ent.Projection())
}

// Flush waits for projections queued by OnWrite to reach durable storage.
func (e *CacheEngine) Flush() {
	if e.WritePolicy != nil {
		e.WritePolicy.Flush()
	}
}

// Load fetches url from the remote data source.
func (e *CacheEngine) Load(ctx context.Context, url string) (types.Payload, error) {
	return e.Fetcher.Fetch(ctx, url)
}
