// Package notify delivers cache lifecycle events to interested parties.
package notify

import (
	"context"
	"time"
)

type Kind string

const (
	// RefreshFailed: a background refresh could not fetch. The cached value stays.
	RefreshFailed Kind = "refresh_failed"

	// Fallback: a fetch failed and a previous value was served instead.
	Fallback Kind = "fallback"

	// Oversized: a payload exceeded the entry limit and was kept as metadata only.
	Oversized Kind = "oversized"

	// MemoryEvicted: entries were dropped to stay under the memory ceiling.
	MemoryEvicted Kind = "memory_evicted"

	// DurableEvicted: projections were dropped to make room in durable storage.
	DurableEvicted Kind = "durable_evicted"

	// DurableSkipped: a projection could not be written and was skipped.
	DurableSkipped Kind = "durable_skipped"

	// Expired: the sweep removed entries.
	Expired Kind = "expired"
)

type Event struct {
	Kind  Kind      `json:"kind"`
	Key   string    `json:"key,omitempty"`
	Type  string    `json:"type,omitempty"`
	Count int       `json:"count,omitempty"`
	Err   string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Sink receives events. Notify must not block the caller for long.
type Sink interface {
	Notify(ctx context.Context, ev Event)
}

type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})
