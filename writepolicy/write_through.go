package writepolicy

import (
	"context"

	"github.com/krisalay/weather-cache/types"
)

/*
This file implements the "write-through" policy.

Whenever the cache stores an entry, the projection is written immediately.

So the flow is: memory write → durable write (synchronous)
*/

type WriteThroughPolicy struct {
	w Writer
}

func NewWriteThroughPolicy(w Writer) *WriteThroughPolicy {
	return &WriteThroughPolicy{w: w}
}

/*
OnWrite writes the projection before returning.
  - The caller waits for durable storage
  - Failures are handled by the Writer (logged, notified, skipped)
*/
func (p *WriteThroughPolicy) OnWrite(ctx context.Context, proj types.Projection) {
	p.w.Write(ctx, proj)
}

// Flush is a no-op: every write has finished when OnWrite returns.
func (p *WriteThroughPolicy) Flush() {}

// Close is a no-op: write-through has no background workers.
func (p *WriteThroughPolicy) Close() {}
