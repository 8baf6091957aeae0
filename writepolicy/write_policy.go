package writepolicy

import (
	"context"

	"github.com/krisalay/weather-cache/types"
)

/*
This file defines what a "write policy" is.

Every full entry the cache stores has a durable projection. The write
policy decides when that projection reaches durable storage:
- write-through: before Get returns (default)
- write-back: later, from a background queue
*/

// Writer persists one projection and reports whether it was written.
// quota.Durable is the production Writer.
type Writer interface {
	Write(ctx context.Context, proj types.Projection) bool
}

/*
WritePolicy is the contract that all write policies must follow.
The cache does not care which policy is used. It simply calls these methods.
*/
type WritePolicy interface {

	// OnWrite is called after a full entry has been stored in memory.
	OnWrite(ctx context.Context, proj types.Projection)

	// Flush returns once every projection passed to OnWrite before the
	// call has been written or skipped.
	Flush()

	// Close is called when the cache is shutting down.
	Close()
}
