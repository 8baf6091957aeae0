package api

import (
	"context"

	cache "github.com/krisalay/weather-cache"
)

/*
Cache defines the PUBLIC API of the weather cache.
This is a contract that guarantees certain behaviors, without exposing internals.
Sharding, freshness policies, quota management, durable projections and
fetching are hidden behind this interface.
*/
type Cache interface {

	/*
		Get retrieves the parsed JSON value of a resource.

		BEHAVIOR:
		-------------------
		1. If the entry exists, holds data and is younger than the type's MaxAge:
		   - Return the value immediately (cache hit)
		   - Schedule a background refresh if the type asks for one

		2. If the entry is missing, expired, metadata-only or forceRefresh is set:
		   - Fetch the resource with a cache-busted request
		   - Store it (metadata only if oversized)
		   - Return the fetched value (cache miss)

		3. If that fetch fails:
		   - Return the previous value if one exists, fresh or stale
		   - Otherwise return the network, http_status or parse error
	*/
	Get(ctx context.Context, resource, typ string, forceRefresh bool) (any, error)

	/*
		Preload warms the cache with the default type.
		Per-resource failures are logged, never returned.
	*/
	Preload(ctx context.Context, resources []string)

	/*
		Clear removes every entry and wipes the durable projection set.
	*/
	Clear(ctx context.Context)

	/*
		Stats returns entry counts, approximate memory usage and durable
		store usage.
	*/
	Stats(ctx context.Context) cache.Stats

	/*
		Close gracefully shuts down the cache.

		BEHAVIOR:
		---------
		- Stops the periodic sweep
		- Waits for background refreshes
		- Flushes any pending write-back projections
		- Closes the durable backend

		WHEN TO CALL:
		-------------
		- Application shutdown
		- Tests cleanup
	*/
	Close() error
}

var _ Cache = (*cache.Cache)(nil)
