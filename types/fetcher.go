package types

import (
	"context"
	"time"
)

// Fetcher is the contract between the cache and the remote data source.
type Fetcher interface {

	/*
		Fetch is called on a cache miss, on an expired entry, on a forced refresh
		and by background refreshes.

		1. Cache resolves the resource to a URL
		2. Cache calls Fetch(url)
		3. Fetcher performs a real round trip (no intermediary caches)
		4. Cache classifies the payload by size and stores it
		5. Cache returns the value

		Failures must be *Error values of kind network, http_status or parse.
	*/
	Fetch(ctx context.Context, url string) (Payload, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) (Payload, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) (Payload, error) {
	return f(ctx, url)
}

// Clock supplies the current time. Tests replace it to simulate expiry.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
