package types

// This file defines how the cache reports what it is doing.

/*
Metrics is an interface that defines what the cache wants to measure.
Each method represents an event in the cache lifecycle. The cache will call these methods whenever something happens.
*/
type Metrics interface {

	// Hit is called when a fresh entry is served without network access.
	Hit()

	// Miss is called when the cache has to fetch (cold, expired, metadata-only or forced).
	Miss()

	// Eviction is called once per entry removed by a quota manager.
	Eviction()

	// Expire is called once per entry removed by the periodic sweep.
	Expire()

	// Refresh is called when a background refresh is scheduled.
	Refresh()

	// Fallback is called when a failed fetch is answered with a previous value.
	Fallback()

	// Oversized is called when a payload is stored as metadata only.
	Oversized()
}

/*
NoopMetrics is a "do nothing" implementation of Metrics.

Callers that do not care about metrics get a working cache without
nil checks on every event.
*/
type NoopMetrics struct{}

func (NoopMetrics) Hit()       {}
func (NoopMetrics) Miss()      {}
func (NoopMetrics) Eviction()  {}
func (NoopMetrics) Expire()    {}
func (NoopMetrics) Refresh()   {}
func (NoopMetrics) Fallback()  {}
func (NoopMetrics) Oversized() {}
