// Package cache is an adaptive client-side cache for remote JSON weather data.
//
// Values live in a sharded in-memory store; their freshness metadata is
// mirrored to a capacity-bounded durable store so it survives restarts.
// Freshness is decided per type by a policy registry.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/krisalay/weather-cache/durable"
	"github.com/krisalay/weather-cache/durable/memstore"
	"github.com/krisalay/weather-cache/engine"
	"github.com/krisalay/weather-cache/eviction"
	"github.com/krisalay/weather-cache/fetch"
	"github.com/krisalay/weather-cache/keys"
	"github.com/krisalay/weather-cache/notify"
	"github.com/krisalay/weather-cache/policy"
	"github.com/krisalay/weather-cache/quota"
	"github.com/krisalay/weather-cache/refresh"
	"github.com/krisalay/weather-cache/shard"
	"github.com/krisalay/weather-cache/types"
	"github.com/krisalay/weather-cache/writepolicy"
)

/*
Cache is the main cache implementation.
This struct is the orchestrator that connects:
- the volatile store (shards)
- the durable projection store
- freshness rules, fetching and refresh (engine)
- quota management
- metrics and events

Concurrency:
  - Reads of fresh entries take no lock
  - Every mutation of the volatile store and every memory quota decision
    runs under mu
  - Fetches and durable I/O run outside mu
  - Concurrent fetches of one key race and the last to finish wins, unless
    coalescing or stale discarding is enabled
*/
type Cache struct {
	opts options

	engine    *engine.CacheEngine
	resolver  keys.Resolver
	store     *shard.Set
	memory    *quota.Memory
	durable   *durable.Projections
	writer    *quota.Durable
	refresher *refresh.Background
	logger    *slog.Logger
	sink      notify.Sink

	mu sync.Mutex

	// previous holds projections written by an earlier process for keys
	// not fetched yet in this one. Guarded by mu.
	previous map[string]types.Projection

	// sf coalesces fetches of one key when enabled.
	sf singleflight.Group

	// epoch numbers fetches in start order.
	epoch atomic.Uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

/*
New builds a Cache and restores the durable projections left by a previous
process.

Restored projections never become servable entries: the payloads were not
persisted. They are kept to recognize unchanged payloads and are pruned by
the sweep like any other projection.

The periodic sweep starts immediately unless the sweep interval is zero.
*/
func New(ctx context.Context, opts ...Option) (*Cache, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		// the durable backend was handed over with the options
		if o.kv != nil {
			_ = o.kv.Close()
		}
		return nil, err
	}
	evictor, _ := eviction.NewEvictionPolicy(o.eviction)

	if o.registry == nil {
		o.registry = policy.NewRegistry()
	}
	if o.fetcher == nil {
		o.fetcher = fetch.New()
	}
	if o.kv == nil {
		o.kv = memstore.New(0)
	}

	c := &Cache{
		opts:     o,
		resolver: keys.Resolver{BaseURL: o.baseURL},
		store:    shard.NewSet(o.shards),
		memory:   quota.NewMemory(o.memoryCeiling, evictor),
		durable:  durable.NewProjections(o.kv, o.projOpts...),
		logger:   o.logger,
		sink:     o.sink,
		previous: make(map[string]types.Projection),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	c.writer = quota.NewDurable(c.durable,
		quota.WithThreshold(o.threshold),
		quota.WithEvictor(evictor),
		quota.WithMetrics(o.metrics),
		quota.WithSink(o.sink),
		quota.WithLogger(o.logger),
		quota.WithNow(o.clock.Now),
	)

	var wp writepolicy.WritePolicy = writepolicy.NewWriteThroughPolicy(c.writer)
	if o.writeBack > 0 {
		wp = writepolicy.NewWriteBackPolicy(c.writer, o.writeBack, o.logger)
	}

	c.engine = engine.NewCacheEngine(o.registry, o.fetcher, wp, o.metrics, o.maxEntryBytes)
	c.engine.Clock = o.clock
	c.engine.Fingerprint = o.fingerprint

	c.refresher = refresh.NewBackground(c.refresh,
		refresh.WithTimeout(o.refreshTimeout),
		refresh.WithLogger(o.logger),
		refresh.WithSink(o.sink),
		refresh.WithMetrics(o.metrics),
		refresh.WithNow(o.clock.Now),
	)
	c.engine.Refresh = c.refresher

	c.restore(ctx)

	if o.sweepInterval > 0 {
		go c.sweepLoop(o.sweepInterval)
	} else {
		close(c.done)
	}
	return c, nil
}

func (c *Cache) restore(ctx context.Context) {
	all, err := c.durable.All(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "restore durable projections", "err", err)
		return
	}
	for _, p := range all {
		c.previous[p.Key] = p
	}
	if len(all) > 0 {
		c.logger.InfoContext(ctx, "restored durable projections", "count", len(all))
	}
}

/*
Get returns the parsed JSON value of resource.

BEHAVIOR:
---------
1. Resolve the fetch URL and cache key; an empty or unknown typ uses the
   default policy
2. If forceRefresh is false and the entry holds data younger than the
   policy's MaxAge, return it without network access. If the policy asks
   for background refresh, schedule one; its failure is never returned
3. Otherwise fetch, store by size class and return the fetched value
4. If the fetch fails and an entry with data exists (fresh or stale),
   return that entry's data; otherwise return the fetch error

The error, if any, is a *types.Error of kind network, http_status or parse.
*/
func (c *Cache) Get(ctx context.Context, resource, typ string, forceRefresh bool) (any, error) {
	url, key := c.resolver.Resolve(resource)
	typ = c.engine.Policies.Resolve(typ)

	if !forceRefresh {
		if ent, ok := c.store.Get(key); ok && c.engine.IsFresh(ent, typ) {
			c.engine.Metrics.Hit()
			c.engine.OnRead(refresh.Request{URL: url, Key: key, Type: typ})
			return ent.Data, nil
		}
	}

	// Cache miss
	c.engine.Metrics.Miss()

	val, err := c.fetchAndStore(ctx, url, key, typ)
	if err == nil {
		return val, nil
	}

	if prev, ok := c.store.Get(key); ok && prev.HasData() {
		c.engine.Metrics.Fallback()
		c.logger.WarnContext(ctx, "fetch failed, serving previous value",
			"key", key, "type", typ, "age", c.opts.clock.Now().Sub(prev.Timestamp), "err", err)
		c.sink.Notify(ctx, notify.Event{Kind: notify.Fallback, Key: key, Type: typ, Err: err.Error(), At: c.opts.clock.Now()})
		return prev.Data, nil
	}
	return nil, err
}

// refresh is the background refresher.
func (c *Cache) refresh(ctx context.Context, req refresh.Request) error {
	_, err := c.fetchAndStore(ctx, req.URL, req.Key, req.Type)
	return err
}

/*
fetchAndStore performs one fetch and stores the result.

With coalescing on, callers that arrive while a fetch of the same key is
in flight share its result.
*/
func (c *Cache) fetchAndStore(ctx context.Context, url, key, typ string) (any, error) {
	do := func() (any, error) {
		epoch := c.epoch.Add(1)

		p, err := c.engine.Load(ctx, url)
		if err != nil {
			return nil, err
		}

		ent := c.engine.Build(key, typ, p)
		ent.Epoch = epoch
		c.put(ctx, ent)

		// oversized values are returned to the caller but not kept
		return p.Value, nil
	}

	if !c.opts.coalesce {
		return do()
	}
	val, err, _ := c.sf.Do(key, do)
	return val, err
}

// put stores ent, enforcing the memory ceiling first, then propagates it
// to durable storage.
func (c *Cache) put(ctx context.Context, ent *types.CacheEntry) {
	c.mu.Lock()

	if c.opts.discardStale {
		if cur, ok := c.store.Get(ent.Key); ok && cur.Epoch > ent.Epoch {
			c.mu.Unlock()
			c.logger.DebugContext(ctx, "discarding stale fetch result", "key", ent.Key, "epoch", ent.Epoch, "current", cur.Epoch)
			return
		}
	}

	var evicted []string
	if !ent.IsMetadataOnly {
		evicted = c.memory.MakeRoom(c.store, ent.Key, ent.SizeBytes)
	}
	c.store.Put(ent)

	prev, hadPrev := c.previous[ent.Key]
	delete(c.previous, ent.Key)

	c.mu.Unlock()

	now := c.opts.clock.Now()
	if len(evicted) > 0 {
		for range evicted {
			c.engine.Metrics.Eviction()
		}
		c.logger.InfoContext(ctx, "evicted entries to stay under memory ceiling",
			"count", len(evicted), "ceiling", c.opts.memoryCeiling)
		c.sink.Notify(ctx, notify.Event{Kind: notify.MemoryEvicted, Count: len(evicted), At: now})
	}

	if hadPrev && prev.Fingerprint == ent.Fingerprint {
		c.logger.InfoContext(ctx, "payload unchanged since last session", "key", ent.Key, "fingerprint", ent.Fingerprint)
	}

	if ent.IsMetadataOnly {
		c.engine.Metrics.Oversized()
		c.logger.WarnContext(ctx, "payload exceeds entry limit, keeping metadata only",
			"key", ent.Key, "size", ent.SizeBytes, "limit", c.opts.maxEntryBytes)
		c.sink.Notify(ctx, notify.Event{Kind: notify.Oversized, Key: ent.Key, Type: ent.Type, At: now})
		// a projection left by an earlier full entry no longer describes this key
		if err := c.durable.Remove(ctx, ent.Key); err != nil {
			c.logger.WarnContext(ctx, "remove projection", "key", ent.Key, "err", err)
		}
		return
	}

	c.engine.OnWrite(ctx, ent)
}

/*
Preload warms the cache with resources using the default type.

Fetches run concurrently up to the configured limit. Each failure is logged
and otherwise ignored; Preload returns once every resource has been tried.
*/
func (c *Cache) Preload(ctx context.Context, resources []string) {
	g, gctx := errgroup.WithContext(ctx)
	if c.opts.preloadConcurrency > 0 {
		g.SetLimit(c.opts.preloadConcurrency)
	}

	var failed atomic.Int64
	for _, r := range resources {
		g.Go(func() error {
			if _, err := c.Get(gctx, r, "", false); err != nil {
				failed.Add(1)
				c.logger.WarnContext(gctx, "preload failed", "resource", r, "err", err)
			}
			// never cancel the siblings
			return nil
		})
	}
	_ = g.Wait()

	c.logger.InfoContext(ctx, "preload finished", "resources", len(resources), "failed", failed.Load())
}

/*
Clear empties the volatile store and wipes the durable projection set.
Keys outside the projection namespace in a shared backend are untouched.
Clear must not be called after Close.
*/
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.store.Clear()
	clear(c.previous)
	c.mu.Unlock()

	// queued write-back projections would otherwise land after the wipe
	c.engine.Flush()

	if err := c.durable.Clear(ctx); err != nil {
		c.logger.WarnContext(ctx, "clear durable projections", "err", err)
	}
	c.logger.InfoContext(ctx, "cache cleared")
}

// Registry returns the policy registry. Changes apply to later checks.
func (c *Cache) Registry() *policy.Registry {
	return c.engine.Policies
}

// WaitRefreshes blocks until every scheduled background refresh has finished.
func (c *Cache) WaitRefreshes() {
	c.refresher.Wait()
}

/*
Close gracefully shuts down the cache.

BEHAVIOR:
---------
1. Stop the periodic sweep
2. Stop scheduling refreshes and wait for the running ones
3. Flush pending write-back projections
4. Close the durable backend

Get must not be called after Close. Calling Close again is a no-op.
*/
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		select {
		case <-c.done:
		default:
			close(c.stop)
			<-c.done
		}
		c.refresher.Close()
		if c.engine.WritePolicy != nil {
			c.engine.WritePolicy.Close()
		}
		c.closeErr = c.durable.Close()
	})
	return c.closeErr
}

func (c *Cache) sweepLoop(every time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Sweep(context.Background())
		}
	}
}
