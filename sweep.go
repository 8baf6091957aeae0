package cache

import (
	"context"

	"github.com/krisalay/weather-cache/notify"
)

/*
Sweep runs one expiry pass and returns the number of in-memory entries removed.

BEHAVIOR:
---------
1. Remove every entry older than its retention (twice its policy's MaxAge)
2. Forget projections from an earlier process past their retention
3. Remove the durable projections of swept keys and every durable
   projection past its retention

Sweeping never changes whether an entry is served: that check uses MaxAge.
*/
func (c *Cache) Sweep(ctx context.Context) int {
	c.mu.Lock()
	var swept []string
	for _, ent := range c.store.Entries() {
		if c.engine.IsSwept(ent.Timestamp, ent.Type) {
			c.store.Delete(ent.Key)
			swept = append(swept, ent.Key)
		}
	}
	for key, p := range c.previous {
		if c.engine.IsSwept(p.Timestamp, p.Type) {
			delete(c.previous, key)
		}
	}
	c.mu.Unlock()

	for range swept {
		c.engine.Metrics.Expire()
	}
	if len(swept) > 0 {
		c.logger.InfoContext(ctx, "swept expired entries", "count", len(swept))
		c.sink.Notify(ctx, notify.Event{Kind: notify.Expired, Count: len(swept), At: c.opts.clock.Now()})
	}

	if len(swept) > 0 {
		// a queued projection of a swept key must not outlive the removal
		c.engine.Flush()
	}
	c.reconcile(ctx, swept)
	return len(swept)
}

// reconcile brings the durable projection set in line with the sweep.
func (c *Cache) reconcile(ctx context.Context, swept []string) {
	removed := make(map[string]bool, len(swept))
	for _, key := range swept {
		if err := c.durable.Remove(ctx, key); err != nil {
			c.logger.WarnContext(ctx, "remove swept projection", "key", key, "err", err)
			return
		}
		removed[key] = true
	}

	all, err := c.durable.All(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "list projections for sweep", "err", err)
		return
	}
	for _, p := range all {
		if removed[p.Key] || !c.engine.IsSwept(p.Timestamp, p.Type) {
			continue
		}
		if err := c.durable.Remove(ctx, p.Key); err != nil {
			c.logger.WarnContext(ctx, "remove expired projection", "key", p.Key, "err", err)
			return
		}
	}
}
