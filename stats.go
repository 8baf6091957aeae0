package cache

import "context"

const mib = 1 << 20

// Stats is a point-in-time summary of the cache.
type Stats struct {
	// EntryCount counts every in-memory entry, metadata-only ones included.
	EntryCount int

	MetadataOnlyCount int

	// ByType counts entries per policy type.
	ByType map[string]int

	// ApproxMemoryUsageMB sums the payload sizes of entries holding data.
	ApproxMemoryUsageMB float64

	// RestoredCount counts projections from an earlier process whose keys
	// have not been fetched yet.
	RestoredCount int

	Durable DurableInfo
}

// DurableInfo describes the durable store. It is zero when the store cannot
// be measured.
type DurableInfo struct {
	AvailableMB float64
	UsedMB      float64
	Percentage  float64
}

// Stats collects the current statistics. Durable capacity may be probed.
func (c *Cache) Stats(ctx context.Context) Stats {
	st := Stats{ByType: map[string]int{}}

	for _, ent := range c.store.Entries() {
		st.EntryCount++
		st.ByType[ent.Type]++
		if ent.IsMetadataOnly {
			st.MetadataOnlyCount++
		}
	}
	st.ApproxMemoryUsageMB = float64(c.store.Bytes()) / mib

	c.mu.Lock()
	st.RestoredCount = len(c.previous)
	c.mu.Unlock()

	capacity, err := c.durable.Capacity(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "measure durable store", "err", err)
		return st
	}
	st.Durable = DurableInfo{
		AvailableMB: float64(capacity.AvailableBytes()) / mib,
		UsedMB:      float64(capacity.UsedBytes) / mib,
		Percentage:  capacity.Percentage(),
	}
	return st
}
