package quota

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/krisalay/weather-cache/durable"
	"github.com/krisalay/weather-cache/eviction"
	"github.com/krisalay/weather-cache/notify"
	"github.com/krisalay/weather-cache/types"
)

// DefaultThreshold is the share of durable capacity a write may fill before
// projections are evicted to make room.
const DefaultThreshold = 0.8

// Durable writes projections while keeping the durable tier below its
// threshold. Writes are serialized so capacity checks see settled usage.
type Durable struct {
	store     *durable.Projections
	evictor   eviction.Policy
	threshold float64
	metrics   types.Metrics
	sink      notify.Sink
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

type DurableOption func(*Durable)

func WithThreshold(f float64) DurableOption {
	return func(d *Durable) {
		if f > 0 && f <= 1 {
			d.threshold = f
		}
	}
}

func WithEvictor(p eviction.Policy) DurableOption {
	return func(d *Durable) {
		if p != nil {
			d.evictor = p
		}
	}
}

func WithMetrics(m types.Metrics) DurableOption {
	return func(d *Durable) {
		if m != nil {
			d.metrics = m
		}
	}
}

func WithSink(s notify.Sink) DurableOption {
	return func(d *Durable) {
		if s != nil {
			d.sink = s
		}
	}
}

func WithLogger(l *slog.Logger) DurableOption {
	return func(d *Durable) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithNow sets the clock used to stamp events.
func WithNow(now func() time.Time) DurableOption {
	return func(d *Durable) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDurable(store *durable.Projections, opts ...DurableOption) *Durable {
	d := &Durable{
		store:     store,
		evictor:   eviction.OldestFirst{Fraction: eviction.DefaultFraction},
		threshold: DefaultThreshold,
		metrics:   types.NoopMetrics{},
		sink:      notify.Discard,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

/*
Write persists proj.

BEHAVIOR:
---------
1. If used + record size would pass threshold × capacity, evict a round of
   the oldest projections first
2. Write the record
3. If the backend reports its quota exceeded, evict another round and
   retry once
4. If the write still fails, or storage is unavailable, log and notify,
   then skip the write

Returns whether the record was written.
*/
func (d *Durable) Write(ctx context.Context, proj types.Projection) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	size, err := d.store.RecordSize(proj)
	if err != nil {
		d.skip(ctx, proj, err)
		return false
	}

	capacity, err := d.store.Capacity(ctx)
	if err != nil {
		d.skip(ctx, proj, err)
		return false
	}
	if float64(capacity.UsedBytes+size) > d.threshold*float64(capacity.TotalBytes) {
		d.evictRound(ctx)
	}

	err = d.store.Save(ctx, proj)
	if errors.Is(err, types.ErrQuotaExceeded) {
		d.logger.WarnContext(ctx, "durable quota exceeded, evicting and retrying", "key", proj.Key)
		// the measured capacity was too optimistic
		d.store.Reprobe()
		d.evictRound(ctx)
		err = d.store.Save(ctx, proj)
	}
	if err != nil {
		d.skip(ctx, proj, err)
		return false
	}
	return true
}

func (d *Durable) evictRound(ctx context.Context) int {
	all, err := d.store.All(ctx)
	if err != nil {
		d.logger.WarnContext(ctx, "list projections for eviction", "err", err)
		return 0
	}

	cands := make([]eviction.Candidate, len(all))
	for i, p := range all {
		cands[i] = eviction.Candidate{Key: p.Key, Timestamp: p.Timestamp}
	}

	removed := 0
	for _, key := range d.evictor.Select(cands) {
		if err := d.store.Remove(ctx, key); err != nil {
			d.logger.WarnContext(ctx, "evict projection", "key", key, "err", err)
			continue
		}
		d.metrics.Eviction()
		removed++
	}

	if removed > 0 {
		d.logger.InfoContext(ctx, "evicted durable projections", "count", removed)
		d.sink.Notify(ctx, notify.Event{Kind: notify.DurableEvicted, Count: removed, At: d.now()})
	}
	return removed
}

func (d *Durable) skip(ctx context.Context, proj types.Projection, err error) {
	d.logger.WarnContext(ctx, "skipping durable write", "key", proj.Key, "type", proj.Type, "err", err)
	d.sink.Notify(ctx, notify.Event{
		Kind: notify.DurableSkipped,
		Key:  proj.Key,
		Type: proj.Type,
		Err:  err.Error(),
		At:   d.now(),
	})
}
