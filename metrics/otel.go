// Package metrics reports cache events through OpenTelemetry.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/krisalay/weather-cache/types"
)

// ScopeName is the instrumentation scope of every instrument created here.
const ScopeName = "github.com/krisalay/weather-cache"

// OTel implements types.Metrics with one monotonic counter per event.
type OTel struct {
	hits        metric.Int64Counter
	misses      metric.Int64Counter
	evictions   metric.Int64Counter
	expirations metric.Int64Counter
	refreshes   metric.Int64Counter
	fallbacks   metric.Int64Counter
	oversized   metric.Int64Counter
}

var _ types.Metrics = (*OTel)(nil)

// NewOTel creates the counters on mp. A nil mp uses the global provider.
func NewOTel(mp metric.MeterProvider) (*OTel, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(ScopeName)

	m := &OTel{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.hits, "weathercache.hits", "Fresh entries served without network access."},
		{&m.misses, "weathercache.misses", "Requests that went to the network."},
		{&m.evictions, "weathercache.evictions", "Entries removed by quota management."},
		{&m.expirations, "weathercache.expirations", "Entries removed by the expiry sweep."},
		{&m.refreshes, "weathercache.refreshes", "Background refreshes scheduled."},
		{&m.fallbacks, "weathercache.fallbacks", "Failed fetches answered with a previous value."},
		{&m.oversized, "weathercache.oversized", "Payloads kept as metadata only."},
	}
	for _, c := range counters {
		ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{event}"))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
		*c.dst = ctr
	}
	return m, nil
}

func (m *OTel) Hit()       { m.hits.Add(context.Background(), 1) }
func (m *OTel) Miss()      { m.misses.Add(context.Background(), 1) }
func (m *OTel) Eviction()  { m.evictions.Add(context.Background(), 1) }
func (m *OTel) Expire()    { m.expirations.Add(context.Background(), 1) }
func (m *OTel) Refresh()   { m.refreshes.Add(context.Background(), 1) }
func (m *OTel) Fallback()  { m.fallbacks.Add(context.Background(), 1) }
func (m *OTel) Oversized() { m.oversized.Add(context.Background(), 1) }
