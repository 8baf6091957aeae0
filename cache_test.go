package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisalay/weather-cache/durable"
	"github.com/krisalay/weather-cache/durable/boltstore"
	"github.com/krisalay/weather-cache/durable/memstore"
	"github.com/krisalay/weather-cache/eviction"
	"github.com/krisalay/weather-cache/fetch"
	"github.com/krisalay/weather-cache/notify"
	"github.com/krisalay/weather-cache/policy"
	"github.com/krisalay/weather-cache/types"
)

//
// ================= TEST COLLABORATORS =================
//

const base = "http://weather.test"

var t0 = time.Date(2026, 6, 1, 6, 0, 0, 0, time.UTC)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *manualClock { return &manualClock{now: t0} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// source is a scripted remote. respond gets the 1-based call number per URL.
type source struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(url string, n int) (types.Payload, error)
}

func newSource(respond func(url string, n int) (types.Payload, error)) *source {
	return &source{calls: map[string]int{}, respond: respond}
}

func (s *source) Fetch(_ context.Context, url string) (types.Payload, error) {
	s.mu.Lock()
	s.calls[url]++
	n := s.calls[url]
	s.mu.Unlock()
	return s.respond(url, n)
}

func (s *source) count(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

func (s *source) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func payload(t testing.TB, v any) types.Payload {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var decoded any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return types.Payload{Value: decoded, Raw: raw}
}

// sized returns a JSON string payload of exactly n bytes.
func sized(n int) types.Payload {
	s := strings.Repeat("x", n-2)
	return types.Payload{Value: s, Raw: []byte(`"` + s + `"`)}
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Kind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

type countingMetrics struct {
	hits, misses, evictions, expirations, refreshes, fallbacks, oversized atomic.Int64
}

func (m *countingMetrics) Hit()       { m.hits.Add(1) }
func (m *countingMetrics) Miss()      { m.misses.Add(1) }
func (m *countingMetrics) Eviction()  { m.evictions.Add(1) }
func (m *countingMetrics) Expire()    { m.expirations.Add(1) }
func (m *countingMetrics) Refresh()   { m.refreshes.Add(1) }
func (m *countingMetrics) Fallback()  { m.fallbacks.Add(1) }
func (m *countingMetrics) Oversized() { m.oversized.Add(1) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

//
// ================= HELPER: CREATE CACHE =================
//

func newTestCache(t *testing.T, src types.Fetcher, clk types.Clock, opts ...Option) *Cache {
	t.Helper()
	all := append([]Option{
		WithBaseURL(base),
		WithFetcher(src),
		WithClock(clk),
		WithLogger(quietLogger()),
		WithSweepInterval(0),
	}, opts...)

	c, err := New(context.Background(), all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func temp(v float64) func(string, int) (types.Payload, error) {
	return func(string, int) (types.Payload, error) {
		return types.Payload{Value: map[string]any{"temp": v}, Raw: []byte(fmt.Sprintf(`{"temp":%v}`, v))}, nil
	}
}

// staticOnly is a registry whose default type never refreshes in the background.
func staticOnly(t testing.TB) *policy.Registry {
	t.Helper()
	reg := policy.NewRegistry()
	require.NoError(t, reg.SetDefault(policy.TypeStatic))
	return reg
}

//
// ================= BASIC BEHAVIOR =================
//

func TestColdCacheFetchesOnce(t *testing.T) {
	src := newSource(temp(30))
	c := newTestCache(t, src, newClock())

	v, err := c.Get(context.Background(), "/api/weather/city", "weather", false)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"temp": 30.0}, v)
	assert.Equal(t, 1, src.count(base+"/api/weather/city"))
}

func TestHitWithinMaxAgeDoesNotFetch(t *testing.T) {
	src := newSource(func(_ string, n int) (types.Payload, error) {
		return payload(t, map[string]any{"call": n}), nil
	})
	clk := newClock()
	c := newTestCache(t, src, clk)
	ctx := context.Background()

	first, err := c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	second, err := c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)

	// the hit is answered from memory; the refresh it schedules never
	// changes what either caller received
	assert.Equal(t, first, second)
	assert.Equal(t, map[string]any{"call": 1.0}, second)

	c.WaitRefreshes()
	assert.LessOrEqual(t, src.total(), 2)
}

func TestBackgroundRefreshReplacesEntry(t *testing.T) {
	src := newSource(func(_ string, n int) (types.Payload, error) {
		return payload(t, map[string]any{"call": n}), nil
	})
	clk := newClock()
	c := newTestCache(t, src, clk)
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	v, err := c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"call": 1.0}, v)

	c.WaitRefreshes()
	require.Equal(t, 2, src.total())

	ent, ok := c.store.Get(base + "/api/weather/city")
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Minute), ent.Timestamp)

	v, err = c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"call": 2.0}, v)
}

func TestHitWithoutBackgroundRefresh(t *testing.T) {
	src := newSource(temp(12))
	c := newTestCache(t, src, newClock(), WithPolicies(staticOnly(t)))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Get(ctx, "/api/ports/metadata", "", false)
		require.NoError(t, err)
	}
	c.WaitRefreshes()
	assert.Equal(t, 1, src.total())
}

func TestExpiryRefetches(t *testing.T) {
	src := newSource(temp(30))
	clk := newClock()
	c := newTestCache(t, src, clk, WithPolicies(staticOnly(t)))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/ports/metadata", "", false)
	require.NoError(t, err)

	clk.Advance(24*time.Hour - time.Millisecond)
	_, err = c.Get(ctx, "/api/ports/metadata", "", false)
	require.NoError(t, err)
	assert.Equal(t, 1, src.total())

	// age == MaxAge is already stale
	clk.Advance(time.Millisecond)
	_, err = c.Get(ctx, "/api/ports/metadata", "", false)
	require.NoError(t, err)
	assert.Equal(t, 2, src.total())
}

func TestForceRefreshBypassesFreshEntry(t *testing.T) {
	src := newSource(func(_ string, n int) (types.Payload, error) {
		return payload(t, n), nil
	})
	c := newTestCache(t, src, newClock(), WithPolicies(staticOnly(t)))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/weather/summary", "", false)
	require.NoError(t, err)
	v, err := c.Get(ctx, "/api/weather/summary", "", true)
	require.NoError(t, err)

	assert.Equal(t, 2.0, v)
	v, err = c.Get(ctx, "/api/weather/summary", "", false)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)
}

func TestQueryVariantsShareOneKey(t *testing.T) {
	src := newSource(temp(1))
	c := newTestCache(t, src, newClock(), WithPolicies(staticOnly(t)))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/weather/city?_t=1", "", false)
	require.NoError(t, err)
	_, err = c.Get(ctx, base+"/api/weather/city?_t=2", "", false)
	require.NoError(t, err)

	assert.Equal(t, 1, src.total())
	assert.Equal(t, 1, c.Stats(ctx).EntryCount)
}

func TestUnknownTypeUsesDefaultPolicy(t *testing.T) {
	src := newSource(temp(1))
	clk := newClock()
	c := newTestCache(t, src, clk, WithPolicies(staticOnly(t)))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/x", "no-such-type", false)
	require.NoError(t, err)

	// the static default keeps it fresh for a day
	clk.Advance(23 * time.Hour)
	_, err = c.Get(ctx, "/api/x", "no-such-type", false)
	require.NoError(t, err)

	assert.Equal(t, 1, src.total())
	assert.Equal(t, map[string]int{policy.TypeStatic: 1}, c.Stats(ctx).ByType)
}

func TestRegistryChangesApplyToLaterChecks(t *testing.T) {
	src := newSource(temp(1))
	clk := newClock()
	c := newTestCache(t, src, clk, WithPolicies(staticOnly(t)))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/x", "", false)
	require.NoError(t, err)

	require.NoError(t, c.Registry().Set(policy.TypeStatic, policy.Policy{MaxAge: time.Minute, Priority: types.PriorityLow}))
	clk.Advance(2 * time.Minute)

	_, err = c.Get(ctx, "/api/x", "", false)
	require.NoError(t, err)
	assert.Equal(t, 2, src.total())
}

//
// ================= FAILURES =================
//

func TestFallbackOnFailure(t *testing.T) {
	src := newSource(func(url string, n int) (types.Payload, error) {
		if n == 1 {
			return payload(t, map[string]any{"temp": 28}), nil
		}
		return types.Payload{}, types.NetworkError(url, errors.New("connection refused"))
	})
	clk := newClock()
	rec := &recorder{}
	m := &countingMetrics{}
	c := newTestCache(t, src, clk, WithSink(rec), WithMetrics(m))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/weather/grid", "", false)
	require.NoError(t, err)

	// stale
	clk.Advance(2 * time.Hour)
	v, err := c.Get(ctx, "/api/weather/grid", "", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": 28.0}, v)

	// forced while fresh data exists
	v, err = c.Get(ctx, "/api/weather/grid", "", true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": 28.0}, v)

	assert.Equal(t, int64(2), m.fallbacks.Load())
	assert.Equal(t, []notify.Kind{notify.Fallback, notify.Fallback}, rec.kinds())
}

func TestNoFallbackReturnsTypedError(t *testing.T) {
	tests := []struct {
		name string
		err  func(url string) error
		want error
	}{
		{"network", func(u string) error { return types.NetworkError(u, errors.New("dial")) }, types.ErrNetwork},
		{"status", func(u string) error { return types.HTTPStatusError(u, http.StatusServiceUnavailable) }, types.ErrHTTPStatus},
		{"parse", func(u string) error { return types.ParseError(u, errors.New("eof")) }, types.ErrParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSource(func(url string, _ int) (types.Payload, error) {
				return types.Payload{}, tt.err(url)
			})
			c := newTestCache(t, src, newClock())

			v, err := c.Get(context.Background(), "/api/weather/port", "", false)
			assert.Nil(t, v)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			assert.True(t, types.IsFetchError(err))
		})
	}
}

func TestMetadataOnlyEntryGivesNoFallback(t *testing.T) {
	src := newSource(func(url string, n int) (types.Payload, error) {
		if n == 1 {
			return sized(200), nil
		}
		return types.Payload{}, types.HTTPStatusError(url, http.StatusBadGateway)
	})
	c := newTestCache(t, src, newClock(), WithMaxEntryBytes(100), WithMemoryCeiling(1000))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/weather/grid", "", false)
	require.NoError(t, err)

	_, err = c.Get(ctx, "/api/weather/grid", "", false)
	assert.True(t, errors.Is(err, types.ErrHTTPStatus))
}

func TestBackgroundRefreshFailureIsNotSurfaced(t *testing.T) {
	src := newSource(func(url string, n int) (types.Payload, error) {
		if n == 1 {
			return payload(t, "v1"), nil
		}
		return types.Payload{}, types.NetworkError(url, errors.New("offline"))
	})
	clk := newClock()
	rec := &recorder{}
	c := newTestCache(t, src, clk, WithSink(rec))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	v, err := c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	c.WaitRefreshes()
	assert.Equal(t, []notify.Kind{notify.RefreshFailed}, rec.kinds())

	// the failed refresh left the entry as it was
	v, err = c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

//
// ================= SIZE AND QUOTA =================
//

func TestOversizedPayloadIsNeverAHit(t *testing.T) {
	src := newSource(func(string, int) (types.Payload, error) { return sized(150), nil })
	rec := &recorder{}
	m := &countingMetrics{}
	c := newTestCache(t, src, newClock(),
		WithMaxEntryBytes(100), WithMemoryCeiling(1000), WithSink(rec), WithMetrics(m))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := c.Get(ctx, "/api/weather/grid", "", false)
		require.NoError(t, err)
		assert.Len(t, v, 148)
	}
	assert.Equal(t, 3, src.total())
	assert.Equal(t, int64(0), m.hits.Load())
	assert.Equal(t, int64(3), m.oversized.Load())

	st := c.Stats(ctx)
	assert.Equal(t, 1, st.EntryCount)
	assert.Equal(t, 1, st.MetadataOnlyCount)
	assert.Equal(t, 0.0, st.ApproxMemoryUsageMB)

	ent, ok := c.store.Get(base + "/api/weather/grid")
	require.True(t, ok)
	assert.True(t, ent.IsMetadataOnly)
	assert.Nil(t, ent.Data)
	assert.Equal(t, int64(150), ent.SizeBytes)
	assert.NotEmpty(t, ent.Fingerprint)

	// metadata-only entries are never projected
	all, err := c.durable.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryCeilingEvictsOldestQuarter(t *testing.T) {
	src := newSource(func(string, int) (types.Payload, error) { return sized(100), nil })
	clk := newClock()
	rec := &recorder{}
	c := newTestCache(t, src, clk,
		WithPolicies(staticOnly(t)), WithMaxEntryBytes(100), WithMemoryCeiling(800), WithSink(rec))
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := c.Get(ctx, fmt.Sprintf("/api/r%d", i), "", false)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	assert.Equal(t, 8, c.store.Len())
	assert.Empty(t, rec.kinds())

	_, err := c.Get(ctx, "/api/r8", "", false)
	require.NoError(t, err)

	// ceil(8 / 4) = 2 oldest entries make room for the ninth
	assert.Equal(t, 7, c.store.Len())
	assert.LessOrEqual(t, c.store.Bytes(), int64(800))
	for _, gone := range []string{"/api/r0", "/api/r1"} {
		_, ok := c.store.Get(base + gone)
		assert.False(t, ok, gone)
	}
	oldestKept := t0.Add(2 * time.Second)
	for _, ent := range c.store.Entries() {
		assert.False(t, ent.Timestamp.Before(oldestKept), ent.Key)
	}
	assert.Equal(t, []notify.Kind{notify.MemoryEvicted}, rec.kinds())
}

func TestReplacingAnEntryDoesNotEvict(t *testing.T) {
	src := newSource(func(string, int) (types.Payload, error) { return sized(100), nil })
	c := newTestCache(t, src, newClock(),
		WithPolicies(staticOnly(t)), WithMaxEntryBytes(100), WithMemoryCeiling(200))
	ctx := context.Background()

	for _, r := range []string{"/a", "/b", "/b", "/b"} {
		_, err := c.Get(ctx, r, "", true)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.store.Len())
}

func TestDurableQuotaIsNeverSurfaced(t *testing.T) {
	src := newSource(func(string, int) (types.Payload, error) { return sized(50), nil })
	kv := memstore.New(1 << 10)
	c := newTestCache(t, src, newClock(), WithPolicies(staticOnly(t)),
		WithDurable(kv, durable.WithProbe(durable.ProbeConfig{Start: 64, Limit: 1 << 20})))
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := c.Get(ctx, fmt.Sprintf("/api/weather/port/%02d", i), "", false)
		require.NoError(t, err)
	}

	assert.Equal(t, 50, c.store.Len())
	assert.LessOrEqual(t, kv.Used(), int64(1<<10))

	all, err := c.durable.All(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, all)
	assert.Less(t, len(all), 50)
}

//
// ================= SWEEP, CLEAR, STATS =================
//

func TestSweepRemovesEntriesPastTwiceMaxAge(t *testing.T) {
	src := newSource(temp(1))
	clk := newClock()
	m := &countingMetrics{}
	c := newTestCache(t, src, clk, WithMetrics(m))
	ctx := context.Background()

	_, err := c.Get(ctx, "/old", policy.TypeWeather, false)
	require.NoError(t, err)
	clk.Advance(40 * time.Minute)
	_, err = c.Get(ctx, "/young", policy.TypeWeather, false)
	require.NoError(t, err)
	c.WaitRefreshes()

	// /old is 61 min old (past 2 × 30m), /young is 21 min old
	clk.Advance(21 * time.Minute)
	assert.Equal(t, 1, c.Sweep(ctx))

	_, ok := c.store.Get(base + "/old")
	assert.False(t, ok)
	_, ok = c.store.Get(base + "/young")
	assert.True(t, ok)
	assert.Equal(t, int64(1), m.expirations.Load())

	all, err := c.durable.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, base+"/young", all[0].Key)
}

func TestSweepKeepsStaleEntriesWithinRetention(t *testing.T) {
	src := newSource(temp(1))
	clk := newClock()
	c := newTestCache(t, src, clk, WithPolicies(staticOnly(t)))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/ports/metadata", "", false)
	require.NoError(t, err)

	// stale for serving, but still within 2 × MaxAge
	clk.Advance(30 * time.Hour)
	assert.Equal(t, 0, c.Sweep(ctx))
	assert.Equal(t, 1, c.store.Len())
}

func TestPeriodicSweep(t *testing.T) {
	src := newSource(temp(1))
	clk := newClock()
	c := newTestCache(t, src, clk, WithPolicies(staticOnly(t)), WithSweepInterval(5*time.Millisecond))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/ports/metadata", "", false)
	require.NoError(t, err)

	clk.Advance(49 * time.Hour)
	require.Eventually(t, func() bool { return c.store.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestClearEmptiesBothStores(t *testing.T) {
	src := newSource(temp(1))
	kv := memstore.New(0)
	c := newTestCache(t, src, newClock(), WithDurable(kv))
	ctx := context.Background()

	for _, r := range []string{"/a", "/b"} {
		_, err := c.Get(ctx, r, "", false)
		require.NoError(t, err)
	}
	c.WaitRefreshes()
	require.NoError(t, kv.Set(ctx, "foreign", []byte("keep")))

	c.Clear(ctx)

	assert.Equal(t, 0, c.Stats(ctx).EntryCount)
	all, err := c.durable.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, ok, err := kv.Get(ctx, "foreign")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStats(t *testing.T) {
	src := newSource(func(url string, _ int) (types.Payload, error) {
		if strings.HasSuffix(url, "/big") {
			return sized(300), nil
		}
		return sized(100), nil
	})
	c := newTestCache(t, src, newClock(), WithMaxEntryBytes(200), WithMemoryCeiling(1000))
	ctx := context.Background()

	for _, r := range []struct{ res, typ string }{
		{"/a", policy.TypeStatic},
		{"/b", policy.TypeStatic},
		{"/c", policy.TypeHistory},
		{"/big", policy.TypeHistory},
	} {
		_, err := c.Get(ctx, r.res, r.typ, false)
		require.NoError(t, err)
	}

	st := c.Stats(ctx)
	assert.Equal(t, 4, st.EntryCount)
	assert.Equal(t, 1, st.MetadataOnlyCount)
	assert.Equal(t, map[string]int{policy.TypeStatic: 2, policy.TypeHistory: 2}, st.ByType)
	assert.InDelta(t, 300.0/mib, st.ApproxMemoryUsageMB, 1e-9)

	assert.Greater(t, st.Durable.UsedMB, 0.0)
	assert.Greater(t, st.Durable.AvailableMB, 0.0)
	assert.Greater(t, st.Durable.Percentage, 0.0)
	assert.Less(t, st.Durable.Percentage, 100.0)
}

//
// ================= PRELOAD =================
//

func TestPreloadLogsFailuresAndContinues(t *testing.T) {
	src := newSource(func(url string, _ int) (types.Payload, error) {
		if strings.HasSuffix(url, "/broken") {
			return types.Payload{}, types.HTTPStatusError(url, http.StatusNotFound)
		}
		return payload(t, url), nil
	})
	c := newTestCache(t, src, newClock(), WithPreloadConcurrency(2))
	ctx := context.Background()

	c.Preload(ctx, []string{"/api/weather/city", "/broken", "/api/weather/grid", "/api/weather/port"})

	st := c.Stats(ctx)
	assert.Equal(t, 3, st.EntryCount)
	assert.Equal(t, map[string]int{policy.TypeWeather: 3}, st.ByType)
	assert.Equal(t, 4, src.total())
}

//
// ================= CONCURRENCY OPTIONS =================
//

func TestCoalescingSharesOneFetch(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	src := types.FetcherFunc(func(_ context.Context, url string) (types.Payload, error) {
		calls.Add(1)
		<-release
		return types.Payload{Value: "v", Raw: []byte(`"v"`)}, nil
	})
	c := newTestCache(t, src, newClock(), WithCoalescing(true))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]any, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get(ctx, "/api/weather/city", "", false)
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "v", v)
	}
}

// outOfOrder makes the first fetch finish after the second.
func outOfOrder(t *testing.T) (types.Fetcher, chan struct{}, chan struct{}) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	return types.FetcherFunc(func(_ context.Context, url string) (types.Payload, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
			return payload(t, "old"), nil
		}
		return payload(t, "new"), nil
	}), started, release
}

func TestLastWriterWinsByDefault(t *testing.T) {
	src, started, release := outOfOrder(t)
	c := newTestCache(t, src, newClock(), WithPolicies(staticOnly(t)))
	ctx := context.Background()

	done := make(chan any)
	go func() {
		v, _ := c.Get(ctx, "/r", "", true)
		done <- v
	}()
	<-started

	v, err := c.Get(ctx, "/r", "", true)
	require.NoError(t, err)
	assert.Equal(t, "new", v)

	close(release)
	assert.Equal(t, "old", <-done)

	v, err = c.Get(ctx, "/r", "", false)
	require.NoError(t, err)
	assert.Equal(t, "old", v)
}

func TestDiscardStaleKeepsNewestFetch(t *testing.T) {
	src, started, release := outOfOrder(t)
	c := newTestCache(t, src, newClock(), WithPolicies(staticOnly(t)), WithDiscardStale(true))
	ctx := context.Background()

	done := make(chan any)
	go func() {
		v, _ := c.Get(ctx, "/r", "", true)
		done <- v
	}()
	<-started

	_, err := c.Get(ctx, "/r", "", true)
	require.NoError(t, err)

	close(release)
	// the slow caller still receives what it fetched
	assert.Equal(t, "old", <-done)

	v, err := c.Get(ctx, "/r", "", false)
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

//
// ================= RESTART =================
//

func TestProjectionsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	src := newSource(temp(30))
	clk := newClock()

	open := func() *Cache {
		kv, err := boltstore.Open(path, 1<<20)
		require.NoError(t, err)
		c, err := New(ctx,
			WithBaseURL(base), WithFetcher(src), WithClock(clk), WithLogger(quietLogger()),
			WithSweepInterval(0), WithPolicies(staticOnly(t)), WithDurable(kv))
		require.NoError(t, err)
		return c
	}

	first := open()
	_, err := first.Get(ctx, "/api/ports/metadata", "", false)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := open()
	defer second.Close()

	st := second.Stats(ctx)
	assert.Equal(t, 0, st.EntryCount)
	assert.Equal(t, 1, st.RestoredCount)

	// payloads are not persisted, so the restored key is fetched again
	_, err = second.Get(ctx, "/api/ports/metadata", "", false)
	require.NoError(t, err)
	assert.Equal(t, 2, src.total())
	assert.Equal(t, 0, second.Stats(ctx).RestoredCount)
}

func TestSweepPrunesRestoredProjections(t *testing.T) {
	ctx := context.Background()
	kv := memstore.New(0)
	proj := types.Projection{
		Key:       base + "/api/weather/city",
		Timestamp: t0.Add(-2 * time.Hour),
		Type:      policy.TypeWeather,
		Priority:  types.PriorityHigh,
		SizeBytes: 11,
	}
	raw, err := json.Marshal(proj)
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "weathercache:meta:"+proj.Key, raw))

	c := newTestCache(t, newSource(temp(1)), newClock(), WithDurable(kv))
	require.Equal(t, 1, c.Stats(ctx).RestoredCount)

	c.Sweep(ctx)

	assert.Equal(t, 0, c.Stats(ctx).RestoredCount)
	all, err := c.durable.All(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

//
// ================= WRITE-BACK AND CLOSE =================
//

func TestWriteBackFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	kv := memstore.New(0)
	c, err := New(ctx,
		WithBaseURL(base), WithFetcher(newSource(temp(1))), WithClock(newClock()),
		WithLogger(quietLogger()), WithSweepInterval(0), WithDurable(kv), WithWriteBack(8))
	require.NoError(t, err)

	for _, r := range []string{"/a", "/b", "/c"} {
		_, err := c.Get(ctx, r, "", false)
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	// every queued projection reached the store before it was closed
	assert.Greater(t, kv.Used(), int64(0))
}

func TestNewRejectsInconsistentLimits(t *testing.T) {
	_, err := New(context.Background(), WithMaxEntryBytes(100), WithMemoryCeiling(50))
	require.Error(t, err)
}

func TestNewRejectsThresholdOutOfRange(t *testing.T) {
	_, err := New(context.Background(), WithDurableThreshold(1.5))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[0, 1]")

	c, err := New(context.Background(), WithDurableThreshold(0), WithSweepInterval(0), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestNewRejectsUnknownEvictionPolicy(t *testing.T) {
	_, err := New(context.Background(), WithEvictionPolicy("lfu"))
	require.Error(t, err)

	src := newSource(func(string, int) (types.Payload, error) { return sized(100), nil })
	c := newTestCache(t, src, newClock(),
		WithPolicies(staticOnly(t)),
		WithEvictionPolicy(eviction.Oldest),
		WithMaxEntryBytes(100),
		WithMemoryCeiling(200),
	)
	for _, r := range []string{"/a", "/b", "/c"} {
		_, err := c.Get(context.Background(), r, "", false)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.store.Len())
}

type closeRecorder struct {
	*memstore.Store
	closed atomic.Bool
}

func (r *closeRecorder) Close() error {
	r.closed.Store(true)
	return r.Store.Close()
}

func TestNewClosesDurableBackendOnInvalidOptions(t *testing.T) {
	kv := &closeRecorder{Store: memstore.New(0)}

	_, err := New(context.Background(), WithDurable(kv), WithMaxEntryBytes(100), WithMemoryCeiling(50))
	require.Error(t, err)
	assert.True(t, kv.closed.Load())
}

//
// ================= WRITE-BACK ORDERING =================
//

// gatedKV holds the first projection write until release is closed.
type gatedKV struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedKV() *gatedKV {
	return &gatedKV{Store: memstore.New(0), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedKV) Set(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, durable.DefaultPrefix) {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Store.Set(ctx, key, value)
}

func (g *gatedKV) projectionKeys(t *testing.T) []string {
	t.Helper()
	keys, err := g.Store.Keys(context.Background(), durable.DefaultPrefix)
	require.NoError(t, err)
	return keys
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestClearWaitsForQueuedWriteBack(t *testing.T) {
	kv := newGatedKV()
	c := newTestCache(t, newSource(temp(30)), newClock(), WithDurable(kv), WithWriteBack(16))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)
	waitClosed(t, kv.entered, "write-back worker")

	cleared := make(chan struct{})
	go func() {
		c.Clear(ctx)
		close(cleared)
	}()
	close(kv.release)
	waitClosed(t, cleared, "Clear")

	assert.Empty(t, kv.projectionKeys(t))
	assert.Equal(t, 0, c.Stats(ctx).EntryCount)
}

func TestSweepWaitsForQueuedWriteBack(t *testing.T) {
	kv := newGatedKV()
	clk := newClock()
	c := newTestCache(t, newSource(temp(30)), clk, WithDurable(kv), WithWriteBack(16))
	ctx := context.Background()

	_, err := c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)
	waitClosed(t, kv.entered, "write-back worker")

	clk.Advance(61 * time.Minute)
	swept := make(chan int, 1)
	go func() { swept <- c.Sweep(ctx) }()
	close(kv.release)

	select {
	case n := <-swept:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Sweep")
	}
	assert.Empty(t, kv.projectionKeys(t))
}

//
// ================= END TO END =================
//

func TestEndToEndOverHTTP(t *testing.T) {
	var requests atomic.Int32
	var sawBuster, sawNoCache atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/weather/city" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get(fetch.DefaultParam) != "" {
			sawBuster.Store(true)
		}
		if strings.Contains(r.Header.Get("Cache-Control"), "no-cache") {
			sawNoCache.Store(true)
		}
		switch requests.Add(1) {
		case 1:
			_, _ = io.WriteString(w, `{"temp": 30}`)
		case 2:
			// the background refresh fails and leaves the entry alone
			http.Error(w, "busy", http.StatusServiceUnavailable)
		default:
			_, _ = io.WriteString(w, `{"temp": 31}`)
		}
	}))
	defer srv.Close()

	reg := policy.NewRegistry()
	require.NoError(t, reg.Set(policy.TypeWeather, policy.Policy{
		MaxAge:            1_800_000 * time.Millisecond,
		BackgroundRefresh: true,
		Priority:          types.PriorityHigh,
	}))

	clk := newClock()
	c, err := New(context.Background(),
		WithBaseURL(srv.URL),
		WithClock(clk),
		WithPolicies(reg),
		WithLogger(quietLogger()),
		WithSweepInterval(0),
	)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	// t = 0
	v, err := c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": 30.0}, v)
	assert.Equal(t, int32(1), requests.Load())

	// t = 900 000 ms: served from memory, refresh scheduled
	clk.Advance(900_000 * time.Millisecond)
	v, err = c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": 30.0}, v)
	c.WaitRefreshes()
	assert.Equal(t, int32(2), requests.Load())

	// t = 1 900 000 ms: expired
	clk.Advance(1_000_000 * time.Millisecond)
	v, err = c.Get(ctx, "/api/weather/city", "weather", false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temp": 31.0}, v)
	assert.Equal(t, int32(3), requests.Load())

	assert.True(t, sawBuster.Load())
	assert.True(t, sawNoCache.Load())
}
