package cache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/krisalay/weather-cache/durable"
	"github.com/krisalay/weather-cache/eviction"
	"github.com/krisalay/weather-cache/fingerprint"
	"github.com/krisalay/weather-cache/notify"
	"github.com/krisalay/weather-cache/policy"
	"github.com/krisalay/weather-cache/types"
)

const (
	DefaultMaxEntryBytes      = 10 << 20
	DefaultMemoryCeiling      = 50 << 20
	DefaultSweepInterval      = 5 * time.Minute
	DefaultShards             = 16
	DefaultPreloadConcurrency = 4
)

type options struct {
	baseURL       string
	maxEntryBytes int64
	memoryCeiling int64
	sweepInterval time.Duration
	shards        int

	registry    *policy.Registry
	fetcher     types.Fetcher
	kv          durable.KV
	projOpts    []durable.ProjectionsOption
	threshold   float64
	eviction    eviction.PolicyType
	writeBack   int
	fingerprint fingerprint.Func

	logger  *slog.Logger
	metrics types.Metrics
	sink    notify.Sink
	clock   types.Clock

	coalesce           bool
	discardStale       bool
	preloadConcurrency int
	refreshTimeout     time.Duration
}

func defaultOptions() options {
	return options{
		maxEntryBytes:      DefaultMaxEntryBytes,
		memoryCeiling:      DefaultMemoryCeiling,
		sweepInterval:      DefaultSweepInterval,
		shards:             DefaultShards,
		fingerprint:        fingerprint.Rolling32{},
		logger:             slog.Default(),
		metrics:            types.NoopMetrics{},
		sink:               notify.Discard,
		clock:              types.SystemClock{},
		preloadConcurrency: DefaultPreloadConcurrency,
	}
}

func (o options) validate() error {
	if o.maxEntryBytes <= 0 {
		return fmt.Errorf("max entry bytes must be positive")
	}
	if o.memoryCeiling < o.maxEntryBytes {
		return fmt.Errorf("memory ceiling (%d) must be at least the max entry size (%d)", o.memoryCeiling, o.maxEntryBytes)
	}
	if o.sweepInterval < 0 {
		return fmt.Errorf("sweep interval must not be negative")
	}
	if o.threshold < 0 || o.threshold > 1 {
		return fmt.Errorf("durable threshold must be within [0, 1], 0 selects the default")
	}
	if _, err := eviction.NewEvictionPolicy(o.eviction); err != nil {
		return err
	}
	return nil
}

// Option configures a Cache.
type Option func(*options)

// WithBaseURL sets the base URL that relative resources are joined to.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithMaxEntryBytes sets the largest payload kept in memory. Larger
// payloads are stored as metadata only.
func WithMaxEntryBytes(n int64) Option {
	return func(o *options) { o.maxEntryBytes = n }
}

// WithMemoryCeiling bounds the summed size of in-memory payloads.
func WithMemoryCeiling(n int64) Option {
	return func(o *options) { o.memoryCeiling = n }
}

// WithSweepInterval sets the expiry sweep period. Zero disables the
// periodic sweep; Sweep can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// WithPolicies replaces the built-in policy registry.
func WithPolicies(r *policy.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithFetcher replaces the HTTP fetch executor.
func WithFetcher(f types.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithDurable sets the durable backend. The cache closes it on Close.
// Without it an in-process memstore is used.
func WithDurable(kv durable.KV, opts ...durable.ProjectionsOption) Option {
	return func(o *options) {
		o.kv = kv
		o.projOpts = opts
	}
}

// WithDurableThreshold sets the share of durable capacity a write may fill
// before projections are evicted.
func WithDurableThreshold(f float64) Option {
	return func(o *options) { o.threshold = f }
}

// WithWriteBack queues projection writes in a buffer of n instead of
// writing them before Get returns.
func WithWriteBack(n int) Option {
	return func(o *options) { o.writeBack = n }
}

// WithEvictionPolicy selects how both quota managers pick entries to remove.
func WithEvictionPolicy(t eviction.PolicyType) Option {
	return func(o *options) { o.eviction = t }
}

func WithFingerprint(f fingerprint.Func) Option {
	return func(o *options) {
		if f != nil {
			o.fingerprint = f
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m types.Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithSink registers the receiver of cache events.
func WithSink(s notify.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sink = s
		}
	}
}

func WithClock(c types.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithCoalescing makes concurrent fetches of one key share a single request.
func WithCoalescing(on bool) Option {
	return func(o *options) { o.coalesce = on }
}

// WithDiscardStale drops a fetch result when a fetch started later has
// already stored its result for the same key.
func WithDiscardStale(on bool) Option {
	return func(o *options) { o.discardStale = on }
}

// WithPreloadConcurrency bounds the parallel fetches of Preload.
func WithPreloadConcurrency(n int) Option {
	return func(o *options) { o.preloadConcurrency = n }
}

// WithRefreshTimeout bounds each background refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) { o.refreshTimeout = d }
}
