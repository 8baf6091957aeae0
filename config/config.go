// Package config loads the weather cache configuration from the environment
// and turns it into cache options.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	cache "github.com/krisalay/weather-cache"
	"github.com/krisalay/weather-cache/durable"
	"github.com/krisalay/weather-cache/durable/boltstore"
	"github.com/krisalay/weather-cache/durable/memstore"
	"github.com/krisalay/weather-cache/durable/redisstore"
	"github.com/krisalay/weather-cache/durable/sqlitestore"
	"github.com/krisalay/weather-cache/eviction"
	"github.com/krisalay/weather-cache/fingerprint"
	"github.com/krisalay/weather-cache/policy"
)

// Durable backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// DefaultPreload mirrors the endpoints a map client requests on start.
var DefaultPreload = []string{
	"/api/weather/city",
	"/api/weather/grid",
	"/api/weather/port",
	"/api/weather/summary",
}

type Config struct {
	BaseURL string `env:"WEATHER_CACHE_BASE_URL" envDefault:"http://localhost:5000"`

	MaxEntryBytes      int64         `env:"WEATHER_CACHE_MAX_ENTRY_BYTES"  envDefault:"10485760"`
	MemoryCeilingBytes int64         `env:"WEATHER_CACHE_MEMORY_CEILING"   envDefault:"52428800"`
	SweepInterval      time.Duration `env:"WEATHER_CACHE_SWEEP_INTERVAL"   envDefault:"5m"`
	Shards             int           `env:"WEATHER_CACHE_SHARDS"           envDefault:"16"`
	FetchTimeout       time.Duration `env:"WEATHER_CACHE_FETCH_TIMEOUT"    envDefault:"30s"`
	RefreshTimeout     time.Duration `env:"WEATHER_CACHE_REFRESH_TIMEOUT"  envDefault:"1m"`

	DurableBackend   string  `env:"WEATHER_CACHE_DURABLE_BACKEND"   envDefault:"memory"`
	DurablePath      string  `env:"WEATHER_CACHE_DURABLE_PATH"      envDefault:"weather-cache.db"`
	DurableMaxBytes  int64   `env:"WEATHER_CACHE_DURABLE_MAX_BYTES" envDefault:"5242880"`
	DurableThreshold float64 `env:"WEATHER_CACHE_DURABLE_THRESHOLD" envDefault:"0.8"`
	RedisAddr        string  `env:"WEATHER_CACHE_REDIS_ADDR"        envDefault:"localhost:6379"`
	RedisHash        string  `env:"WEATHER_CACHE_REDIS_HASH"        envDefault:"weathercache"`

	Eviction string `env:"WEATHER_CACHE_EVICTION" envDefault:"oldest"`

	PolicyFile  string `env:"WEATHER_CACHE_POLICY_FILE"`
	Fingerprint string `env:"WEATHER_CACHE_FINGERPRINT" envDefault:"rolling32"`

	Coalesce           bool `env:"WEATHER_CACHE_COALESCE"`
	DiscardStale       bool `env:"WEATHER_CACHE_DISCARD_STALE"`
	PreloadConcurrency int  `env:"WEATHER_CACHE_PRELOAD_CONCURRENCY" envDefault:"4"`
	WriteBack          int  `env:"WEATHER_CACHE_WRITE_BACK"`

	Preload []string `env:"WEATHER_CACHE_PRELOAD" envSeparator:","`

	NATSURL      string `env:"WEATHER_CACHE_NATS_URL"`
	NATSSubject  string `env:"WEATHER_CACHE_NATS_SUBJECT" envDefault:"weathercache.events"`
	OTelEndpoint string `env:"WEATHER_CACHE_OTEL_ENDPOINT"`

	LogLevel string `env:"WEATHER_CACHE_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if len(cfg.Preload) == 0 {
		cfg.Preload = append([]string(nil), DefaultPreload...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("WEATHER_CACHE_BASE_URL is required")
	}
	if c.MaxEntryBytes <= 0 {
		return fmt.Errorf("WEATHER_CACHE_MAX_ENTRY_BYTES must be positive")
	}
	if c.MemoryCeilingBytes < c.MaxEntryBytes {
		return fmt.Errorf("WEATHER_CACHE_MEMORY_CEILING (%d) must be at least WEATHER_CACHE_MAX_ENTRY_BYTES (%d)",
			c.MemoryCeilingBytes, c.MaxEntryBytes)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("WEATHER_CACHE_SWEEP_INTERVAL must not be negative")
	}
	if c.DurableThreshold <= 0 || c.DurableThreshold > 1 {
		return fmt.Errorf("WEATHER_CACHE_DURABLE_THRESHOLD must be within (0, 1]")
	}
	switch c.DurableBackend {
	case BackendMemory, BackendBolt, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unknown WEATHER_CACHE_DURABLE_BACKEND %q", c.DurableBackend)
	}
	if _, err := eviction.NewEvictionPolicy(eviction.PolicyType(c.Eviction)); err != nil {
		return fmt.Errorf("WEATHER_CACHE_EVICTION: %w", err)
	}
	if _, err := fingerprint.ByName(c.Fingerprint); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("WEATHER_CACHE_LOG_LEVEL: %w", err)
	}
	return l, nil
}

// OpenDurable opens the configured durable backend.
func (c Config) OpenDurable(ctx context.Context) (durable.KV, error) {
	switch c.DurableBackend {
	case BackendMemory:
		return memstore.New(c.DurableMaxBytes), nil
	case BackendBolt:
		return boltstore.Open(c.DurablePath, c.DurableMaxBytes)
	case BackendSQLite:
		return sqlitestore.Open(c.DurablePath, c.DurableMaxBytes)
	case BackendRedis:
		return redisstore.Dial(ctx, c.RedisAddr,
			redisstore.WithHash(c.RedisHash),
			redisstore.WithMaxBytes(c.DurableMaxBytes),
		)
	default:
		return nil, fmt.Errorf("unknown durable backend %q", c.DurableBackend)
	}
}

// Registry returns the built-in policies overridden by PolicyFile, if set.
func (c Config) Registry() (*policy.Registry, error) {
	reg := policy.NewRegistry()
	if c.PolicyFile == "" {
		return reg, nil
	}
	if err := reg.LoadFile(c.PolicyFile); err != nil {
		return nil, err
	}
	return reg, nil
}

/*
Options opens the durable backend and translates the configuration into
cache options. The caller adds logger, metrics, sink and fetcher.
The returned options hand the durable backend to the cache, which closes it.
*/
func (c Config) Options(ctx context.Context) ([]cache.Option, error) {
	reg, err := c.Registry()
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint.ByName(c.Fingerprint)
	if err != nil {
		return nil, err
	}
	kv, err := c.OpenDurable(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s durable store: %w", c.DurableBackend, err)
	}

	return []cache.Option{
		cache.WithBaseURL(c.BaseURL),
		cache.WithMaxEntryBytes(c.MaxEntryBytes),
		cache.WithMemoryCeiling(c.MemoryCeilingBytes),
		cache.WithSweepInterval(c.SweepInterval),
		cache.WithShards(c.Shards),
		cache.WithPolicies(reg),
		cache.WithFingerprint(fp),
		cache.WithDurable(kv),
		cache.WithDurableThreshold(c.DurableThreshold),
		cache.WithEvictionPolicy(eviction.PolicyType(c.Eviction)),
		cache.WithWriteBack(c.WriteBack),
		cache.WithCoalescing(c.Coalesce),
		cache.WithDiscardStale(c.DiscardStale),
		cache.WithPreloadConcurrency(c.PreloadConcurrency),
		cache.WithRefreshTimeout(c.RefreshTimeout),
	}, nil
}
