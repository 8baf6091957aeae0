// Package redisstore provides a Redis-backed durable.KV.
//
// Records live as fields of one hash. A companion string key tracks the
// bytes in use so the budget check and the write happen in one script.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/krisalay/weather-cache/durable"
	"github.com/krisalay/weather-cache/types"
)

const (
	// DefaultHash is the hash holding the records.
	DefaultHash = "weathercache"

	// DefaultMaxBytes is the budget used when none is given.
	DefaultMaxBytes = 5 << 20
)

var setScript = redis.NewScript(`
local oldsz = 0
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	oldsz = string.len(ARGV[1]) + redis.call('HSTRLEN', KEYS[1], ARGV[1])
end
local used = tonumber(redis.call('GET', KEYS[2]) or '0')
local total = used - oldsz + string.len(ARGV[1]) + string.len(ARGV[2])
if total > tonumber(ARGV[3]) then
	return -1
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('SET', KEYS[2], total)
return total
`)

var removeScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
	return 0
end
local sz = string.len(ARGV[1]) + redis.call('HSTRLEN', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('DECRBY', KEYS[2], sz)
return sz
`)

type Store struct {
	client   redis.UniversalClient
	hash     string
	counter  string
	maxBytes int64
}

var _ durable.CapacityReporter = (*Store)(nil)

type Option func(*Store)

// WithHash changes the hash name. The usage counter is stored at hash+":bytes".
func WithHash(name string) Option {
	return func(s *Store) {
		s.hash = name
		s.counter = name + ":bytes"
	}
}

// WithMaxBytes sets the byte budget.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// New wraps an existing client. Close closes the client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, maxBytes: DefaultMaxBytes}
	WithHash(DefaultHash)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to the Redis server at addr and verifies the connection.
func Dial(ctx context.Context, addr string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.HGet(ctx, s.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.StorageUnavailable(fmt.Errorf("hget %s: %w", key, err))
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	n, err := setScript.Run(ctx, s.client, []string{s.hash, s.counter}, key, value, s.maxBytes).Int64()
	if err != nil {
		return types.StorageUnavailable(fmt.Errorf("hset %s: %w", key, err))
	}
	if n < 0 {
		return types.QuotaExceeded(fmt.Errorf("write of %d bytes exceeds %d byte budget", len(value), s.maxBytes))
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := removeScript.Run(ctx, s.client, []string{s.hash, s.counter}, key).Err(); err != nil {
		return types.StorageUnavailable(fmt.Errorf("hdel %s: %w", key, err))
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := s.client.HKeys(ctx, s.hash).Result()
	if err != nil {
		return nil, types.StorageUnavailable(fmt.Errorf("hkeys: %w", err))
	}
	keys := all[:0]
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *Store) Capacity(ctx context.Context) (durable.Capacity, error) {
	used, err := s.client.Get(ctx, s.counter).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return durable.Capacity{}, types.StorageUnavailable(fmt.Errorf("get %s: %w", s.counter, err))
	}
	return durable.Capacity{TotalBytes: s.maxBytes, UsedBytes: used}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
