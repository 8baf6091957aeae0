// Package memstore is a bounded in-process durable.KV.
//
// It behaves like browser local storage: a fixed byte budget, no capacity
// query, and quota errors on writes that do not fit. It does not survive a
// restart and is meant for tests and for running without a durable tier.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/krisalay/weather-cache/types"
)

// DefaultMaxBytes matches the usual browser local storage budget.
const DefaultMaxBytes = 5 << 20

var errClosed = errors.New("memstore is closed")

type Store struct {
	mu       sync.RWMutex
	data     map[string][]byte
	used     int64
	maxBytes int64
	closed   bool
}

// New returns an empty store holding at most maxBytes of keys and values.
func New(maxBytes int64) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{data: make(map[string][]byte), maxBytes: maxBytes}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, types.StorageUnavailable(errClosed)
	}
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.StorageUnavailable(errClosed)
	}

	used := s.used + int64(len(key)+len(value))
	if old, ok := s.data[key]; ok {
		used -= int64(len(key) + len(old))
	}
	if used > s.maxBytes {
		return types.QuotaExceeded(fmt.Errorf("write of %d bytes exceeds %d byte budget", len(value), s.maxBytes))
	}

	v := make([]byte, len(value))
	copy(v, value)
	s.data[key] = v
	s.used = used
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.StorageUnavailable(errClosed)
	}
	if old, ok := s.data[key]; ok {
		s.used -= int64(len(key) + len(old))
		delete(s.data, key)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.StorageUnavailable(errClosed)
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Used returns the bytes currently stored.
func (s *Store) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
