// Package durable defines the capacity-bounded key/value tier that keeps
// freshness metadata across restarts, and the projection set stored in it.
//
// Backends live in subpackages: memstore (bounded in-process map),
// boltstore (bbolt file), sqlitestore (SQLite file) and redisstore (Redis hash).
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/krisalay/weather-cache/types"
)

// KV is a raw durable key/value capability.
//
// Set fails with a types.ErrQuotaExceeded error when the write would exceed
// the backend's capacity. Backends that cannot be reached return
// types.ErrStorageUnavailable errors from every method.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error

	// Keys lists the stored keys starting with prefix. An empty prefix lists all.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// CapacityReporter is implemented by backends that know their own capacity.
// Backends without it are measured with Probe.
type CapacityReporter interface {
	Capacity(ctx context.Context) (Capacity, error)
}

// Capacity describes how much of a backend is in use.
type Capacity struct {
	TotalBytes int64
	UsedBytes  int64
}

func (c Capacity) AvailableBytes() int64 {
	if c.UsedBytes >= c.TotalBytes {
		return 0
	}
	return c.TotalBytes - c.UsedBytes
}

// Percentage is UsedBytes as a percentage of TotalBytes.
func (c Capacity) Percentage() float64 {
	if c.TotalBytes <= 0 {
		return 0
	}
	return float64(c.UsedBytes) / float64(c.TotalBytes) * 100
}

// ErrCorrupt marks a stored record that does not decode as a projection.
var ErrCorrupt = errors.New("corrupt projection record")

// DefaultPrefix namespaces projection records inside a shared backend.
const DefaultPrefix = "weathercache:meta:"

/*
Projections stores one JSON record per cache key under a prefix.

It never stores payloads. Capacity comes from the backend when it is a
CapacityReporter; otherwise the total is measured once with Probe and the
used bytes are recounted on every call.
*/
type Projections struct {
	kv     KV
	prefix string
	probe  ProbeConfig

	mu          sync.Mutex
	probedTotal int64 // 0 until measured
}

type ProjectionsOption func(*Projections)

// WithPrefix changes the record namespace.
func WithPrefix(prefix string) ProjectionsOption {
	return func(p *Projections) { p.prefix = prefix }
}

// WithProbe changes the bounds of the capacity write-test.
func WithProbe(cfg ProbeConfig) ProjectionsOption {
	return func(p *Projections) { p.probe = cfg }
}

func NewProjections(kv KV, opts ...ProjectionsOption) *Projections {
	p := &Projections{kv: kv, prefix: DefaultPrefix, probe: DefaultProbeConfig}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Encode returns the record that Save would write for proj.
func (p *Projections) Encode(proj types.Projection) ([]byte, error) {
	b, err := json.Marshal(proj)
	if err != nil {
		return nil, fmt.Errorf("encode projection %s: %w", proj.Key, err)
	}
	return b, nil
}

// RecordSize is the number of bytes proj occupies once saved.
func (p *Projections) RecordSize(proj types.Projection) (int64, error) {
	b, err := p.Encode(proj)
	if err != nil {
		return 0, err
	}
	return int64(len(p.prefix) + len(proj.Key) + len(b)), nil
}

func (p *Projections) Save(ctx context.Context, proj types.Projection) error {
	b, err := p.Encode(proj)
	if err != nil {
		return err
	}
	return p.kv.Set(ctx, p.prefix+proj.Key, b)
}

func (p *Projections) Load(ctx context.Context, key string) (types.Projection, bool, error) {
	b, ok, err := p.kv.Get(ctx, p.prefix+key)
	if err != nil || !ok {
		return types.Projection{}, false, err
	}
	var proj types.Projection
	if err := json.Unmarshal(b, &proj); err != nil {
		return types.Projection{}, false, fmt.Errorf("decode projection %s: %w: %w", key, ErrCorrupt, err)
	}
	return proj, true, nil
}

// All returns every decodable projection sorted by key. Corrupt records
// are removed; backend errors abort the listing and are returned as is.
func (p *Projections) All(ctx context.Context) ([]types.Projection, error) {
	keys, err := p.kv.Keys(ctx, p.prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	out := make([]types.Projection, 0, len(keys))
	for _, k := range keys {
		key := strings.TrimPrefix(k, p.prefix)
		proj, ok, err := p.Load(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrCorrupt) {
				return nil, err
			}
			_ = p.kv.Remove(ctx, k)
			continue
		}
		if ok {
			out = append(out, proj)
		}
	}
	return out, nil
}

func (p *Projections) Remove(ctx context.Context, key string) error {
	return p.kv.Remove(ctx, p.prefix+key)
}

// Clear removes every projection. Keys outside the prefix are left alone.
func (p *Projections) Clear(ctx context.Context) error {
	keys, err := p.kv.Keys(ctx, p.prefix)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := p.kv.Remove(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Capacity reports the backend's capacity, probing it if necessary.
func (p *Projections) Capacity(ctx context.Context) (Capacity, error) {
	if r, ok := p.kv.(CapacityReporter); ok {
		return r.Capacity(ctx)
	}

	used, err := UsedBytes(ctx, p.kv)
	if err != nil {
		return Capacity{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.probedTotal == 0 {
		free, err := Probe(ctx, p.kv, p.probe)
		if err != nil {
			return Capacity{}, err
		}
		p.probedTotal = used + free
	}
	total := p.probedTotal
	if used > total {
		total = used
	}
	return Capacity{TotalBytes: total, UsedBytes: used}, nil
}

// Reprobe forgets the measured capacity so the next Capacity call probes again.
func (p *Projections) Reprobe() {
	p.mu.Lock()
	p.probedTotal = 0
	p.mu.Unlock()
}

// Close closes the backend.
func (p *Projections) Close() error {
	return p.kv.Close()
}

// UsedBytes sums key and value lengths over every key in kv.
func UsedBytes(ctx context.Context, kv KV) (int64, error) {
	keys, err := kv.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	var used int64
	for _, k := range keys {
		v, ok, err := kv.Get(ctx, k)
		if err != nil {
			return 0, err
		}
		if ok {
			used += int64(len(k) + len(v))
		}
	}
	return used, nil
}
