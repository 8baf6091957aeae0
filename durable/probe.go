package durable

import (
	"bytes"
	"context"
	"errors"

	"github.com/krisalay/weather-cache/types"
)

// ProbeKey is the scratch key written by Probe. It is always removed.
const ProbeKey = "__weathercache_probe__"

// ProbeConfig bounds the capacity write-test.
type ProbeConfig struct {
	// Start is the first test write size.
	Start int64
	// Limit is the largest test write. A backend that accepts it is
	// reported as having Limit bytes free.
	Limit int64
}

// DefaultProbeConfig tests from 64 KiB up to 10 MiB.
var DefaultProbeConfig = ProbeConfig{Start: 64 << 10, Limit: 10 << 20}

/*
Probe estimates the free bytes of a backend that cannot report capacity.

It writes doubling test values under ProbeKey until a write fails with a
quota error or Limit is reached, then bisects between the last success and
the first failure to a resolution of Start/8. The result is a heuristic.
*/
func Probe(ctx context.Context, kv KV, cfg ProbeConfig) (int64, error) {
	if cfg.Start <= 0 {
		cfg.Start = DefaultProbeConfig.Start
	}
	if cfg.Limit < cfg.Start {
		cfg.Limit = cfg.Start
	}
	defer func() { _ = kv.Remove(ctx, ProbeKey) }()

	fits := func(n int64) (bool, error) {
		// the key itself counts against the quota
		size := n - int64(len(ProbeKey))
		if size < 0 {
			size = 0
		}
		err := kv.Set(ctx, ProbeKey, bytes.Repeat([]byte{'x'}, int(size)))
		if err == nil {
			return true, nil
		}
		if errors.Is(err, types.ErrQuotaExceeded) {
			return false, nil
		}
		return false, err
	}

	var ok, failed int64
	for n := cfg.Start; ; n *= 2 {
		if n > cfg.Limit {
			n = cfg.Limit
		}
		fit, err := fits(n)
		if err != nil {
			return 0, err
		}
		if !fit {
			failed = n
			break
		}
		ok = n
		if n == cfg.Limit {
			return ok, nil
		}
	}

	resolution := cfg.Start / 8
	if resolution < 1 {
		resolution = 1
	}
	for failed-ok > resolution {
		mid := ok + (failed-ok)/2
		fit, err := fits(mid)
		if err != nil {
			return 0, err
		}
		if fit {
			ok = mid
		} else {
			failed = mid
		}
	}
	return ok, nil
}
