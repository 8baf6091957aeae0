// Package fingerprint hashes serialized payloads for integrity bookkeeping.
//
// Fingerprints only tell whether a durable projection still describes the
// same bytes. They are not collision resistant and must never feed a
// security decision.
package fingerprint

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Func computes a fingerprint of a serialized payload.
type Func interface {
	Sum(data []byte) string
}

// Rolling32 is a 32-bit polynomial rolling hash (h = h*31 + b) that wraps on
// overflow. It is the default.
type Rolling32 struct{}

func (Rolling32) Sum(data []byte) string {
	var h uint32
	for _, b := range data {
		h = h*31 + uint32(b)
	}
	return fmt.Sprintf("%08x", h)
}

// XXHash uses xxHash64. Wider than Rolling32 at a similar cost.
type XXHash struct{}

func (XXHash) Sum(data []byte) string {
	return strconv.FormatUint(xxhash.Sum64(data), 16)
}

// ByName returns the fingerprint function configured as name.
func ByName(name string) (Func, error) {
	switch name {
	case "", "rolling32":
		return Rolling32{}, nil
	case "xxhash":
		return XXHash{}, nil
	default:
		return nil, fmt.Errorf("unknown fingerprint %q", name)
	}
}
