// This file defines how cache entries expire over time.

package expiration

import (
	"time"

	"github.com/krisalay/weather-cache/policy"
)

/*
Strategy decides whether something stamped at ts is too old under a policy.
The cache uses two strategies: one for serving (MaxAge) and one for the
periodic sweep (Retention).
*/
type Strategy interface {
	IsExpired(ts time.Time, pol policy.Policy, now time.Time) bool
}

// MaxAge treats an entry as stale once its age reaches the policy's MaxAge.
// An entry is fresh while now − ts < MaxAge.
type MaxAge struct{}

func (MaxAge) IsExpired(ts time.Time, pol policy.Policy, now time.Time) bool {
	return now.Sub(ts) >= pol.MaxAge
}

// Retention expires entries older than Factor × MaxAge. It is used for
// housekeeping and never decides whether a value may be served.
type Retention struct {
	Factor int
}

// DefaultRetention is the sweep rule: twice the policy's MaxAge.
var DefaultRetention = Retention{Factor: 2}

func (r Retention) IsExpired(ts time.Time, pol policy.Policy, now time.Time) bool {
	factor := r.Factor
	if factor < 1 {
		factor = 1
	}
	return now.Sub(ts) > time.Duration(factor)*pol.MaxAge
}
