// Package policy holds the per-type freshness rules of the cache.
package policy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/krisalay/weather-cache/types"
)

// Policy is the freshness rule set of one type.
type Policy struct {
	// MaxAge is how long an entry is served without a fetch.
	MaxAge time.Duration

	// BackgroundRefresh schedules an asynchronous refetch after every hit.
	BackgroundRefresh bool

	Priority types.Priority
}

// Built-in type names.
const (
	TypeWeather = "weather"
	TypeSummary = "summary"
	TypeHistory = "history"
	TypeStatic  = "static"
)

// Defaults returns the built-in tiers. "weather" is the default type.
func Defaults() map[string]Policy {
	return map[string]Policy{
		// city, grid and port readings: high volatility
		TypeWeather: {MaxAge: 30 * time.Minute, BackgroundRefresh: true, Priority: types.PriorityHigh},
		// aggregates over the whole data set
		TypeSummary: {MaxAge: time.Hour, BackgroundRefresh: true, Priority: types.PriorityMedium},
		TypeHistory: {MaxAge: 6 * time.Hour, Priority: types.PriorityMedium},
		// port metadata and other near-static documents
		TypeStatic: {MaxAge: 24 * time.Hour, Priority: types.PriorityLow},
	}
}

/*
Registry maps type names to policies.

Lookups for an unregistered type return the default policy rather than
failing. The registry may be changed at runtime; entries already cached
are judged by the policy in force at the time of the check.
*/
type Registry struct {
	mu          sync.RWMutex
	policies    map[string]Policy
	defaultType string
}

// NewRegistry returns a registry holding Defaults with "weather" as default.
func NewRegistry() *Registry {
	return &Registry{
		policies:    Defaults(),
		defaultType: TypeWeather,
	}
}

// Lookup returns the policy for typ, or the default policy.
func (r *Registry) Lookup(typ string) Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.policies[typ]; ok {
		return p
	}
	return r.policies[r.defaultType]
}

// Resolve maps typ to the name that Lookup would use.
// An empty or unknown type resolves to the default type.
func (r *Registry) Resolve(typ string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.policies[typ]; ok {
		return typ
	}
	return r.defaultType
}

// Set registers or replaces the policy of typ.
func (r *Registry) Set(typ string, p Policy) error {
	if err := validate(typ, p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[typ] = p
	return nil
}

// SetDefault changes the fallback type. The type must be registered.
func (r *Registry) SetDefault(typ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.policies[typ]; !ok {
		return fmt.Errorf("policy %q is not registered", typ)
	}
	r.defaultType = typ
	return nil
}

// DefaultType returns the name of the fallback type.
func (r *Registry) DefaultType() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultType
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validate(typ string, p Policy) error {
	if typ == "" {
		return fmt.Errorf("policy type is required")
	}
	if p.MaxAge <= 0 {
		return fmt.Errorf("policy %q: max age must be positive", typ)
	}
	if !p.Priority.Valid() {
		return fmt.Errorf("policy %q: unknown priority %q", typ, p.Priority)
	}
	return nil
}
