package eviction

import (
	"fmt"
	"time"
)

/*
This file defines how the cache decides what to remove when it runs out of space.
*/

// Candidate is the view of an entry or projection that eviction needs.
type Candidate struct {
	Key       string
	Timestamp time.Time
}

/*
Policy is the interface that all eviction strategies must follow.

The quota managers call Select with the whole current population each time
they need headroom, remove the returned keys and check again.
*/
type Policy interface {

	// Select returns the keys to remove from the population.
	// It returns at least one key for a non-empty population, so repeated
	// rounds always make progress.
	Select([]Candidate) []string
}

// PolicyType is a simple identifier for supported eviction strategies.
type PolicyType string

const (
	// Oldest removes the oldest fraction of the population by fetch time.
	Oldest PolicyType = "oldest"
)

// DefaultFraction is the share of the population removed per round.
const DefaultFraction = 0.25

// NewEvictionPolicy is a small factory function.
// Given a PolicyType, it creates the correct eviction policy.
func NewEvictionPolicy(t PolicyType) (Policy, error) {
	switch t {
	case Oldest, "":
		return OldestFirst{Fraction: DefaultFraction}, nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", t)
	}
}
