// This file implements oldest-first batch eviction.

package eviction

import (
	"math"
	"sort"
)

// OldestFirst evicts ceil(Fraction × population) candidates in ascending
// timestamp order, and never fewer than one.
type OldestFirst struct {
	Fraction float64
}

func (o OldestFirst) Select(cands []Candidate) []string {
	if len(cands) == 0 {
		return nil
	}

	fraction := o.Fraction
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultFraction
	}
	n := int(math.Ceil(float64(len(cands)) * fraction))
	if n < 1 {
		n = 1
	}

	// Work on a copy so the caller's slice keeps its order.
	sorted := make([]Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Key < sorted[j].Key
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	keys := make([]string, n)
	for i := range keys {
		keys[i] = sorted[i].Key
	}
	return keys
}
