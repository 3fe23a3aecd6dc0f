// Package keyspace implements the circular key space shared by the ring,
// finger-table, and multicast layers: a total order on opaque string keys
// plus interval and rotation helpers for reasoning about clockwise
// distance on the ring.
package keyspace

import "sort"

// Key is an opaque ring key. Ordering is plain string comparison; the
// overlay never interprets key contents.
type Key string

// IsOrdered reports whether val lies on the clockwise arc from `from` to
// `to`, with each endpoint included or excluded per fromInclusive /
// toInclusive.
//
// Degenerate case: from == to. The arc covers the whole ring unless both
// endpoints have the same inclusivity, in which case the arc contains only
// val == from.
func IsOrdered(from Key, fromInclusive bool, val Key, to Key, toInclusive bool) bool {
	if from == to {
		if fromInclusive == toInclusive {
			return val == from
		}
		return true
	}

	lowOK := val > from || (fromInclusive && val == from)
	highOK := val < to || (toInclusive && val == to)

	if from < to {
		// Non-wrapping arc: both bounds must hold simultaneously.
		return lowOK && highOK
	}
	// Wrapping arc (from > to): val is in range if it clears the low bound
	// going up to the ring's top, or clears the high bound from the
	// bottom of the ring.
	return lowOK || highOK
}

// Responsible reports whether a node owning [self, right) is responsible
// for key k — i.e. k falls in the half-open interval [self, right).
func Responsible(self, right, k Key) bool {
	return IsOrdered(self, true, k, right, false)
}

// SortFrom returns a copy of keys, sorted ascending and then rotated so
// the first element is the smallest key clockwise from pivot: strictly
// greater than pivot, or equal to it when inclusive is true.
func SortFrom(keys []Key, pivot Key, inclusive bool) []Key {
	sorted := make([]Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := sort.Search(len(sorted), func(i int) bool {
		if inclusive {
			return sorted[i] >= pivot
		}
		return sorted[i] > pivot
	})
	if idx == len(sorted) {
		idx = 0
	}
	out := make([]Key, 0, len(sorted))
	out = append(out, sorted[idx:]...)
	out = append(out, sorted[:idx]...)
	return out
}

// ClosestPreceding returns the element of keys that most closely (but not
// necessarily strictly, per inclusive) precedes target in clockwise order,
// or "", false if keys is empty. Equivalent to taking the last element of
// SortFrom(keys, target, !inclusive) rotated one step back; implemented
// directly for clarity.
func ClosestPreceding(keys []Key, target Key, inclusive bool) (Key, bool) {
	if len(keys) == 0 {
		return "", false
	}
	sorted := make([]Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	best := sorted[len(sorted)-1]
	found := false
	for _, k := range sorted {
		if k < target || (inclusive && k == target) {
			best = k
			found = true
		}
	}
	if !found {
		// Every key is >= target (or > target when exclusive): the
		// closest preceding one, circularly, is the largest key.
		return sorted[len(sorted)-1], true
	}
	return best, true
}
