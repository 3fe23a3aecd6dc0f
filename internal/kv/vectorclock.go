package kv

import "maps"

// ClockRelation classifies how two vector clocks relate causally.
type ClockRelation int

const (
	Before ClockRelation = iota
	After
	Equal
	Concurrent
)

// VectorClock maps a writer's stable key (its ring key, typically) to a
// logical counter of writes it has made. Shared with wire.RawPut/RawGet's
// map[string]uint64 representation so no conversion is needed at the
// message boundary.
type VectorClock map[string]uint64

// Increment bumps writerID's counter, called once per local write.
func (vc VectorClock) Increment(writerID string) {
	vc[writerID]++
}

// Compare reports how vc relates to other: After/Before if one is at
// least the other on every counter and greater on at least one (a
// missing writer counts as 0), Equal if every counter matches,
// Concurrent if each is greater on at least one writer (a genuine
// conflict).
func (vc VectorClock) Compare(other VectorClock) ClockRelation {
	vcAhead, otherAhead := false, false
	for w, c := range vc {
		if c > other[w] {
			vcAhead = true
		} else if c < other[w] {
			otherAhead = true
		}
	}
	for w, c := range other {
		if _, ok := vc[w]; !ok && c > 0 {
			otherAhead = true
		}
	}
	switch {
	case !vcAhead && !otherAhead:
		return Equal
	case vcAhead && !otherAhead:
		return After
	case !vcAhead && otherAhead:
		return Before
	default:
		return Concurrent
	}
}

// Merge returns the component-wise max of vc and other, combining two
// concurrent histories without resolving which value wins.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	merged := vc.Copy()
	for w, c := range other {
		if c > merged[w] {
			merged[w] = c
		}
	}
	return merged
}

// Copy returns an independent copy, since Go maps are reference types.
func (vc VectorClock) Copy() VectorClock {
	c := make(VectorClock, len(vc))
	maps.Copy(c, vc)
	return c
}
