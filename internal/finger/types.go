// Package finger implements the Kirin finger-table construction
// protocol of spec.md §4.6: two tables, forward (FFT, clockwise) and
// backward (BFT, anticlockwise), each level targeting a node roughly
// 2^level positions away, built by a greedy hop-by-hop walk along the
// same-direction finger one level down.
package finger

import (
	"math/bits"

	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/overlay"
)

// Direction is which of the two tables an update concerns.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// Entry is one finger-table slot: the key currently believed to sit
// roughly 2^Level positions away, and the peer-connection reaching it.
type Entry struct {
	Level int
	Key   keyspace.Key
	Conn  *overlay.PeerConnection

	// closeAcked is not read anywhere: setEntry closes a replaced
	// entry's connection immediately, with no half-close handshake
	// (spec.md §4.6's "Connection replacement").
	closeAcked bool
}

// distanceStep picks the largest finger level no greater than cap whose 2^level
// step does not overshoot distance, i.e. min(floor(log2(distance)),
// cap).
func distanceStep(distance, cap int) int {
	if distance <= 0 {
		return 0
	}
	step := bits.Len(uint(distance)) - 1
	if step > cap {
		step = cap
	}
	if step < 0 {
		step = 0
	}
	return step
}
