// Package ring implements the DDLL (distributed doubly-linked-list)
// membership protocol of spec.md §4.5: join/leave/repair, left-link
// monitoring, periodic ping, and the closest-preceding-connection
// routing rule the rest of the overlay builds on.
package ring

import (
	"fmt"

	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/overlay"
)

// Status is a ring node's membership lifecycle state (spec.md §3).
type Status int

const (
	Out Status = iota
	Ins
	In
	Del
)

func (s Status) String() string {
	switch s {
	case Out:
		return "OUT"
	case Ins:
		return "INS"
	case In:
		return "IN"
	case Del:
		return "DEL"
	default:
		return "UNKNOWN"
	}
}

// RepairStatus tracks where an in-progress repair is in its protocol.
type RepairStatus int

const (
	RepairNone RepairStatus = iota
	WaitPeriod
	WaitPong
	WaitConnect
	WaitRightReply
	WaitAck
)

// LinkSeq is a (recovery, seq) pair with lexicographic ordering: each
// recovery increments the recovery number and resets seq; each
// non-recovery update increments seq (spec.md §4.5).
type LinkSeq struct {
	Recovery uint64
	Seq      uint64
}

// Less reports whether l sorts strictly before o.
func (l LinkSeq) Less(o LinkSeq) bool {
	if l.Recovery != o.Recovery {
		return l.Recovery < o.Recovery
	}
	return l.Seq < o.Seq
}

// Equal reports whether l and o are the same link-sequence point.
func (l LinkSeq) Equal(o LinkSeq) bool { return l.Recovery == o.Recovery && l.Seq == o.Seq }

// Next returns the next non-recovery link-sequence value.
func (l LinkSeq) Next() LinkSeq { return LinkSeq{Recovery: l.Recovery, Seq: l.Seq + 1} }

// Recovered returns the next recovery link-sequence value (seq reset).
func (l LinkSeq) Recovered() LinkSeq { return LinkSeq{Recovery: l.Recovery + 1, Seq: 0} }

func (l LinkSeq) String() string { return fmt.Sprintf("(%d,%d)", l.Recovery, l.Seq) }

// Neighbor is what a ring node knows about one of its two link
// neighbors: the key it believes that neighbor owns, and the
// peer-connection by which the link is realized. Ring is a downstream
// consumer of the connection manager (it imports overlay directly; the
// dependency inversion in spec.md §9 only needs to break the opposite
// direction, overlay -> ring, which is handled by the tag->Handler
// registry instead).
type Neighbor struct {
	Key  keyspace.Key
	Conn *overlay.PeerConnection
}
