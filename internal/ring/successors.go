package ring

import (
	"context"

	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/overlay"
	"github.com/abelab/overlay/internal/wire"
)

// refreshSuccessors rebuilds n's bounded pSuccessors list by walking
// rightward one hop at a time: the immediate right neighbor is already
// known, each further entry is learned by asking the previous hop for
// its own right neighbor (GetRight) and connecting to it. Triggered on
// every right-link change via OnRightChange (spec.md §9's pSuccessors
// open question — resolved as an explicit, idempotent refresh rather
// than an implicit side effect of the link change itself).
func (t *Table) refreshSuccessors(n *Node) {
	size := t.cfg.SuccessorListSize
	if size <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ReplyTimeout)
	defer cancel()

	first := n.Right()
	if first.Conn == nil {
		n.setSuccessors(nil)
		return
	}
	if _, local := t.LocalNode(first.Key); local {
		// Self-loop (singleton ring): no further hops to walk.
		n.setSuccessors([]Neighbor{first})
		return
	}

	list := []Neighbor{first}
	via := first.Conn
	for i := 1; i < size; i++ {
		nextKey, err := t.queryRight(ctx, via)
		if err != nil || nextKey == "" || nextKey == n.Key {
			break // no further hop, or the walk wrapped back to self
		}
		if containsKey(list, nextKey) {
			break // wrapped back onto an already-listed successor
		}
		pc, err := t.mgr.Connect(ctx, via, string(nextKey), overlay.Capabilities{})
		if err != nil {
			break
		}
		list = append(list, Neighbor{Key: nextKey, Conn: pc})
		via = pc
	}
	n.setSuccessors(list)
}

func containsKey(list []Neighbor, key keyspace.Key) bool {
	for _, nb := range list {
		if nb.Key == key {
			return true
		}
	}
	return false
}

// queryRight asks the node reachable via conn for its current
// right-neighbor key.
func (t *Table) queryRight(ctx context.Context, conn *overlay.PeerConnection) (keyspace.Key, error) {
	req := &wire.GetRight{}
	replyCh := make(chan *wire.GetRightReply, 1)
	errCh := make(chan error, 1)
	if err := t.mgr.Request(conn, req, "GetRightReply", t.cfg.ReplyTimeout, false,
		func(reply wire.Message) { replyCh <- reply.(*wire.GetRightReply) },
		func(err error) { errCh <- err }); err != nil {
		return "", err
	}
	select {
	case reply := <-replyCh:
		return keyspace.Key(reply.RightKey), nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
