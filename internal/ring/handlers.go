package ring

import (
	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/overlay"
	"github.com/abelab/overlay/internal/wire"
)

// registerHandlers installs every DDLL message handler on the manager,
// the accept-side counterpart of table.go's connect-side protocol
// methods (spec.md §4.5).
func (t *Table) registerHandlers() {
	t.mgr.RegisterHandler("ForwardToPredecessor", t.handleForwardToPredecessor)
	t.mgr.RegisterHandler("JoinRightCReq", t.handleJoinRightCReq)
	t.mgr.RegisterHandler("SetRJoin", t.handleSetRJoin)
	t.mgr.RegisterHandler("SetRLeave", t.handleSetRLeave)
	t.mgr.RegisterHandler("SetL", t.handleSetL)
	t.mgr.RegisterHandler("Ping", t.handlePing)
	t.mgr.RegisterHandler("GetRight", t.handleGetRight)
	t.mgr.RegisterHandler("KeyBasedCReq", t.handleKeyBasedCReq)
}

// handleForwardToPredecessor implements the hop-by-hop forward of
// spec.md §4.5 step 1: if a closer connection is known, forward there;
// otherwise this node is the closest preceding node and processes the
// embedded JoinLeftCReq locally. alreadyClosest is checked first because
// ClosestPrecedingConnection only compares raw key values across a
// node's left AND right neighbor — it cannot tell "behind target" from
// "ahead of target" on its own, so without this gate a node that is
// already the correct predecessor would still forward, and its neighbor
// would forward right back, looping forever.
func (t *Table) handleForwardToPredecessor(ctx *overlay.Context) {
	req := ctx.Message.(*wire.ForwardToPredecessor)
	target := keyspace.Key(req.TargetKey)

	if !t.alreadyClosest(target) {
		if conn, _, ok := t.ClosestPrecedingConnection(target); ok {
			_ = t.mgr.Send(conn, req)
			return
		}
	}

	inner, err := wire.DecodeTagged(req.Embedded.Tag, req.Embedded.Payload)
	if err != nil {
		return
	}
	joinReq, ok := inner.(*wire.JoinLeftCReq)
	if !ok {
		return
	}
	reply := t.acceptJoinLeft(joinReq)
	payload, err := wire.Encode(reply)
	if err != nil {
		return
	}
	_ = ctx.Reply(&wire.ForwardToPredecessorReply{
		ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID},
		Embedded:  &wire.Envelope{Tag: "JoinLeftCReqReply", Payload: payload},
	})
}

// alreadyClosest reports whether some locally-inserted IN node already
// sits immediately before target in ring order — target falls in
// (node.Key, node.Right().Key] — meaning this process is the closest
// preceding node for target and handleForwardToPredecessor must stop
// forwarding and accept locally instead.
func (t *Table) alreadyClosest(target keyspace.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if n.Status() != In {
			continue
		}
		right := n.Right()
		if keyspace.IsOrdered(n.Key, false, target, right.Key, true) {
			return true
		}
	}
	return false
}

// acceptJoinLeft decides whether to accept a joining key as this
// process's new left-neighbor candidate: it must currently be the
// closest node to the joining key among its own local nodes.
func (t *Table) acceptJoinLeft(req *wire.JoinLeftCReq) *wire.JoinLeftCReqReply {
	joiningKey := keyspace.Key(req.JoiningKey)

	t.mu.Lock()
	var closest *Node
	for _, n := range t.nodes {
		if n.Status() != In {
			continue
		}
		if closest == nil || keyspace.IsOrdered(closest.Key, false, joiningKey, n.Key, true) {
			closest = n
		}
	}
	t.mu.Unlock()

	if closest == nil {
		if len(t.LocalKeys()) == 0 && req.IsRepair {
			return &wire.JoinLeftCReqReply{Accepted: false, RejectReason: string(overlay.ReasonSingleton)}
		}
		return &wire.JoinLeftCReqReply{Accepted: false, RejectReason: string(overlay.ReasonConstraint)}
	}
	if closest.Key == joiningKey {
		return &wire.JoinLeftCReqReply{Accepted: false, RejectReason: string(overlay.ReasonDuplicatedKey)}
	}
	return &wire.JoinLeftCReqReply{Accepted: true, LeftKey: string(closest.Key)}
}

// handleJoinRightCReq answers spec.md §4.5 step 2: the future
// right-neighbor accepts and returns its key.
func (t *Table) handleJoinRightCReq(ctx *overlay.Context) {
	req := ctx.Message.(*wire.JoinRightCReq)
	t.mu.Lock()
	var target *Node
	for _, n := range t.nodes {
		if n.Status() == In {
			target = n
			break
		}
	}
	t.mu.Unlock()
	if target == nil {
		_ = ctx.Reply(&wire.JoinRightCReqReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, Accepted: false})
		return
	}
	_ = ctx.Reply(&wire.JoinRightCReqReply{
		ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID},
		Accepted:  true, RightKey: string(target.Key),
	})
}

// handleSetRJoin atomically replaces this node's right connection with
// the joining node, provided its current right still matches rcur
// (spec.md §4.5 step 5).
func (t *Table) handleSetRJoin(ctx *overlay.Context) {
	req := ctx.Message.(*wire.SetRJoin)
	t.mu.Lock()
	var n *Node
	for _, candidate := range t.nodes {
		if candidate.Status() == In {
			n = candidate
			break
		}
	}
	t.mu.Unlock()
	if n == nil {
		_ = ctx.Reply(&wire.SetRJoinReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, Nak: true})
		return
	}

	right := n.Right()
	if string(right.Key) != req.RCur {
		_ = ctx.Reply(&wire.SetRJoinReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, Nak: true})
		return
	}

	joiningKey := keyspace.Key(ctx.Message.Head().Source.Hops[0])
	pc := t.mgr.NewPeerConnection(string(n.Key), string(joiningKey))
	pc.AddPath(wire.Path{Hops: []wire.NodeID{wire.NodeID(joiningKey)}})

	n.mu.Lock()
	n.rseq = n.rseq.Next()
	newSeq := n.rseq
	n.mu.Unlock()
	n.setRight(Neighbor{Key: joiningKey, Conn: pc})

	_ = ctx.Reply(&wire.SetRJoinReply{
		ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID},
		Ack:       true, RSeq: newSeq.Seq,
	})
}

// handleSetRLeave splices the leaving node's right neighbor in as this
// node's new right (spec.md §4.5 leave step 2).
func (t *Table) handleSetRLeave(ctx *overlay.Context) {
	req := ctx.Message.(*wire.SetRLeave)
	t.mu.Lock()
	var n *Node
	for _, candidate := range t.nodes {
		if candidate.Status() == In {
			n = candidate
			break
		}
	}
	t.mu.Unlock()
	if n == nil {
		_ = ctx.Reply(&wire.SetRLeaveReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, Nak: true})
		return
	}
	right := n.Right()
	if string(right.Key) != req.RCur {
		_ = ctx.Reply(&wire.SetRLeaveReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, Nak: true})
		return
	}

	newKey := keyspace.Key(req.RNewKey)
	pc := t.mgr.NewPeerConnection(string(n.Key), string(newKey))
	pc.AddPath(wire.Path{Hops: []wire.NodeID{wire.NodeID(newKey)}})

	n.mu.Lock()
	n.rseq = LinkSeq{Seq: req.RNewSeq}
	n.mu.Unlock()
	n.setRight(Neighbor{Key: newKey, Conn: pc})
	_ = t.mgr.Send(pc, &wire.SetL{LSeq: req.RNewSeq, LeftKey: string(n.Key)})

	_ = ctx.Reply(&wire.SetRLeaveReply{
		ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID},
		Ack:       true, RNewSeq: req.RNewSeq,
	})
}

// handleSetL installs a new left-link sequence number and neighbor key,
// sent either by a joining node to its new right neighbor or by a
// leaving node's left neighbor to the leaving node's right neighbor
// (spec.md §4.5 steps 6 and leave-step-2). A SetL received while this
// node's own leave is in flight restores status to IN; Leave then
// returns RetriableError instead of removing the node (spec.md §4.5's
// concurrency note).
func (t *Table) handleSetL(ctx *overlay.Context) {
	req := ctx.Message.(*wire.SetL)
	senderKey := keyspace.Key(req.LeftKey)

	t.mu.Lock()
	var n *Node
	for _, candidate := range t.nodes {
		if candidate.Status() == In || candidate.Status() == Del {
			n = candidate
			break
		}
	}
	t.mu.Unlock()
	if n == nil {
		return
	}

	pc := t.mgr.NewPeerConnection(string(n.Key), string(senderKey))
	pc.AddPath(wire.Path{Hops: []wire.NodeID{wire.NodeID(senderKey)}})

	n.mu.Lock()
	n.lseq = LinkSeq{Seq: req.LSeq}
	wasLeaving := n.status == Del
	n.mu.Unlock()
	n.setLeft(Neighbor{Key: senderKey, Conn: pc})

	if wasLeaving {
		n.setStatus(In)
	}
}

// handlePing answers the periodic left-link ping with this node's
// current left-successor key and rseq (spec.md §4.5).
func (t *Table) handlePing(ctx *overlay.Context) {
	req := ctx.Message.(*wire.Ping)
	target := keyspace.Key(req.TargetKey)

	n, ok := t.LocalNode(target)
	if !ok {
		return
	}
	n.mu.Lock()
	rseq := n.rseq
	right := n.right
	n.mu.Unlock()

	_ = ctx.Reply(&wire.Pong{
		ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID},
		LeftSucc:  string(right.Key), RSeq: rseq.Seq,
	})
}

// handleGetRight answers with this node's current right-neighbor key,
// used by the successor-list walk in refreshSuccessors.
func (t *Table) handleGetRight(ctx *overlay.Context) {
	req := ctx.Message.(*wire.GetRight)
	t.mu.Lock()
	var n *Node
	for _, candidate := range t.nodes {
		if candidate.Status() == In {
			n = candidate
			break
		}
	}
	t.mu.Unlock()
	if n == nil {
		return
	}
	right := n.Right()
	_ = ctx.Reply(&wire.GetRightReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, RightKey: string(right.Key)})
}

// handleKeyBasedCReq answers with the local IN node responsible for the
// requested key; it sends no reply when no local node is.
func (t *Table) handleKeyBasedCReq(ctx *overlay.Context) {
	req := ctx.Message.(*wire.KeyBasedCReq)
	target := keyspace.Key(req.TargetKey)

	t.mu.Lock()
	var owner *Node
	for _, n := range t.nodes {
		if n.Status() == In && n.Responsible(target) {
			owner = n
			break
		}
	}
	t.mu.Unlock()
	if owner == nil {
		return
	}
	_ = ctx.Reply(&wire.KeyBasedCReqReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, OwnerKey: string(owner.Key)})
}
