package ring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/cleaner"
	"github.com/abelab/overlay/internal/config"
	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/overlay"
	"github.com/abelab/overlay/internal/wire"
)

// Node is one locally-inserted ring member: a LocalKey this process
// participates under, with its left/right neighbors and DDLL link-state
// (spec.md §3's "Ring node state").
type Node struct {
	table *Table
	Key   keyspace.Key

	mu           sync.Mutex
	status       Status
	left, right  Neighbor
	lseq, rseq   LinkSeq
	repairStatus RepairStatus
	successors   []Neighbor

	cleaner *cleaner.Cleaner

	onStatusChange []func(Status)
	onLeftChange   []func(Neighbor)
	onRightChange  []func(Neighbor)
}

// Status returns the node's current membership status.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *Node) setStatus(s Status) {
	n.mu.Lock()
	n.status = s
	cbs := append([]func(Status){}, n.onStatusChange...)
	n.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

// Left returns a snapshot of the current left neighbor.
func (n *Node) Left() Neighbor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.left
}

// Right returns a snapshot of the current right neighbor.
func (n *Node) Right() Neighbor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.right
}

func (n *Node) setLeft(nb Neighbor) {
	n.mu.Lock()
	n.left = nb
	cbs := append([]func(Neighbor){}, n.onLeftChange...)
	n.mu.Unlock()
	for _, cb := range cbs {
		cb(nb)
	}
}

func (n *Node) setRight(nb Neighbor) {
	n.mu.Lock()
	n.right = nb
	cbs := append([]func(Neighbor){}, n.onRightChange...)
	n.mu.Unlock()
	for _, cb := range cbs {
		cb(nb)
	}
}

// OnStatusChange registers an observer for status transitions.
func (n *Node) OnStatusChange(fn func(Status)) {
	n.mu.Lock()
	n.onStatusChange = append(n.onStatusChange, fn)
	n.mu.Unlock()
}

// OnLeftChange registers an observer for left-link changes.
func (n *Node) OnLeftChange(fn func(Neighbor)) {
	n.mu.Lock()
	n.onLeftChange = append(n.onLeftChange, fn)
	n.mu.Unlock()
}

// OnRightChange registers an observer for right-link changes.
func (n *Node) OnRightChange(fn func(Neighbor)) {
	n.mu.Lock()
	n.onRightChange = append(n.onRightChange, fn)
	n.mu.Unlock()
}

// Responsible reports whether this node currently owns key k: k falls
// in [Key, right.Key).
func (n *Node) Responsible(k keyspace.Key) bool {
	right := n.Right()
	return keyspace.Responsible(n.Key, right.Key, k)
}

// PSuccessors returns the keys of the cached successor list used by the
// KV collaborator to seed and replicate against (spec.md §9's
// pSuccessors open question; resolved as a bounded ring-walk refreshed
// on every right-link change, see Table.refreshSuccessors).
func (n *Node) PSuccessors() []keyspace.Key {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]keyspace.Key, len(n.successors))
	for i, nb := range n.successors {
		out[i] = nb.Key
	}
	return out
}

// SuccessorConns returns the cached successor list with its live peer
// connections, for collaborators (the KV replica fan-out) that need to
// actually address those nodes rather than just know their keys.
func (n *Node) SuccessorConns() []Neighbor {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Neighbor, len(n.successors))
	copy(out, n.successors)
	return out
}

func (n *Node) setSuccessors(list []Neighbor) {
	n.mu.Lock()
	n.successors = list
	n.mu.Unlock()
}

// Table owns every locally-inserted ring Node and the message handlers
// that implement DDLL join/leave/repair/ping against the connection
// manager (spec.md §4.5).
type Table struct {
	mgr *overlay.Manager
	cfg *config.Config
	log *logrus.Entry

	mu    sync.Mutex
	nodes map[keyspace.Key]*Node

	// seedSuccessor, if set, is invoked after a successful join/repair so
	// the KV collaborator can pull its initial replica set from the new
	// right neighbor. Wired by internal/node to avoid ring importing kv.
	seedSuccessor func(self keyspace.Key, successor keyspace.Key)
}

// NewTable creates an empty ring Table and registers its message
// handlers on mgr.
func NewTable(mgr *overlay.Manager, cfg *config.Config, log *logrus.Entry) *Table {
	t := &Table{mgr: mgr, cfg: cfg, log: log, nodes: make(map[keyspace.Key]*Node)}
	t.registerHandlers()
	mgr.SetConnectionAcceptor(t.acceptConnection)
	return t
}

// acceptConnection is the ring table's ConnectionAcceptor (spec.md
// §4.2's decision table): accept only keys this process has actually
// inserted into the ring.
func (t *Table) acceptConnection(targetKey string) overlay.AcceptDecision {
	if _, ok := t.LocalNode(keyspace.Key(targetKey)); ok {
		return overlay.AcceptDecision{Accept: true, LocalKey: targetKey}
	}
	return overlay.AcceptDecision{Accept: false, Reject: overlay.ReasonNoSuchKey}
}

// OnSeedSuccessor installs the KV collaborator's replica-seeding hook.
func (t *Table) OnSeedSuccessor(fn func(self, successor keyspace.Key)) { t.seedSuccessor = fn }

// LocalNode returns the Node for a locally-inserted key, if any.
func (t *Table) LocalNode(key keyspace.Key) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[key]
	return n, ok
}

// LocalKeys returns every key this process currently participates under.
func (t *Table) LocalKeys() []keyspace.Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]keyspace.Key, 0, len(t.nodes))
	for k := range t.nodes {
		out = append(out, k)
	}
	return out
}

// newLocalNode allocates a Node in status OUT, registered in the table.
func (t *Table) newLocalNode(key keyspace.Key) *Node {
	n := &Node{table: t, Key: key, status: Out, cleaner: cleaner.New()}
	n.OnRightChange(func(Neighbor) { go t.refreshSuccessors(n) })
	t.mu.Lock()
	t.nodes[key] = n
	t.mu.Unlock()
	return n
}

// ClosestPrecedingConnection implements spec.md §4.5's routing rule:
// among every valid peer-connection belonging to any locally-inserted
// ring node (excluding suspicious remote nodes), return the one whose
// key most closely precedes target.
func (t *Table) ClosestPrecedingConnection(target keyspace.Key) (*overlay.PeerConnection, keyspace.Key, bool) {
	t.mu.Lock()
	type candidate struct {
		key  keyspace.Key
		conn *overlay.PeerConnection
	}
	var candidates []candidate
	for _, n := range t.nodes {
		for _, nb := range []Neighbor{n.Left(), n.Right()} {
			if nb.Conn == nil {
				continue
			}
			if _, local := t.nodes[nb.Key]; local {
				// A self-loop neighbor (single-node ring) is not a
				// forwarding target: the local node itself already is
				// the closest preceding node for that key.
				continue
			}
			if t.mgr.IsSuspicious(wire.NodeID(nb.Key)) {
				continue
			}
			candidates = append(candidates, candidate{key: nb.Key, conn: nb.Conn})
		}
	}
	t.mu.Unlock()

	if len(candidates) == 0 {
		return nil, "", false
	}
	keys := make([]keyspace.Key, len(candidates))
	byKey := make(map[keyspace.Key]*overlay.PeerConnection, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
		byKey[c.key] = c.conn
	}
	best, ok := keyspace.ClosestPreceding(keys, target, false)
	if !ok {
		return nil, "", false
	}
	return byKey[best], best, true
}

// Join runs the DDLL join protocol (spec.md §4.5): forward a
// JoinLeftCReq to the closest preceding node via introducer, connect
// rightward from there, verify positional validity, and splice in.
func (t *Table) Join(ctx context.Context, key keyspace.Key, introducer *overlay.PeerConnection, isRepair bool) (*Node, error) {
	n, existing := t.LocalNode(key)
	if !existing {
		n = t.newLocalNode(key)
	}
	n.setStatus(Ins)

	leftConn, leftKey, err := t.forwardJoinLeft(ctx, introducer, key, isRepair)
	if err != nil {
		if isRepair && isSingletonCause(err) {
			// No other node could be reached to act as predecessor: per
			// spec.md §4.5's singleton exception, become a one-node ring.
			// Covers both a real peer explicitly rejecting with SINGLETON
			// (it recognized key as its own) and a locally-detected
			// NotConnectedError (introducer is a bare self-loop
			// peer-connection, the trick bootstrapSingleton/node.Join use
			// when no other peer is configured at all).
			self := t.mgr.NewPeerConnection(string(key), string(key))
			self.AddPath(wire.Path{Hops: []wire.NodeID{t.mgr.SelfID}})
			n.setLeft(Neighbor{Key: key, Conn: self})
			n.setRight(Neighbor{Key: key, Conn: self})
			n.setStatus(In)
			t.startPingCycle(n)
			return n, nil
		}
		n.setStatus(Out)
		return nil, err
	}

	rightConn, rightKey, err := t.sendJoinRight(ctx, leftConn, key)
	if err != nil {
		n.setStatus(Out)
		return nil, err
	}

	if !keyspace.IsOrdered(leftKey, true, key, rightKey, false) {
		n.setStatus(Out)
		return nil, &overlay.RetriableError{Cause: fmt.Errorf("ring: positional check failed for key %s between %s and %s", key, leftKey, rightKey)}
	}

	ack, err := t.sendSetRJoin(ctx, leftConn, rightKey, n.lseq)
	if err != nil {
		n.setStatus(Out)
		return nil, err
	}

	n.mu.Lock()
	n.rseq = LinkSeq{Recovery: ack.RSeq}
	n.mu.Unlock()

	if err := t.sendSetL(ctx, rightConn, n.rseq, key); err != nil {
		n.setStatus(Out)
		return nil, err
	}

	n.setLeft(Neighbor{Key: leftKey, Conn: leftConn})
	n.setRight(Neighbor{Key: rightKey, Conn: rightConn})
	n.setStatus(In)
	t.startPingCycle(n)

	if t.seedSuccessor != nil {
		t.seedSuccessor(key, rightKey)
	}
	return n, nil
}

func (t *Table) forwardJoinLeft(ctx context.Context, via *overlay.PeerConnection, joiningKey keyspace.Key, isRepair bool) (*overlay.PeerConnection, keyspace.Key, error) {
	embeddedTag := "JoinLeftCReq"
	embedded := &wire.JoinLeftCReq{JoiningKey: string(joiningKey), IsRepair: isRepair}
	payload, err := wire.Encode(embedded)
	if err != nil {
		return nil, "", err
	}

	req := &wire.ForwardToPredecessor{
		TargetKey: string(joiningKey),
		Embedded:  &wire.Envelope{Tag: embeddedTag, Payload: payload},
	}

	resultCh := make(chan *wire.ForwardToPredecessorReply, 1)
	errCh := make(chan error, 1)
	if err := t.mgr.Request(via, req, "ForwardToPredecessorReply", t.cfg.ReplyTimeout, false,
		func(reply wire.Message) { resultCh <- reply.(*wire.ForwardToPredecessorReply) },
		func(err error) { errCh <- err }); err != nil {
		return nil, "", err
	}

	select {
	case reply := <-resultCh:
		inner, err := wire.DecodeTagged(reply.Embedded.Tag, reply.Embedded.Payload)
		if err != nil {
			return nil, "", err
		}
		joinReply, ok := inner.(*wire.JoinLeftCReqReply)
		if !ok || !joinReply.Accepted {
			reason := ReasonFromReply(joinReply)
			return nil, "", &overlay.RejectionError{Reason: reason}
		}
		pc := t.mgr.NewPeerConnection(string(joiningKey), joinReply.LeftKey)
		pc.AddPath(wire.Path{Hops: []wire.NodeID{wire.NodeID(joinReply.LeftKey)}})
		return pc, keyspace.Key(joinReply.LeftKey), nil
	case err := <-errCh:
		return nil, "", err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// isSingletonCause reports whether err means "no predecessor reachable"
// rather than some other join failure: either a real peer rejected with
// SINGLETON, or the introducer was never a real connection to begin
// with (NotConnectedError from a self-loop peer-connection).
func isSingletonCause(err error) bool {
	var rerr *overlay.RejectionError
	if errors.As(err, &rerr) && rerr.Reason == overlay.ReasonSingleton {
		return true
	}
	var nce *overlay.NotConnectedError
	return errors.As(err, &nce)
}

// ReasonFromReply extracts a RejectReason from a JoinLeftCReqReply,
// defaulting to CONSTRAINT when unset.
func ReasonFromReply(r *wire.JoinLeftCReqReply) overlay.RejectReason {
	if r == nil || r.RejectReason == "" {
		return overlay.ReasonConstraint
	}
	return overlay.RejectReason(r.RejectReason)
}

func (t *Table) sendJoinRight(ctx context.Context, left *overlay.PeerConnection, joiningKey keyspace.Key) (*overlay.PeerConnection, keyspace.Key, error) {
	req := &wire.JoinRightCReq{JoiningKey: string(joiningKey)}
	resultCh := make(chan *wire.JoinRightCReqReply, 1)
	errCh := make(chan error, 1)
	if err := t.mgr.Request(left, req, "JoinRightCReqReply", t.cfg.ReplyTimeout, false,
		func(reply wire.Message) { resultCh <- reply.(*wire.JoinRightCReqReply) },
		func(err error) { errCh <- err }); err != nil {
		return nil, "", err
	}
	select {
	case reply := <-resultCh:
		if !reply.Accepted {
			return nil, "", &overlay.RetriableError{Cause: fmt.Errorf("ring: JoinRightCReq rejected")}
		}
		pc := t.mgr.NewPeerConnection(string(joiningKey), reply.RightKey)
		pc.AddPath(wire.Path{Hops: []wire.NodeID{wire.NodeID(reply.RightKey)}})
		return pc, keyspace.Key(reply.RightKey), nil
	case err := <-errCh:
		return nil, "", err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

func (t *Table) sendSetRJoin(ctx context.Context, left *overlay.PeerConnection, rightKey keyspace.Key, cur LinkSeq) (*wire.SetRJoinReply, error) {
	req := &wire.SetRJoin{RCur: string(rightKey), RNewSeq: cur.Seq}
	resultCh := make(chan *wire.SetRJoinReply, 1)
	errCh := make(chan error, 1)
	if err := t.mgr.Request(left, req, "SetRJoinReply", t.cfg.ReplyTimeout, false,
		func(reply wire.Message) { resultCh <- reply.(*wire.SetRJoinReply) },
		func(err error) { errCh <- err }); err != nil {
		return nil, err
	}
	select {
	case reply := <-resultCh:
		if reply.Nak || !reply.Ack {
			return nil, &overlay.RetriableError{Cause: fmt.Errorf("ring: SetRJoin nak")}
		}
		return reply, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Table) sendSetL(ctx context.Context, right *overlay.PeerConnection, lseq LinkSeq, leftKey keyspace.Key) error {
	return t.mgr.Send(right, &wire.SetL{LSeq: lseq.Seq, LeftKey: string(leftKey)})
}

// Leave runs the DDLL leave protocol (spec.md §4.5).
func (t *Table) Leave(ctx context.Context, n *Node) error {
	n.mu.Lock()
	if n.repairStatus != RepairNone {
		n.mu.Unlock()
		return &overlay.RetriableError{Cause: fmt.Errorf("ring: repair in progress, cannot leave yet")}
	}
	left, right := n.left, n.right
	rseq := n.rseq
	n.mu.Unlock()

	n.setStatus(Del)

	req := &wire.SetRLeave{RCur: string(right.Key), RNewSeq: rseq.Next().Seq, RNewKey: string(right.Key)}
	resultCh := make(chan *wire.SetRLeaveReply, 1)
	errCh := make(chan error, 1)
	if err := t.mgr.Request(left.Conn, req, "SetRLeaveReply", t.cfg.ReplyTimeout, false,
		func(reply wire.Message) { resultCh <- reply.(*wire.SetRLeaveReply) },
		func(err error) { errCh <- err }); err != nil {
		n.setStatus(In)
		return err
	}

	select {
	case reply := <-resultCh:
		if n.Status() != Del {
			// A SetL arrived during the leave and restored status IN.
			return &overlay.RetriableError{Cause: fmt.Errorf("ring: SetL received during leave, retry leave")}
		}
		if reply.Nak || !reply.Ack {
			n.setStatus(In)
			return &overlay.RetriableError{Cause: fmt.Errorf("ring: SetRLeave nak, retry leave")}
		}
		t.mu.Lock()
		delete(t.nodes, n.Key)
		t.mu.Unlock()
		n.cleaner.Clean()
		return nil
	case err := <-errCh:
		n.setStatus(In)
		return err
	case <-ctx.Done():
		n.setStatus(In)
		return ctx.Err()
	}
}

// startPingCycle arranges for Ping to be sent every PING_PERIOD along
// the left link, triggering repair on any mismatch (spec.md §4.5).
func (t *Table) startPingCycle(n *Node) {
	var tick func()
	tick = func() {
		if n.Status() != In {
			return
		}
		left := n.Left()
		if left.Conn == nil {
			n.cleaner.SetTimer("ping", t.cfg.PingPeriod, tick)
			return
		}
		t.sendPing(n, left)
		n.cleaner.SetTimer("ping", t.cfg.PingPeriod, tick)
	}
	n.cleaner.SetTimer("ping", t.cfg.PingPeriod, tick)
}

func (t *Table) sendPing(n *Node, left Neighbor) {
	req := &wire.Ping{TargetKey: string(left.Key)}
	deadline := t.cfg.AckTimeout + t.cfg.ReplyTimeout
	timer := time.AfterFunc(deadline, func() { t.repairAsync(n) })
	err := t.mgr.Request(left.Conn, req, "Pong", deadline, false,
		func(reply wire.Message) {
			timer.Stop()
			pong := reply.(*wire.Pong)
			n.mu.Lock()
			mismatch := pong.LeftSucc != string(n.Key) || LinkSeq{Seq: pong.RSeq} != n.lseq
			n.mu.Unlock()
			if mismatch {
				t.repairAsync(n)
			}
		},
		func(error) { timer.Stop(); t.repairAsync(n) })
	if err != nil {
		timer.Stop()
		t.repairAsync(n)
	}
}

func (t *Table) repairAsync(n *Node) {
	n.mu.Lock()
	if n.repairStatus != RepairNone {
		n.mu.Unlock()
		return
	}
	n.repairStatus = WaitPeriod
	n.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ReplyTimeout*time.Duration(t.cfg.NumberOfRetry))
		defer cancel()
		_, err := t.Repair(ctx, n)
		n.mu.Lock()
		n.repairStatus = RepairNone
		n.mu.Unlock()
		if err != nil && t.log != nil {
			t.log.WithError(err).WithField("key", n.Key).Warn("ring repair failed")
		}
	}()
}

// Repair re-joins a node whose left link has failed, incrementing its
// recovery number on success (spec.md §4.5's Repair algorithm). introducer
// is self if no portal is cached, matching "permit singleton and retry
// from self" — Join itself resolves the singleton exception when no
// other node answers.
func (t *Table) Repair(ctx context.Context, n *Node) (*Node, error) {
	self := t.mgr.NewPeerConnection(string(n.Key), string(n.Key))
	self.AddPath(wire.Path{Hops: []wire.NodeID{t.mgr.SelfID}})

	repaired, err := t.Join(ctx, n.Key, self, true)
	if err != nil {
		return nil, err
	}
	repaired.mu.Lock()
	repaired.lseq = repaired.lseq.Recovered()
	repaired.mu.Unlock()
	return repaired, nil
}
