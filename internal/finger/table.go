package finger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/config"
	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/overlay"
	"github.com/abelab/overlay/internal/ring"
	"github.com/abelab/overlay/internal/wire"
)

// Table owns one local key's forward and backward finger tables, and
// the message handler that answers other nodes' FTUpdateCReq walks
// (spec.md §4.6). Level 0 of each table is read directly from the
// DDLL ring rather than stored, since it is already maintained there.
type Table struct {
	mgr  *overlay.Manager
	node *ring.Node
	cfg  *config.Config
	log  *logrus.Entry
	self keyspace.Key

	mu       sync.Mutex
	fft      []*Entry // index 1..N; index 0 unused (ring supplies it)
	bft      []*Entry
	periodic bool // CIRCULATED reached: tables are done growing
}

// NewTable creates an empty finger Table bound to one ring node and
// registers its message handler on mgr.
func NewTable(mgr *overlay.Manager, node *ring.Node, cfg *config.Config, log *logrus.Entry) *Table {
	t := &Table{mgr: mgr, node: node, cfg: cfg, log: log, self: node.Key}
	mgr.RegisterHandler("FTUpdateCReq", t.handleFTUpdateCReq)
	return t
}

// entryAt returns the finger entry at (dir, level), reading level 0
// from the ring node's current left/right neighbor.
func (t *Table) entryAt(dir Direction, level int) *Entry {
	if level <= 0 {
		var nb ring.Neighbor
		if dir == Forward {
			nb = t.node.Right()
		} else {
			nb = t.node.Left()
		}
		if nb.Conn == nil {
			return nil
		}
		return &Entry{Level: 0, Key: nb.Key, Conn: nb.Conn}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	table := t.fft
	if dir == Backward {
		table = t.bft
	}
	if level >= len(table) {
		return nil
	}
	return table[level]
}

func (t *Table) setEntry(dir Direction, level int, e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	table := &t.fft
	if dir == Backward {
		table = &t.bft
	}
	for len(*table) <= level {
		*table = append(*table, nil)
	}
	if old := (*table)[level]; old != nil && old.Conn != nil {
		old.Conn.Close(t.mgr)
	}
	(*table)[level] = e
}

func (t *Table) trimTo(dir Direction, level int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	table := &t.fft
	if dir == Backward {
		table = &t.bft
	}
	if level+1 < len(*table) {
		*table = (*table)[:level+1]
	}
	t.periodic = true
}

// IsPeriodic reports whether table growth has completed (a CIRCULATED
// rejection has been seen) and only periodic refresh remains.
func (t *Table) IsPeriodic() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.periodic
}

// Entries returns every currently-known finger at or above level 1 for
// dir, letting collaborators (the multicast engine's candidate search)
// walk the table without reaching into its internals.
func (t *Table) Entries(dir Direction) []*Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	table := t.fft
	if dir == Backward {
		table = t.bft
	}
	out := make([]*Entry, 0, len(table))
	for _, e := range table {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// GrowOneLevel attempts to extend dir's table by one level, the unit
// of work a periodic or startup finger-maintenance loop repeats until
// IsPeriodic() is true (spec.md §4.6).
func (t *Table) GrowOneLevel(ctx context.Context, dir Direction) error {
	t.mu.Lock()
	table := t.fft
	if dir == Backward {
		table = t.bft
	}
	level := len(table)
	if level == 0 {
		level = 1
	}
	t.mu.Unlock()

	return t.updateLevel(ctx, dir, level)
}

// updateLevel runs one level's update: send FTUpdateCReq along the
// same-direction finger one level down, greedy-forwarding distance
// 2^level (spec.md §4.6).
func (t *Table) updateLevel(ctx context.Context, dir Direction, level int) error {
	hop := t.entryAt(dir, level-1)
	if hop == nil {
		return fmt.Errorf("finger: no level-%d hop to grow level %d", level-1, level)
	}

	cur := t.entryAt(dir, level)
	sourceKey := ""
	if cur != nil {
		sourceKey = string(cur.Key)
	}

	total := 1 << uint(level)
	// The first hop (to hop.Conn) is itself a step of size 2^(level-1);
	// account for it here so the receiving node's distance<=0 check
	// means exactly what it says (every subsequent hop in
	// handleFTUpdateCReq decrements the same way before forwarding).
	remaining := total - (1 << uint(level-1))
	req := &wire.FTUpdateCReq{
		Direction: string(dir), Distance: remaining, Total: total, Level: level,
		SourceKey: sourceKey, RequesterKey: string(t.self),
	}

	replyCh := make(chan *wire.FTUpdateCReqReply, 1)
	errCh := make(chan error, 1)
	if err := t.mgr.Request(hop.Conn, req, "FTUpdateCReqReply", t.cfg.ReplyTimeout, false,
		func(reply wire.Message) { replyCh <- reply.(*wire.FTUpdateCReqReply) },
		func(err error) { errCh <- err }); err != nil {
		return err
	}

	select {
	case reply := <-replyCh:
		if !reply.Accepted {
			switch overlay.RejectReason(reply.RejectReason) {
			case overlay.ReasonCirculated:
				t.trimTo(dir, level-1)
				return nil
			case overlay.ReasonNotChanged:
				return nil
			default:
				return &overlay.RejectionError{Reason: overlay.RejectReason(reply.RejectReason)}
			}
		}
		pc := t.mgr.NewPeerConnection(string(t.self), reply.TargetKey)
		pc.AddPath(wire.Path{Hops: []wire.NodeID{wire.NodeID(reply.TargetKey)}})
		t.setEntry(dir, level, &Entry{Level: level, Key: keyspace.Key(reply.TargetKey), Conn: pc})
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleFTUpdateCReq is the accept/forward side of spec.md §4.6: decide
// whether this node is close enough to the target distance to accept,
// otherwise forward one greedy hop further in the same direction.
func (t *Table) handleFTUpdateCReq(ctx *overlay.Context) {
	req := ctx.Message.(*wire.FTUpdateCReq)
	dir := Direction(req.Direction)

	t.maybeTriggerPassiveUpdate(req)

	if req.Distance <= 0 {
		t.acceptFTUpdate(ctx, req)
		return
	}

	requesterKey := keyspace.Key(req.RequesterKey)
	levelCap := req.Level - 1
	if levelCap < 0 {
		levelCap = 0
	}
	step := distanceStep(req.Distance, levelCap)
	next := t.entryAt(dir, step)
	if next == nil {
		// No finger that far yet: fall back to the level-0 ring link,
		// which always exists once joined.
		next = t.entryAt(dir, 0)
		step = 0
	}
	if next == nil {
		_ = ctx.Reply(&wire.FTUpdateCReqReply{
			ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, Accepted: false,
			RejectReason: string(overlay.ReasonConstraint),
		})
		return
	}

	if wouldOvershoot(t.self, next.Key, requesterKey, dir) {
		_ = ctx.Reply(&wire.FTUpdateCReqReply{
			ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, Accepted: false,
			RejectReason: string(overlay.ReasonCirculated),
		})
		return
	}

	req.Distance -= 1 << uint(step)
	req.Head().Destination = nil
	if err := t.mgr.Send(next.Conn, req); err != nil && t.log != nil {
		t.log.WithError(err).Debug("finger: forward FTUpdateCReq failed")
	}
}

// acceptFTUpdate answers a request that has reached its target
// distance: if the current entry at this level already matches the
// source it carried, NOT_CHANGED; otherwise accept.
func (t *Table) acceptFTUpdate(ctx *overlay.Context, req *wire.FTUpdateCReq) {
	if req.SourceKey != "" && req.SourceKey == string(t.self) {
		_ = ctx.Reply(&wire.FTUpdateCReqReply{
			ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, Accepted: false,
			RejectReason: string(overlay.ReasonNotChanged),
		})
		return
	}
	_ = ctx.Reply(&wire.FTUpdateCReqReply{
		ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID},
		Accepted:  true, TargetKey: string(t.self), TargetURL: req.RequesterURL,
	})
}

// maybeTriggerPassiveUpdate implements "passive update 2": once a
// forward-direction update has passed its halfway point, the passing
// node piggybacks a backward-table entry at the same level pointed
// directly at the original requester, sparing it a round trip.
func (t *Table) maybeTriggerPassiveUpdate(req *wire.FTUpdateCReq) {
	if Direction(req.Direction) != Forward || req.Total <= 0 {
		return
	}
	if req.Distance*2 > req.Total {
		return // have not yet crossed the halfway point
	}
	if req.RequesterKey == string(t.self) {
		return
	}
	pc := t.mgr.NewPeerConnection(string(t.self), req.RequesterKey)
	pc.AddPath(wire.Path{Hops: []wire.NodeID{wire.NodeID(req.RequesterKey)}})
	t.setEntry(Backward, req.Level, &Entry{Level: req.Level, Key: keyspace.Key(req.RequesterKey), Conn: pc})
}

// wouldOvershoot reports whether stepping from self to candidate would
// pass the requester, the CIRCULATED condition of spec.md §4.6 (the
// tables are done growing once the greedy walk would wrap back past
// where it started).
func wouldOvershoot(self, candidate, requester keyspace.Key, dir Direction) bool {
	if candidate == requester {
		return false
	}
	if dir == Forward {
		return !keyspace.IsOrdered(self, false, candidate, requester, true)
	}
	return !keyspace.IsOrdered(requester, true, candidate, self, false)
}

// MaintenanceLoop calls GrowOneLevel for both directions on every
// cfg.FingerRefreshPeriod tick until ctx is cancelled or done is closed.
// It does not consult IsPeriodic: after a CIRCULATED trim, each later
// tick re-sends the update for the level just above the trimmed top.
func (t *Table) MaintenanceLoop(ctx context.Context, done <-chan struct{}) {
	tick := time.NewTicker(t.cfg.FingerRefreshPeriod)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-tick.C:
			if err := t.GrowOneLevel(ctx, Forward); err != nil && t.log != nil {
				t.log.WithError(err).Debug("finger: forward growth step failed")
			}
			if err := t.GrowOneLevel(ctx, Backward); err != nil && t.log != nil {
				t.log.WithError(err).Debug("finger: backward growth step failed")
			}
		}
	}
}
