package mcast

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/config"
	"github.com/abelab/overlay/internal/finger"
	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/overlay"
	"github.com/abelab/overlay/internal/ring"
	"github.com/abelab/overlay/internal/wire"
)

// PayloadHandler answers the portion of a range query assigned to this
// node; from/to is the fragment this node itself is responsible for
// (not the whole originally requested range).
type PayloadHandler func(from, to keyspace.Key, payload json.RawMessage) (json.RawMessage, error)

// Engine drives spec.md §4.7's range-query/multicast protocol for one
// local ring node: fragmenting an incoming RQRequest across covering
// peer connections, answering the local fragment, and reducing replies
// back up the forwarding tree (or, at the originator, into a Reply
// callback stream).
type Engine struct {
	mgr     *overlay.Manager
	node    *ring.Node
	ft      *finger.Table // owns both FFT and BFT for this node; nil if not wired yet
	cfg     *config.Config
	log     *logrus.Entry
	self    keyspace.Key
	handler PayloadHandler

	mu      sync.Mutex
	pending map[wire.MessageID]*aggregator
}

type candidate struct {
	key  keyspace.Key
	conn *overlay.PeerConnection
}

// NewEngine builds a multicast Engine for one ring node, registering
// its RQRequest handler on mgr. ft may be nil if no finger table is
// wired yet; the ring's own left/right links always provide a fallback
// candidate set.
func NewEngine(mgr *overlay.Manager, node *ring.Node, ft *finger.Table, cfg *config.Config, log *logrus.Entry) *Engine {
	e := &Engine{
		mgr: mgr, node: node, ft: ft, cfg: cfg, log: log, self: node.Key,
		pending: make(map[wire.MessageID]*aggregator),
	}
	mgr.RegisterHandler("RQRequest", e.handleRQRequest)
	return e
}

// SetPayloadHandler installs the user callback invoked for every
// fragment this node ends up answering locally.
func (e *Engine) SetPayloadHandler(h PayloadHandler) { e.handler = h }

// candidatesInRange returns every known peer connection (ring links and
// finger entries, forward and backward) whose remote key lies in
// [min, max), deduplicated by key and sorted clockwise from min.
func (e *Engine) candidatesInRange(min, max keyspace.Key) []candidate {
	seen := make(map[keyspace.Key]*overlay.PeerConnection)
	add := func(key keyspace.Key, conn *overlay.PeerConnection) {
		if conn == nil || key == e.self {
			return
		}
		if !keyspace.IsOrdered(min, true, key, max, false) {
			return
		}
		if _, ok := seen[key]; !ok {
			seen[key] = conn
		}
	}

	if r := e.node.Right(); r.Conn != nil {
		add(r.Key, r.Conn)
	}
	if l := e.node.Left(); l.Conn != nil {
		add(l.Key, l.Conn)
	}
	if e.ft != nil {
		for _, ent := range e.ft.Entries(finger.Forward) {
			add(ent.Key, ent.Conn)
		}
		for _, ent := range e.ft.Entries(finger.Backward) {
			add(ent.Key, ent.Conn)
		}
	}

	out := make([]candidate, 0, len(seen))
	for k, c := range seen {
		out = append(out, candidate{key: k, conn: c})
	}
	sort.Slice(out, func(i, j int) bool {
		// Keys at or after min come first, so the order runs clockwise
		// from min even when [min, max) wraps past the top of the ring.
		ai, aj := out[i].key >= min, out[j].key >= min
		if ai != aj {
			return ai
		}
		return out[i].key < out[j].key
	})
	return out
}

// fragment is one [From, To) slice of a request, with the connection
// that should handle it — nil meaning "answer locally."
type fragment struct {
	from, to keyspace.Key
	conn     *overlay.PeerConnection
}

// partitionFragments implements spec.md §4.7 step 2: split [min, max)
// at every in-range candidate key, assigning the leading fragment (the
// one starting exactly at min) to the local node when no candidate
// coincides with min — approximating "closest preceding connection" by
// the fact that the caller has already routed the request to whichever
// node is responsible for min.
func (e *Engine) partitionFragments(min, max keyspace.Key, candidates []candidate) []fragment {
	points := make([]keyspace.Key, 0, len(candidates)+2)
	delegateAt := make(map[keyspace.Key]*overlay.PeerConnection)
	points = append(points, min)
	for _, c := range candidates {
		points = append(points, c.key)
		delegateAt[c.key] = c.conn
	}
	points = append(points, max)

	var frags []fragment
	for i := 0; i < len(points)-1; i++ {
		from, to := points[i], points[i+1]
		if from == to {
			continue
		}
		frags = append(frags, fragment{from: from, to: to, conn: delegateAt[from]})
	}
	return frags
}

// Send originates a new range query over [min, max), invoking onReply
// for every partial or final RQReply fragment as it is collected, and
// sending one value on done: nil once Gaps is empty, or the context's
// error if it expires first.
func (e *Engine) Send(ctx context.Context, min, max keyspace.Key, payload json.RawMessage, onReply func(from, to keyspace.Key, value json.RawMessage)) (done <-chan error, retransmit func(context.Context) <-chan error) {
	agg := e.newAggregator(min, max, onReply, nil)
	e.dispatchFragments(ctx, min, max, payload, agg)

	doneCh := make(chan error, 1)
	go func() {
		select {
		case <-agg.finished:
			doneCh <- nil
		case <-ctx.Done():
			doneCh <- ctx.Err()
		}
	}()

	retransmit = func(rctx context.Context) <-chan error {
		// spec.md §4.7: retransmit only the ranges still outstanding.
		// No retransmission count is kept here; each call is one more
		// pass, and the caller decides how many passes to make.
		remaining := agg.gaps.ToList()
		next := make(chan error, 1)
		go func() {
			var wg sync.WaitGroup
			for _, r := range remaining {
				wg.Add(1)
				go func(r Range) {
					defer wg.Done()
					e.dispatchFragments(rctx, r.From, r.To, payload, agg)
				}(r)
			}
			wg.Wait()
			select {
			case <-agg.finished:
				next <- nil
			case <-rctx.Done():
				next <- rctx.Err()
			}
		}()
		return next
	}
	return doneCh, retransmit
}

// dispatchFragments performs one pass of spec.md §4.7 steps 1-3 over
// [from, to), forwarding remote fragments and answering local ones
// directly into agg.
func (e *Engine) dispatchFragments(ctx context.Context, from, to keyspace.Key, payload json.RawMessage, agg *aggregator) {
	candidates := e.candidatesInRange(from, to)
	for _, f := range e.partitionFragments(from, to, candidates) {
		if f.conn == nil {
			e.answerLocally(f.from, f.to, payload, agg)
			continue
		}
		e.forwardFragment(ctx, f, payload, agg)
	}
}

func (e *Engine) answerLocally(from, to keyspace.Key, payload json.RawMessage, agg *aggregator) {
	if e.handler == nil {
		agg.addReply(Range{From: from, To: to}, nil)
		return
	}
	value, err := e.handler(from, to, payload)
	if err != nil {
		if e.log != nil {
			e.log.WithError(err).Debug("mcast: local payload handler failed")
		}
		value = nil
	}
	agg.addReply(Range{From: from, To: to}, value)
}

func (e *Engine) forwardFragment(ctx context.Context, f fragment, payload json.RawMessage, agg *aggregator) {
	req := &wire.RQRequest{MinKey: string(f.from), MaxKey: string(f.to), Payload: payload}
	err := e.mgr.Request(f.conn, req, "RQReply", 0, true,
		func(reply wire.Message) {
			rep := reply.(*wire.RQReply)
			for _, rr := range rep.Ranges {
				agg.addReply(Range{From: keyspace.Key(rr.From), To: keyspace.Key(rr.To)}, rep.Value)
			}
		},
		func(err error) {
			if e.log != nil {
				e.log.WithError(err).Debug("mcast: fragment request failed")
			}
		})
	if err != nil && e.log != nil {
		e.log.WithError(err).Debug("mcast: failed to send fragment request")
	}
}

// handleRQRequest is the receive side of spec.md §4.7: split the
// assigned range further if covering peer connections exist, answer
// directly otherwise, and flush partial replies upward on a timer.
func (e *Engine) handleRQRequest(ctx *overlay.Context) {
	req := ctx.Message.(*wire.RQRequest)
	min, max := keyspace.Key(req.MinKey), keyspace.Key(req.MaxKey)
	candidates := e.candidatesInRange(min, max)

	if len(candidates) == 0 {
		var value json.RawMessage
		if e.handler != nil {
			var err error
			value, err = e.handler(min, max, req.Payload)
			if err != nil && e.log != nil {
				e.log.WithError(err).Debug("mcast: local payload handler failed")
			}
		}
		_ = ctx.Reply(&wire.RQReply{
			ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID},
			Ranges:    []wire.RQRange{{From: string(min), To: string(max)}},
			Value:     value, Final: true,
		})
		return
	}

	agg := e.newAggregator(min, max, nil, func(ranges []wire.RQRange, value json.RawMessage, final bool) {
		_ = ctx.Reply(&wire.RQReply{
			ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID},
			Ranges:    ranges, Value: value, Final: final,
		})
	})
	e.mu.Lock()
	e.pending[req.MsgID] = agg
	e.mu.Unlock()
	go func() {
		<-agg.finished
		e.mu.Lock()
		delete(e.pending, req.MsgID)
		e.mu.Unlock()
	}()

	e.dispatchFragments(context.Background(), min, max, req.Payload, agg)
}

// aggregator reduces fragment replies into a parent's Gaps and
// forwards progress either to a wire reply (handleRQRequest) or to a
// caller-supplied stream (Send).
type aggregator struct {
	mu          sync.Mutex
	gaps        *Gaps
	sinceFlush  []wire.RQRange // newly-covered ranges not yet reported upward
	lastValue   json.RawMessage
	finished    chan struct{}
	closed      bool

	onStream func(from, to keyspace.Key, value json.RawMessage)
	onWire   func(ranges []wire.RQRange, value json.RawMessage, final bool)

	flush *time.Ticker
}

func (e *Engine) newAggregator(min, max keyspace.Key, onStream func(from, to keyspace.Key, value json.RawMessage), onWire func([]wire.RQRange, json.RawMessage, bool)) *aggregator {
	agg := &aggregator{
		gaps: NewGaps(min, max), finished: make(chan struct{}),
		onStream: onStream, onWire: onWire,
	}
	period := e.cfg.MulticastFlushPeriod
	if period <= 0 {
		period = time.Second
	}
	agg.flush = time.NewTicker(period)
	go agg.flushLoop()
	return agg
}

func (a *aggregator) flushLoop() {
	for range a.flush.C {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return
		}
		a.emitLocked(false)
		a.mu.Unlock()
	}
}

func (a *aggregator) addReply(covered Range, value json.RawMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.gaps.Remove(covered)
	a.sinceFlush = append(a.sinceFlush, wire.RQRange{From: string(covered.From), To: string(covered.To)})
	if value != nil {
		a.lastValue = value
	}
	if a.onStream != nil {
		a.onStream(covered.From, covered.To, value)
	}
	if a.gaps.IsEmpty() {
		a.emitLocked(true)
		a.closed = true
		a.flush.Stop()
		close(a.finished)
	}
}

// emitLocked reports every range covered since the previous flush,
// matching spec.md §4.7's partial/final RQReply (ranges, accumulated
// value) shape. Called with a.mu held.
func (a *aggregator) emitLocked(final bool) {
	if a.onWire == nil || (len(a.sinceFlush) == 0 && !final) {
		return
	}
	ranges := a.sinceFlush
	a.sinceFlush = nil
	a.onWire(ranges, a.lastValue, final)
}
