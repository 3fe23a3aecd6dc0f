package overlay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelab/overlay/internal/wire"
)

// pendingRequest tracks one in-flight request awaiting reply (spec.md
// §4.8).
type pendingRequest struct {
	replyTag     string
	allowMulti   bool
	deliver      func(reply wire.Message)
	fail         func(err error)
	timer        *time.Timer
	mu           sync.Mutex
	done         bool
}

func (p *pendingRequest) finish() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return false
	}
	if !p.allowMulti {
		p.done = true
	}
	return true
}

// requestRuntime implements request/reply pairing and per-hop ACK
// tracking, the two halves of spec.md §4.8.
type requestRuntime struct {
	mgr *Manager

	mu       sync.Mutex
	requests map[wire.MessageID]*pendingRequest

	unackedMu sync.Mutex
	unacked   map[wire.MessageID]*unackedEntry

	counter uint64
}

type unackedEntry struct {
	raw   rawSender
	timer *time.Timer
}

// rawSender is the minimal surface requestRuntime needs from a raw
// connection, kept narrow to avoid importing transport for just ID/close.
type rawSender interface {
	RemoteNodeID() wire.NodeID
	Close() error
}

func newRequestRuntime(mgr *Manager) *requestRuntime {
	return &requestRuntime{
		mgr:      mgr,
		requests: make(map[wire.MessageID]*pendingRequest),
		unacked:  make(map[wire.MessageID]*unackedEntry),
	}
}

// NextMessageID returns a fresh, per-sender monotonic message id.
func (m *Manager) NextMessageID() wire.MessageID {
	n := atomic.AddUint64(&m.requests.counter, 1)
	return wire.MessageID(fmt.Sprintf("%s:%d", m.SelfID, n))
}

// Request registers msg as an in-flight request, sends it over pc, and
// invokes deliver for each matching reply (once, unless allowMultipleReply
// is set) or fail on timeout/disconnect.
func (m *Manager) Request(pc *PeerConnection, msg wire.Message, replyTag string, timeout time.Duration, allowMulti bool, deliver func(wire.Message), fail func(error)) error {
	id := m.NextMessageID()
	msg.Head().MsgID = id

	pr := &pendingRequest{replyTag: replyTag, allowMulti: allowMulti, deliver: deliver, fail: fail}
	m.requests.mu.Lock()
	m.requests.requests[id] = pr
	m.requests.mu.Unlock()

	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() {
			m.requests.mu.Lock()
			delete(m.requests.requests, id)
			m.requests.mu.Unlock()
			if pr.finish() {
				fail(&TimeoutError{Op: "reply:" + string(id)})
			}
		})
	}

	if err := m.Send(pc, msg); err != nil {
		m.requests.mu.Lock()
		delete(m.requests.requests, id)
		m.requests.mu.Unlock()
		if pr.timer != nil {
			pr.timer.Stop()
		}
		return err
	}
	return nil
}

// tryDeliver routes an inbound message to its matching pendingRequest by
// reqMsgID, if it carries one. Returns true if the message was consumed
// as a reply.
func (r *requestRuntime) tryDeliver(msg wire.Message) bool {
	reqID, ok := replyTargetID(msg)
	if !ok {
		return false
	}
	r.mu.Lock()
	pr, found := r.requests[reqID]
	r.mu.Unlock()
	if !found {
		// Unknown reply is logged and dropped — common with multipath
		// (spec.md §4.8).
		if r.mgr.Log != nil {
			r.mgr.Log.WithField("req_msg_id", reqID).Debug("dropping reply with no matching request")
		}
		return true
	}
	if pr.replyTag != "" && msg.Tag() != pr.replyTag {
		if r.mgr.Log != nil {
			r.mgr.Log.WithField("want", pr.replyTag).WithField("got", msg.Tag()).Warn("reply class mismatch")
		}
		return true
	}
	if !pr.finish() {
		return true
	}
	if !pr.allowMulti {
		r.mu.Lock()
		delete(r.requests, reqID)
		r.mu.Unlock()
		if pr.timer != nil {
			pr.timer.Stop()
		}
	}
	pr.deliver(msg)
	return true
}

// replyTargetID extracts the ReqMsgID embedded in any message that
// embeds wire.ReplyMeta.
func replyTargetID(msg wire.Message) (wire.MessageID, bool) {
	if rc, ok := msg.(wire.Reply); ok {
		return rc.ReqID(), true
	}
	return "", false
}

// FailAllFor fails every pending request with a DisconnectedError naming
// remoteKey. Pending requests are not tracked per peer-connection, so
// this covers requests sent over any connection; their entries stay in
// the request table and their reply timers are not stopped.
func (m *Manager) FailAllFor(remoteKey string) {
	m.requests.mu.Lock()
	var toFail []*pendingRequest
	for id, pr := range m.requests.requests {
		_ = id
		toFail = append(toFail, pr)
	}
	m.requests.mu.Unlock()
	for _, pr := range toFail {
		if pr.finish() {
			pr.fail(&DisconnectedError{RemoteKey: remoteKey})
		}
	}
}

// RegisterAck arranges for an Ack to clear the pending entry for msgID,
// and for ACK_TIMEOUT to mark the next-hop node suspicious and destroy
// raw on expiry (spec.md §4.8).
func (m *Manager) RegisterAck(msgID wire.MessageID, raw rawSender) {
	entry := &unackedEntry{raw: raw}
	entry.timer = time.AfterFunc(m.Cfg.AckTimeout, func() {
		m.requests.unackedMu.Lock()
		delete(m.requests.unacked, msgID)
		m.requests.unackedMu.Unlock()

		remote := raw.RemoteNodeID()
		if remote != "" {
			m.MarkSuspicious(remote)
		}
		_ = raw.Close()
	})
	m.requests.unackedMu.Lock()
	m.requests.unacked[msgID] = entry
	m.requests.unackedMu.Unlock()
}

// ClearAck cancels the ack timeout for msgID. dispatch does not call it
// when an Ack arrives.
func (m *Manager) ClearAck(msgID wire.MessageID) {
	m.requests.unackedMu.Lock()
	entry, ok := m.requests.unacked[msgID]
	if ok {
		delete(m.requests.unacked, msgID)
	}
	m.requests.unackedMu.Unlock()
	if ok {
		entry.timer.Stop()
	}
}
