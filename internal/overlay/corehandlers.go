package overlay

import (
	"sync"

	"github.com/abelab/overlay/internal/transport"
	"github.com/abelab/overlay/internal/wire"
)

// ConnectionAcceptor decides whether an inbound ConnectionRequest
// targeting key should be accepted, and under which locally-inserted
// key. Installed by whichever collaborator owns key identities (the
// ring table) — the connection manager itself knows nothing about
// ring/finger/kv key ownership (spec.md §9's dependency-inversion
// redesign).
type ConnectionAcceptor func(targetKey string) AcceptDecision

// SetConnectionAcceptor installs fn as the accept-side decision maker
// for every future ConnectionRequest. Only one acceptor is supported per
// Manager (one process hosts one ring table).
func (m *Manager) SetConnectionAcceptor(fn ConnectionAcceptor) {
	m.mu.Lock()
	m.acceptor = fn
	m.mu.Unlock()
}

// pendingAccept is a peer-connection this node has agreed to accept but
// has not yet heard a Hello over the direct raw connection the remote
// dials in response.
type pendingAccept struct {
	mu    sync.Mutex
	byKey map[wire.NodeID]*PeerConnection
}

// pendingRelayAccept is a peer-connection this node has agreed to accept
// over RELAY: parked here, keyed by the requester's own node id (the first
// hop of every candidate path it probes), so handleProbePath can find it
// and register each confirmed path (spec.md §4.4: "the destination adds
// the path to its peer-connection").
type pendingRelayAccept struct {
	mu    sync.Mutex
	byKey map[wire.NodeID]*PeerConnection
}

// registerCoreHandlers wires the transport-level messages every node
// answers identically regardless of which domain collaborators (ring,
// finger, kv) are layered on top: Hello's handshake, ConnectionRequest's
// accept decision, graceful peer-connection teardown, and the relay-path
// subsystem's own accept-side protocol (ProbePath, GetNeighbors).
func (m *Manager) registerCoreHandlers() {
	m.pending = &pendingAccept{byKey: make(map[wire.NodeID]*PeerConnection)}
	m.pendingRelay = &pendingRelayAccept{byKey: make(map[wire.NodeID]*PeerConnection)}
	m.RegisterHandler("Hello", m.handleHello)
	m.RegisterHandler("HelloReply", m.handleHelloReply)
	m.RegisterHandler("ConnectionRequest", m.handleConnectionRequest)
	m.RegisterHandler("ClosePeerConnection", m.handleClosePeerConnection)
	m.RegisterHandler("ProbePath", m.handleProbePath)
	m.RegisterHandler("GetNeighbors", m.handleGetNeighbors)
}

// handleHello answers the handshake a dialer sends immediately after
// opening a raw connection: record the remote's node id against raw,
// and if a ConnectionRequest accept is waiting on that identity
// (A_WAIT_HELLO), complete it by attaching this raw connection.
func (m *Manager) handleHello(ctx *Context) {
	req := ctx.Message.(*wire.Hello)
	if req.NetworkID != "" && req.NetworkID != m.Cfg.NetworkID {
		_ = ctx.Raw.SendMessage(&wire.HelloReply{Status: "network-mismatch", NodeID: m.SelfID})
		return
	}
	m.RegisterRawNodeID(ctx.Raw, req.NodeID)
	ctx.Raw.SetRemoteNodeID(req.NodeID)

	m.pending.mu.Lock()
	pc, waiting := m.pending.byKey[req.NodeID]
	if waiting {
		delete(m.pending.byKey, req.NodeID)
	}
	m.pending.mu.Unlock()
	if waiting {
		pc.SetRaw(ctx.Raw)
		pc.setState(Connected)
	}

	_ = ctx.Raw.SendMessage(&wire.HelloReply{Status: "ok", NodeID: m.SelfID})
}

// handleHelloReply completes the dialer's half of the handshake:
// HelloReply carries no ReqMsgID (it predates the request/reply
// machinery wire.Reply relies on, since the dialer's Hello is sent
// fire-and-forget before any PeerConnection exists to track a pending
// request against), so it is matched by tag like any other
// unsolicited message rather than through Manager.Request. Recording
// the remote's node id here is what lets this node's own
// ClosestPrecedingConnection/Send logic address raw connections it
// dialed out, mirroring what handleHello already does for connections
// dialed in.
func (m *Manager) handleHelloReply(ctx *Context) {
	reply := ctx.Message.(*wire.HelloReply)
	if reply.Status != "ok" || reply.NodeID == "" {
		return
	}
	m.RegisterRawNodeID(ctx.Raw, reply.NodeID)
}

// handleConnectionRequest is the accept side of spec.md §4.2's decision
// table: given the requester's capabilities (webrtc-only, datagram
// support, its own URL), whether this node already has a direct raw link
// to it, whether this node advertises MyURL, and whether the requester is
// currently flagged indirect, pick USE_THIS, FROM_YOU, DATAGRAM, or RELAY
// and drive that outcome to completion — or reject.
//
// Two rows of the table as written admit more than one reading once turned
// into code (see DESIGN.md's "Connection decision table" entry for the
// resolution adopted here): both resolve to the reply carrying whichever
// side's URL is actually dialable, matching how the connect side already
// treats USE_THIS and FROM_YOU identically.
func (m *Manager) handleConnectionRequest(ctx *Context) {
	req := ctx.Message.(*wire.ConnectionRequest)

	m.mu.Lock()
	acceptor := m.acceptor
	m.mu.Unlock()
	if acceptor == nil {
		_ = m.Reject(ctx.Raw, req.MsgID, ReasonNoSuchKey)
		return
	}
	decision := acceptor(req.TargetKey)
	if !decision.Accept {
		reason := decision.Reject
		if reason == "" {
			reason = ReasonNoSuchKey
		}
		_ = m.Reject(ctx.Raw, req.MsgID, reason)
		return
	}

	requesterID := wire.NodeID(req.RequesterKey)
	existingRaw, existingDirect := m.RawByNodeID(requesterID)
	bothDatagram := !m.Cfg.SignalingDisabled && req.SupportsDatagram
	acceptHasURL := m.Cfg.MyURL != ""
	indirect := m.IsIndirect(requesterID)

	switch {
	case existingDirect && req.WebrtcOnly:
		if existingRaw.Kind == transport.DatagramStream {
			m.acceptDirect(ctx, req, decision, "USE_THIS")
			return
		}
		_ = m.Reject(ctx.Raw, req.MsgID, ReasonConstraint)
		return

	case existingDirect:
		m.acceptDirect(ctx, req, decision, "USE_THIS")
		return

	case req.WebrtcOnly && bothDatagram:
		m.acceptDatagram(ctx, req, decision)
		return

	case !req.WebrtcOnly && req.RequesterURL != "" && !indirect && acceptHasURL:
		m.acceptDirect(ctx, req, decision, "FROM_YOU")
		return

	case !req.WebrtcOnly && req.RequesterURL == "" && acceptHasURL && !indirect:
		m.acceptDirect(ctx, req, decision, "USE_THIS")
		return

	case bothDatagram && !indirect:
		m.acceptDatagram(ctx, req, decision)
		return
	}

	if !m.Cfg.EnableRelay {
		_ = m.Reject(ctx.Raw, req.MsgID, ReasonEnableRelayIsOff)
		return
	}
	m.acceptRelay(ctx, req, decision)
}

// acceptDirect answers a ConnectionRequest with USE_THIS or FROM_YOU,
// parking the new peer-connection in A_WAIT_HELLO until the requester
// dials this node's MyURL and completes the Hello handshake
// (see handleHello).
func (m *Manager) acceptDirect(ctx *Context, req *wire.ConnectionRequest, decision AcceptDecision, outcome string) {
	pc := m.NewPeerConnection(decision.LocalKey, req.RequesterKey)
	pc.setState(AWaitHello)
	m.pending.mu.Lock()
	m.pending.byKey[wire.NodeID(req.RequesterKey)] = pc
	m.pending.mu.Unlock()

	_ = ctx.Raw.SendMessage(&wire.ConnectionReply{
		ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID},
		Outcome:   outcome,
		AcceptKey: decision.LocalKey,
		AcceptURL: m.Cfg.MyURL,
	})
}

// acceptDatagram answers DATAGRAM: this node offers the answering half of
// the datagram-stream handshake and replies once it has a session ready to
// receive an offer. The in-process SDP/ICE signaling encoding itself is
// assumed provided (spec.md §1's non-goal); symmetric to the connect
// side's NewOffererSession/OnEstablished use in establishFromReply.
func (m *Manager) acceptDatagram(ctx *Context, req *wire.ConnectionRequest, decision AcceptDecision) {
	pc := m.NewPeerConnection(decision.LocalKey, req.RequesterKey)
	pc.setState(AWaitEstablishDatagram)

	requesterID := wire.NodeID(req.RequesterKey)
	session, err := transport.NewAnswererSession(m.Log)
	if err != nil {
		pc.Destroy()
		_ = m.Reject(ctx.Raw, req.MsgID, ReasonConstraint)
		return
	}
	session.OnEstablished(func(raw *transport.RawConnection) {
		m.AdoptRaw(raw)
		m.RegisterRawNodeID(raw, requesterID)
		pc.SetRaw(raw)
		pc.setState(Connected)
	})

	_ = ctx.Raw.SendMessage(&wire.ConnectionReply{
		ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID},
		Outcome:   "DATAGRAM",
		AcceptKey: decision.LocalKey,
	})
}

// acceptRelay answers RELAY: park the new peer-connection keyed by the
// requester's node id so handleProbePath can register each confirmed path
// against it, and hand back this node's own known paths as a seed for the
// requester's candidate graph (spec.md §4.4).
func (m *Manager) acceptRelay(ctx *Context, req *wire.ConnectionRequest, decision AcceptDecision) {
	pc := m.NewPeerConnection(decision.LocalKey, req.RequesterKey)
	pc.setState(AWaitRelay)

	m.pendingRelay.mu.Lock()
	m.pendingRelay.byKey[wire.NodeID(req.RequesterKey)] = pc
	m.pendingRelay.mu.Unlock()

	_ = ctx.Raw.SendMessage(&wire.ConnectionReply{
		ReplyMeta:  wire.ReplyMeta{ReqMsgID: req.MsgID},
		Outcome:    "RELAY",
		AcceptKey:  decision.LocalKey,
		KnownPaths: m.directNeighborPaths(),
	})
}

// handleProbePath answers a ProbePath once it has reached this node (the
// path's final hop, enforced by dispatch's forwardAlongPath): register the
// confirmed path against the relay peer-connection parked for its
// originator in acceptRelay, then reply OK back along the reversed path.
func (m *Manager) handleProbePath(ctx *Context) {
	req := ctx.Message.(*wire.ProbePath)

	if hops := req.CandidatePath.Hops; len(hops) > 0 {
		origin := hops[0]
		m.pendingRelay.mu.Lock()
		pc, ok := m.pendingRelay.byKey[origin]
		m.pendingRelay.mu.Unlock()
		if ok {
			pc.AddPath(req.CandidatePath)
		}
	}

	reply := &wire.ProbePathReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}, OK: true}
	reply.Head().Destination = &wire.Path{Hops: req.CandidatePath.Reversed().Hops}
	_ = ctx.Raw.SendMessage(reply)
}

// handleGetNeighbors answers a relay-path-maintenance neighbor query with
// this node's current direct raw neighbors, for the caller to fold into a
// fresh candidate graph (spec.md §4.4's periodic maintainer).
func (m *Manager) handleGetNeighbors(ctx *Context) {
	req := ctx.Message.(*wire.GetNeighbors)

	reply := &wire.GetNeighborsReply{
		ReplyMeta:  wire.ReplyMeta{ReqMsgID: req.MsgID},
		KnownPaths: m.directNeighborPaths(),
	}
	if req.Head().Destination != nil {
		reply.Head().Destination = &wire.Path{Hops: wire.Path{Hops: req.Head().Destination.Hops}.Reversed().Hops}
	}
	_ = ctx.Raw.SendMessage(reply)
}

func (m *Manager) handleClosePeerConnection(ctx *Context) {
	if ctx.Peer != nil {
		ctx.Peer.Disconnect(&DisconnectedError{RemoteKey: ctx.Peer.RemoteKey})
	}
}
