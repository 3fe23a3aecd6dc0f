package overlay

import (
	"context"
	"fmt"

	"github.com/abelab/overlay/internal/transport"
	"github.com/abelab/overlay/internal/wire"
)

// Capabilities describes what a node offers when initiating or
// answering a ConnectionRequest (spec.md §4.2's decision table).
type Capabilities struct {
	HasPublicURL     bool
	URL              string
	SupportsDatagram bool
	WebrtcOnly       bool
}

// AcceptDecision is returned by an accept-side handler (ring/finger/kv)
// once it has decided whether, and under what key, to accept an
// inbound connection request.
type AcceptDecision struct {
	Accept    bool
	LocalKey  string
	Reject    RejectReason
}

// Connect drives the connect side of spec.md §4.2: send a
// ConnectionRequest toward targetKey over an existing link (to an
// introducer or already-known peer), and establish the concrete
// transport the reply calls for.
func (m *Manager) Connect(ctx context.Context, via *PeerConnection, targetKey string, caps Capabilities) (*PeerConnection, error) {
	pc := m.NewPeerConnection("", targetKey)
	pc.setState(CWaitConnectionReply)

	req := &wire.ConnectionRequest{
		RequesterKey:     string(m.SelfID),
		TargetKey:        targetKey,
		RequesterURL:     caps.URL,
		SupportsDatagram: caps.SupportsDatagram,
		WebrtcOnly:       caps.WebrtcOnly,
	}

	replyCh := make(chan *wire.ConnectionReply, 1)
	errCh := make(chan error, 1)
	err := m.Request(via, req, "ConnectionReply", m.Cfg.ReplyTimeout, false,
		func(reply wire.Message) { replyCh <- reply.(*wire.ConnectionReply) },
		func(err error) { errCh <- err })
	if err != nil {
		pc.Destroy()
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return m.establishFromReply(ctx, pc, reply, caps)
	case err := <-errCh:
		pc.setState(StateError)
		return nil, err
	case <-ctx.Done():
		pc.setState(StateError)
		return nil, ctx.Err()
	}
}

// dialAndHello opens a direct raw connection to url and immediately
// sends Hello so the accepting side can correlate this raw connection
// with the A_WAIT_HELLO peer-connection it parked after replying
// USE_THIS/FROM_YOU (see corehandlers.go's handleConnectionRequest).
func (m *Manager) dialAndHello(ctx context.Context, url string) (*transport.RawConnection, error) {
	raw, err := transport.Dial(ctx, url, m.Log)
	if err != nil {
		return nil, err
	}
	m.AdoptRaw(raw)
	if err := raw.SendMessage(&wire.Hello{NetworkID: m.Cfg.NetworkID, NodeID: m.SelfID, AdvertisedURL: m.Cfg.MyURL}); err != nil {
		return nil, err
	}
	return raw, nil
}

func (m *Manager) establishFromReply(ctx context.Context, pc *PeerConnection, reply *wire.ConnectionReply, caps Capabilities) (*PeerConnection, error) {
	switch reply.Outcome {
	case "USE_THIS":
		pc.RemoteConnID = reply.Head().MsgID.asConnID()
		if reply.AcceptURL != "" {
			pc.setState(CWSConnectingDirect)
			raw, err := m.dialAndHello(ctx, reply.AcceptURL)
			if err != nil {
				pc.setState(StateError)
				return nil, err
			}
			pc.SetRaw(raw)
			pc.setState(Connected)
		}
		return pc, nil

	case "DATAGRAM":
		pc.setState(CWaitEstablishDatagram)
		session, err := transport.NewOffererSession(m.Log)
		if err != nil {
			pc.setState(StateError)
			return nil, err
		}
		done := make(chan struct{})
		session.OnEstablished(func(raw *transport.RawConnection) {
			m.AdoptRaw(raw)
			pc.SetRaw(raw)
			pc.setState(Connected)
			close(done)
		})
		select {
		case <-done:
			return pc, nil
		case <-ctx.Done():
			pc.setState(StateError)
			// A failed datagram attempt marks the remote indirect in this
			// manager for INDIRECT_NODE_EXPIRATION_TIME (spec.md §4.2). Only
			// handleConnectionRequest reads that mark, when the remote asks
			// this node for a connection; Connect does not consult it, so a
			// retried Connect sends the same ConnectionRequest.
			m.MarkIndirect(wire.NodeID(pc.RemoteKey))
			return nil, ctx.Err()
		}

	case "FROM_YOU":
		pc.setState(CWSConnectingDirect)
		raw, err := m.dialAndHello(ctx, reply.AcceptURL)
		if err != nil {
			pc.setState(StateError)
			return nil, err
		}
		pc.SetRaw(raw)
		pc.setState(Connected)
		return pc, nil

	case "RELAY":
		if !m.Cfg.EnableRelay {
			pc.setState(Rejected)
			return nil, &RejectionError{Reason: ReasonEnableRelayIsOff}
		}
		pc.setState(CWaitEstablishRelay)
		cg := buildCandidateGraph(reply.KnownPaths, nil, reply.Head().Source)
		paths := EstablishRelayPaths(ctx, cg, m.SelfID, wire.NodeID(pc.RemoteKey), m.Cfg.MinimumRelayPaths, m.probeAdapter(), nil)
		if len(paths) == 0 {
			pc.setState(StateError)
			return nil, fmt.Errorf("overlay: no relay paths established to %s", pc.RemoteKey)
		}
		for _, p := range paths {
			pc.AddPath(p)
		}
		return pc, nil

	default:
		pc.setState(Rejected)
		return nil, &RejectionError{Reason: RejectReason(reply.RejectReason)}
	}
}

// probeAdapter builds a ProbeFunc that sends ProbePath along the first
// hop's raw connection and waits for ProbePathReply, for use by
// EstablishRelayPaths.
func (m *Manager) probeAdapter() ProbeFunc {
	return func(ctx context.Context, candidate wire.Path) bool {
		hops := candidate.Hops
		if len(hops) > 0 && hops[0] == m.SelfID {
			// Every relay candidate out of yenKShortest/allShortestFrom
			// starts at self (it is a path from this node to dst); the
			// raw connection to dial the probe over is keyed by the next
			// hop after self, not self's own id.
			hops = hops[1:]
		}
		if len(hops) == 0 {
			return false
		}
		raw, ok := m.RawByNodeID(hops[0])
		if !ok {
			return false
		}
		req := &wire.ProbePath{CandidatePath: candidate}
		req.Head().Destination = &wire.Path{Hops: candidate.Hops}

		resultCh := make(chan bool, 1)
		id := m.NextMessageID()
		req.Head().MsgID = id
		pr := &pendingRequest{
			replyTag: "ProbePathReply",
			deliver: func(reply wire.Message) { resultCh <- reply.(*wire.ProbePathReply).OK },
			fail:    func(error) { resultCh <- false },
		}
		m.requests.mu.Lock()
		m.requests.requests[id] = pr
		m.requests.mu.Unlock()

		if err := raw.SendMessage(req); err != nil {
			return false
		}
		select {
		case ok := <-resultCh:
			return ok
		case <-ctx.Done():
			return false
		}
	}
}

// neighborsResult distinguishes "no reply" from "replied with zero known
// paths" for getNeighborsAdapter's caller.
type neighborsResult struct {
	paths []wire.Path
	ok    bool
}

// getNeighborsAdapter builds the getNeighbors callback RelayMaintenance
// needs: send GetNeighbors along a candidate path's first hop and wait for
// GetNeighborsReply, reporting the path dead on timeout or a missing link.
func (m *Manager) getNeighborsAdapter() func(ctx context.Context, p wire.Path) ([]wire.Path, bool) {
	return func(ctx context.Context, p wire.Path) ([]wire.Path, bool) {
		hops := p.Hops
		if len(hops) > 0 && hops[0] == m.SelfID {
			hops = hops[1:]
		}
		if len(hops) == 0 {
			return nil, false
		}
		raw, ok := m.RawByNodeID(hops[0])
		if !ok {
			return nil, false
		}
		req := &wire.GetNeighbors{}
		req.Head().Destination = &wire.Path{Hops: p.Hops}

		resultCh := make(chan neighborsResult, 1)
		id := m.NextMessageID()
		req.Head().MsgID = id
		pr := &pendingRequest{
			replyTag: "GetNeighborsReply",
			deliver: func(reply wire.Message) {
				resultCh <- neighborsResult{reply.(*wire.GetNeighborsReply).KnownPaths, true}
			},
			fail: func(error) { resultCh <- neighborsResult{nil, false} },
		}
		m.requests.mu.Lock()
		m.requests.requests[id] = pr
		m.requests.mu.Unlock()

		if err := raw.SendMessage(req); err != nil {
			return nil, false
		}
		select {
		case r := <-resultCh:
			return r.paths, r.ok
		case <-ctx.Done():
			return nil, false
		}
	}
}

// RunRelayMaintenance runs one RELAY_PATH_MAINTENANCE_PERIOD pass over
// every relay-only peer-connection: refresh its path set via
// RelayMaintenance, or destroy it if no path answered.
func (m *Manager) RunRelayMaintenance(ctx context.Context) {
	for _, pc := range m.RelayPeers() {
		paths := RelayMaintenance(ctx, m.SelfID, pc, m.getNeighborsAdapter(), m.Cfg.MinimumRelayPaths, m.probeAdapter())
		if len(paths) == 0 {
			pc.Destroy()
			continue
		}
		pc.ReplacePaths(paths)
	}
}

// asConnID returns 0 as a placeholder remote connection id; the reply's
// message id is not used.
func (id wire.MessageID) asConnID() wire.ConnID { return 0 }

// Accept completes the accept side of a ConnectionRequest once a
// collaborator (ring, finger, kv) has decided to accept it under
// localKey: registers a new PeerConnection for the requester, attaches
// raw and marks it CONNECTED. It sends no ConnectionReply.
func (m *Manager) Accept(req *wire.ConnectionRequest, raw *transport.RawConnection, localKey string) *PeerConnection {
	pc := m.NewPeerConnection(localKey, req.RequesterKey)
	pc.SetRaw(raw)
	pc.setState(Connected)
	return pc
}

// Reject sends a negative ConnectionReply carrying reason over raw. It
// takes no peer-connection; a caller that already created one for the
// request destroys it itself (see acceptDatagram).
func (m *Manager) Reject(raw *transport.RawConnection, reqMsgID wire.MessageID, reason RejectReason) error {
	return raw.SendMessage(&wire.ConnectionReply{
		ReplyMeta: wire.ReplyMeta{ReqMsgID: reqMsgID},
		Outcome:   "REJECT", RejectReason: string(reason),
	})
}
