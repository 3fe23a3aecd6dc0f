package overlay

import (
	"sync"
	"time"

	"github.com/abelab/overlay/internal/cleaner"
	"github.com/abelab/overlay/internal/transport"
	"github.com/abelab/overlay/internal/wire"
)

// State is a PeerConnection's position in the state machine of
// spec.md §4.2.
type State int

const (
	Disconnected State = iota
	CWaitConnectionReply
	CWSConnectingDirect
	CWaitEstablishDatagram
	CWaitEstablishRelay
	AWSConnectingDirect
	AWaitHello
	AWaitEstablishDatagram
	AWaitRelay
	Connected
	StateError
	Rejected
	Destroyed
)

func (s State) String() string {
	names := map[State]string{
		Disconnected: "DISCONNECTED", CWaitConnectionReply: "C_WAIT_CONNECTION_REPLY",
		CWSConnectingDirect: "C_WS_CONNECTING_DIRECT", CWaitEstablishDatagram: "C_WAIT_ESTABLISH_DATAGRAM",
		CWaitEstablishRelay: "C_WAIT_ESTABLISH_RELAY", AWSConnectingDirect: "A_WS_CONNECTING_DIRECT",
		AWaitHello: "A_WAIT_HELLO", AWaitEstablishDatagram: "A_WAIT_ESTABLISH_DATAGRAM",
		AWaitRelay: "A_WAIT_RELAY", Connected: "CONNECTED", StateError: "ERROR",
		Rejected: "REJECTED", Destroyed: "DESTROYED",
	}
	if n, ok := names[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// PeerConnection is a logical channel addressed by (LocalConnID,
// RemoteConnID), per spec.md §3.
type PeerConnection struct {
	LocalConnID  wire.ConnID
	RemoteConnID wire.ConnID

	LocalKey     string
	RemoteKey    string
	RemoteNodeID wire.NodeID

	mu    sync.Mutex
	state State
	paths []wire.Path
	raw   *transport.RawConnection

	dedup map[wire.MessageID]time.Time

	nextSend     uint64
	nextExpected uint64

	disconnectCbs []func(reason error)

	cleaner *cleaner.Cleaner
}

func newPeerConnection(id wire.ConnID, localKey, remoteKey string, parent *cleaner.Cleaner) *PeerConnection {
	return &PeerConnection{
		LocalConnID: id,
		LocalKey:    localKey,
		RemoteKey:   remoteKey,
		state:       Disconnected,
		dedup:       make(map[wire.MessageID]time.Time),
		cleaner:     parent.AddChild(),
	}
}

// State returns the current state under lock.
func (p *PeerConnection) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState transitions the state machine; DESTROYED is absorbing.
func (p *PeerConnection) setState(s State) {
	p.mu.Lock()
	if p.state == Destroyed {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()
}

// Paths returns a snapshot of the currently known paths.
func (p *PeerConnection) Paths() []wire.Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]wire.Path, len(p.paths))
	copy(out, p.paths)
	return out
}

// AddPath installs a new candidate path, collapsing loops and de-duping
// against existing paths by node sequence. The first path added while
// DISCONNECTED also transitions the connection to CONNECTED (spec.md
// §4.4: "the destination adds the path to its peer-connection (marking
// it connected if this was the first path)").
func (p *PeerConnection) AddPath(path wire.Path) {
	path = path.Collapsed()
	p.mu.Lock()
	for _, existing := range p.paths {
		if existing.Equal(path) {
			p.mu.Unlock()
			return
		}
	}
	p.paths = append(p.paths, path)
	wasEmpty := len(p.paths) == 1
	p.mu.Unlock()
	if wasEmpty {
		p.setState(Connected)
	}
}

// ReplacePaths swaps the full known-path set for freshly-confirmed ones, as
// produced by a relay maintenance pass. An empty replacement leaves the
// peer-connection with no paths at all; the caller (RelayMaintenance's
// driver) is expected to destroy it in that case.
func (p *PeerConnection) ReplacePaths(paths []wire.Path) {
	collapsed := make([]wire.Path, len(paths))
	for i, path := range paths {
		collapsed[i] = path.Collapsed()
	}
	p.mu.Lock()
	p.paths = collapsed
	p.mu.Unlock()
}

// RemovePathsWithEdge drops every stored path that traverses the edge
// from→to, per removeDeadLink (spec.md §4.8). A peer-connection still in
// a datagram-establishment state is exempt: it may legitimately have no
// raw links yet.
func (p *PeerConnection) RemovePathsWithEdge(from, to wire.NodeID) (remaining int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case CWaitEstablishDatagram, AWaitEstablishDatagram:
		return len(p.paths)
	}
	kept := p.paths[:0]
	for _, path := range p.paths {
		if hasEdge(path, from, to) {
			continue
		}
		kept = append(kept, path)
	}
	p.paths = kept
	return len(p.paths)
}

func hasEdge(p wire.Path, from, to wire.NodeID) bool {
	for i := 0; i+1 < len(p.Hops); i++ {
		if p.Hops[i] == from && p.Hops[i+1] == to {
			return true
		}
	}
	return false
}

// SetRaw installs the direct raw connection for this peer-connection, if
// one exists.
func (p *PeerConnection) SetRaw(raw *transport.RawConnection) {
	p.mu.Lock()
	p.raw = raw
	p.mu.Unlock()
}

// Raw returns the direct raw connection, or nil if this peer-connection
// is relay-only.
func (p *PeerConnection) Raw() *transport.RawConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raw
}

// PrimaryPath returns the lowest-score known path, or false if none.
func (p *PeerConnection) PrimaryPath() (wire.Path, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.paths) == 0 {
		return wire.Path{}, false
	}
	best := p.paths[0]
	for _, path := range p.paths[1:] {
		if path.Score() < best.Score() {
			best = path
		}
	}
	return best, true
}

// Seen reports whether msgID has already been delivered to the user
// handler on this peer-connection, recording it if not (spec.md §3's
// deduplication map, retained EXPIRE_RECEIVED_IDS_TIME).
func (p *PeerConnection) Seen(id wire.MessageID, retention time.Duration) bool {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for existingID, t := range p.dedup {
		if now.Sub(t) > retention {
			delete(p.dedup, existingID)
		}
	}
	if _, ok := p.dedup[id]; ok {
		return true
	}
	p.dedup[id] = now
	return false
}

// OnDisconnect registers a callback run when the peer-connection
// transitions to DISCONNECTED or DESTROYED.
func (p *PeerConnection) OnDisconnect(fn func(reason error)) {
	p.mu.Lock()
	p.disconnectCbs = append(p.disconnectCbs, fn)
	p.mu.Unlock()
}

// Disconnect transitions to DISCONNECTED and runs disconnect callbacks.
func (p *PeerConnection) Disconnect(reason error) {
	p.mu.Lock()
	if p.state == Destroyed {
		p.mu.Unlock()
		return
	}
	p.state = Disconnected
	cbs := p.disconnectCbs
	p.mu.Unlock()
	for _, cb := range cbs {
		cb(reason)
	}
}

// Close sends ClosePeerConnection (best-effort, over the direct raw link
// or else the primary path, via mgr.Send) and then destroys the
// connection locally.
func (p *PeerConnection) Close(mgr *Manager) {
	if mgr != nil {
		_ = mgr.Send(p, &wire.ClosePeerConnection{})
	} else if raw := p.Raw(); raw != nil {
		_ = raw.SendMessage(&wire.ClosePeerConnection{})
	}
	p.Destroy()
}

// Destroy marks the connection absorbingly DESTROYED and releases its
// scoped resources.
func (p *PeerConnection) Destroy() {
	p.mu.Lock()
	if p.state == Destroyed {
		p.mu.Unlock()
		return
	}
	p.state = Destroyed
	cbs := p.disconnectCbs
	p.disconnectCbs = nil
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(&DisconnectedError{RemoteKey: p.RemoteKey})
	}
	p.cleaner.Clean()
}
