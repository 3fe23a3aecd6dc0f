package overlay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/cleaner"
	"github.com/abelab/overlay/internal/config"
	"github.com/abelab/overlay/internal/transport"
	"github.com/abelab/overlay/internal/wire"
)

// Handler processes one decoded inbound message addressed to the local
// node itself (as opposed to a specific peer-connection). Registered by
// collaborators (ring, finger, mcast, kv) at node-wiring time, giving a
// tag→handler table instead of a static import from overlay into each
// collaborator — the dependency-inversion redesign spec.md §9 calls for
// under "Automatic properties."
type Handler func(ctx *Context)

// Context is passed to every Handler: everything a handler needs to
// read or act on, looked up rather than injected onto the message
// itself (again per spec.md §9).
type Context struct {
	Manager *Manager
	Message wire.Message
	Raw     *transport.RawConnection
	Peer    *PeerConnection // nil if the message was not addressed via an existing peer-connection
}

// Reply sends a reply message back along the incoming message's source
// path, reusing the same raw connection when possible.
func (c *Context) Reply(reply wire.Message) error {
	reply.Head().Source = wire.Path{Hops: []wire.NodeID{c.Manager.SelfID}}
	if c.Raw != nil {
		return c.Raw.SendMessage(reply)
	}
	return fmt.Errorf("overlay: no raw connection to reply on")
}

// Manager is the single process-wide connection-manager state: it owns
// pools of peer-connections and raw-connections indexed by monotonic
// ids (spec.md §9's arena/index-ownership redesign for the cyclic
// message↔container, peer↔raw↔manager references of the source).
type Manager struct {
	SelfID wire.NodeID
	Cfg    *config.Config
	Log    *logrus.Entry

	root *cleaner.Cleaner

	mu           sync.Mutex
	peersByID    map[wire.ConnID]*PeerConnection
	rawByNodeID  map[wire.NodeID]*transport.RawConnection
	rawByID      map[int64]*transport.RawConnection
	nextConnID   uint64

	suspicious map[wire.NodeID]time.Time
	indirect   map[wire.NodeID]time.Time

	handlers     map[string]Handler
	acceptor     ConnectionAcceptor
	pending      *pendingAccept
	pendingRelay *pendingRelayAccept

	requests *requestRuntime
}

// New creates a Manager for a node with the given stable identity.
func New(selfID wire.NodeID, cfg *config.Config, log *logrus.Entry) *Manager {
	m := &Manager{
		SelfID:      selfID,
		Cfg:         cfg,
		Log:         log,
		root:        cleaner.New(),
		peersByID:   make(map[wire.ConnID]*PeerConnection),
		rawByNodeID: make(map[wire.NodeID]*transport.RawConnection),
		rawByID:     make(map[int64]*transport.RawConnection),
		suspicious:  make(map[wire.NodeID]time.Time),
		indirect:    make(map[wire.NodeID]time.Time),
		handlers:    make(map[string]Handler),
	}
	m.requests = newRequestRuntime(m)
	m.registerCoreHandlers()
	return m
}

// RegisterHandler installs the handler invoked for every inbound message
// whose wire tag matches, when the message is not a reply to an
// in-flight request (replies are matched by requestRuntime first).
func (m *Manager) RegisterHandler(tag string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[tag] = h
}

func (m *Manager) nextConnectionID() wire.ConnID {
	return wire.ConnID(atomic.AddUint64(&m.nextConnID, 1))
}

// AdoptRaw registers a raw connection with the manager's pools by its
// raw id, wiring its receive callback into the dispatch pipeline. It
// does not index raw by node id; RegisterRawNodeID does that, and a
// newer raw there replaces an older one without closing it (spec.md
// §5's shared-resource policy — the caller owns closing the old one).
func (m *Manager) AdoptRaw(raw *transport.RawConnection) {
	m.mu.Lock()
	m.rawByID[raw.ID] = raw
	m.mu.Unlock()

	raw.OnReceive(m.dispatch)
	raw.OnClose(func() { m.onRawClosed(raw) })
}

// RegisterRawNodeID indexes raw by the now-known remote node id,
// replacing (without closing) any previous entry.
func (m *Manager) RegisterRawNodeID(raw *transport.RawConnection, id wire.NodeID) {
	raw.SetRemoteNodeID(id)
	m.mu.Lock()
	m.rawByNodeID[id] = raw
	m.mu.Unlock()
}

// RawByNodeID returns the current raw connection for a node id, if any.
func (m *Manager) RawByNodeID(id wire.NodeID) (*transport.RawConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rawByNodeID[id]
	return r, ok
}

// directNeighborPaths reports every node this manager holds a live raw
// connection to, each as a one-hop path rooted at self — the answer to a
// GetNeighbors query and a contribution to the requester's relay candidate
// graph (spec.md §4.4).
func (m *Manager) directNeighborPaths() []wire.Path {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.Path, 0, len(m.rawByNodeID))
	for id := range m.rawByNodeID {
		out = append(out, wire.Path{Hops: []wire.NodeID{m.SelfID, id}})
	}
	return out
}

func (m *Manager) onRawClosed(raw *transport.RawConnection) {
	m.mu.Lock()
	delete(m.rawByID, raw.ID)
	remote := raw.RemoteNodeID()
	if current, ok := m.rawByNodeID[remote]; ok && current == raw {
		delete(m.rawByNodeID, remote)
	}
	m.mu.Unlock()

	if remote != "" {
		m.propagateNoNextHop(m.SelfID, remote)
	}
}

// MarkSuspicious flags a node as suspicious for
// SUSPICIOUS_NODE_EXPIRATION_TIME (spec.md §4.8).
func (m *Manager) MarkSuspicious(id wire.NodeID) {
	m.mu.Lock()
	m.suspicious[id] = time.Now()
	m.mu.Unlock()
}

// IsSuspicious reports whether id is currently suspicious, expiring
// stale entries as a side effect.
func (m *Manager) IsSuspicious(id wire.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.suspicious[id]
	if !ok {
		return false
	}
	if time.Since(t) > m.Cfg.SuspiciousNodeExpiration {
		delete(m.suspicious, id)
		return false
	}
	return true
}

// ClearSuspicious removes id from the suspicious set immediately — a
// message from it arriving is evidence enough (spec.md §8's
// suspicious-set monotonicity property still holds: removal only ever
// happens at or after expiration, or on positive evidence).
func (m *Manager) ClearSuspicious(id wire.NodeID) {
	m.mu.Lock()
	delete(m.suspicious, id)
	m.mu.Unlock()
}

// SuspiciousNodes returns every currently-suspicious node id, for
// status/debug reporting — expiry is evaluated the same way IsSuspicious
// evaluates it, so a stale entry never appears in the result.
func (m *Manager) SuspiciousNodes() []wire.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.NodeID, 0, len(m.suspicious))
	for id, t := range m.suspicious {
		if time.Since(t) > m.Cfg.SuspiciousNodeExpiration {
			continue
		}
		out = append(out, id)
	}
	return out
}

// MarkIndirect flags id as an indirect node for INDIRECT_NODE_EXPIRATION_TIME
// (spec.md §4.2): a prior datagram attempt to it failed, so future
// connection requests should skip direct dialing and go straight to RELAY.
func (m *Manager) MarkIndirect(id wire.NodeID) {
	m.mu.Lock()
	m.indirect[id] = time.Now()
	m.mu.Unlock()
}

// IsIndirect reports whether id is currently flagged indirect, expiring a
// stale entry as a side effect (same pattern as IsSuspicious).
func (m *Manager) IsIndirect(id wire.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.indirect[id]
	if !ok {
		return false
	}
	if time.Since(t) > m.Cfg.IndirectNodeExpiration {
		delete(m.indirect, id)
		return false
	}
	return true
}

// NewPeerConnection allocates a PeerConnection with a fresh local
// connection id, registered in the manager's pool.
func (m *Manager) NewPeerConnection(localKey, remoteKey string) *PeerConnection {
	id := m.nextConnectionID()
	pc := newPeerConnection(id, localKey, remoteKey, m.root)
	m.mu.Lock()
	m.peersByID[id] = pc
	m.mu.Unlock()
	pc.OnDisconnect(func(error) {
		m.mu.Lock()
		delete(m.peersByID, id)
		m.mu.Unlock()
	})
	return pc
}

// PeerByID looks up a peer-connection by its local connection id.
func (m *Manager) PeerByID(id wire.ConnID) (*PeerConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peersByID[id]
	return p, ok
}

// Peers returns a snapshot of every currently-registered peer-connection.
func (m *Manager) Peers() []*PeerConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PeerConnection, 0, len(m.peersByID))
	for _, p := range m.peersByID {
		out = append(out, p)
	}
	return out
}

// RelayPeers returns every peer-connection currently relying on relay
// paths rather than a direct raw link — the set RELAY_PATH_MAINTENANCE_PERIOD
// runs against (spec.md §4.4).
func (m *Manager) RelayPeers() []*PeerConnection {
	var out []*PeerConnection
	for _, p := range m.Peers() {
		if p.Raw() == nil && len(p.Paths()) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// dispatch is the receive pipeline entry point, wired onto every raw
// connection's OnReceive (spec.md §4.3). It restores source by
// prepending the local node id, emits an Ack if needed, then routes by
// destination connection id or, absent one, by tag to a registered
// handler.
func (m *Manager) dispatch(msg wire.Message, raw *transport.RawConnection) {
	head := msg.Head()
	head.Source = head.Source.Prepend(m.SelfID)

	// A relay-path-addressed message (ConnID still unresolved, full node-id
	// route in Destination.Hops) is forwarded hop by hop until it reaches
	// the last id in the path; only then is it an Ack/reply/tag-dispatch
	// candidate for THIS node. This applies equally to requests walking
	// toward a destination (ProbePath, GetNeighbors) and to their replies
	// walking back along the reversed path.
	if head.Destination != nil && head.Destination.ConnID == 0 && len(head.Destination.Hops) > 0 {
		if m.forwardAlongPath(msg, head.Destination.Hops) {
			return
		}
	}

	if head.AckRequestID != nil {
		_ = raw.SendMessage(&wire.Ack{AckReplyID: *head.AckRequestID})
	}

	// Replies to in-flight requests take priority over tag dispatch.
	if m.requests.tryDeliver(msg) {
		return
	}

	var peer *PeerConnection
	if head.Destination != nil && head.Destination.ConnID != 0 {
		if p, ok := m.PeerByID(head.Destination.ConnID); ok {
			peer = p
		} else {
			// Destination connection is gone: forward a close back
			// along the source (spec.md §4.3).
			_ = raw.SendMessage(&wire.ClosePeerConnection{Reason: "unknown destination connection"})
			return
		}
	}

	m.mu.Lock()
	h, ok := m.handlers[msg.Tag()]
	m.mu.Unlock()
	if !ok {
		if m.Log != nil {
			m.Log.WithField("tag", msg.Tag()).Debug("dropping message with no registered handler")
		}
		return
	}
	h(&Context{Manager: m, Message: msg, Raw: raw, Peer: peer})
}

// forwardAlongPath relays msg to the raw connection for the hop after this
// node's own position in hops, when this node is not the last hop. Returns
// true if the message was consumed here (forwarded, or dropped for lack of
// a next raw link) and dispatch should not process it any further; false
// means this node is the final hop and normal dispatch should continue.
func (m *Manager) forwardAlongPath(msg wire.Message, hops []wire.NodeID) bool {
	idx := -1
	for i, h := range hops {
		if h == m.SelfID {
			idx = i
			break
		}
	}
	if idx == -1 || idx == len(hops)-1 {
		return false
	}
	next := hops[idx+1]
	raw, ok := m.RawByNodeID(next)
	if !ok {
		if m.Log != nil {
			m.Log.WithField("next_hop", next).Debug("overlay: no raw link to forward relay message, dropping")
		}
		return true
	}
	_ = raw.SendMessage(msg)
	return true
}

// propagateNoNextHop strips the dead edge from→to from every stored path
// of every peer-connection (spec.md §4.8 dead-link propagation) and
// disconnects each peer-connection left with no path. It sends no
// NoNextHopNotify, so other nodes are not told about the dead link.
func (m *Manager) propagateNoNextHop(from, to wire.NodeID) {
	m.mu.Lock()
	peers := make([]*PeerConnection, 0, len(m.peersByID))
	for _, p := range m.peersByID {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		if remaining := p.RemovePathsWithEdge(from, to); remaining == 0 {
			p.Disconnect(&DisconnectedError{RemoteKey: p.RemoteKey})
		}
	}
}

// Send delivers msg over the peer-connection's primary path: directly if
// a raw link exists, or by addressing the first hop of a relay path
// otherwise.
func (m *Manager) Send(pc *PeerConnection, msg wire.Message) error {
	if raw := pc.Raw(); raw != nil {
		return raw.SendMessage(msg)
	}
	path, ok := pc.PrimaryPath()
	if !ok || len(path.Hops) == 0 {
		return &NotConnectedError{RemoteKey: pc.RemoteKey}
	}
	msg.Head().Destination = &path
	hops := path.Hops
	if hops[0] == m.SelfID {
		// Multi-hop relay paths (relay.go's yenKShortest/allShortestFrom
		// candidates, and the literal [self, intermediate, dst] path)
		// always start at this node's own id, since they describe the
		// route from self to dst; ring/finger's direct single-hop paths
		// never include self, only the remote key. Either way the raw
		// connection to send over is keyed by the hop after self.
		hops = hops[1:]
	}
	if len(hops) == 0 {
		return &NotConnectedError{RemoteKey: pc.RemoteKey}
	}
	nextHop := hops[0]
	raw, ok := m.RawByNodeID(nextHop)
	if !ok {
		return &NotConnectedError{RemoteKey: string(nextHop)}
	}
	return raw.SendMessage(msg)
}

// Shutdown releases every scoped resource owned by the manager.
func (m *Manager) Shutdown() { m.root.Clean() }
