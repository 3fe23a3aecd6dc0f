// Package node composes the connection manager and every domain
// collaborator (ring, finger, multicast, kv) into the single object a
// process boots: construction order, the background maintenance loops
// each collaborator needs, and the HTTP upgrade point new connections
// arrive through (spec.md §9's "one process, one Manager, layered
// collaborators" wiring, generalized from the teacher's single
// `cmd/server/main.go` entrypoint which wires storage, membership, and
// the HTTP API together the same way).
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/config"
	"github.com/abelab/overlay/internal/finger"
	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/kv"
	"github.com/abelab/overlay/internal/mcast"
	"github.com/abelab/overlay/internal/overlay"
	"github.com/abelab/overlay/internal/ring"
	"github.com/abelab/overlay/internal/transport"
	"github.com/abelab/overlay/internal/wire"
)

// UnicastHandler processes an application payload that reached this
// node because it owns the destination key (spec.md §8's seed scenario
// 2: "unicast(destKey, msg) leads to the owner having received msg").
type UnicastHandler func(payload json.RawMessage)

// Node is one running overlay process: a single ring identity, its
// finger tables, its multicast engine, and its KV store, all sharing
// one connection Manager.
type Node struct {
	Key keyspace.Key
	Cfg *config.Config
	Log *logrus.Entry

	Manager *overlay.Manager
	Ring    *ring.Table
	RingN   *ring.Node
	Finger  *finger.Table
	Mcast   *mcast.Engine
	Store   *kv.Store
	KV      *kv.Engine

	verify         kv.VerifyFunc
	unicastHandler UnicastHandler
	cancel         context.CancelFunc
}

// SetUnicastHandler installs the callback run when a Unicast's target
// key resolves to this node. A nil handler (the default) still replies
// to the sender, it just delivers the payload nowhere.
func (n *Node) SetUnicastHandler(fn UnicastHandler) { n.unicastHandler = fn }

// New builds the connection manager, the ring table (which installs
// itself as the ConnectionAcceptor) and the KV store for key. The finger
// table, multicast engine and KV engine, and the SetPayloadHandler and
// OnSeedSuccessor hooks, are wired after a successful Join.
// verify may be nil to accept every KV write unconditionally.
func New(key keyspace.Key, cfg *config.Config, log *logrus.Entry, verify kv.VerifyFunc) (*Node, error) {
	selfID := wire.NodeID(key)
	if cfg.NodeID != "" {
		selfID = wire.NodeID(cfg.NodeID)
	}
	if len(cfg.StunServers) > 0 {
		transport.StunServers = cfg.StunServers
	}
	mgr := overlay.New(selfID, cfg, log)
	ringTable := ring.NewTable(mgr, cfg, log)

	store, err := kv.NewStore(cfg.DataDir, string(key))
	if err != nil {
		return nil, fmt.Errorf("node: open kv store: %w", err)
	}

	n := &Node{
		Key: key, Cfg: cfg, Log: log, verify: verify,
		Manager: mgr, Ring: ringTable, Store: store,
	}
	return n, nil
}

// Join inserts the node's key into the ring: as a singleton bootstrap
// if no peers are configured, or by dialing the first reachable peer
// URL and running the DDLL join protocol through it otherwise. Once
// joined, it finishes wiring the finger table, multicast engine, and KV
// engine against the now-live ring.Node — these collaborators all need
// a *ring.Node to exist first, so they cannot be built in New.
func (n *Node) Join(ctx context.Context) error {
	introducer, err := n.introducerConnection(ctx)
	if err != nil {
		return err
	}
	isRepair := introducer == nil
	if introducer == nil {
		introducer = n.Manager.NewPeerConnection(string(n.Key), string(n.Key))
		introducer.AddPath(wire.Path{Hops: []wire.NodeID{n.Manager.SelfID}})
	}

	rn, err := n.Ring.Join(ctx, n.Key, introducer, isRepair)
	if err != nil {
		return fmt.Errorf("node: join ring: %w", err)
	}
	n.RingN = rn

	n.Finger = finger.NewTable(n.Manager, rn, n.Cfg, n.Log)
	n.Mcast = mcast.NewEngine(n.Manager, rn, n.Finger, n.Cfg, n.Log)
	n.KV = kv.NewEngine(n.Manager, rn, n.Ring, n.Finger, n.Store, n.Cfg, n.Log, n.verify)
	n.Mcast.SetPayloadHandler(n.KV.DumpRangeHandler)
	n.Manager.RegisterHandler("Unicast", n.handleUnicast)
	n.Ring.OnSeedSuccessor(func(self, successor keyspace.Key) {
		sctx, cancel := context.WithTimeout(context.Background(), n.Cfg.ReplyTimeout)
		defer cancel()
		if err := n.KV.SeedFromSuccessor(sctx, n.Mcast, self, successor); err != nil && n.Log != nil {
			n.Log.WithError(err).Debug("node: seed from successor failed")
		}
	})

	return nil
}

// introducerConnection dials each configured peer URL in turn until one
// accepts a raw connection, completes the Hello handshake, and returns
// a PeerConnection wrapping it for use as Join's introducer. Returns
// (nil, nil) when no peers are configured — the caller then bootstraps
// a singleton ring instead (spec.md §4.5's exception).
func (n *Node) introducerConnection(ctx context.Context) (*overlay.PeerConnection, error) {
	if len(n.Cfg.Peers) == 0 {
		return nil, nil
	}
	var lastErr error
	for _, url := range n.Cfg.Peers {
		pc, err := n.DialIntroducer(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		return pc, nil
	}
	return nil, fmt.Errorf("node: no configured peer reachable: %w", lastErr)
}

// DialIntroducer dials url directly, completes the Hello handshake over
// it, and returns a PeerConnection wrapping the resulting raw connection
// for use as a ring.Table.Join introducer. Exported so callers outside
// Join's own bootstrap path — the control API's /cluster/join, which
// heals a node via an operator-supplied peer URL rather than Cfg.Peers —
// can reach a specific introducer directly instead of going through
// ring.Table.Repair, which always self-loops and never dials out.
func (n *Node) DialIntroducer(ctx context.Context, url string) (*overlay.PeerConnection, error) {
	raw, err := transport.Dial(ctx, url, n.Log)
	if err != nil {
		return nil, err
	}
	n.Manager.AdoptRaw(raw)
	if err := raw.SendMessage(&wire.Hello{NetworkID: n.Cfg.NetworkID, NodeID: n.Manager.SelfID, AdvertisedURL: n.Cfg.MyURL}); err != nil {
		return nil, err
	}
	pc := n.Manager.NewPeerConnection(string(n.Key), "")
	pc.SetRaw(raw)
	return pc, nil
}

// responsible reports whether this node currently owns key, using the
// same right-exclusive interval test kv.Engine.responsible applies
// against its own ring.Node.
func (n *Node) responsible(key keyspace.Key) bool {
	right := n.RingN.Right()
	if right.Conn == nil {
		return true
	}
	return keyspace.Responsible(n.Key, right.Key, key)
}

// handleUnicast is the accept side of Unicast: deliver locally if this
// node owns targetKey, otherwise forward one hop closer via the same
// closest-preceding-connection rule DDLL join and KV routing both use.
func (n *Node) handleUnicast(ctx *overlay.Context) {
	req := ctx.Message.(*wire.Unicast)
	target := keyspace.Key(req.TargetKey)

	if n.responsible(target) {
		if n.unicastHandler != nil {
			n.unicastHandler(req.Payload)
		}
		_ = ctx.Reply(&wire.UnicastReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}})
		return
	}

	conn, _, ok := n.Ring.ClosestPrecedingConnection(target)
	if !ok {
		_ = ctx.Reply(&wire.UnicastReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}})
		return
	}
	fwd := &wire.Unicast{TargetKey: req.TargetKey, Payload: req.Payload}
	if err := n.Manager.Request(conn, fwd, "UnicastReply", n.Cfg.ReplyTimeout, false,
		func(wire.Message) { _ = ctx.Reply(&wire.UnicastReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}}) },
		func(error) { _ = ctx.Reply(&wire.UnicastReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}}) }); err != nil {
		_ = ctx.Reply(&wire.UnicastReply{ReplyMeta: wire.ReplyMeta{ReqMsgID: req.MsgID}})
	}
}

// Unicast routes payload toward targetKey, hop by hop, until it reaches
// the node that owns the key, where it is handed to that node's
// UnicastHandler (spec.md §8's seed scenario 2).
func (n *Node) Unicast(ctx context.Context, targetKey string, payload json.RawMessage) error {
	target := keyspace.Key(targetKey)
	if n.responsible(target) {
		if n.unicastHandler != nil {
			n.unicastHandler(payload)
		}
		return nil
	}

	conn, _, ok := n.Ring.ClosestPrecedingConnection(target)
	if !ok {
		return fmt.Errorf("node: no route toward key %q", targetKey)
	}
	req := &wire.Unicast{TargetKey: targetKey, Payload: payload}
	replyCh := make(chan *wire.UnicastReply, 1)
	errCh := make(chan error, 1)
	if err := n.Manager.Request(conn, req, "UnicastReply", n.Cfg.ReplyTimeout, false,
		func(m wire.Message) { replyCh <- m.(*wire.UnicastReply) },
		func(err error) { errCh <- err }); err != nil {
		return err
	}
	select {
	case <-replyCh:
		return nil
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartBackgroundLoops starts every collaborator's recurring
// maintenance work: the finger table's growth/refresh ticker, the
// relay-path maintenance pass when EnableRelay is set, and a periodic
// KV snapshot, matching the teacher's background-goroutine
// pattern in cmd/server/main.go (there: a bare snapshot ticker; here
// generalized to cover the finger table too).
func (n *Node) StartBackgroundLoops(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if n.Finger != nil {
		go n.Finger.MaintenanceLoop(ctx, ctx.Done())
	}

	if n.Cfg.EnableRelay {
		go func() {
			tick := time.NewTicker(n.Cfg.RelayPathMaintenancePeriod)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					n.Manager.RunRelayMaintenance(ctx)
				}
			}
		}()
	}

	go func() {
		tick := time.NewTicker(60 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if err := n.Store.Snapshot(); err != nil && n.Log != nil {
					n.Log.WithError(err).Warn("node: kv snapshot failed")
				}
			}
		}
	}()
}

// HandleWS is the HTTP entrypoint every inbound peer connection starts
// from: upgrade to a raw websocket connection and hand it to the
// manager, which completes the Hello/ConnectionRequest handshake from
// there (internal/overlay/corehandlers.go).
func (n *Node) HandleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := transport.Accept(w, r, n.Log)
	if err != nil {
		if n.Log != nil {
			n.Log.WithError(err).Debug("node: websocket upgrade failed")
		}
		return
	}
	n.Manager.AdoptRaw(raw)
}

// Shutdown stops background loops, releases the connection manager's
// resources, and takes a final KV snapshot.
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	n.Manager.Shutdown()
	if err := n.Store.Snapshot(); err != nil && n.Log != nil {
		n.Log.WithError(err).Warn("node: final kv snapshot failed")
	}
	_ = n.Store.Close()
}
