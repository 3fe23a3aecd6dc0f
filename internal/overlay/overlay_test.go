package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/config"
	"github.com/abelab/overlay/internal/transport"
	"github.com/abelab/overlay/internal/wire"
)

func testManager(id wire.NodeID) *Manager {
	return New(id, config.Defaults(), logrus.NewEntry(logrus.New()))
}

func TestDispatchRoutesByTagWhenNoDestination(t *testing.T) {
	m := testManager("n1")
	got := make(chan wire.Message, 1)
	m.RegisterHandler("Ping", func(ctx *Context) { got <- ctx.Message })

	a, b := transport.NewLoopbackPair()
	m.AdoptRaw(b)
	_ = a

	if err := a.SendMessage(&wire.Ping{TargetKey: "left"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case msg := <-got:
		if msg.(*wire.Ping).TargetKey != "left" {
			t.Fatalf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestDispatchSendsAckWhenRequested(t *testing.T) {
	m := testManager("n1")
	a, b := transport.NewLoopbackPair()
	m.AdoptRaw(b)
	m.RegisterHandler("Ping", func(ctx *Context) {})

	ackSeen := make(chan struct{}, 1)
	a.OnReceive(func(msg wire.Message, raw *transport.RawConnection) {
		if _, ok := msg.(*wire.Ack); ok {
			ackSeen <- struct{}{}
		}
	})

	id := wire.MessageID("n0:1")
	ping := &wire.Ping{Base: wire.Base{Header: wire.Header{AckRequestID: &id}}, TargetKey: "left"}
	if err := a.SendMessage(ping); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case <-ackSeen:
	case <-time.After(time.Second):
		t.Fatal("no ack observed")
	}
}

func TestPeerConnectionAddPathTransitionsConnected(t *testing.T) {
	m := testManager("n1")
	pc := m.NewPeerConnection("self", "remote")
	if pc.State() != Disconnected {
		t.Fatalf("initial state = %v, want Disconnected", pc.State())
	}
	pc.AddPath(wire.Path{Hops: []wire.NodeID{"n1", "n2"}})
	if pc.State() != Connected {
		t.Fatalf("state after first path = %v, want Connected", pc.State())
	}
}

func TestPeerConnectionDedup(t *testing.T) {
	m := testManager("n1")
	pc := m.NewPeerConnection("self", "remote")
	if pc.Seen("m1", time.Minute) {
		t.Fatal("first sighting should not be flagged as seen")
	}
	if !pc.Seen("m1", time.Minute) {
		t.Fatal("second sighting should be flagged as seen")
	}
}

// TestEstablishRelayPathsFindsEveryPortalPath models spec.md §4.4's
// 5-node relay scenario: n4 requests a peer-connection to n3, reachable
// through three candidate 2-hop relays via the portal nodes n0, n1, n2
// (n1/n2 are ordinary ring members introduced into the candidate graph
// the same way a GetNeighbors reply would, not pre-known at request
// time). With every probe accepting, all three confirm.
func TestEstablishRelayPathsFindsEveryPortalPath(t *testing.T) {
	cg := newCandidateGraph()
	cg.addPath(wire.Path{Hops: []wire.NodeID{"n4", "n0", "n3"}})
	cg.addPath(wire.Path{Hops: []wire.NodeID{"n4", "n1", "n3"}})
	cg.addPath(wire.Path{Hops: []wire.NodeID{"n4", "n2", "n3"}})

	probe := func(ctx context.Context, candidate wire.Path) bool { return true }

	confirmed := EstablishRelayPaths(context.Background(), cg, "n4", "n3", 3, probe, nil)
	if len(confirmed) != 3 {
		t.Fatalf("confirmed = %d paths, want 3: %+v", len(confirmed), confirmed)
	}
}

// TestEstablishRelayPathsSurvivesMutedPortals mutes n0 and n1 (their
// probes always fail, as if those nodes were unreachable) and asserts
// the n4->n3 request still succeeds over the one surviving path through
// n2, covering spec.md §4.4's relay fault-tolerance requirement that a
// request need only one live intermediate, not every candidate.
func TestEstablishRelayPathsSurvivesMutedPortals(t *testing.T) {
	cg := newCandidateGraph()
	cg.addPath(wire.Path{Hops: []wire.NodeID{"n4", "n0", "n3"}})
	cg.addPath(wire.Path{Hops: []wire.NodeID{"n4", "n1", "n3"}})
	cg.addPath(wire.Path{Hops: []wire.NodeID{"n4", "n2", "n3"}})

	muted := map[wire.NodeID]bool{"n0": true, "n1": true}
	probe := func(ctx context.Context, candidate wire.Path) bool {
		for _, hop := range candidate.Hops {
			if muted[hop] {
				return false
			}
		}
		return true
	}

	confirmed := EstablishRelayPaths(context.Background(), cg, "n4", "n3", 3, probe, nil)
	if len(confirmed) != 1 {
		t.Fatalf("confirmed = %d paths, want 1 surviving path: %+v", len(confirmed), confirmed)
	}
	for _, hop := range confirmed[0].Hops {
		if muted[hop] {
			t.Fatalf("surviving path %+v must not route through a muted node", confirmed[0])
		}
	}
}

func TestRemovePathsWithEdgeDisconnectsWhenEmpty(t *testing.T) {
	m := testManager("n1")
	pc := m.NewPeerConnection("self", "remote")
	pc.AddPath(wire.Path{Hops: []wire.NodeID{"n1", "n2", "n3"}})

	var disconnected bool
	pc.OnDisconnect(func(error) { disconnected = true })

	remaining := pc.RemovePathsWithEdge("n2", "n3")
	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
	m.propagateNoNextHop("n2", "n3")
	if !disconnected {
		t.Fatal("expected disconnect callback to run")
	}
}
