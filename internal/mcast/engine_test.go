package mcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/config"
	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/overlay"
	"github.com/abelab/overlay/internal/ring"
	"github.com/abelab/overlay/internal/transport"
	"github.com/abelab/overlay/internal/wire"
)

// soloEngine builds an Engine for a single bootstrapped (self-looped)
// ring node with no finger table, so a query over any range has no
// remote candidates and must answer entirely locally.
func soloEngine(t *testing.T, key keyspace.Key) (*Engine, *ring.Node) {
	t.Helper()
	cfg := config.Defaults()
	cfg.MulticastFlushPeriod = 20 * time.Millisecond
	log := logrus.NewEntry(logrus.New())

	mgr := overlay.New(string(key), cfg, log)
	rt := ring.NewTable(mgr, cfg, log)

	self := mgr.NewPeerConnection(string(key), string(key))
	self.AddPath(wire.Path{Hops: []wire.NodeID{mgr.SelfID}})
	n, err := rt.Join(context.Background(), key, self, true)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	e := NewEngine(mgr, n, nil, cfg, log)
	return e, n
}

func TestSoloQueryAnswersLocally(t *testing.T) {
	e, _ := soloEngine(t, keyspace.Key("m"))
	var called bool
	e.SetPayloadHandler(func(from, to keyspace.Key, payload json.RawMessage) (json.RawMessage, error) {
		called = true
		if from != "a" || to != "z" {
			t.Fatalf("expected full range delegated locally, got [%s, %s)", from, to)
		}
		return json.RawMessage(`"ok"`), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got json.RawMessage
	done, _ := e.Send(ctx, "a", "z", nil, func(from, to keyspace.Key, value json.RawMessage) {
		got = value
	})

	if err := <-done; err != nil {
		t.Fatalf("query did not complete: %v", err)
	}
	if !called {
		t.Fatal("payload handler was never invoked")
	}
	if string(got) != `"ok"` {
		t.Fatalf("unexpected reply value: %s", got)
	}
}

// twoNodeEngines joins two ring nodes over a direct loopback link and
// wires an Engine to each, so a query whose range straddles both keys
// must split into a local fragment and one forwarded over the wire
// (spec.md §4.7 steps 1-3), rather than the single-node fallback
// soloEngine exercises.
func twoNodeEngines(t *testing.T, keyA, keyB keyspace.Key) (eA, eB *Engine, nA, nB *ring.Node) {
	t.Helper()
	cfg := config.Defaults()
	cfg.MulticastFlushPeriod = 20 * time.Millisecond
	log := logrus.NewEntry(logrus.New())

	mgrA := overlay.New(wire.NodeID(keyA), cfg, log)
	mgrB := overlay.New(wire.NodeID(keyB), cfg, log)
	tblA := ring.NewTable(mgrA, cfg, log)
	tblB := ring.NewTable(mgrB, cfg, log)

	rawA, rawB := transport.NewLoopbackPair()
	mgrA.AdoptRaw(rawA)
	mgrB.AdoptRaw(rawB)
	mgrA.RegisterRawNodeID(rawA, mgrB.SelfID)
	mgrB.RegisterRawNodeID(rawB, mgrA.SelfID)

	selfA := mgrA.NewPeerConnection(string(keyA), string(keyA))
	selfA.AddPath(wire.Path{Hops: []wire.NodeID{mgrA.SelfID}})
	var err error
	nA, err = tblA.Join(context.Background(), keyA, selfA, true)
	if err != nil {
		t.Fatalf("bootstrap A: %v", err)
	}

	introducer := mgrB.NewPeerConnection(string(keyB), string(keyA))
	introducer.SetRaw(rawB)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nB, err = tblB.Join(ctx, keyB, introducer, false)
	if err != nil {
		t.Fatalf("join B: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for nA.Right().Key != keyB || nB.Left().Key != keyA {
		select {
		case <-deadline:
			t.Fatalf("ring did not close: A.right=%s B.left=%s", nA.Right().Key, nB.Left().Key)
		case <-time.After(10 * time.Millisecond):
		}
	}

	eA = NewEngine(mgrA, nA, nil, cfg, log)
	eB = NewEngine(mgrB, nB, nil, cfg, log)
	return eA, eB, nA, nB
}

// TestTwoNodeQuerySplitsAcrossTheWire sends a range query from A that
// straddles B's key, asserting A answers its own leading fragment
// locally while the trailing fragment is forwarded to B over RQRequest
// and its RQReply folds back into the same aggregator (spec.md §8's
// seed scenario's multicast coverage, extended past the single-node
// case TestSoloQueryAnswersLocally already covers).
func TestTwoNodeQuerySplitsAcrossTheWire(t *testing.T) {
	eA, eB, _, _ := twoNodeEngines(t, keyspace.Key("00"), keyspace.Key("05"))

	var mu sync.Mutex
	var calledOnA, calledOnB bool
	eA.SetPayloadHandler(func(from, to keyspace.Key, payload json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		calledOnA = true
		mu.Unlock()
		if from != "00" || to != "05" {
			t.Errorf("A's local fragment = [%s, %s), want [00, 05)", from, to)
		}
		return json.RawMessage(`"from-A"`), nil
	})
	eB.SetPayloadHandler(func(from, to keyspace.Key, payload json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		calledOnB = true
		mu.Unlock()
		if from != "05" || to != "09" {
			t.Errorf("B's fragment = [%s, %s), want [05, 09)", from, to)
		}
		return json.RawMessage(`"from-B"`), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu2 sync.Mutex
	replies := make(map[string]string)
	done, _ := eA.Send(ctx, "00", "09", nil, func(from, to keyspace.Key, value json.RawMessage) {
		mu2.Lock()
		replies[string(from)+"-"+string(to)] = string(value)
		mu2.Unlock()
	})

	if err := <-done; err != nil {
		t.Fatalf("query did not complete: %v", err)
	}

	mu.Lock()
	if !calledOnA || !calledOnB {
		t.Fatalf("expected both nodes' handlers invoked, got A=%v B=%v", calledOnA, calledOnB)
	}
	mu.Unlock()

	mu2.Lock()
	defer mu2.Unlock()
	if replies["00-05"] != `"from-A"` {
		t.Fatalf("local fragment reply = %q, want %q", replies["00-05"], `"from-A"`)
	}
	if replies["05-09"] != `"from-B"` {
		t.Fatalf("forwarded fragment reply = %q, want %q", replies["05-09"], `"from-B"`)
	}
}
