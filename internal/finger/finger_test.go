package finger

import (
	"context"
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

func TestDistanceStep(t *testing.T) {
	cases := []struct {
		distance, cap, want int
	}{
		{0, 5, 0},
		{1, 5, 0},
		{2, 5, 1},
		{3, 5, 1},
		{4, 5, 2},
		{4, 1, 1},
		{1023, 4, 4},
	}
	for _, c := range cases {
		if got := distanceStep(c.distance, c.cap); got != c.want {
			t.Errorf("distanceStep(%d, %d) = %d, want %d", c.distance, c.cap, got, c.want)
		}
	}
}

func TestWouldOvershootSameAsRequesterNeverOvershoots(t *testing.T) {
	if wouldOvershoot("a", "r", "r", Forward) {
		t.Fatal("candidate == requester should never be CIRCULATED")
	}
	if wouldOvershoot("a", "r", "r", Backward) {
		t.Fatal("candidate == requester should never be CIRCULATED")
	}
}

// buildTwoNodeRing wires managers A and B with a direct loopback link
// and joins them into a closed 2-node DDLL ring, mirroring
// internal/ring's own join test so finger growth has real link state
// to walk.
func buildTwoNodeRing(t *testing.T) (*overlay.Manager, *ring.Table, *ring.Node, *overlay.Manager, *ring.Table, *ring.Node) {
	t.Helper()
	cfg := config.Defaults()
	log := logrus.NewEntry(logrus.New())

	mgrA := overlay.New("keyA", cfg, log)
	mgrB := overlay.New("keyB", cfg, log)
	tblA := ring.NewTable(mgrA, cfg, log)
	tblB := ring.NewTable(mgrB, cfg, log)

	rawA, rawB := transport.NewLoopbackPair()
	mgrA.AdoptRaw(rawA)
	mgrB.AdoptRaw(rawB)
	mgrA.RegisterRawNodeID(rawA, "keyB")
	mgrB.RegisterRawNodeID(rawB, "keyA")

	self := mgrA.NewPeerConnection("keyA", "keyA")
	self.AddPath(wire.Path{Hops: []wire.NodeID{"keyA"}})
	na, err := tblA.Join(context.Background(), keyspace.Key("keyA"), self, true)
	if err != nil {
		t.Fatalf("A bootstrap: %v", err)
	}

	introducer := mgrB.NewPeerConnection("keyB", "keyA")
	introducer.SetRaw(rawB)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nb, err := tblB.Join(ctx, keyspace.Key("keyB"), introducer, false)
	if err != nil {
		t.Fatalf("B join: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for na.Right().Key != "keyB" {
		select {
		case <-deadline:
			t.Fatal("ring never closed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	return mgrA, tblA, na, mgrB, tblB, nb
}

func TestGrowOneLevelInstallsAnEntry(t *testing.T) {
	mgrA, _, na, mgrB, _, nb := buildTwoNodeRing(t)
	cfg := config.Defaults()
	log := logrus.NewEntry(logrus.New())

	ftA := NewTable(mgrA, na, cfg, log)
	_ = NewTable(mgrB, nb, cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ftA.GrowOneLevel(ctx, Forward); err != nil {
		t.Fatalf("GrowOneLevel: %v", err)
	}

	entry := ftA.entryAt(Forward, 1)
	if entry == nil {
		t.Fatal("expected a level-1 forward entry after GrowOneLevel")
	}
}
