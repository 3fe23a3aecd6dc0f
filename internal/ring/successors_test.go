package ring

import (
	"context"
	"testing"
	"time"

	"github.com/abelab/overlay/internal/keyspace"
)

func TestSingletonSuccessorsIsSelfLoop(t *testing.T) {
	mgr, tbl := testEnv(t, "keyA")
	n := bootstrapSingleton(t, mgr, tbl, keyspace.Key("keyA"))

	deadline := time.After(time.Second)
	for {
		if succ := n.PSuccessors(); len(succ) == 1 && succ[0] == "keyA" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("successors never settled to self-loop, got %v", n.PSuccessors())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTwoNodeSuccessorsIncludesPeer(t *testing.T) {
	mgrA, tblA := testEnv(t, "keyA")
	mgrB, tblB := testEnv(t, "keyB")
	_, rawB := linkDirect(mgrA, mgrB)

	bootstrapSingleton(t, mgrA, tblA, keyspace.Key("keyA"))

	introducer := mgrB.NewPeerConnection(string(keyspace.Key("keyB")), "keyA")
	introducer.SetRaw(rawB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	nb, err := tblB.Join(ctx, keyspace.Key("keyB"), introducer, false)
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	na, ok := tblA.LocalNode(keyspace.Key("keyA"))
	if !ok {
		t.Fatal("A's local node vanished")
	}

	deadline := time.After(2 * time.Second)
	for {
		if succ := na.PSuccessors(); len(succ) >= 1 && succ[0] == "keyB" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("A's successor list never picked up B, got %v", na.PSuccessors())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if succ := nb.PSuccessors(); len(succ) < 1 || succ[0] != "keyA" {
		t.Fatalf("B's successor list should start with A, got %v", succ)
	}
}
