package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/config"
	"github.com/abelab/overlay/internal/keyspace"
	"github.com/abelab/overlay/internal/overlay"
	"github.com/abelab/overlay/internal/ring"
	"github.com/abelab/overlay/internal/wire"
)

func tempStore(t *testing.T, selfKey string) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "kvtest-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := NewStore(dir, selfKey)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePutGet(t *testing.T) {
	s := tempStore(t, "n1")
	if _, err := s.Put("k1", []byte("v1"), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, ok := s.Get("k1")
	if !ok || string(v.Data) != "v1" {
		t.Fatalf("get: got %v, %v", v, ok)
	}
	if v.Clock["n1"] != 1 {
		t.Fatalf("expected own clock entry incremented, got %v", v.Clock)
	}
}

func TestStoreDeleteIsTombstone(t *testing.T) {
	s := tempStore(t, "n1")
	s.Put("k1", []byte("v1"), nil)
	if err := s.Delete("k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get("k1"); ok {
		t.Fatal("deleted key should not be visible via Get")
	}
	raw, ok := s.GetRaw("k1")
	if !ok || !raw.Tombstone {
		t.Fatalf("expected tombstoned raw entry, got %v, %v", raw, ok)
	}
}

func TestStoreApplyRemoteRejectsStale(t *testing.T) {
	s := tempStore(t, "n1")
	v, _ := s.Put("k1", []byte("v1"), nil)

	applied, err := s.ApplyRemote("k1", Value{Data: []byte("old"), Clock: VectorClock{}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied {
		t.Fatal("a causally older write should not be applied")
	}

	newer := v.Clock.Copy()
	newer.Increment("n2")
	applied, err = s.ApplyRemote("k1", Value{Data: []byte("newer"), Clock: newer})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !applied {
		t.Fatal("a causally newer write should be applied")
	}
	got, _ := s.Get("k1")
	if string(got.Data) != "newer" {
		t.Fatalf("expected newer value, got %q", got.Data)
	}
}

func TestStoreSnapshotReload(t *testing.T) {
	dir, err := os.MkdirTemp("", "kvtest-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	defer os.RemoveAll(dir)

	s, err := NewStore(dir, "n1")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	s.Put("k1", []byte("v1"), nil)
	s.Put("k2", []byte("v2"), nil)
	if err := s.Snapshot(); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	s.Put("k3", []byte("v3"), nil)
	s.Close()

	reloaded, err := NewStore(dir, "n1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reloaded.Close()

	for _, want := range []struct{ key, val string }{{"k1", "v1"}, {"k2", "v2"}, {"k3", "v3"}} {
		v, ok := reloaded.Get(want.key)
		if !ok || string(v.Data) != want.val {
			t.Fatalf("key %q: got %v, %v", want.key, v, ok)
		}
	}
}

func TestStoreRangeRaw(t *testing.T) {
	s := tempStore(t, "n1")
	s.Put("a", []byte("1"), nil)
	s.Put("m", []byte("2"), nil)
	s.Put("z", []byte("3"), nil)

	got := s.RangeRaw(func(key string) bool { return key >= "b" && key < "z" })
	if len(got) != 1 {
		t.Fatalf("expected 1 entry in [b, z), got %d: %v", len(got), got)
	}
	if _, ok := got["m"]; !ok {
		t.Fatalf("expected key m in range result, got %v", got)
	}
}

// soloKVEngine builds an Engine for a single bootstrapped ring node with
// no replica successors, so every Put/Get is answered entirely locally.
func soloKVEngine(t *testing.T, key keyspace.Key) *Engine {
	t.Helper()
	cfg := config.Defaults()
	log := logrus.NewEntry(logrus.New())

	mgr := overlay.New(string(key), cfg, log)
	rt := ring.NewTable(mgr, cfg, log)

	self := mgr.NewPeerConnection(string(key), string(key))
	self.AddPath(wire.Path{Hops: []wire.NodeID{mgr.SelfID}})
	n, err := rt.Join(context.Background(), key, self, true)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	store := tempStore(t, string(key))
	return NewEngine(mgr, n, rt, nil, store, cfg, log, nil)
}

func TestEngineLocalPutGet(t *testing.T) {
	e := soloKVEngine(t, keyspace.Key("m"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := e.Put(ctx, "hello", []byte("world")); err != nil {
		t.Fatalf("put: %v", err)
	}
	v, found, err := e.Get(ctx, "hello")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found || string(v.Data) != "world" {
		t.Fatalf("expected to find value, got %v, %v", v, found)
	}
}

func TestEngineRejectsVerifyFailure(t *testing.T) {
	cfg := config.Defaults()
	log := logrus.NewEntry(logrus.New())
	key := keyspace.Key("m")

	mgr := overlay.New(string(key), cfg, log)
	rt := ring.NewTable(mgr, cfg, log)
	self := mgr.NewPeerConnection(string(key), string(key))
	self.AddPath(wire.Path{Hops: []wire.NodeID{mgr.SelfID}})
	n, err := rt.Join(context.Background(), key, self, true)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	store := tempStore(t, string(key))

	verify := func(key string, value []byte, signerID string, signature []byte) error {
		return &RejectedError{Reason: "VERIFY_ERROR"}
	}
	e := NewEngine(mgr, n, rt, nil, store, cfg, log, verify)

	err = e.applyPutLocal("k", []byte("v"), nil, "signer", []byte("sig"))
	if err == nil {
		t.Fatal("expected verify failure to reject the write")
	}
	if _, ok := store.Get("k"); ok {
		t.Fatal("rejected write should not be persisted")
	}
}

// TestEngineSignedOverwriteSequence exercises spec.md's seed scenario 5:
// a signed put succeeds, a later put with a different signature fails
// VERIFY_ERROR, and a later put with no signature at all fails
// OVERWRITE_FORBIDDEN rather than silently discarding the protection.
func TestEngineSignedOverwriteSequence(t *testing.T) {
	cfg := config.Defaults()
	log := logrus.NewEntry(logrus.New())
	key := keyspace.Key("m")

	mgr := overlay.New(string(key), cfg, log)
	rt := ring.NewTable(mgr, cfg, log)
	self := mgr.NewPeerConnection(string(key), string(key))
	self.AddPath(wire.Path{Hops: []wire.NodeID{mgr.SelfID}})
	n, err := rt.Join(context.Background(), key, self, true)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	store := tempStore(t, string(key))

	validSig := func(signerID string) []byte { return []byte("valid-sig-for-" + signerID) }
	verify := func(key string, value []byte, signerID string, signature []byte) error {
		if string(signature) != string(validSig(signerID)) {
			return fmt.Errorf("bad signature for signer %q", signerID)
		}
		return nil
	}
	e := NewEngine(mgr, n, rt, nil, store, cfg, log, verify)

	if err := e.applyPutLocal("000", []byte("Hello"), nil, "alice", validSig("alice")); err != nil {
		t.Fatalf("signed put should succeed, got %v", err)
	}
	v, ok := store.Get("000")
	if !ok || string(v.Data) != "Hello" || !v.Signed {
		t.Fatalf("expected signed stored value, got %v, %v", v, ok)
	}

	err = e.applyPutLocal("000", []byte("Goodbye"), nil, "alice", []byte("wrong-signature"))
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.Reason != "VERIFY_ERROR" {
		t.Fatalf("expected VERIFY_ERROR, got %v", err)
	}
	if v, _ := store.Get("000"); string(v.Data) != "Hello" {
		t.Fatalf("value should be unchanged after a verify failure, got %q", v.Data)
	}

	err = e.applyPutLocal("000", []byte("Overwritten"), nil, "", nil)
	if !errors.As(err, &rej) || rej.Reason != "OVERWRITE_FORBIDDEN" {
		t.Fatalf("expected OVERWRITE_FORBIDDEN, got %v", err)
	}
	if v, _ := store.Get("000"); string(v.Data) != "Hello" {
		t.Fatalf("value should be unchanged after a forbidden overwrite, got %q", v.Data)
	}
}
