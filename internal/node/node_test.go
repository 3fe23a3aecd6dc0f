package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/config"
	"github.com/abelab/overlay/internal/keyspace"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.ReplyTimeout = 2 * time.Second
	cfg.FingerRefreshPeriod = 50 * time.Millisecond
	cfg.MulticastFlushPeriod = 20 * time.Millisecond
	return cfg
}

func TestSingletonBootstrapAndLocalKV(t *testing.T) {
	cfg := testConfig(t)
	log := logrus.NewEntry(logrus.New())

	n, err := New(keyspace.Key("a"), cfg, log, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if n.RingN.Status().String() != "IN" {
		t.Fatalf("status = %v, want IN", n.RingN.Status())
	}

	if err := n.KV.Put(ctx, "hello", []byte("world")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, found, err := n.KV.Get(ctx, "hello")
	if err != nil || !found {
		t.Fatalf("Get: value=%v found=%v err=%v", v, found, err)
	}
	if string(v.Data) != "world" {
		t.Fatalf("Data = %q, want %q", v.Data, "world")
	}

	if err := n.KV.Delete(ctx, "hello"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := n.KV.Get(ctx, "hello"); found {
		t.Fatal("expected key gone after delete")
	}
}

// newServedNode wires a Node to a real httptest server answering
// HandleWS, so Join can dial it over an actual TCP/websocket round trip
// instead of the in-process loopback pairs other packages' tests use —
// exercising the Hello handshake in internal/overlay/corehandlers.go
// end to end.
func newServedNode(t *testing.T, key keyspace.Key, peers []string) (*Node, *httptest.Server) {
	t.Helper()
	cfg := testConfig(t)
	cfg.Peers = peers
	log := logrus.NewEntry(logrus.New())

	n, err := New(key, cfg, log, nil)
	if err != nil {
		t.Fatalf("New(%s): %v", key, err)
	}
	srv := httptest.NewServer(http.HandlerFunc(n.HandleWS))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	n.Cfg.MyURL = wsURL
	return n, srv
}

func TestTwoNodeJoinAndReplicatedGet(t *testing.T) {
	a, srvA := newServedNode(t, keyspace.Key("keyA"), nil)
	defer srvA.Close()
	defer a.Shutdown()

	ctxA, cancelA := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelA()
	if err := a.Join(ctxA); err != nil {
		t.Fatalf("A join: %v", err)
	}

	b, srvB := newServedNode(t, keyspace.Key("keyB"), []string{a.Cfg.MyURL})
	defer srvB.Close()
	defer b.Shutdown()

	ctxB, cancelB := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelB()
	if err := b.Join(ctxB); err != nil {
		t.Fatalf("B join: %v", err)
	}

	if b.RingN.Status().String() != "IN" {
		t.Fatalf("B status = %v, want IN", b.RingN.Status())
	}

	putCtx, cancelPut := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelPut()
	if err := b.KV.Put(putCtx, "k1", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		getCtx, cancelGet := context.WithTimeout(context.Background(), 500*time.Millisecond)
		v, found, err := a.KV.Get(getCtx, "k1")
		cancelGet()
		if err == nil && found && string(v.Data) == "v1" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("k1 never became visible from A: found=%v err=%v", found, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// unicastRecorder records every payload a node's UnicastHandler is
// called with, safe for concurrent delivery.
type unicastRecorder struct {
	mu       sync.Mutex
	received []string
}

func (r *unicastRecorder) handle(payload json.RawMessage) {
	var s string
	_ = json.Unmarshal(payload, &s)
	r.mu.Lock()
	r.received = append(r.received, s)
	r.mu.Unlock()
}

func (r *unicastRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.received))
	copy(out, r.received)
	return out
}

// TestFiveNodeUnicastReachesOwnerOnly builds a 5-node ring, one joining
// through the previous node's served URL each time, then sends a single
// unicast from the lowest-key node toward node 3's key ("03") and
// asserts only that node's handler observed it (spec.md §8's seed
// scenario 2).
func TestFiveNodeUnicastReachesOwnerOnly(t *testing.T) {
	const n = 5
	keys := make([]keyspace.Key, n)
	nodes := make([]*Node, n)
	srvs := make([]*httptest.Server, n)
	recorders := make([]*unicastRecorder, n)

	for i := 0; i < n; i++ {
		keys[i] = keyspace.Key(fmt.Sprintf("%02d", i))
	}

	nodes[0], srvs[0] = newServedNode(t, keys[0], nil)
	defer srvs[0].Close()
	defer nodes[0].Shutdown()
	recorders[0] = &unicastRecorder{}
	nodes[0].SetUnicastHandler(recorders[0].handle)

	ctx0, cancel0 := context.WithTimeout(context.Background(), 2*time.Second)
	if err := nodes[0].Join(ctx0); err != nil {
		t.Fatalf("node 0 join: %v", err)
	}
	cancel0()

	for i := 1; i < n; i++ {
		nd, srv := newServedNode(t, keys[i], []string{nodes[i-1].Cfg.MyURL})
		nodes[i], srvs[i] = nd, srv
		defer srv.Close()
		defer nd.Shutdown()
		recorders[i] = &unicastRecorder{}
		nd.SetUnicastHandler(recorders[i].handle)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := nd.Join(ctx); err != nil {
			cancel()
			t.Fatalf("node %d join: %v", i, err)
		}
		cancel()
	}

	payload, err := json.Marshal("hello-from-0")
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	sendCtx, cancelSend := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelSend()
	if err := nodes[0].Unicast(sendCtx, string(keys[3]), payload); err != nil {
		t.Fatalf("unicast: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if len(recorders[3].snapshot()) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("target node never received the unicast payload")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := recorders[3].snapshot()
	if len(got) != 1 || got[0] != "hello-from-0" {
		t.Fatalf("node 3 received %v, want exactly [%q]", got, "hello-from-0")
	}
	for i := 0; i < n; i++ {
		if i == 3 {
			continue
		}
		if got := recorders[i].snapshot(); len(got) != 0 {
			t.Fatalf("node %d should not have received the unicast, got %v", i, got)
		}
	}
}
