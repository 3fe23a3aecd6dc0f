package transport

import (
	"testing"
	"time"

	"github.com/abelab/overlay/internal/wire"
)

func TestLoopbackPairDeliversMessage(t *testing.T) {
	a, b := NewLoopbackPair()
	received := make(chan wire.Message, 1)
	b.OnReceive(func(msg wire.Message, raw *RawConnection) { received <- msg })

	ping := &wire.Ping{Base: wire.Base{Header: wire.Header{MsgID: "a:1"}}, TargetKey: "k"}
	if err := a.SendMessage(ping); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case msg := <-received:
		got, ok := msg.(*wire.Ping)
		if !ok || got.TargetKey != "k" {
			t.Fatalf("got %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMuteBuffersAndUnmuteFlushes(t *testing.T) {
	a, b := NewLoopbackPair()
	received := make(chan wire.Message, 4)
	b.OnReceive(func(msg wire.Message, raw *RawConnection) { received <- msg })

	a.Mute()
	for i := 0; i < 3; i++ {
		if err := a.SendMessage(&wire.Ack{AckReplyID: "x"}); err != nil {
			t.Fatalf("SendMessage while muted: %v", err)
		}
	}
	select {
	case <-received:
		t.Fatal("message delivered while sender muted")
	case <-time.After(50 * time.Millisecond):
	}

	if err := a.Unmute(); err != nil {
		t.Fatalf("Unmute: %v", err)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for flushed message")
		}
	}
}

func TestRawConnectionCloseRunsCallbackOnce(t *testing.T) {
	a, _ := NewLoopbackPair()
	var calls int
	a.OnClose(func() { calls++ })
	_ = a.Close()
	_ = a.Close()
	if calls != 1 {
		t.Fatalf("onClose called %d times, want 1", calls)
	}
}
