package transport

import (
	"errors"
	"sync"

	"github.com/abelab/overlay/internal/wire"
)

// loopbackSender pipes bytes directly to the paired RawConnection's
// decode step via a buffered channel, dispatched asynchronously on its
// own goroutine so a send does not wait for the peer's handler (it
// blocks only once 64 messages are already queued) and is never
// subject to idle-close (spec.md §4.3: "all sends are dispatched
// asynchronously but never closed by idle").
type loopbackSender struct {
	mu     sync.Mutex
	peer   *RawConnection
	ch     chan []byte
	closed bool
}

var errLoopbackClosed = errors.New("transport: loopback connection closed")

func newLoopbackSender() *loopbackSender {
	return &loopbackSender{ch: make(chan []byte, 64)}
}

func (s *loopbackSender) Send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errLoopbackClosed
	}
	s.mu.Unlock()
	s.ch <- data
	return nil
}

func (s *loopbackSender) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.ch)
	return nil
}

func (s *loopbackSender) run(raw *RawConnection) {
	for data := range s.ch {
		msg, err := wire.Decode(data)
		if err != nil {
			continue
		}
		raw.deliver(msg)
	}
}

// NewLoopbackPair creates two RawConnections, of Kind Loopback, wired so
// that a message sent on one is decoded and delivered on the other.
// Used both for a node's connection to itself (local key == remote key)
// and as the in-process transport for deterministic multi-node tests
// (spec.md §8 seed scenarios run an entire ring in one process).
func NewLoopbackPair() (a, b *RawConnection) {
	sAtoB := newLoopbackSender()
	sBtoA := newLoopbackSender()

	a = newRaw(Loopback, sAtoB)
	b = newRaw(Loopback, sBtoA)

	go sAtoB.run(b)
	go sBtoA.run(a)

	return a, b
}

// NewSelfLoop creates a single RawConnection looped back to itself, used
// when a node connects to its own local key.
func NewSelfLoop() *RawConnection {
	s := newLoopbackSender()
	r := newRaw(Loopback, s)
	go s.run(r)
	return r
}
