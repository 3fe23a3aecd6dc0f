// Package transport implements the raw connection layer: the lowest
// level abstraction the connection manager builds peer-connections on
// top of. A RawConnection is exactly one underlying transport session —
// loopback, a reliable byte-stream (SERVER-SOCKET/CLIENT-SOCKET), or a
// datagram-stream with out-of-band signaling.
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/abelab/overlay/internal/wire"
)

// Kind identifies the underlying session type of a RawConnection.
type Kind int

const (
	Loopback Kind = iota
	ServerSide
	ClientSide
	DatagramStream
	Relay
)

func (k Kind) String() string {
	switch k {
	case Loopback:
		return "loopback"
	case ServerSide:
		return "server-side"
	case ClientSide:
		return "client-side"
	case DatagramStream:
		return "datagram-stream"
	case Relay:
		return "relay"
	default:
		return "unknown"
	}
}

// Sender is the narrow interface the overlay layer needs from a raw
// connection: enqueue an already-encoded message for transmission.
type Sender interface {
	Send(data []byte) error
	Close() error
}

var nextID int64

func nextRawID() int64 { return atomic.AddInt64(&nextID, 1) }

// RawConnection is exactly-one underlying transport session, as
// described in spec.md §3.
type RawConnection struct {
	ID   int64
	Kind Kind

	mu              sync.Mutex
	remoteNodeID    wire.NodeID
	lastUsed        time.Time
	gracefullyClose bool
	muted           bool
	pending         [][]byte

	sender Sender

	// onReceive is invoked by the underlying transport for every decoded
	// inbound message; wired by the connection manager at construction.
	onReceive func(msg wire.Message, raw *RawConnection)
	// onClose callbacks run once, from Close. The websocket read loop
	// calls Close when its session ends; loopback and datagram sessions
	// do not, so a remote close there does not run these callbacks.
	onClose []func()
}

// newRaw allocates a RawConnection with a fresh process-local id.
func newRaw(kind Kind, sender Sender) *RawConnection {
	return &RawConnection{
		ID:       nextRawID(),
		Kind:     kind,
		sender:   sender,
		lastUsed: time.Time{},
	}
}

// RemoteNodeID returns the peer node id learned via Hello, or "" if not
// yet known.
func (r *RawConnection) RemoteNodeID() wire.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteNodeID
}

// SetRemoteNodeID records the peer node id, typically on Hello/HelloReply.
func (r *RawConnection) SetRemoteNodeID(id wire.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remoteNodeID = id
}

// LastUsed reports the last time a message was sent or received.
func (r *RawConnection) LastUsed() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastUsed
}

func (r *RawConnection) touch() {
	r.mu.Lock()
	r.lastUsed = time.Now()
	r.mu.Unlock()
}

// Mute enables test-only buffering: Send enqueues into pending instead of
// transmitting.
func (r *RawConnection) Mute() {
	r.mu.Lock()
	r.muted = true
	r.mu.Unlock()
}

// Unmute flushes any buffered sends, in arbitrary order, and resumes
// direct transmission.
func (r *RawConnection) Unmute() error {
	r.mu.Lock()
	r.muted = false
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, data := range pending {
		if err := r.sender.Send(data); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage encodes and transmits msg, or buffers it if muted.
func (r *RawConnection) SendMessage(msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if r.muted {
		r.pending = append(r.pending, data)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	r.touch()
	return r.sender.Send(data)
}

// deliver is called by the concrete transport implementation whenever a
// full message is decoded off the wire.
func (r *RawConnection) deliver(msg wire.Message) {
	r.touch()
	msg.Head().SetRawConn(r.ID)
	r.mu.Lock()
	cb := r.onReceive
	r.mu.Unlock()
	if cb != nil {
		cb(msg, r)
	}
}

// OnReceive registers the inbound message handler. Must be called before
// any traffic can be usefully processed; set once by the connection
// manager immediately after construction.
func (r *RawConnection) OnReceive(fn func(msg wire.Message, raw *RawConnection)) {
	r.mu.Lock()
	r.onReceive = fn
	r.mu.Unlock()
}

// OnClose registers a callback invoked once when the raw connection is
// torn down.
func (r *RawConnection) OnClose(fn func()) {
	r.mu.Lock()
	r.onClose = append(r.onClose, fn)
	r.mu.Unlock()
}

// GracefullyClosed reports whether a GracefulCloseRaw marker has already
// been exchanged.
func (r *RawConnection) GracefullyClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gracefullyClose
}

// MarkGracefullyClosed records that the idle-close grace period has
// begun.
func (r *RawConnection) MarkGracefullyClosed() {
	r.mu.Lock()
	r.gracefullyClose = true
	r.mu.Unlock()
}

// Close tears down the underlying transport session and runs onClose
// callbacks exactly once.
func (r *RawConnection) Close() error {
	r.mu.Lock()
	cbs := r.onClose
	r.onClose = nil
	r.mu.Unlock()

	err := r.sender.Close()
	for _, cb := range cbs {
		cb()
	}
	return err
}
