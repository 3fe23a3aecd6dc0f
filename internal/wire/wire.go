// Package wire implements the tagged-variant message codec: every message
// on the wire is a JSON envelope carrying a class tag plus payload, mirror
// ing the dynamic-dispatch-on-message-class redesign called for in
// spec.md §9. JSON is used throughout because it is the only wire format
// the teacher codebase ever reaches for (gin bindings, the replication
// protocol, the client SDK) — see DESIGN.md for the full justification.
//
// Fields marked transient in spec.md §3 (manager references, cleaners, raw
// connection handles) are represented as unexported struct fields so
// encoding/json never serializes them; they are restored by the receive
// pipeline (internal/overlay) after decode, not by the codec.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NodeID is a stable, opaque, process-wide node identifier.
type NodeID string

// MessageID is a per-sender monotonic message identifier, conventionally
// "<senderNodeID>:<counter>".
type MessageID string

// ConnID is a remote-assigned peer-connection identifier; 0 means "not
// known". No message carries one: Connect sets RemoteConnID through
// asConnID, which returns 0.
type ConnID uint64

// Path is an ordered sequence of node ids describing a route a message
// travelled (or should travel), optionally terminated by a known
// connection id at the final hop.
type Path struct {
	Hops   []NodeID `json:"hops"`
	ConnID ConnID   `json:"conn_id,omitempty"`
}

// Contains reports whether id appears anywhere in the path.
func (p Path) Contains(id NodeID) bool {
	for _, h := range p.Hops {
		if h == id {
			return true
		}
	}
	return false
}

// Prepend returns a new Path with id placed at the front.
func (p Path) Prepend(id NodeID) Path {
	hops := make([]NodeID, 0, len(p.Hops)+1)
	hops = append(hops, id)
	hops = append(hops, p.Hops...)
	return Path{Hops: hops, ConnID: p.ConnID}
}

// Reversed returns the path walked in the opposite direction, connection
// id cleared (a reversed path has no known terminal connection until a
// direct link is established).
func (p Path) Reversed() Path {
	hops := make([]NodeID, len(p.Hops))
	for i, h := range p.Hops {
		hops[len(hops)-1-i] = h
	}
	return Path{Hops: hops}
}

// Collapsed removes loops: whenever the same node id appears twice, the
// hops between the two occurrences (inclusive of the first) are dropped.
func (p Path) Collapsed() Path {
	seen := map[NodeID]int{}
	out := make([]NodeID, 0, len(p.Hops))
	for _, h := range p.Hops {
		if idx, ok := seen[h]; ok {
			out = out[:idx]
			for k := range seen {
				if seen[k] > idx {
					delete(seen, k)
				}
			}
		}
		seen[h] = len(out)
		out = append(out, h)
	}
	return Path{Hops: out, ConnID: p.ConnID}
}

// Score is the routing cost of a path: its hop count.
func (p Path) Score() int { return len(p.Hops) }

// Equal reports whether two paths traverse the same node sequence,
// ignoring any terminal connection id.
func (p Path) Equal(o Path) bool {
	if len(p.Hops) != len(o.Hops) {
		return false
	}
	for i := range p.Hops {
		if p.Hops[i] != o.Hops[i] {
			return false
		}
	}
	return true
}

// Header is the common envelope every message carries.
type Header struct {
	MsgID        MessageID  `json:"msg_id"`
	Source       Path       `json:"source"`
	Destination  *Path      `json:"destination,omitempty"`
	Sequence     *uint64    `json:"sequence,omitempty"`
	AckRequestID *MessageID `json:"ack_request_id,omitempty"`

	// rawConn is transient: the process-local raw connection id the
	// message most recently arrived on. Never serialized.
	rawConn int64
}

// SetRawConn records the raw connection a message was decoded from.
func (h *Header) SetRawConn(id int64) { h.rawConn = id }

// RawConn returns the raw connection a message was decoded from, or 0 if
// the message was constructed locally and never received.
func (h *Header) RawConn() int64 { return h.rawConn }

// RequestMeta is embedded by request-class messages.
type RequestMeta struct {
	ReplyTag           string `json:"reply_tag"`
	TimeoutMillis      int64  `json:"timeout_millis"`
	AllowMultipleReply bool   `json:"allow_multiple_reply"`
}

// ReplyMeta is embedded by reply-class messages.
type ReplyMeta struct {
	ReqMsgID MessageID `json:"req_msg_id"`
}

// ReqID returns the request message id this reply answers, promoted onto
// every type that embeds ReplyMeta.
func (r ReplyMeta) ReqID() MessageID { return r.ReqMsgID }

// Reply is implemented by every reply-class message (those embedding
// ReplyMeta), letting runtime code match replies to requests without a
// type switch over every concrete reply type.
type Reply interface {
	Message
	ReqID() MessageID
}

// Message is implemented by every concrete wire type.
type Message interface {
	// Tag is the stable class tag used for wire dispatch; distinct for
	// every registered message type.
	Tag() string
	// Head returns the message's common header so runtime code can read
	// or mutate Source/Destination/Sequence/AckRequestID uniformly.
	Head() *Header
}

// Base is embedded by every concrete message type to satisfy Head().
type Base struct {
	Header
}

// Head implements Message.
func (b *Base) Head() *Header { return &b.Header }

// ─── registry ──────────────────────────────────────────────────────────────

type factory func() Message

var registry = map[string]factory{}

// Register associates a wire tag with a zero-value factory. Called from
// each message type's init(). Panics on duplicate registration — a
// programmer error, not a runtime condition.
func Register(tag string, f factory) {
	if _, exists := registry[tag]; exists {
		panic("wire: duplicate tag " + tag)
	}
	registry[tag] = f
}

// ErrUnknownTag is returned by Decode when the envelope's tag has no
// registered factory — "class-not-found" in spec.md §7. Callers should
// log and drop, never propagate, per the error-propagation policy.
var ErrUnknownTag = errors.New("wire: unknown message tag")

type envelope struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a message as a tagged JSON envelope.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", m.Tag(), err)
	}
	return json.Marshal(envelope{Tag: m.Tag(), Payload: payload})
}

// Decode restores a Message from a tagged JSON envelope.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return DecodeTagged(env.Tag, env.Payload)
}

// DecodeTagged restores a Message from an already-split tag and payload,
// used when a message nests another message opaquely (see Envelope).
func DecodeTagged(tag string, payload []byte) (Message, error) {
	f, ok := registry[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	m := f()
	if err := json.Unmarshal(payload, m); err != nil {
		return nil, fmt.Errorf("wire: unmarshal payload for %q: %w", tag, err)
	}
	return m, nil
}
