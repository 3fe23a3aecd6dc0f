package wire

import "encoding/json"

// ForwardToPredecessor carries an embedded join/repair request toward
// the node whose key most closely precedes targetKey, hopping via the
// closest-preceding-connection rule until it reaches the owner.
type ForwardToPredecessor struct {
	Base
	RequestMeta

	TargetKey string    `json:"target_key"`
	Embedded  *Envelope `json:"embedded"`
}

func (*ForwardToPredecessor) Tag() string { return "ForwardToPredecessor" }

func init() { Register("ForwardToPredecessor", func() Message { return &ForwardToPredecessor{} }) }

// ForwardToPredecessorReply carries back whatever reply the embedded
// request ultimately produced.
type ForwardToPredecessorReply struct {
	Base
	ReplyMeta

	Embedded *Envelope `json:"embedded"`
}

func (*ForwardToPredecessorReply) Tag() string { return "ForwardToPredecessorReply" }

func init() {
	Register("ForwardToPredecessorReply", func() Message { return &ForwardToPredecessorReply{} })
}

// Envelope carries an arbitrary already-encoded wire message, used when a
// message type needs to nest another message opaquely (ForwardToPredecessor
// embedding a JoinLeftCReq, for instance) without importing its type.
type Envelope struct {
	Tag     string          `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// JoinLeftCReq is the embedded request accepted by the node whose key
// most closely precedes the joining key; accepting it returns a
// peer-connection to the future left-neighbor.
type JoinLeftCReq struct {
	Base
	RequestMeta

	JoiningKey string `json:"joining_key"`
	IsRepair   bool   `json:"is_repair"`
}

func (*JoinLeftCReq) Tag() string { return "JoinLeftCReq" }

func init() { Register("JoinLeftCReq", func() Message { return &JoinLeftCReq{} }) }

// JoinLeftCReqReply answers a JoinLeftCReq; RejectReason is one of the
// closed set (SINGLETON, DUPLICATED_KEY, ...), empty on acceptance.
type JoinLeftCReqReply struct {
	Base
	ReplyMeta

	Accepted     bool   `json:"accepted"`
	RejectReason string `json:"reject_reason,omitempty"`
	LeftKey      string `json:"left_key,omitempty"`
}

func (*JoinLeftCReqReply) Tag() string { return "JoinLeftCReqReply" }

func init() { Register("JoinLeftCReqReply", func() Message { return &JoinLeftCReqReply{} }) }

// JoinRightCReq is sent along the new left-connection's remote to reach
// the future right-neighbor and obtain a right peer-connection.
type JoinRightCReq struct {
	Base
	RequestMeta

	JoiningKey string `json:"joining_key"`
}

func (*JoinRightCReq) Tag() string { return "JoinRightCReq" }

func init() { Register("JoinRightCReq", func() Message { return &JoinRightCReq{} }) }

// JoinRightCReqReply answers a JoinRightCReq.
type JoinRightCReqReply struct {
	Base
	ReplyMeta

	Accepted bool   `json:"accepted"`
	RightKey string `json:"right_key,omitempty"`
}

func (*JoinRightCReqReply) Tag() string { return "JoinRightCReqReply" }

func init() { Register("JoinRightCReqReply", func() Message { return &JoinRightCReqReply{} }) }

// LeaveCReq names a leaving node and the new left key for that node's
// right neighbor. No code path sends it: handleSetRLeave addresses the
// right neighbor with SetL directly.
type LeaveCReq struct {
	Base
	RequestMeta

	LeavingKey string `json:"leaving_key"`
	NewLeftKey string `json:"new_left_key"`
}

func (*LeaveCReq) Tag() string { return "LeaveCReq" }

func init() { Register("LeaveCReq", func() Message { return &LeaveCReq{} }) }

// LeaveCReqReply answers a LeaveCReq.
type LeaveCReqReply struct {
	Base
	ReplyMeta

	Accepted bool `json:"accepted"`
}

func (*LeaveCReqReply) Tag() string { return "LeaveCReqReply" }

func init() { Register("LeaveCReqReply", func() Message { return &LeaveCReqReply{} }) }

// KeyBasedCReq asks a node which of its local ring keys is responsible
// for TargetKey; the reply names that key and opens no peer-connection.
// No code path in this repository sends it.
type KeyBasedCReq struct {
	Base
	RequestMeta

	TargetKey string `json:"target_key"`
}

func (*KeyBasedCReq) Tag() string { return "KeyBasedCReq" }

func init() { Register("KeyBasedCReq", func() Message { return &KeyBasedCReq{} }) }

// KeyBasedCReqReply answers a KeyBasedCReq.
type KeyBasedCReqReply struct {
	Base
	ReplyMeta

	OwnerKey string `json:"owner_key"`
}

func (*KeyBasedCReqReply) Tag() string { return "KeyBasedCReqReply" }

func init() { Register("KeyBasedCReqReply", func() Message { return &KeyBasedCReqReply{} }) }

// SetRJoin asks the prospective left-neighbor L to atomically replace
// its right connection with the joining node, provided its current
// right is still rcur.
type SetRJoin struct {
	Base
	RequestMeta

	RCur    string `json:"rcur"`
	RNewSeq uint64 `json:"rnewseq"`
}

func (*SetRJoin) Tag() string { return "SetRJoin" }

func init() { Register("SetRJoin", func() Message { return &SetRJoin{} }) }

// SetRJoinReply answers SetRJoin: ack with the new rseq, or nak if the
// right link had already changed.
type SetRJoinReply struct {
	Base
	ReplyMeta

	Ack   bool   `json:"ack"`
	RSeq  uint64 `json:"rseq,omitempty"`
	Nak   bool   `json:"nak,omitempty"`
}

func (*SetRJoinReply) Tag() string { return "SetRJoinReply" }

func init() { Register("SetRJoinReply", func() Message { return &SetRJoinReply{} }) }

// SetRLeave asks the leaving node's left neighbor to splice in the
// leaving node's right neighbor as its new right.
type SetRLeave struct {
	Base
	RequestMeta

	RCur     string `json:"rcur"`
	RNewSeq  uint64 `json:"rnewseq"`
	RNewKey  string `json:"rnewkey"`
}

func (*SetRLeave) Tag() string { return "SetRLeave" }

func init() { Register("SetRLeave", func() Message { return &SetRLeave{} }) }

// SetRLeaveReply answers SetRLeave.
type SetRLeaveReply struct {
	Base
	ReplyMeta

	Ack     bool   `json:"ack"`
	RNewSeq uint64 `json:"rnewseq,omitempty"`
	Nak     bool   `json:"nak,omitempty"`
}

func (*SetRLeaveReply) Tag() string { return "SetRLeaveReply" }

func init() { Register("SetRLeaveReply", func() Message { return &SetRLeaveReply{} }) }

// SetL installs a new left-link sequence number on the receiving node
// (sent by a joining node to its new right neighbor, or by a leaving
// node's left neighbor to the leaving node's right neighbor).
type SetL struct {
	Base

	LSeq    uint64 `json:"lseq"`
	LeftKey string `json:"left_key"`
}

func (*SetL) Tag() string { return "SetL" }

func init() { Register("SetL", func() Message { return &SetL{} }) }

// Ping is sent every PING_PERIOD along the left link to verify
// consistency between a node and its left neighbor.
type Ping struct {
	Base
	RequestMeta

	TargetKey string `json:"target_key"`
}

func (*Ping) Tag() string { return "Ping" }

func init() { Register("Ping", func() Message { return &Ping{} }) }

// Pong answers Ping with the replying node's current left-successor key
// (should equal the pinger's key) and rseq (should equal the pinger's
// lseq); any mismatch triggers repair.
type Pong struct {
	Base
	ReplyMeta

	LeftSucc string `json:"left_succ"`
	RSeq     uint64 `json:"rseq"`
}

func (*Pong) Tag() string { return "Pong" }

func init() { Register("Pong", func() Message { return &Pong{} }) }

// GetRight asks a node for its current right-neighbor key, used by the
// successor-list walk (ring.Table.refreshSuccessors).
type GetRight struct {
	Base
	RequestMeta
}

func (*GetRight) Tag() string { return "GetRight" }

func init() { Register("GetRight", func() Message { return &GetRight{} }) }

// GetRightReply answers GetRight.
type GetRightReply struct {
	Base
	ReplyMeta

	RightKey string `json:"right_key"`
}

func (*GetRightReply) Tag() string { return "GetRightReply" }

func init() { Register("GetRightReply", func() Message { return &GetRightReply{} }) }
