package wire

import "encoding/json"

// Unicast delivers an application payload to the node owning a single
// target key.
type Unicast struct {
	Base
	RequestMeta

	TargetKey string          `json:"target_key"`
	Payload   json.RawMessage `json:"payload"`
}

func (*Unicast) Tag() string { return "Unicast" }

func init() { Register("Unicast", func() Message { return &Unicast{} }) }

// UnicastReply answers a Unicast request with whatever the destination
// handler produced.
type UnicastReply struct {
	Base
	ReplyMeta

	Payload json.RawMessage `json:"payload"`
}

func (*UnicastReply) Tag() string { return "UnicastReply" }

func init() { Register("UnicastReply", func() Message { return &UnicastReply{} }) }

// RQRequest is the range-query/multicast wrapper described in spec.md
// §4.7: it carries the sub-range assigned to the receiving node and the
// user's payload. The gaps still awaiting reply stay with the sender's
// aggregator and are not carried in the message.
type RQRequest struct {
	Base
	RequestMeta

	MinKey  string          `json:"min_key"`
	MaxKey  string          `json:"max_key"`
	Payload json.RawMessage `json:"payload"`
}

func (*RQRequest) Tag() string { return "RQRequest" }

func init() { Register("RQRequest", func() Message { return &RQRequest{} }) }

// RQRange is a single [from, to) sub-range covered by an RQReply.
type RQRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RQReply propagates a fragment's result back toward the multicast
// originator; Ranges lists which sub-ranges this reply covers so the
// parent's Gaps structure can mark them satisfied.
type RQReply struct {
	Base
	ReplyMeta

	Ranges []RQRange       `json:"ranges"`
	Value  json.RawMessage `json:"value,omitempty"`
	Final  bool            `json:"final"`
}

func (*RQReply) Tag() string { return "RQReply" }

func init() { Register("RQReply", func() Message { return &RQReply{} }) }

// FTUpdateCReq carries finger-table construction parameters one greedy
// hop at a time; direction is "forward" or "backward".
type FTUpdateCReq struct {
	Base
	RequestMeta

	Direction    string `json:"direction"`
	Distance     int    `json:"distance"`
	Total        int    `json:"total"`
	Level        int    `json:"level"`
	SourceKey    string `json:"source_key,omitempty"`
	RequesterKey string `json:"requester_key"`
	RequesterURL string `json:"requester_url,omitempty"`
}

func (*FTUpdateCReq) Tag() string { return "FTUpdateCReq" }

func init() { Register("FTUpdateCReq", func() Message { return &FTUpdateCReq{} }) }

// FTUpdateCReqReply answers FTUpdateCReq; RejectReason is CIRCULATED or
// NOT_CHANGED when the update did not install a new entry.
type FTUpdateCReqReply struct {
	Base
	ReplyMeta

	Accepted     bool   `json:"accepted"`
	RejectReason string `json:"reject_reason,omitempty"`
	TargetKey    string `json:"target_key,omitempty"`
	TargetURL    string `json:"target_url,omitempty"`
}

func (*FTUpdateCReqReply) Tag() string { return "FTUpdateCReqReply" }

func init() { Register("FTUpdateCReqReply", func() Message { return &FTUpdateCReqReply{} }) }
