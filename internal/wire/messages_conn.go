package wire

// ConnectionRequest is the distinguished request that begins
// peer-connection establishment; the destination's handler picks an
// establishment mode per the connection decision table.
type ConnectionRequest struct {
	Base
	RequestMeta

	TargetKey          string   `json:"target_key"`
	RequesterKey       string   `json:"requester_key"`
	RequesterURL       string   `json:"requester_url,omitempty"`
	SupportsDatagram   bool     `json:"supports_datagram"`
	WebrtcOnly         bool     `json:"webrtc_only"`
	SDP                string   `json:"sdp,omitempty"`
	KnownPaths         []Path   `json:"known_paths,omitempty"`
	KnownPortalURLs    []string `json:"known_portal_urls,omitempty"`
	RelayCandidatePath *Path    `json:"relay_candidate_path,omitempty"`
}

func (*ConnectionRequest) Tag() string { return "ConnectionRequest" }

func init() { Register("ConnectionRequest", func() Message { return &ConnectionRequest{} }) }

// ConnectionReply answers a ConnectionRequest with the chosen
// establishment mode.
type ConnectionReply struct {
	Base
	ReplyMeta

	Outcome         string   `json:"outcome"` // USE_THIS | FROM_YOU | DATAGRAM | RELAY | REJECT
	RejectReason    string   `json:"reject_reason,omitempty"`
	AcceptKey       string   `json:"accept_key,omitempty"`
	AcceptURL       string   `json:"accept_url,omitempty"`
	SDP             string   `json:"sdp,omitempty"`
	KnownPaths      []Path   `json:"known_paths,omitempty"`
	KnownPortalURLs []string `json:"known_portal_urls,omitempty"`
}

func (*ConnectionReply) Tag() string { return "ConnectionReply" }

func init() { Register("ConnectionReply", func() Message { return &ConnectionReply{} }) }

// DatagramSignal carries trickle-ICE-equivalent candidates (or a
// renegotiation offer/answer) along the current known path of a
// peer-connection still establishing its datagram-stream transport.
type DatagramSignal struct {
	Base
	Candidate     string `json:"candidate,omitempty"`
	SDP           string `json:"sdp,omitempty"`
	Renegotiation bool   `json:"renegotiation,omitempty"`
}

func (*DatagramSignal) Tag() string { return "DatagramSignal" }

func init() { Register("DatagramSignal", func() Message { return &DatagramSignal{} }) }

// ProbePath walks a candidate relay path end to end; the destination
// registers the path against its peer-connection and replies.
type ProbePath struct {
	Base
	RequestMeta

	CandidatePath Path `json:"candidate_path"`
}

func (*ProbePath) Tag() string { return "ProbePath" }

func init() { Register("ProbePath", func() Message { return &ProbePath{} }) }

// ProbePathReply confirms a path is functional end to end.
type ProbePathReply struct {
	Base
	ReplyMeta

	OK bool `json:"ok"`
}

func (*ProbePathReply) Tag() string { return "ProbePathReply" }

func init() { Register("ProbePathReply", func() Message { return &ProbePathReply{} }) }

// GetNeighbors is sent periodically along every path of a relay
// peer-connection to learn which paths are still live and to collect a
// fresh candidate graph for relay-path maintenance.
type GetNeighbors struct {
	Base
	RequestMeta
}

func (*GetNeighbors) Tag() string { return "GetNeighbors" }

func init() { Register("GetNeighbors", func() Message { return &GetNeighbors{} }) }

// GetNeighborsReply reports the replying node's currently known paths,
// used to rebuild the relay candidate graph.
type GetNeighborsReply struct {
	Base
	ReplyMeta

	KnownPaths []Path `json:"known_paths"`
}

func (*GetNeighborsReply) Tag() string { return "GetNeighborsReply" }

func init() { Register("GetNeighborsReply", func() Message { return &GetNeighborsReply{} }) }

// PathConnectionRequest names an intermediate relay node to dial directly
// so it can be probed as part of a longer candidate path (§4.4 step 2c).
// No code path sends it.
type PathConnectionRequest struct {
	Base
	RequestMeta

	TargetKey string `json:"target_key"`
}

func (*PathConnectionRequest) Tag() string { return "PathConnectionRequest" }

func init() { Register("PathConnectionRequest", func() Message { return &PathConnectionRequest{} }) }
