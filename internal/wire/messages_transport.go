package wire

// Hello is the first message sent by the dialer on a newly opened
// byte-stream raw connection.
type Hello struct {
	Base
	NetworkID     string `json:"network_id"`
	NodeID        NodeID `json:"node_id"`
	AdvertisedURL string `json:"advertised_url,omitempty"`
}

func (*Hello) Tag() string { return "Hello" }

func init() { Register("Hello", func() Message { return &Hello{} }) }

// HelloReply answers a Hello. Status "ok" or "network-mismatch".
type HelloReply struct {
	Base
	Status              string   `json:"status"`
	NodeID              NodeID   `json:"node_id"`
	KnownPortalURLs     []string `json:"known_portal_urls,omitempty"`
	ObservedPeerAddress string   `json:"observed_peer_address,omitempty"`
}

func (*HelloReply) Tag() string { return "HelloReply" }

func init() { Register("HelloReply", func() Message { return &HelloReply{} }) }

// Ack clears an ackRequestId previously registered by the sender of the
// message it acknowledges.
type Ack struct {
	Base
	AckReplyID MessageID `json:"ack_reply_id"`
}

func (*Ack) Tag() string { return "Ack" }

func init() { Register("Ack", func() Message { return &Ack{} }) }

// NoNextHopNotify names a dead edge From→To so that a node on a
// message's source path can strip that edge from its stored paths. No
// code path sends it: propagateNoNextHop strips the edge locally only.
type NoNextHopNotify struct {
	Base
	From NodeID `json:"from"`
	To   NodeID `json:"to"`
}

func (*NoNextHopNotify) Tag() string { return "NoNextHopNotify" }

func init() { Register("NoNextHopNotify", func() Message { return &NoNextHopNotify{} }) }

// ClosePeerConnection requests graceful teardown of the addressed
// peer-connection.
type ClosePeerConnection struct {
	Base
	Reason string `json:"reason,omitempty"`
}

func (*ClosePeerConnection) Tag() string { return "ClosePeerConnection" }

func init() { Register("ClosePeerConnection", func() Message { return &ClosePeerConnection{} }) }

// GracefulCloseRaw is the close marker for an idle raw connection. No
// code path sends it: raw connections are not closed for idleness, and
// MaxIdleTimeBeforeRawClose is not read.
type GracefulCloseRaw struct {
	Base
}

func (*GracefulCloseRaw) Tag() string { return "GracefulCloseRaw" }

func init() { Register("GracefulCloseRaw", func() Message { return &GracefulCloseRaw{} }) }

// PeerConnectionClose is the half-close marker for an old finger-table
// connection. No code path sends it: finger.Table.setEntry closes a
// replaced connection at once, without a half-close handshake.
type PeerConnectionClose struct {
	Base
}

func (*PeerConnectionClose) Tag() string { return "PeerConnectionClose" }

func init() { Register("PeerConnectionClose", func() Message { return &PeerConnectionClose{} }) }
