package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/abelab/overlay/internal/wire"
)

// StunServers configures the ICE server list used by every datagram
// session; node.New copies a non-empty config StunServers list into it
// (spec.md §6).
var StunServers = []string{"stun:stun.l.google.com:19302"}

func rtcConfig() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: StunServers}}}
}

type dcSender struct {
	mu sync.Mutex
	dc *webrtc.DataChannel
	pc *webrtc.PeerConnection
}

func (s *dcSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dc == nil || s.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("transport: datagram channel not open")
	}
	return s.dc.Send(data)
}

func (s *dcSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dc != nil {
		_ = s.dc.Close()
	}
	if s.pc != nil {
		return s.pc.Close()
	}
	return nil
}

// DatagramSession wraps the pion PeerConnection used to establish a
// DatagramStream raw connection. The connection manager drives its
// OnLocalCandidate/ApplyRemoteCandidate to carry ICE trickle over
// DatagramSignal messages, per spec.md §4.3; the exact signaling wire
// format is this repository's concern, not the core's (the spec calls
// the in-process signaling encoding out of scope for the core, leaving
// a thin encode/decode shim here).
type DatagramSession struct {
	pc     *webrtc.PeerConnection
	sender *dcSender
	log    *logrus.Entry

	onCandidate func(candidate string)
	onRaw       func(raw *RawConnection)
}

// NewOffererSession creates a session that will generate the local SDP
// offer and open the data channel itself.
func NewOffererSession(log *logrus.Entry) (*DatagramSession, error) {
	pc, err := webrtc.NewPeerConnection(rtcConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}
	s := &DatagramSession{pc: pc, log: log, sender: &dcSender{pc: pc}}
	s.wireICE()

	ordered := true
	dc, err := pc.CreateDataChannel("overlay", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("transport: create data channel: %w", err)
	}
	s.bindChannel(dc)
	return s, nil
}

// NewAnswererSession creates a session that waits for the remote data
// channel and will generate an SDP answer.
func NewAnswererSession(log *logrus.Entry) (*DatagramSession, error) {
	pc, err := webrtc.NewPeerConnection(rtcConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}
	s := &DatagramSession{pc: pc, log: log, sender: &dcSender{pc: pc}}
	s.wireICE()
	pc.OnDataChannel(func(dc *webrtc.DataChannel) { s.bindChannel(dc) })
	return s, nil
}

func (s *DatagramSession) wireICE() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.onCandidate == nil {
			return
		}
		s.onCandidate(c.ToJSON().Candidate)
	})
}

func (s *DatagramSession) bindChannel(dc *webrtc.DataChannel) {
	s.sender.dc = dc
	dc.OnOpen(func() {
		if s.onRaw == nil {
			return
		}
		raw := newRaw(DatagramStream, s.sender)
		dc.OnMessage(func(m webrtc.DataChannelMessage) {
			msg, err := wire.Decode(m.Data)
			if err != nil {
				if s.log != nil {
					s.log.WithError(err).Warn("dropping undecodable datagram message")
				}
				return
			}
			raw.deliver(msg)
		})
		s.onRaw(raw)
	})
}

// OnLocalCandidate registers the callback invoked for each locally
// gathered ICE candidate, to be carried over a DatagramSignal message.
func (s *DatagramSession) OnLocalCandidate(fn func(candidate string)) { s.onCandidate = fn }

// OnEstablished registers the callback invoked once the underlying data
// channel opens and a RawConnection is ready.
func (s *DatagramSession) OnEstablished(fn func(raw *RawConnection)) { s.onRaw = fn }

// CreateOffer produces the local SDP offer and sets it as the local
// description.
func (s *DatagramSession) CreateOffer() (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// CreateAnswer applies a remote offer and produces the local SDP answer.
func (s *DatagramSession) CreateAnswer(remoteOfferSDP string) (string, error) {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: remoteOfferSDP,
	}); err != nil {
		return "", err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

// ApplyRemoteAnswer completes the offerer side of the handshake.
func (s *DatagramSession) ApplyRemoteAnswer(remoteAnswerSDP string) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: remoteAnswerSDP,
	})
}

// ApplyRemoteCandidate adds a trickled remote ICE candidate.
func (s *DatagramSession) ApplyRemoteCandidate(candidate string) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// Close tears down the underlying peer connection.
func (s *DatagramSession) Close() error { return s.pc.Close() }
