// Package peer drives peer connections from creation through offer/answer
// negotiation, candidate trickling and connection-state observation. The
// underlying WebRTC implementation is opaque behind the Engine interface;
// everything above it is transport-agnostic.
package peer

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/peerlink/peerlink/internal/relay"
)

// Engine is the minimal capability surface of the underlying peer-connection
// implementation. An Engine owns exactly one peer connection and one data
// channel, both created before the Engine is handed out.
//
// CreateOffer and CreateAnswer both generate the description and set it as
// the local description in one step. Candidate and state events are push
// callbacks; registering them must happen before negotiation starts.
type Engine interface {
	CreateOffer() (relay.SessionDescription, error)
	CreateAnswer() (relay.SessionDescription, error)
	SetRemoteDescription(desc relay.SessionDescription) error
	AddCandidate(candidate relay.Candidate) error
	OnCandidate(fn func(relay.Candidate))
	OnStateChange(fn func(connected bool))
	Close() error
}

// EngineError wraps a failure inside the opaque engine. It is propagated
// verbatim and never retried.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("peer: engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// pionEngine implements Engine on top of pion/webrtc.
type pionEngine struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

// newPionEngine creates a peer connection configured with the given ICE
// servers and a data channel labelled label. The ordered flag trades
// head-of-line blocking for delivery-order guarantees on the channel.
func newPionEngine(api *webrtc.API, iceServers []string, label string, ordered bool) (*pionEngine, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: iceServers},
		},
	})
	if err != nil {
		return nil, &EngineError{Op: "new peer connection", Err: err}
	}

	dc, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		pc.Close()
		return nil, &EngineError{Op: "create data channel", Err: err}
	}

	return &pionEngine{pc: pc, dc: dc}, nil
}

func (e *pionEngine) CreateOffer() (relay.SessionDescription, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return relay.SessionDescription{}, &EngineError{Op: "create offer", Err: err}
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return relay.SessionDescription{}, &EngineError{Op: "set local description", Err: err}
	}
	return localDescription(e.pc)
}

func (e *pionEngine) CreateAnswer() (relay.SessionDescription, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return relay.SessionDescription{}, &EngineError{Op: "create answer", Err: err}
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return relay.SessionDescription{}, &EngineError{Op: "set local description", Err: err}
	}
	return localDescription(e.pc)
}

// localDescription re-reads the description after SetLocalDescription so the
// returned SDP carries the ICE parameters pion fills in.
func localDescription(pc *webrtc.PeerConnection) (relay.SessionDescription, error) {
	desc := pc.LocalDescription()
	if desc == nil {
		return relay.SessionDescription{}, &EngineError{
			Op:  "local description",
			Err: errors.New("not set"),
		}
	}
	return relay.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

func (e *pionEngine) SetRemoteDescription(desc relay.SessionDescription) error {
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}); err != nil {
		return &EngineError{Op: "set remote description", Err: err}
	}
	return nil
}

func (e *pionEngine) AddCandidate(candidate relay.Candidate) error {
	if err := e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}); err != nil {
		return &EngineError{Op: "add ice candidate", Err: err}
	}
	return nil
}

func (e *pionEngine) OnCandidate(fn func(relay.Candidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		fn(relay.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (e *pionEngine) OnStateChange(fn func(connected bool)) {
	e.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(state == webrtc.PeerConnectionStateConnected)
	})
}

// Close shuts down the data channel and then the peer connection. Both are
// attempted regardless of individual failures.
func (e *pionEngine) Close() error {
	return errors.Join(e.dc.Close(), e.pc.Close())
}
