// Package relay implements the signaling relay: an in-memory, TTL-expiring,
// room-scoped store of connection-setup metadata, the HTTP service exposing
// it, and the background sweeper that evicts stale entries.
//
// Two peers that agree on a (channel, room) pair out-of-band rendezvous here:
// each announces its session description and trickled ICE candidates under
// its own peer id, and polls the room for the counterpart's.
package relay

// Candidate is one network-reachability descriptor trickled during connection
// setup. The field layout mirrors the ICECandidateInit JSON shape used by
// browsers and pion, so peers can apply a fetched candidate directly.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SessionDescription is the offer/answer negotiation payload.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Session description types carried over the wire.
const (
	DescriptionOffer  = "offer"
	DescriptionAnswer = "answer"
)

// AnnounceRequest is the body of POST /announce. Candidates are appended to
// the peer's entry; the session description, when present, replaces the
// stored one.
type AnnounceRequest struct {
	Candidates         []Candidate         `json:"candidates"`
	SessionDescription *SessionDescription `json:"session_description,omitempty"`
}

// AnnounceResponse echoes the peer id the entry was stored under. When the
// caller omitted peer_id (deprecated variant), this carries the id the relay
// assigned.
type AnnounceResponse struct {
	PeerID string `json:"peer_id"`
}

// CandidateSet is the response of GET /candidate: everything one peer has
// announced so far.
type CandidateSet struct {
	Candidates         []Candidate         `json:"candidates"`
	SessionDescription *SessionDescription `json:"session_description,omitempty"`
}

// WatchEvent is pushed to /watch subscribers whenever a peer announces into
// the watched room.
type WatchEvent struct {
	PeerID string `json:"peer_id"`
}
