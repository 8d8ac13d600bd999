package peer

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerlink/peerlink/internal/relay"
)

var (
	// ErrNotReady reports a negotiation operation attempted before its
	// prerequisite step completed (e.g. remote candidates before any remote
	// description). Applying candidates to an unset remote description is
	// undefined at the engine layer, so the attempt fails loud instead of
	// being dropped.
	ErrNotReady = errors.New("peer: prerequisite negotiation step has not completed")

	// ErrInvalidRemoteDescription reports a remote description whose type
	// does not fit the negotiation step (answer where an offer was expected,
	// and vice versa).
	ErrInvalidRemoteDescription = errors.New("peer: remote description has unexpected type")
)

// State is a Connection's position in the negotiation lifecycle.
type State string

const (
	StateCreated      State = "created"
	StateOfferSent    State = "offer_sent"
	StateAnswerSent   State = "answer_sent"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// Connection wraps one engine instance plus its data channel for their whole
// lifetime. It tracks the negotiation state, accumulates locally discovered
// candidates, and mirrors the engine's connected/not-connected reports into a
// single current-state cell.
//
// Candidate discovery and state changes arrive asynchronously from the
// engine; Connection's own operations never block on their delivery.
type Connection struct {
	id     uuid.UUID
	engine Engine
	log    zerolog.Logger

	mu         sync.Mutex
	state      State
	remoteSet  bool
	candidates []relay.Candidate

	connected atomic.Bool
}

// newConnection wires the engine's push events into the connection's buffers.
// Any candidate discovered from here on is visible to PendingCandidates
// immediately.
func newConnection(engine Engine, id uuid.UUID, log zerolog.Logger) *Connection {
	c := &Connection{
		id:     id,
		engine: engine,
		state:  StateCreated,
		log:    log.With().Str("peer_id", id.String()).Logger(),
	}

	engine.OnCandidate(func(cand relay.Candidate) {
		c.mu.Lock()
		c.candidates = append(c.candidates, cand)
		c.mu.Unlock()
	})

	engine.OnStateChange(func(connected bool) {
		c.connected.Store(connected)

		c.mu.Lock()
		switch {
		case c.state == StateClosed:
			// Late engine callbacks after teardown are ignored.
		case connected:
			c.state = StateConnected
		case c.state == StateConnected:
			// Any non-connected report, transient or terminal, counts as not
			// connected at this layer.
			c.state = StateDisconnected
		}
		c.mu.Unlock()
	})

	return c
}

// PeerID is the correlation key this connection announces under at the relay.
// It is not a cryptographic identity.
func (c *Connection) PeerID() uuid.UUID { return c.id }

// State returns the current negotiation state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// requireState checks the current state without holding the lock across the
// engine call that follows. Engine callbacks take the same lock, so engine
// calls must never run under it.
func (c *Connection) requireState(want State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != want {
		return ErrNotReady
	}
	return nil
}

// advance is a compare-and-set transition. It fails when a concurrent
// operation (a duplicate negotiation call, or Close) moved the state away
// from from in the meantime, so a closed connection can never be
// resurrected. An engine connected/disconnected report landing first is
// left in place.
func (c *Connection) advance(from, to State, remoteSet bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case from:
		c.state = to
	case StateConnected, StateDisconnected:
	default:
		return ErrNotReady
	}
	if remoteSet {
		c.remoteSet = true
	}
	return nil
}

// CreateOffer generates the local offer, sets it as the local description and
// moves the connection to offer_sent. Valid only on a fresh connection.
func (c *Connection) CreateOffer() (relay.SessionDescription, error) {
	if err := c.requireState(StateCreated); err != nil {
		return relay.SessionDescription{}, err
	}
	offer, err := c.engine.CreateOffer()
	if err != nil {
		return relay.SessionDescription{}, err
	}
	if err := c.advance(StateCreated, StateOfferSent, false); err != nil {
		return relay.SessionDescription{}, err
	}
	return offer, nil
}

// CreateAnswer applies the remote offer, generates the local answer, sets it
// as the local description and moves the connection to answer_sent.
func (c *Connection) CreateAnswer(remoteOffer relay.SessionDescription) (relay.SessionDescription, error) {
	if err := c.requireState(StateCreated); err != nil {
		return relay.SessionDescription{}, err
	}
	if remoteOffer.Type != relay.DescriptionOffer {
		return relay.SessionDescription{}, ErrInvalidRemoteDescription
	}
	if err := c.engine.SetRemoteDescription(remoteOffer); err != nil {
		return relay.SessionDescription{}, err
	}
	answer, err := c.engine.CreateAnswer()
	if err != nil {
		return relay.SessionDescription{}, err
	}
	if err := c.advance(StateCreated, StateAnswerSent, true); err != nil {
		return relay.SessionDescription{}, err
	}
	return answer, nil
}

// ApplyRemoteAnswer applies the counterpart's answer. Valid only from
// offer_sent; moves the connection to negotiating.
func (c *Connection) ApplyRemoteAnswer(remoteAnswer relay.SessionDescription) error {
	if err := c.requireState(StateOfferSent); err != nil {
		return err
	}
	if remoteAnswer.Type != relay.DescriptionAnswer {
		return ErrInvalidRemoteDescription
	}
	if err := c.engine.SetRemoteDescription(remoteAnswer); err != nil {
		return err
	}
	return c.advance(StateOfferSent, StateNegotiating, true)
}

// AddRemoteCandidates applies remote candidates to the engine. It fails with
// ErrNotReady until a remote description has been applied.
func (c *Connection) AddRemoteCandidates(candidates []relay.Candidate) error {
	c.mu.Lock()
	ready := c.remoteSet
	c.mu.Unlock()

	if !ready {
		return ErrNotReady
	}
	for _, cand := range candidates {
		if err := c.engine.AddCandidate(cand); err != nil {
			return err
		}
	}
	return nil
}

// PendingCandidates returns a snapshot of every locally discovered candidate
// so far. The underlying list only ever grows.
func (c *Connection) PendingCandidates() []relay.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]relay.Candidate(nil), c.candidates...)
}

// IsConnected reports the engine's last connection-state report without
// blocking. Transient renegotiation states read as not connected.
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// Close tears down the data channel and engine instance regardless of the
// current state. Engine close failures are logged, not returned.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if err := c.engine.Close(); err != nil {
		c.log.Warn().Err(err).Msg("engine close failed")
	}
	return nil
}
