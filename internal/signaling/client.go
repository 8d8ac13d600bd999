// Package signaling is the peer-side client of the signaling relay. It speaks
// the relay's request/response wire contract and knows nothing about the
// relay's internals.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/peerlink/peerlink/internal/relay"
)

// RoomConfig is the rendezvous identity shared out-of-band by both peers.
type RoomConfig struct {
	Channel string
	Room    string
}

// TransportError reports that the relay was unreachable or replied with an
// unexpected status. The underlying cause is carried for unwrapping; Status
// is non-zero when the relay did reply.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("signaling: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client issues signaling requests against one relay instance for one fixed
// (channel, room) identity. It is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	room    RoomConfig
	http    *http.Client
}

// NewClient parses baseURL (e.g. "http://relay.example:8080") and returns a
// Client bound to the given room identity.
func NewClient(baseURL string, room RoomConfig) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("signaling: parse relay URL: %w", err)
	}
	return &Client{
		baseURL: u,
		room:    room,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Room returns the client's rendezvous identity.
func (c *Client) Room() RoomConfig { return c.room }

// Announce publishes candidates (and optionally a session description) under
// peerID. An empty peerID asks the relay to assign one; the id actually used
// is returned either way.
func (c *Client) Announce(ctx context.Context, peerID string, candidates []relay.Candidate, description *relay.SessionDescription) (string, error) {
	if candidates == nil {
		candidates = []relay.Candidate{}
	}
	body, err := json.Marshal(relay.AnnounceRequest{
		Candidates:         candidates,
		SessionDescription: description,
	})
	if err != nil {
		return "", fmt.Errorf("signaling: encode announce: %w", err)
	}

	q := url.Values{}
	q.Set("channel", c.room.Channel)
	q.Set("room", c.room.Room)
	q.Set("peer_id", peerID)

	var resp relay.AnnounceResponse
	if err := c.do(ctx, http.MethodPost, "/announce", q, body, &resp); err != nil {
		// Announce is the only call the relay rejects for a bad peer id.
		var te *TransportError
		if errors.As(err, &te) && te.Status == http.StatusBadRequest {
			return "", relay.ErrInvalidPeerID
		}
		return "", err
	}
	return resp.PeerID, nil
}

// Candidates fetches everything the given peer has announced into the room.
func (c *Client) Candidates(ctx context.Context, peerID string) (relay.CandidateSet, error) {
	q := url.Values{}
	q.Set("channel", c.room.Channel)
	q.Set("room", c.room.Room)
	q.Set("candidate_id", peerID)

	var set relay.CandidateSet
	if err := c.do(ctx, http.MethodGet, "/candidate", q, nil, &set); err != nil {
		return relay.CandidateSet{}, err
	}
	return set, nil
}

// PeerIDs lists the peers currently announced in the room.
func (c *Client) PeerIDs(ctx context.Context) ([]string, error) {
	q := url.Values{}
	q.Set("channel", c.room.Channel)
	q.Set("room", c.room.Room)

	var ids []string
	if err := c.do(ctx, http.MethodGet, "/all_candidates", q, nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Rooms lists the rooms currently present in the client's channel.
func (c *Client) Rooms(ctx context.Context) ([]string, error) {
	q := url.Values{}
	q.Set("channel", c.room.Channel)

	var rooms []string
	if err := c.do(ctx, http.MethodGet, "/rooms", q, nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// do issues one request and decodes the JSON response into out (when out is
// non-nil). Relay-level failures map back onto the store's error taxonomy;
// everything else is a TransportError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := *c.baseURL
	u.Path = path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return relay.ErrNotFound
	default:
		return &TransportError{
			Op:     method + " " + path,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: method + " " + path, Err: err}
	}
	return nil
}
