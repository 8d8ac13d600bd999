package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/peerlink/peerlink/internal/relay"
)

func newTestClient(t *testing.T) (*Client, *relay.Store) {
	t.Helper()
	store := relay.NewStore()
	ts := httptest.NewServer(relay.NewServer(store, zerolog.Nop()).Router())
	t.Cleanup(ts.Close)

	client, err := NewClient(ts.URL, RoomConfig{Channel: "app", Room: "lobby"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, store
}

func TestAnnounceAndFetchRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	id := uuid.NewString()

	desc := &relay.SessionDescription{Type: relay.DescriptionOffer, SDP: "v=0"}
	echoed, err := client.Announce(ctx, id, []relay.Candidate{{Candidate: "cand-1"}}, desc)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if echoed != id {
		t.Fatalf("echoed id = %s, want %s", echoed, id)
	}

	set, err := client.Candidates(ctx, id)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(set.Candidates) != 1 || set.Candidates[0].Candidate != "cand-1" {
		t.Fatalf("candidates = %+v", set.Candidates)
	}
	if set.SessionDescription == nil || set.SessionDescription.SDP != "v=0" {
		t.Fatalf("description = %+v", set.SessionDescription)
	}

	ids, err := client.PeerIDs(ctx)
	if err != nil {
		t.Fatalf("PeerIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("peer ids = %v", ids)
	}

	rooms, err := client.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != "lobby" {
		t.Fatalf("rooms = %v", rooms)
	}
}

func TestAnnounceWithAssignedID(t *testing.T) {
	client, _ := newTestClient(t)

	id, err := client.Announce(context.Background(), "", []relay.Candidate{{Candidate: "c"}}, nil)
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("assigned id %q is not a UUID", id)
	}
}

func TestNotFoundMapping(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := client.Candidates(ctx, uuid.NewString()); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("Candidates: got %v, want ErrNotFound", err)
	}
	if _, err := client.PeerIDs(ctx); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("PeerIDs: got %v, want ErrNotFound", err)
	}
	if _, err := client.Rooms(ctx); !errors.Is(err, relay.ErrNotFound) {
		t.Errorf("Rooms: got %v, want ErrNotFound", err)
	}
}

func TestInvalidPeerIDMapping(t *testing.T) {
	client, _ := newTestClient(t)
	if _, err := client.Announce(context.Background(), "not-a-uuid", nil, nil); !errors.Is(err, relay.ErrInvalidPeerID) {
		t.Fatalf("got %v, want ErrInvalidPeerID", err)
	}
}

func TestBadRequestMapsToInvalidPeerIDOnAnnounceOnly(t *testing.T) {
	// A relay that rejects everything: only Announce may translate a 400
	// into the peer-id sentinel.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "malformed request", http.StatusBadRequest)
	}))
	t.Cleanup(ts.Close)

	client, err := NewClient(ts.URL, RoomConfig{Channel: "app", Room: "lobby"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()

	if _, err := client.Announce(ctx, uuid.NewString(), nil, nil); !errors.Is(err, relay.ErrInvalidPeerID) {
		t.Fatalf("Announce: got %v, want ErrInvalidPeerID", err)
	}

	_, err = client.Candidates(ctx, uuid.NewString())
	if errors.Is(err, relay.ErrInvalidPeerID) {
		t.Fatal("Candidates mapped a 400 to ErrInvalidPeerID")
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Status != http.StatusBadRequest {
		t.Fatalf("Candidates: got %v, want *TransportError with status 400", err)
	}
}

func TestUnreachableRelayIsTransportError(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", RoomConfig{Channel: "app", Room: "lobby"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.PeerIDs(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("got %T (%v), want *TransportError", err, err)
	}
}

func TestWatchDeliversAnnounces(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	id := uuid.NewString()
	if _, err := client.Announce(ctx, id, []relay.Candidate{{Candidate: "c"}}, nil); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	select {
	case got := <-events:
		if got != id {
			t.Fatalf("event = %s, want %s", got, id)
		}
	case <-ctx.Done():
		t.Fatal("no watch event before timeout")
	}

	cancel()
	// The stream terminates once the context ends.
	for {
		if _, ok := <-events; !ok {
			return
		}
	}
}
