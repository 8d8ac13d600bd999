package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound reports an unknown channel, room or peer id. Absence and
	// "not yet announced" are deliberately indistinguishable.
	ErrNotFound = errors.New("relay: unknown channel, room or peer")

	// ErrInvalidPeerID reports a peer id that does not parse as a UUID.
	ErrInvalidPeerID = errors.New("relay: peer id is not a valid UUID")
)

// peerEntry holds everything one peer has announced into a room. Candidates
// are append-only; the description is replaced wholesale on every announce
// that carries one.
type peerEntry struct {
	candidates  []Candidate
	description *SessionDescription
	lastUpdate  time.Time
}

// Store is the process-wide candidate store: channel → room → peer id →
// entry, guarded by a single reader/writer lock. All operations are
// linearizable with respect to Sweep.
type Store struct {
	mu       sync.RWMutex
	channels map[string]map[string]map[uuid.UUID]*peerEntry

	now func() time.Time // injectable for tests
}

// NewStore returns an empty Store using the wall clock.
func NewStore() *Store {
	return &Store{
		channels: make(map[string]map[string]map[uuid.UUID]*peerEntry),
		now:      time.Now,
	}
}

// Announce appends candidates to the peer's entry (creating channel, room and
// entry as needed), replaces the stored description when one is supplied, and
// refreshes the entry's timestamp. An empty peerID asks the relay to assign
// one. The id the entry was stored under is returned.
func (s *Store) Announce(channel, room, peerID string, req AnnounceRequest) (uuid.UUID, error) {
	var id uuid.UUID
	if peerID == "" {
		id = uuid.New()
	} else {
		parsed, err := uuid.Parse(peerID)
		if err != nil {
			return uuid.Nil, ErrInvalidPeerID
		}
		id = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rooms, ok := s.channels[channel]
	if !ok {
		rooms = make(map[string]map[uuid.UUID]*peerEntry)
		s.channels[channel] = rooms
	}
	peers, ok := rooms[room]
	if !ok {
		peers = make(map[uuid.UUID]*peerEntry)
		rooms[room] = peers
	}
	entry, ok := peers[id]
	if !ok {
		entry = &peerEntry{}
		peers[id] = entry
	}

	entry.candidates = append(entry.candidates, req.Candidates...)
	if req.SessionDescription != nil {
		entry.description = req.SessionDescription
	}
	entry.lastUpdate = s.now()

	return id, nil
}

// Candidates returns a copy of everything the given peer has announced.
func (s *Store) Candidates(channel, room, peerID string) (CandidateSet, error) {
	id, err := uuid.Parse(peerID)
	if err != nil {
		return CandidateSet{}, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.channels[channel][room][id]
	if !ok {
		return CandidateSet{}, ErrNotFound
	}

	set := CandidateSet{
		Candidates:         append([]Candidate(nil), entry.candidates...),
		SessionDescription: entry.description,
	}
	return set, nil
}

// PeerIDs returns the ids of all peers currently announced in a room, in no
// particular order.
func (s *Store) PeerIDs(channel, room string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms, ok := s.channels[channel]
	if !ok {
		return nil, ErrNotFound
	}
	peers, ok := rooms[room]
	if !ok {
		return nil, ErrNotFound
	}

	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id.String())
	}
	return ids, nil
}

// Rooms returns the names of all rooms currently present in a channel.
func (s *Store) Rooms(channel string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms, ok := s.channels[channel]
	if !ok {
		return nil, ErrNotFound
	}

	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	return names, nil
}

// Sweep removes every peer entry whose age at now is ttl or more, then prunes
// rooms and channels left empty. It returns the number of evicted entries.
// The write lock is held for the whole pass, so no reader can observe a
// half-evicted entry.
func (s *Store) Sweep(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for channel, rooms := range s.channels {
		for room, peers := range rooms {
			for id, entry := range peers {
				if now.Sub(entry.lastUpdate) >= ttl {
					delete(peers, id)
					evicted++
				}
			}
			if len(peers) == 0 {
				delete(rooms, room)
			}
		}
		if len(rooms) == 0 {
			delete(s.channels, channel)
		}
	}
	return evicted
}
