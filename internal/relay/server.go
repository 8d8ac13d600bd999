package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server exposes the candidate store over HTTP. Route names and the
// query-parameter contract are the relay's stable wire surface:
//
//	POST /announce?channel&room&peer_id        body: AnnounceRequest
//	GET  /candidate?channel&room&candidate_id
//	GET  /all_candidates?channel&room
//	GET  /rooms?channel
//	GET  /watch?channel&room                   (WebSocket)
type Server struct {
	store *Store
	hub   *watchHub
	log   zerolog.Logger
}

// NewServer creates a Server backed by store.
func NewServer(store *Store, log zerolog.Logger) *Server {
	return &Server{
		store: store,
		hub:   newWatchHub(log),
		log:   log,
	}
}

// Router builds the HTTP handler for the relay endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/announce", s.handleAnnounce)
	r.Get("/candidate", s.handleCandidates)
	r.Get("/all_candidates", s.handlePeerIDs)
	r.Get("/rooms", s.handleRooms)
	r.Get("/watch", s.hub.handleWatch)

	return r
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	room := r.URL.Query().Get("room")
	peerID := r.URL.Query().Get("peer_id")

	var req AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed announce body", http.StatusBadRequest)
		return
	}

	id, err := s.store.Announce(channel, room, peerID, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.log.Debug().
		Str("channel", channel).
		Str("room", room).
		Str("peer_id", id.String()).
		Int("candidates", len(req.Candidates)).
		Bool("description", req.SessionDescription != nil).
		Msg("announce")

	s.hub.notify(channel, room, id.String())
	writeJSON(w, AnnounceResponse{PeerID: id.String()})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	room := r.URL.Query().Get("room")
	candidateID := r.URL.Query().Get("candidate_id")

	set, err := s.store.Candidates(channel, room, candidateID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, set)
}

func (s *Server) handlePeerIDs(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	room := r.URL.Query().Get("room")

	ids, err := s.store.PeerIDs(channel, room)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, ids)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.store.Rooms(r.URL.Query().Get("channel"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, rooms)
}

// requestLogger emits one trace-level line per request. Announce details are
// logged separately at debug by the handler.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Trace().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidPeerID):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
