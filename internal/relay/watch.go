package relay

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watcher is one /watch subscriber. Events are delivered best-effort: a
// subscriber that cannot keep up is dropped rather than allowed to block an
// announce.
type watcher struct {
	events chan WatchEvent
}

// watchHub fans announce notifications out to the WebSocket subscribers of
// each (channel, room). The push path is strictly a wake-up signal; pollers
// never depend on it, so losing a subscriber or an event is harmless.
type watchHub struct {
	mu       sync.Mutex
	rooms    map[roomKey]map[*watcher]struct{}
	log      zerolog.Logger
}

type roomKey struct {
	channel string
	room    string
}

func newWatchHub(log zerolog.Logger) *watchHub {
	return &watchHub{
		rooms: make(map[roomKey]map[*watcher]struct{}),
		log:   log,
	}
}

func (h *watchHub) subscribe(channel, room string) *watcher {
	w := &watcher{events: make(chan WatchEvent, 16)}
	key := roomKey{channel, room}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[key] == nil {
		h.rooms[key] = make(map[*watcher]struct{})
	}
	h.rooms[key][w] = struct{}{}
	return w
}

func (h *watchHub) unsubscribe(channel, room string, w *watcher) {
	key := roomKey{channel, room}

	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rooms[key]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(h.rooms, key)
		}
	}
}

func (h *watchHub) notify(channel, room, peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.rooms[roomKey{channel, room}] {
		select {
		case w.events <- WatchEvent{PeerID: peerID}:
		default: // slow subscriber: skip, the poll loop will catch up
		}
	}
}

// handleWatch upgrades the request to a WebSocket and streams WatchEvents for
// the requested room until the client goes away.
func (h *watchHub) handleWatch(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	room := r.URL.Query().Get("room")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.subscribe(channel, room)
	defer h.unsubscribe(channel, room, sub)

	// Reader goroutine: we never expect client messages, but reading is the
	// only way to learn the peer hung up.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev := <-sub.events:
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug().Err(err).Msg("watch subscriber write failed")
				return
			}
		}
	}
}
