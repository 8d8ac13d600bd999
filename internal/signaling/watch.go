package signaling

import (
	"context"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/peerlink/peerlink/internal/relay"
)

// Watch subscribes to the relay's announce stream for the client's room. The
// returned channel yields the peer id of every announce until ctx ends or the
// connection drops, then closes. Events are a wake-up hint for pollers; a
// missed event is recovered by the next poll.
func (c *Client) Watch(ctx context.Context) (<-chan string, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/watch"

	q := url.Values{}
	q.Set("channel", c.room.Channel)
	q.Set("room", c.room.Room)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, &TransportError{Op: "watch", Err: err}
	}

	events := make(chan string, 16)

	// Close the socket when ctx ends so the read loop unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(events)
		defer conn.Close()
		for {
			var ev relay.WatchEvent
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case events <- ev.PeerID:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
