package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/peerlink/peerlink/internal/relay"
	"github.com/peerlink/peerlink/internal/signaling"
)

// DefaultICEServers are used when the caller supplies none. STUN only; the
// orchestrator assumes no infrastructure beyond the relay.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// DefaultPollInterval paces the relay polling inside a negotiation. The
// /watch push stream, when available, wakes the loop earlier.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultKeepAliveInterval paces empty re-announces while a negotiation
// waits for its counterpart. Each one refreshes the relay entry's timestamp,
// keeping a long-waiting offer or answer ahead of the TTL sweep.
const DefaultKeepAliveInterval = 20 * time.Second

// ErrAcceptorActive reports an attempt to start a second acceptor loop while
// one is still running. A Client owns at most one.
var ErrAcceptorActive = errors.New("peer: acceptor loop already running")

// Accept is one item of the acceptor loop's output sequence: either a
// finished Connection or the terminal error that stopped the loop.
type Accept struct {
	Conn *Connection
	Err  error
}

// engineFactory builds one engine instance per connection attempt.
// Replaceable in tests.
type engineFactory func(label string) (Engine, error)

// Client is the connection orchestrator. It owns zero or more established
// Connections, at most one acceptor loop, and the relay identity (channel,
// room) every negotiation runs under.
type Client struct {
	id        uuid.UUID
	relay     *signaling.Client
	newEngine engineFactory
	poll      time.Duration
	keepalive time.Duration
	log       zerolog.Logger

	mu      sync.RWMutex
	conns   map[uuid.UUID]*Connection
	pending bool
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// NewClient creates an orchestrator speaking to the relay through
// relayClient. All connections share one pion API instance configured with
// the given ICE servers (DefaultICEServers when empty).
func NewClient(relayClient *signaling.Client, iceServers []string, log zerolog.Logger) *Client {
	if len(iceServers) == 0 {
		iceServers = append([]string(nil), DefaultICEServers...)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: &pionLoggerFactory{log: log},
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	c := &Client{
		id:        uuid.New(),
		relay:     relayClient,
		poll:      DefaultPollInterval,
		keepalive: DefaultKeepAliveInterval,
		log:       log,
		conns:     make(map[uuid.UUID]*Connection),
	}
	c.newEngine = func(label string) (Engine, error) {
		return newPionEngine(api, iceServers, label, true)
	}
	return c
}

// ID is the orchestrator's own identity, used for data-channel labels and
// logging only.
func (c *Client) ID() uuid.UUID { return c.id }

// Listen starts the acceptor loop: until ctx is cancelled it repeatedly
// creates a Connection, runs the offerer side of the negotiation against the
// relay, and delivers each finished Connection on the returned channel.
//
// The channel has capacity one, so the loop blocks before starting the next
// offer/answer cycle until the previous Connection has been consumed. The
// sequence ends (channel closed) on cancellation; an unrecoverable error is
// surfaced as the terminal item.
func (c *Client) Listen(ctx context.Context) (<-chan Accept, error) {
	return c.startAcceptor(ctx, 0)
}

// AcceptConnections runs the same loop as Listen but stops after
// maxConnections successfully completed Connections.
func (c *Client) AcceptConnections(ctx context.Context, maxConnections int) (<-chan Accept, error) {
	return c.startAcceptor(ctx, maxConnections)
}

func (c *Client) startAcceptor(ctx context.Context, max int) (<-chan Accept, error) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil, ErrAcceptorActive
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	ch := make(chan Accept, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(ch)
		defer func() {
			cancel()
			c.mu.Lock()
			c.cancel = nil
			c.mu.Unlock()
		}()
		c.acceptLoop(loopCtx, ch, max)
	}()
	return ch, nil
}

// acceptLoop is the body of the acceptor task. Cancellation is checked at the
// top of each iteration and inside every wait; a Connection that is still
// under construction when cancellation lands is closed, never handed off.
func (c *Client) acceptLoop(ctx context.Context, ch chan<- Accept, max int) {
	// Peer entries of finished negotiations outlive them at the relay until
	// the TTL sweep; remember which remote peers this loop already consumed.
	used := make(map[string]bool)

	for accepted := 0; max <= 0 || accepted < max; {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.newConnection()
		if err != nil {
			select {
			case ch <- Accept{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		c.setPending(true)
		err = c.negotiateAsOfferer(ctx, conn, used)
		c.setPending(false)

		if err != nil {
			conn.Close()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			// The handoff buffer may still hold an unconsumed Connection;
			// cancellation must be able to unblock this send too.
			select {
			case ch <- Accept{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		c.register(conn)
		accepted++
		c.log.Info().
			Str("peer_id", conn.PeerID().String()).
			Int("active", c.ActiveConnectionsCount()).
			Msg("connection established")

		select {
		case ch <- Accept{Conn: conn}:
		case <-ctx.Done():
			c.unregister(conn)
			conn.Close()
			return
		}
	}
}

// Dial runs the answerer side once: it waits for an offer to appear in the
// room, answers it, exchanges candidates and returns the Connection when the
// engine reports connected.
func (c *Client) Dial(ctx context.Context) (*Connection, error) {
	conn, err := c.newConnection()
	if err != nil {
		return nil, err
	}

	c.setPending(true)
	err = c.negotiateAsAnswerer(ctx, conn)
	c.setPending(false)

	if err != nil {
		conn.Close()
		return nil, err
	}
	c.register(conn)
	return conn, nil
}

func (c *Client) newConnection() (*Connection, error) {
	engine, err := c.newEngine(fmt.Sprintf("data_channel_%s", c.id))
	if err != nil {
		return nil, err
	}
	return newConnection(engine, uuid.New(), c.log), nil
}

// negotiateAsOfferer announces an offer under the connection's peer id, then
// polls the room until a counterpart answers, applying its answer and
// candidates and trickling local ones, until the engine reports connected.
func (c *Client) negotiateAsOfferer(ctx context.Context, conn *Connection, used map[string]bool) error {
	offer, err := conn.CreateOffer()
	if err != nil {
		return err
	}

	selfID := conn.PeerID().String()
	initial := conn.PendingCandidates()
	if _, err := c.relay.Announce(ctx, selfID, initial, &offer); err != nil {
		return err
	}

	// The watch stream lives no longer than this negotiation.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	events := c.watchRoom(watchCtx)

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	var remoteID string
	sent := len(initial)
	applied := 0
	lastAnnounce := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-events:
		}

		if sent, lastAnnounce, err = c.announceLocal(ctx, conn, selfID, sent, lastAnnounce); err != nil {
			return err
		}

		if remoteID == "" {
			id, set, err := c.findRemoteDescription(ctx, selfID, relay.DescriptionAnswer, used)
			if err != nil {
				return err
			}
			if id == "" {
				continue
			}
			if err := conn.ApplyRemoteAnswer(*set.SessionDescription); err != nil {
				return err
			}
			if err := conn.AddRemoteCandidates(set.Candidates); err != nil {
				return err
			}
			remoteID = id
			used[id] = true
			applied = len(set.Candidates)
			continue
		}

		if applied, err = c.pullRemote(ctx, conn, remoteID, applied); err != nil {
			return err
		}
		if conn.IsConnected() {
			return nil
		}
	}
}

// negotiateAsAnswerer polls the room for an offer, answers it, then exchanges
// candidates until the engine reports connected.
func (c *Client) negotiateAsAnswerer(ctx context.Context, conn *Connection) error {
	selfID := conn.PeerID().String()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	events := c.watchRoom(watchCtx)

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	var (
		remoteID     string
		sent         int
		applied      int
		lastAnnounce time.Time
		err          error
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-events:
		}

		if remoteID == "" {
			id, set, err := c.findRemoteDescription(ctx, selfID, relay.DescriptionOffer, nil)
			if err != nil {
				return err
			}
			if id == "" {
				continue
			}
			answer, err := conn.CreateAnswer(*set.SessionDescription)
			if err != nil {
				return err
			}
			initial := conn.PendingCandidates()
			if _, err := c.relay.Announce(ctx, selfID, initial, &answer); err != nil {
				return err
			}
			if err := conn.AddRemoteCandidates(set.Candidates); err != nil {
				return err
			}
			remoteID = id
			sent = len(initial)
			applied = len(set.Candidates)
			lastAnnounce = time.Now()
			continue
		}

		if sent, lastAnnounce, err = c.announceLocal(ctx, conn, selfID, sent, lastAnnounce); err != nil {
			return err
		}
		if applied, err = c.pullRemote(ctx, conn, remoteID, applied); err != nil {
			return err
		}
		if conn.IsConnected() {
			return nil
		}
	}
}

// announceLocal publishes any candidates gathered since the last call, or an
// empty keep-alive batch when nothing was announced within the keep-alive
// interval. Either way the relay refreshes the entry's timestamp, so a live
// negotiation never ages past the TTL. Returns the new candidate high-water
// mark and announce time.
func (c *Client) announceLocal(ctx context.Context, conn *Connection, selfID string, sent int, last time.Time) (int, time.Time, error) {
	candidates := conn.PendingCandidates()
	if len(candidates) <= sent && time.Since(last) < c.keepalive {
		return sent, last, nil
	}
	if _, err := c.relay.Announce(ctx, selfID, candidates[sent:], nil); err != nil {
		return sent, last, err
	}
	return len(candidates), time.Now(), nil
}

// pullRemote applies any remote candidates announced since the last call and
// returns the new high-water mark. A NotFound mid-negotiation means the
// remote entry was swept; the next announce from the peer recreates it.
func (c *Client) pullRemote(ctx context.Context, conn *Connection, remoteID string, applied int) (int, error) {
	set, err := c.relay.Candidates(ctx, remoteID)
	if errors.Is(err, relay.ErrNotFound) {
		return applied, nil
	}
	if err != nil {
		return applied, err
	}
	if len(set.Candidates) > applied {
		if err := conn.AddRemoteCandidates(set.Candidates[applied:]); err != nil {
			return applied, err
		}
		applied = len(set.Candidates)
	}
	return applied, nil
}

// findRemoteDescription scans the room for a peer (other than self and any in
// skip) whose entry carries a description of the wanted type. A missing room
// is not an error: the counterpart may simply not have announced yet.
func (c *Client) findRemoteDescription(ctx context.Context, selfID, wantType string, skip map[string]bool) (string, relay.CandidateSet, error) {
	ids, err := c.relay.PeerIDs(ctx)
	if errors.Is(err, relay.ErrNotFound) {
		return "", relay.CandidateSet{}, nil
	}
	if err != nil {
		return "", relay.CandidateSet{}, err
	}

	for _, id := range ids {
		if id == selfID || skip[id] {
			continue
		}
		set, err := c.relay.Candidates(ctx, id)
		if errors.Is(err, relay.ErrNotFound) {
			continue // swept between listing and fetching
		}
		if err != nil {
			return "", relay.CandidateSet{}, err
		}
		if set.SessionDescription == nil || set.SessionDescription.Type != wantType {
			continue
		}
		return id, set, nil
	}
	return "", relay.CandidateSet{}, nil
}

// watchRoom subscribes to the relay's announce push stream. When the relay
// does not offer one (or the dial fails) a nil channel is returned, leaving
// the caller on pure polling.
func (c *Client) watchRoom(ctx context.Context) <-chan string {
	events, err := c.relay.Watch(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("announce watch unavailable, polling only")
		return nil
	}
	return events
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func (c *Client) register(conn *Connection) {
	c.mu.Lock()
	c.conns[conn.PeerID()] = conn
	c.mu.Unlock()
}

func (c *Client) unregister(conn *Connection) {
	c.mu.Lock()
	delete(c.conns, conn.PeerID())
	c.mu.Unlock()
}

func (c *Client) setPending(v bool) {
	c.mu.Lock()
	c.pending = v
	c.mu.Unlock()
}

// ActiveConnectionsCount reports how many established Connections the client
// currently owns. Safe to call concurrently with a running acceptor loop.
func (c *Client) ActiveConnectionsCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// HasPendingConnection reports whether a negotiation is currently in flight.
func (c *Client) HasPendingConnection() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pending
}

// Connections returns a snapshot of the established Connections.
func (c *Client) Connections() []*Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conns := make([]*Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Close cancels any outstanding acceptor loop, waits for it to finish, and
// closes every owned Connection. No background work survives Close.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	conns := c.conns
	c.conns = make(map[uuid.UUID]*Connection)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	return nil
}
