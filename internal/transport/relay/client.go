package relay

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/linkmesh/linkmesh/internal/keys"
	"github.com/linkmesh/linkmesh/internal/pubsub"
	"github.com/linkmesh/linkmesh/internal/transport"
	"github.com/linkmesh/linkmesh/internal/wire"
)

// RelayUnreachableError reports which relay could not be reached. Other
// relays are unaffected; the client keeps retrying in the background.
type RelayUnreachableError struct {
	URL string
	Err error
}

func (e *RelayUnreachableError) Error() string {
	return fmt.Sprintf("relay %s unreachable: %v", e.URL, e.Err)
}

func (e *RelayUnreachableError) Unwrap() error { return e.Err }

// RelayStatus is a point-in-time view of one relay connection.
type RelayStatus struct {
	URL     string
	State   transport.State
	Latency time.Duration
	Detail  string
}

// Config configures a relay client.
type Config struct {
	// URLs lists the relay servers (ws://host/path). Each gets an
	// independent connection with its own reconnect schedule.
	URLs []string

	// Sender identifies this device in frames when no Identity is set yet
	// (a device that has not completed pairing has no root to derive one
	// from). With an Identity the sender is the identity's public key.
	Sender string

	// Identity, when set, signs every published frame.
	Identity *keys.Identity

	// ReconnectMin and ReconnectMax bound per-relay dial backoff.
	// Defaults 1s and 30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// PingInterval is how often each connection measures latency.
	// Default 15s.
	PingInterval time.Duration

	// Logger defaults to stderr.
	Logger *log.Logger
}

// Client multiplexes topic pub/sub over every configured relay.
//
// Publishing is store-and-forward: events queue locally until at least one
// relay accepts them, and Pending reports how many are still waiting.
// Subscriptions are re-established on every reconnect, and relays replay a
// topic's retained history to new subscribers, so a device that was offline
// still receives what it missed.
type Client struct {
	cfg    Config
	logger *log.Logger

	seq     atomic.Uint64
	pending atomic.Int64

	mu         sync.Mutex
	topics     map[string]*pubsub.Bus[wire.Message]
	subscribed map[string]bool
	seen       map[string]struct{}
	conns      []*relayConn

	events *pubsub.Bus[RelayStatus]
	queue  chan Frame

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// seenLimit bounds the dedupe set; when hit, the set resets. Old events past
// this horizon re-applying is harmless: the store's merge is idempotent.
const seenLimit = 4096

// NewClient creates a client for the given relays. Call Start before use.
func NewClient(cfg Config) *Client {
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}
	return &Client{
		cfg:        cfg,
		logger:     cfg.Logger,
		topics:     make(map[string]*pubsub.Bus[wire.Message]),
		subscribed: make(map[string]bool),
		seen:       make(map[string]struct{}),
		events:     pubsub.New[RelayStatus](),
		queue:      make(chan Frame, 256),
	}
}

// Start opens a connection to every configured relay and begins dispatching
// queued publishes.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.mu.Lock()
	for _, url := range c.cfg.URLs {
		rc := &relayConn{url: url, client: c, state: transport.StateConnecting}
		c.conns = append(c.conns, rc)
		c.wg.Add(1)
		go rc.run(ctx)
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.dispatch(ctx)
	return nil
}

// Stop closes every relay connection and the event buses.
func (c *Client) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for _, rc := range c.conns {
		rc.close()
	}
	c.mu.Unlock()
	c.wg.Wait()

	c.events.Close()
	c.mu.Lock()
	for _, bus := range c.topics {
		bus.Close()
	}
	c.topics = make(map[string]*pubsub.Bus[wire.Message])
	c.mu.Unlock()
	return nil
}

// Publish queues a sealed message for delivery to a topic. It returns once
// the event is queued; delivery happens as soon as any relay is reachable.
func (c *Client) Publish(ctx context.Context, topic string, msg wire.Message) error {
	f := Frame{
		Type:   TypePublish,
		Topic:  topic,
		Msg:    &msg,
		Sender: c.cfg.Sender,
		Seq:    c.seq.Add(1),
		TS:     time.Now().UnixMilli(),
	}
	if c.cfg.Identity != nil {
		f.Sign(c.cfg.Identity)
	}

	// Remember our own event so relays echoing it back do not re-apply it.
	c.markSeen(f.dedupeKey())

	select {
	case c.queue <- f:
		c.pending.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("relay publish queue full (%d events waiting)", len(c.queue))
	}
}

// Subscribe delivers events published to a topic, including retained history
// replayed by the relays. The cancel function releases the local delivery
// channel; the relay-side subscription persists for the client's lifetime.
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan wire.Message, func(), error) {
	c.mu.Lock()
	bus, ok := c.topics[topic]
	if !ok {
		bus = pubsub.New[wire.Message]()
		c.topics[topic] = bus
	}
	first := !c.subscribed[topic]
	c.subscribed[topic] = true
	conns := append([]*relayConn(nil), c.conns...)
	c.mu.Unlock()

	ch, cancel := bus.Subscribe()
	if first {
		for _, rc := range conns {
			// Best effort; reconnects replay the full subscription set.
			_ = rc.write(Frame{Type: TypeSubscribe, Topic: topic})
		}
	}
	return ch, cancel, nil
}

// Pending reports how many published events no relay has accepted yet.
func (c *Client) Pending() int {
	return int(c.pending.Load())
}

// Connected reports how many relays are currently reachable.
func (c *Client) Connected() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, rc := range c.conns {
		if rc.currentState() == transport.StateConnected {
			n++
		}
	}
	return n
}

// Statuses returns a per-relay snapshot.
func (c *Client) Statuses() []RelayStatus {
	c.mu.Lock()
	conns := append([]*relayConn(nil), c.conns...)
	c.mu.Unlock()

	out := make([]RelayStatus, 0, len(conns))
	for _, rc := range conns {
		out = append(out, rc.status())
	}
	return out
}

// Events exposes per-relay connectivity changes as a subscribable stream.
func (c *Client) Events() (<-chan RelayStatus, func()) {
	return c.events.Subscribe()
}

// dispatch drains the publish queue, retrying each event until some relay
// accepts it.
func (c *Client) dispatch(ctx context.Context) {
	defer c.wg.Done()

	for {
		var f Frame
		select {
		case <-ctx.Done():
			return
		case f = <-c.queue:
		}

		for {
			if c.sendToAnyRelay(f) {
				c.pending.Add(-1)
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

// sendToAnyRelay tries each connected relay in order.
func (c *Client) sendToAnyRelay(f Frame) bool {
	c.mu.Lock()
	conns := append([]*relayConn(nil), c.conns...)
	c.mu.Unlock()

	for _, rc := range conns {
		if rc.currentState() != transport.StateConnected {
			continue
		}
		if err := rc.write(f); err == nil {
			return true
		}
	}
	return false
}

// handleEvent routes one inbound event frame to its topic's subscribers.
func (c *Client) handleEvent(f Frame) {
	if f.Msg == nil {
		return
	}
	if !f.VerifySig() {
		c.logger.Printf("WARNING: dropping event with invalid signature on topic %s", f.Topic)
		return
	}
	if c.alreadySeen(f.dedupeKey()) {
		return
	}

	c.mu.Lock()
	bus := c.topics[f.Topic]
	c.mu.Unlock()
	if bus != nil {
		bus.Publish(*f.Msg)
	}
}

func (c *Client) markSeen(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.seen) >= seenLimit {
		c.seen = make(map[string]struct{})
	}
	c.seen[key] = struct{}{}
}

func (c *Client) alreadySeen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[key]; ok {
		return true
	}
	if len(c.seen) >= seenLimit {
		c.seen = make(map[string]struct{})
	}
	c.seen[key] = struct{}{}
	return false
}

// subscriptions returns the topics to re-establish after a reconnect.
func (c *Client) subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for topic := range c.subscribed {
		out = append(out, topic)
	}
	return out
}

// relayConn is one relay connection with its own lifecycle.
type relayConn struct {
	url    string
	client *Client

	mu      sync.Mutex
	ws      *websocket.Conn
	state   transport.State
	detail  string
	latency time.Duration
}

// run keeps the connection alive until ctx is done.
func (rc *relayConn) run(ctx context.Context) {
	defer rc.client.wg.Done()

	backoff := rc.client.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		ws, _, err := websocket.Dial(ctx, rc.url, nil)
		if err != nil {
			unreachable := &RelayUnreachableError{URL: rc.url, Err: err}
			rc.setState(transport.StateConnecting, unreachable.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > rc.client.cfg.ReconnectMax {
				backoff = rc.client.cfg.ReconnectMax
			}
			continue
		}

		backoff = rc.client.cfg.ReconnectMin
		rc.mu.Lock()
		rc.ws = ws
		rc.mu.Unlock()
		rc.setState(transport.StateConnected, "")

		for _, topic := range rc.client.subscriptions() {
			if err := rc.write(Frame{Type: TypeSubscribe, Topic: topic}); err != nil {
				break
			}
		}

		rc.serve(ctx, ws)

		rc.mu.Lock()
		rc.ws = nil
		rc.mu.Unlock()
		if ctx.Err() == nil {
			rc.setState(transport.StateConnecting, "connection lost")
		}
	}
}

// serve pumps one live connection: a ping ticker plus the read loop.
func (rc *relayConn) serve(ctx context.Context, ws *websocket.Conn) {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(rc.client.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := rc.write(Frame{Type: TypePing, TS: time.Now().UnixNano()}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var f Frame
		if err := wsjson.Read(ctx, ws, &f); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				rc.client.logger.Printf("relay %s read failed: %v", rc.url, err)
			}
			_ = ws.CloseNow()
			return
		}

		switch f.Type {
		case TypeEvent:
			rc.client.handleEvent(f)
		case TypePong:
			rc.mu.Lock()
			rc.latency = time.Duration(time.Now().UnixNano() - f.TS)
			snapshot := RelayStatus{URL: rc.url, State: rc.state, Latency: rc.latency, Detail: rc.detail}
			rc.mu.Unlock()
			rc.client.events.Publish(snapshot)
		}
	}
}

// write sends one frame if the connection is up.
func (rc *relayConn) write(f Frame) error {
	rc.mu.Lock()
	ws := rc.ws
	rc.mu.Unlock()
	if ws == nil {
		return &RelayUnreachableError{URL: rc.url, Err: fmt.Errorf("not connected")}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, f); err != nil {
		return fmt.Errorf("failed to write to relay %s: %w", rc.url, err)
	}
	return nil
}

func (rc *relayConn) close() {
	rc.mu.Lock()
	ws := rc.ws
	rc.mu.Unlock()
	if ws != nil {
		_ = ws.CloseNow()
	}
}

func (rc *relayConn) currentState() transport.State {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

func (rc *relayConn) status() RelayStatus {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return RelayStatus{URL: rc.url, State: rc.state, Latency: rc.latency, Detail: rc.detail}
}

func (rc *relayConn) setState(state transport.State, detail string) {
	rc.mu.Lock()
	rc.state = state
	rc.detail = detail
	snapshot := RelayStatus{URL: rc.url, State: state, Latency: rc.latency, Detail: detail}
	rc.mu.Unlock()

	rc.client.events.Publish(snapshot)
}
