// Package peer implements the direct device-to-device transport: a WebSocket
// channel between two paired devices on the same network, carrying sealed
// replication frames. It is the lowest-latency path but requires both ends
// online at once; durability is the local log's job and asynchronous delivery
// is the relay network's.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/linkmesh/linkmesh/internal/store"
	"github.com/linkmesh/linkmesh/internal/transport"
	"github.com/linkmesh/linkmesh/internal/wire"
)

// frame is the plaintext payload of one sealed peer message. Node lets the
// receiver tag the apply with the true origin, so its own transports do not
// re-broadcast the records as local edits.
type frame struct {
	Node    string             `json:"node"`
	Records []store.WireRecord `json:"records"`
}

// Config configures a Peer transport.
type Config struct {
	// URL is the peer to dial (ws://host:port/path). Empty means accept-only:
	// the transport still serves inbound connections via Handler.
	URL string

	// Key is the room key both ends derived from the shared root secret.
	// Frames that do not authenticate under it are rejected and the
	// connection dropped.
	Key [wire.KeySize]byte

	// ReconnectMin and ReconnectMax bound the dial backoff.
	// Defaults 1s and 30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Logger receives connection lifecycle and frame errors. Defaults to
	// stderr.
	Logger *log.Logger
}

// Peer is the direct-connection transport.
type Peer struct {
	cfg    Config
	source *store.Store
	apply  transport.ApplyFunc
	logger *log.Logger

	mu     sync.Mutex
	state  transport.State
	detail string
	conns  map[*conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// conn is one live WebSocket with a serialized writer.
type conn struct {
	ws  *websocket.Conn
	out chan wire.Message
}

// New creates a peer transport replicating the given store.
func New(source *store.Store, apply transport.ApplyFunc, cfg Config) *Peer {
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[peer] ", log.LstdFlags)
	}
	return &Peer{
		cfg:    cfg,
		source: source,
		apply:  apply,
		logger: cfg.Logger,
		state:  transport.StateIdle,
		conns:  make(map[*conn]struct{}),
	}
}

// Name implements Transport.
func (p *Peer) Name() string { return "peer" }

// Start launches the broadcast loop and, when a peer URL is configured, the
// dial loop with reconnect backoff.
func (p *Peer) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	changes, unsubscribe := p.source.Changes()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-p.ctx.Done():
				return
			case delta, ok := <-changes:
				if !ok {
					return
				}
				if delta.Origin != store.OriginLocal {
					continue
				}
				p.broadcast(delta.Records)
			}
		}
	}()

	if p.cfg.URL != "" {
		p.setState(transport.StateConnecting, p.cfg.URL)
		p.wg.Add(1)
		go p.dialLoop()
	} else {
		p.setState(transport.StateConnected, "accept-only")
	}
	return nil
}

// Handler returns the HTTP handler that accepts inbound peer connections.
func (p *Peer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			p.logger.Printf("WARNING: failed to accept peer connection: %v", err)
			return
		}
		p.serve(ws, r.RemoteAddr)
	})
}

// dialLoop keeps one outbound connection alive, backing off exponentially.
func (p *Peer) dialLoop() {
	defer p.wg.Done()

	backoff := p.cfg.ReconnectMin
	for {
		if p.ctx.Err() != nil {
			return
		}

		ws, _, err := websocket.Dial(p.ctx, p.cfg.URL, nil)
		if err != nil {
			p.setState(transport.StateConnecting, err.Error())
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > p.cfg.ReconnectMax {
				backoff = p.cfg.ReconnectMax
			}
			continue
		}

		backoff = p.cfg.ReconnectMin
		p.serve(ws, p.cfg.URL)
	}
}

// serve runs one connection to completion: registers it, sends our full
// snapshot so the two replicas converge, then pumps frames both ways.
func (p *Peer) serve(ws *websocket.Conn, remote string) {
	ctx := p.ctx
	if ctx == nil {
		// Inbound connection before Start; serve it standalone.
		ctx = context.Background()
	}

	c := &conn{ws: ws, out: make(chan wire.Message, 64)}

	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.state = transport.StateConnected
	p.detail = remote
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.conns, c)
		if len(p.conns) == 0 && p.state != transport.StateStopped {
			if p.cfg.URL != "" {
				p.state = transport.StateConnecting
			}
			p.detail = ""
		}
		p.mu.Unlock()
		_ = ws.CloseNow()
	}()

	if err := p.enqueue(c, p.source.Snapshot()); err != nil {
		p.logger.Printf("WARNING: failed to send snapshot to %s: %v", remote, err)
		return
	}

	writeCtx, stopWriter := context.WithCancel(ctx)
	defer stopWriter()
	go func() {
		for {
			select {
			case <-writeCtx.Done():
				return
			case msg := <-c.out:
				if err := wsjson.Write(writeCtx, ws, msg); err != nil {
					return
				}
			}
		}
	}()

	for {
		var msg wire.Message
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				p.logger.Printf("peer %s disconnected: %v", remote, err)
			}
			return
		}

		var f frame
		if err := wire.Open(p.cfg.Key, msg, &f); err != nil {
			// A frame that does not authenticate means the other end holds a
			// different room key; it is not part of this mesh.
			if errors.Is(err, wire.ErrDecryptFailed) {
				p.logger.Printf("WARNING: rejecting peer %s: frame failed authentication", remote)
				_ = ws.Close(websocket.StatusPolicyViolation, "bad frame")
				return
			}
			p.logger.Printf("WARNING: dropping malformed frame from %s: %v", remote, err)
			continue
		}

		if _, err := p.apply(store.Origin(f.Node), f.Records); err != nil {
			p.logger.Printf("WARNING: failed to apply %d records from %s: %v", len(f.Records), remote, err)
		}
	}
}

// broadcast seals records once and queues them on every live connection.
// A connection too slow to drain its queue loses the frame; the next snapshot
// exchange repairs it.
func (p *Peer) broadcast(records []store.WireRecord) {
	p.mu.Lock()
	conns := make([]*conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	if len(conns) == 0 {
		return
	}

	msg, err := wire.Seal(p.cfg.Key, frame{Node: p.source.Node(), Records: records})
	if err != nil {
		p.logger.Printf("WARNING: failed to seal outbound frame: %v", err)
		return
	}
	for _, c := range conns {
		select {
		case c.out <- msg:
		default:
			p.logger.Printf("WARNING: peer send queue full, dropping frame")
		}
	}
}

// enqueue seals and queues records on a single connection.
func (p *Peer) enqueue(c *conn, records []store.WireRecord) error {
	msg, err := wire.Seal(p.cfg.Key, frame{Node: p.source.Node(), Records: records})
	if err != nil {
		return fmt.Errorf("failed to seal frame: %w", err)
	}
	select {
	case c.out <- msg:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

// Connections returns the number of live peer connections.
func (p *Peer) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Status implements Transport.
func (p *Peer) Status() transport.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return transport.Status{Name: "peer", State: p.state, Detail: p.detail}
}

// Stop closes every connection and waits for the loops to exit.
func (p *Peer) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}

	p.mu.Lock()
	for c := range p.conns {
		_ = c.ws.CloseNow()
	}
	p.state = transport.StateStopped
	p.detail = ""
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *Peer) setState(state transport.State, detail string) {
	p.mu.Lock()
	p.state = state
	p.detail = detail
	p.mu.Unlock()
}
