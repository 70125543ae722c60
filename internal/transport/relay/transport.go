package relay

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"

	"github.com/linkmesh/linkmesh/internal/store"
	"github.com/linkmesh/linkmesh/internal/transport"
	"github.com/linkmesh/linkmesh/internal/wire"
)

// ReplicationTopic carries replication payloads between paired devices. The
// topic name is public; the payloads on it only open under the room key
// derived from the shared root secret.
const ReplicationTopic = "replication/room"

// payload is the plaintext of one replication event.
type payload struct {
	Node    string             `json:"node"`
	Records []store.WireRecord `json:"records"`
}

// Transport adapts a relay Client into a replication channel: local-origin
// deltas are sealed under the room key and published; inbound events are
// opened and merged into the store.
type Transport struct {
	client *Client
	source *store.Store
	apply  transport.ApplyFunc
	key    [wire.KeySize]byte
	logger *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport wraps an already-constructed client. The client's lifecycle
// belongs to the caller when shared (pairing uses the same client); Start
// here only wires replication on top of it.
func NewTransport(client *Client, source *store.Store, apply transport.ApplyFunc, key [wire.KeySize]byte, logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}
	return &Transport{
		client: client,
		source: source,
		apply:  apply,
		key:    key,
		logger: logger,
	}
}

// Name implements Transport.
func (t *Transport) Name() string { return "relay" }

// Start subscribes to the replication topic and begins forwarding local
// deltas.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	inbound, cancelSub, err := t.client.Subscribe(ctx, ReplicationTopic)
	if err != nil {
		cancel()
		return err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancelSub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-inbound:
				if !ok {
					return
				}
				t.applyEvent(msg)
			}
		}
	}()

	changes, unsubscribe := t.source.Changes()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case delta, ok := <-changes:
				if !ok {
					return
				}
				if delta.Origin != store.OriginLocal {
					continue
				}
				t.forward(ctx, delta.Records)
			}
		}
	}()
	return nil
}

// forward seals and publishes one local delta.
func (t *Transport) forward(ctx context.Context, records []store.WireRecord) {
	msg, err := wire.Seal(t.key, payload{Node: t.source.Node(), Records: records})
	if err != nil {
		t.logger.Printf("WARNING: failed to seal replication event: %v", err)
		return
	}
	if err := t.client.Publish(ctx, ReplicationTopic, msg); err != nil {
		t.logger.Printf("WARNING: failed to queue replication event: %v", err)
	}
}

// applyEvent opens and merges one inbound replication event.
func (t *Transport) applyEvent(msg wire.Message) {
	var p payload
	if err := wire.Open(t.key, msg, &p); err != nil {
		// Events that do not open under our room key are someone else's
		// traffic or tampered; either way they carry nothing for us.
		if !errors.Is(err, wire.ErrDecryptFailed) {
			t.logger.Printf("WARNING: malformed replication event: %v", err)
		}
		return
	}
	if p.Node == t.source.Node() {
		return // our own event echoed back
	}
	if _, err := t.apply(store.Origin(p.Node), p.Records); err != nil {
		t.logger.Printf("WARNING: failed to apply %d records from %s: %v", len(p.Records), p.Node, err)
	}
}

// Status aggregates the per-relay connections: connected if any relay is
// reachable, with the pending count of undelivered local events.
func (t *Transport) Status() transport.Status {
	statuses := t.client.Statuses()

	state := transport.StateError
	detail := ""
	connected := 0
	for _, s := range statuses {
		if s.State == transport.StateConnected {
			connected++
		} else if detail == "" && s.Detail != "" {
			detail = s.Detail
		}
	}
	switch {
	case connected > 0:
		state = transport.StateConnected
		detail = ""
	case len(statuses) == 0:
		state = transport.StateIdle
	default:
		state = transport.StateConnecting
	}

	return transport.Status{
		Name:    "relay",
		State:   state,
		Detail:  detail,
		Pending: t.client.Pending(),
	}
}

// Stop halts forwarding. The underlying client is stopped by its owner.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}
