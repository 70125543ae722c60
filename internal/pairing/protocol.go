package pairing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/linkmesh/linkmesh/internal/keys"
	"github.com/linkmesh/linkmesh/internal/pubsub"
	"github.com/linkmesh/linkmesh/internal/wire"
)

// State is a pairing engine state.
type State string

// Pairing states. Expired and Failed are reachable from any non-terminal
// state; both require restarting from Idle.
const (
	StateIdle              State = "idle"
	StateCodeDisplayed     State = "code-displayed"
	StateScanning          State = "scanning"
	StateKeyExchangeSent   State = "key-exchange-sent"
	StateAwaitingAck       State = "awaiting-ack"
	StateSecretTransferred State = "secret-transferred"
	StatePaired            State = "paired"
	StateExpired           State = "expired"
	StateFailed            State = "failed"
)

// Channel is the message carrier for pairing traffic, normally backed by the
// relay network. Messages on a topic are delivered to all subscribers of
// that topic, including late ones (store-and-forward).
type Channel interface {
	// Publish sends a sealed message to a topic.
	Publish(ctx context.Context, topic string, msg wire.Message) error

	// Subscribe delivers messages published to a topic. The returned cancel
	// function releases the subscription.
	Subscribe(ctx context.Context, topic string) (<-chan wire.Message, func(), error)
}

// Protocol message bodies, sealed under the PSK.
type protoMsg struct {
	Type               string `json:"type"` // "key-exchange", "root-secret", "ack"
	SessionID          string `json:"sessionId"`
	EphemeralPublicKey string `json:"ephemeralPublicKey,omitempty"`
	DeviceName         string `json:"deviceName,omitempty"`
	RootSecret         string `json:"rootSecret,omitempty"` // base64
}

const (
	msgKeyExchange = "key-exchange"
	msgRootSecret  = "root-secret"
	msgAck         = "ack"
)

// Engine drives one pairing attempt in either role.
//
// An engine is single-use: after reaching Paired, Expired or Failed it must
// be discarded and a fresh one created to retry. Failures never touch
// existing replicated data; the worst outcome of a failed pairing is a
// discarded session.
type Engine struct {
	keystore   *keys.Keystore
	channel    Channel
	deviceName string
	logger     *log.Logger
	now        func() time.Time

	states *pubsub.Bus[State]

	mu       sync.Mutex
	state    State
	session  *Session
	code     Code
	psk      [wire.KeySize]byte
	teardown []func()
}

// Config configures a pairing engine.
type Config struct {
	// DeviceName is the human-visible name offered to the other device.
	DeviceName string

	// Logger for protocol activity. If nil, a default stderr logger is used.
	Logger *log.Logger

	// Now overrides the clock for expiry checks. If nil, time.Now is used.
	Now func() time.Time
}

// NewEngine creates an idle pairing engine.
func NewEngine(keystore *keys.Keystore, channel Channel, config Config) *Engine {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[pairing] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Engine{
		keystore:   keystore,
		channel:    channel,
		deviceName: config.DeviceName,
		logger:     config.Logger,
		now:        config.Now,
		states:     pubsub.New[State](),
		state:      StateIdle,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// States exposes state transitions as a subscribable stream.
func (e *Engine) States() (<-chan State, func()) {
	return e.states.Subscribe()
}

// setState transitions and publishes. Terminal states tear the session down.
func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	var cleanup []func()
	if s == StatePaired || s == StateExpired || s == StateFailed {
		cleanup = e.teardown
		e.teardown = nil
		e.session = nil
	}
	e.mu.Unlock()

	for _, fn := range cleanup {
		fn()
	}
	e.logger.Printf("state -> %s", s)
	e.states.Publish(s)
}

// fail moves to Failed (or Expired for expiry errors) and returns err.
func (e *Engine) fail(err error) error {
	if errors.Is(err, ErrSessionExpired) {
		e.setState(StateExpired)
	} else {
		e.setState(StateFailed)
	}
	return err
}

// Cancel aborts the attempt and tears down the session and subscriptions.
func (e *Engine) Cancel() {
	e.mu.Lock()
	terminal := e.state == StatePaired || e.state == StateExpired || e.state == StateFailed
	e.mu.Unlock()
	if !terminal {
		e.setState(StateFailed)
	}
}

// Close releases the state bus. The engine must not be reused afterwards.
func (e *Engine) Close() {
	e.states.Close()
}

// StartAsInitiator begins pairing on the device that already holds the root
// secret. It returns the pairing code for the human to read out and the
// session payload to render as a QR code, then completes the protocol in the
// background as responder messages arrive.
func (e *Engine) StartAsInitiator(ctx context.Context) (Code, string, error) {
	// Confirm the root secret is present and exportable before showing the
	// user anything.
	rootSecret, err := e.keystore.Export()
	if err != nil {
		return Code{}, "", e.fail(fmt.Errorf("cannot initiate pairing: %w", err))
	}

	code, err := NewCode()
	if err != nil {
		return Code{}, "", e.fail(err)
	}

	session, _, err := newSession(e.deviceName, e.now())
	if err != nil {
		return Code{}, "", e.fail(err)
	}

	psk := code.PSK()

	msgs, unsubscribe, err := e.channel.Subscribe(ctx, session.Topic())
	if err != nil {
		return Code{}, "", e.fail(fmt.Errorf("failed to subscribe to session topic: %w", err))
	}

	e.mu.Lock()
	e.session = session
	e.code = code
	e.psk = psk
	e.teardown = append(e.teardown, unsubscribe)
	e.mu.Unlock()

	// Publish the sealed session payload to the room topic so a responder
	// with only the code can fetch it.
	payload, err := session.Payload()
	if err != nil {
		return Code{}, "", e.fail(err)
	}
	sealed, err := wire.Seal(psk, map[string]string{"payload": payload})
	if err != nil {
		return Code{}, "", e.fail(fmt.Errorf("failed to seal session payload: %w", err))
	}
	if err := e.channel.Publish(ctx, code.RoomTopic(), sealed); err != nil {
		return Code{}, "", e.fail(fmt.Errorf("failed to publish session payload: %w", err))
	}

	e.setState(StateCodeDisplayed)

	go e.runInitiator(ctx, session, msgs, rootSecret)

	return code, payload, nil
}

// runInitiator consumes responder messages until the protocol terminates.
func (e *Engine) runInitiator(ctx context.Context, session *Session, msgs <-chan wire.Message, rootSecret []byte) {
	expiry := time.NewTimer(session.ExpiresAt.Sub(e.now()))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Cancel()
			return

		case <-expiry.C:
			e.setState(StateExpired)
			return

		case msg, ok := <-msgs:
			if !ok {
				return
			}

			var m protoMsg
			if err := wire.Open(e.psk, msg, &m); err != nil {
				e.logger.Printf("rejecting message: %v", err)
				e.setState(StateFailed)
				return
			}
			if m.SessionID != session.ID {
				e.logger.Printf("rejecting message for wrong session %s", m.SessionID)
				e.setState(StateFailed)
				return
			}
			if err := session.CheckExpiry(e.now()); err != nil {
				e.setState(StateExpired)
				return
			}

			switch m.Type {
			case msgKeyExchange:
				e.logger.Printf("key exchange from %q", m.DeviceName)
				reply := protoMsg{
					Type:       msgRootSecret,
					SessionID:  session.ID,
					RootSecret: base64.StdEncoding.EncodeToString(rootSecret),
				}
				sealed, err := wire.Seal(e.psk, reply)
				if err != nil {
					e.setState(StateFailed)
					return
				}
				if err := e.channel.Publish(ctx, session.Topic(), sealed); err != nil {
					e.logger.Printf("failed to publish root secret: %v", err)
					e.setState(StateFailed)
					return
				}
				e.setState(StateAwaitingAck)

			case msgAck:
				e.setState(StatePaired)
				return
			}
		}
	}
}

// CompleteAsResponder runs the responder side to completion on a device that
// does not yet hold a root secret.
//
// codeText is the manually entered or read-out pairing code. payload is the
// scanned or pasted session JSON; if empty, the session payload is fetched
// from the code's room topic over the channel. Both entry paths validate the
// payload identically, including the expiry check, and expiry is re-checked
// at submission time.
func (e *Engine) CompleteAsResponder(ctx context.Context, codeText, payload string) error {
	if e.keystore.HasRoot() {
		return e.fail(fmt.Errorf("device already holds a root secret; run a full reset before pairing"))
	}

	code, err := ParseCode(codeText)
	if err != nil {
		return e.fail(err)
	}
	psk := code.PSK()

	e.setState(StateScanning)

	if payload == "" {
		payload, err = e.fetchPayload(ctx, code, psk)
		if err != nil {
			return e.fail(err)
		}
	}

	session, err := ParsePayload(payload, e.now())
	if err != nil {
		return e.fail(err)
	}

	msgs, unsubscribe, err := e.channel.Subscribe(ctx, session.Topic())
	if err != nil {
		return e.fail(fmt.Errorf("failed to subscribe to session topic: %w", err))
	}

	e.mu.Lock()
	e.session = session
	e.code = code
	e.psk = psk
	e.teardown = append(e.teardown, unsubscribe)
	e.mu.Unlock()

	// Submission-time expiry check: the user may have let the code sit.
	if err := session.CheckExpiry(e.now()); err != nil {
		return e.fail(err)
	}

	ownSession, _, err := newSession(e.deviceName, e.now())
	if err != nil {
		return e.fail(err)
	}

	kx := protoMsg{
		Type:               msgKeyExchange,
		SessionID:          session.ID,
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ownSession.EphemeralPublicKey),
		DeviceName:         e.deviceName,
	}
	sealed, err := wire.Seal(psk, kx)
	if err != nil {
		return e.fail(err)
	}
	if err := e.channel.Publish(ctx, session.Topic(), sealed); err != nil {
		return e.fail(fmt.Errorf("failed to publish key exchange: %w", err))
	}
	e.setState(StateKeyExchangeSent)

	return e.awaitRootSecret(ctx, session, msgs)
}

// fetchPayload pulls the sealed session payload from the room topic.
func (e *Engine) fetchPayload(ctx context.Context, code Code, psk [wire.KeySize]byte) (string, error) {
	msgs, unsubscribe, err := e.channel.Subscribe(ctx, code.RoomTopic())
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to room topic: %w", err)
	}
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case msg, ok := <-msgs:
		if !ok {
			return "", fmt.Errorf("room topic closed before session payload arrived")
		}
		var body map[string]string
		if err := wire.Open(psk, msg, &body); err != nil {
			return "", err
		}
		payload, ok := body["payload"]
		if !ok {
			return "", ErrMalformedPayload
		}
		return payload, nil
	}
}

// awaitRootSecret waits for the sealed root secret, imports it, and acks.
func (e *Engine) awaitRootSecret(ctx context.Context, session *Session, msgs <-chan wire.Message) error {
	expiry := time.NewTimer(session.ExpiresAt.Sub(e.now()))
	defer expiry.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Cancel()
			return ctx.Err()

		case <-expiry.C:
			return e.fail(ErrSessionExpired)

		case msg, ok := <-msgs:
			if !ok {
				return e.fail(fmt.Errorf("session topic closed mid-handshake"))
			}

			var m protoMsg
			if err := wire.Open(e.psk, msg, &m); err != nil {
				return e.fail(err)
			}
			if m.SessionID != session.ID {
				return e.fail(fmt.Errorf("message for wrong session %s", m.SessionID))
			}
			if m.Type != msgRootSecret {
				// Our own key-exchange message echoed back; keep waiting.
				continue
			}

			rootSecret, err := base64.StdEncoding.DecodeString(m.RootSecret)
			if err != nil {
				return e.fail(fmt.Errorf("%w: invalid root secret encoding", ErrMalformedPayload))
			}
			if err := e.keystore.Import(rootSecret); err != nil {
				return e.fail(fmt.Errorf("failed to import root secret: %w", err))
			}
			e.setState(StateSecretTransferred)

			ack := protoMsg{Type: msgAck, SessionID: session.ID}
			sealed, err := wire.Seal(e.psk, ack)
			if err == nil {
				if perr := e.channel.Publish(ctx, session.Topic(), sealed); perr != nil {
					e.logger.Printf("failed to publish ack: %v", perr)
				}
			}

			e.setState(StatePaired)
			return nil
		}
	}
}
