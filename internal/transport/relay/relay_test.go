package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linkmesh/linkmesh/internal/keys"
	"github.com/linkmesh/linkmesh/internal/pairing"
	"github.com/linkmesh/linkmesh/internal/store"
	"github.com/linkmesh/linkmesh/internal/transport"
	"github.com/linkmesh/linkmesh/internal/wire"
)

// The relay client doubles as the pairing message carrier.
var _ pairing.Channel = (*Client)(nil)

var roomKey = [wire.KeySize]byte{42}

func startServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(NewServer(nil).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startClient(t *testing.T, sender string, urls ...string) *Client {
	t.Helper()
	c := NewClient(Config{
		URLs:         urls,
		Sender:       sender,
		ReconnectMin: 50 * time.Millisecond,
		PingInterval: 50 * time.Millisecond,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("failed to start client: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublishReachesSubscriber(t *testing.T) {
	url := startServer(t)
	pub := startClient(t, "sender-a", url)
	sub := startClient(t, "sender-b", url)

	waitFor(t, "clients connected", func() bool {
		return pub.Connected() == 1 && sub.Connected() == 1
	})

	events, cancel, err := sub.Subscribe(context.Background(), "test/topic")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	sealed, err := wire.Seal(roomKey, "hello")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if err := pub.Publish(context.Background(), "test/topic", sealed); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-events:
		var body string
		if err := wire.Open(roomKey, got, &body); err != nil || body != "hello" {
			t.Errorf("received payload = %q, err = %v", body, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived")
	}

	waitFor(t, "pending to drain", func() bool { return pub.Pending() == 0 })
}

func TestLateSubscriberGetsRetainedHistory(t *testing.T) {
	url := startServer(t)
	pub := startClient(t, "sender-a", url)
	waitFor(t, "publisher connected", func() bool { return pub.Connected() == 1 })

	sealed, _ := wire.Seal(roomKey, "stored")
	if err := pub.Publish(context.Background(), "test/topic", sealed); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	waitFor(t, "pending to drain", func() bool { return pub.Pending() == 0 })

	// Subscriber shows up after the fact.
	sub := startClient(t, "sender-b", url)
	waitFor(t, "subscriber connected", func() bool { return sub.Connected() == 1 })
	events, cancel, err := sub.Subscribe(context.Background(), "test/topic")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	select {
	case got := <-events:
		var body string
		if err := wire.Open(roomKey, got, &body); err != nil || body != "stored" {
			t.Errorf("replayed payload = %q, err = %v", body, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retained event never replayed")
	}
}

func TestPublishQueuesUntilRelayReachable(t *testing.T) {
	// No server yet: the URL points at a closed port.
	c := startClient(t, "sender-a", "ws://127.0.0.1:1/unreachable")

	sealed, _ := wire.Seal(roomKey, "queued")
	if err := c.Publish(context.Background(), "test/topic", sealed); err != nil {
		t.Fatalf("publish must queue while offline: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if c.Pending() != 1 {
		t.Errorf("pending = %d, want 1", c.Pending())
	}

	for _, s := range c.Statuses() {
		if s.State == transport.StateConnected {
			t.Errorf("relay %s reported connected", s.URL)
		}
		if !strings.Contains(s.Detail, "unreachable") {
			t.Errorf("status detail = %q, want unreachable error", s.Detail)
		}
	}
}

func TestOneDeadRelayDoesNotBlockDelivery(t *testing.T) {
	live := startServer(t)
	pub := startClient(t, "sender-a", "ws://127.0.0.1:1/dead", live)
	sub := startClient(t, "sender-b", live)

	waitFor(t, "live relay connected", func() bool { return pub.Connected() == 1 })

	events, cancel, err := sub.Subscribe(context.Background(), "test/topic")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	sealed, _ := wire.Seal(roomKey, "through the live one")
	if err := pub.Publish(context.Background(), "test/topic", sealed); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("event never arrived via the live relay")
	}
}

func TestSignedFramesRejectTampering(t *testing.T) {
	root := make([]byte, keys.RootSecretSize)
	root[0] = 1
	id, err := keys.RelayIdentity(root)
	if err != nil {
		t.Fatalf("identity derivation failed: %v", err)
	}

	msg, _ := wire.Seal(roomKey, "payload")
	f := Frame{Type: TypePublish, Topic: "a/topic", Msg: &msg, Seq: 7, TS: 123}
	f.Sign(id)

	if !f.VerifySig() {
		t.Fatal("freshly signed frame must verify")
	}

	tampered := f
	tampered.Topic = "b/topic" // relay moved the event to another topic
	if tampered.VerifySig() {
		t.Error("signature must not survive a topic change")
	}

	resealed := f
	other, _ := wire.Seal(roomKey, "swapped")
	resealed.Msg = &other
	if resealed.VerifySig() {
		t.Error("signature must not survive a payload swap")
	}
}

func TestUnsignedFramesPass(t *testing.T) {
	// Pairing traffic predates the identity key.
	msg, _ := wire.Seal(roomKey, "pre-pairing")
	f := Frame{Type: TypePublish, Topic: "pairing/room/1", Msg: &msg, Sender: "device", Seq: 1}
	if !f.VerifySig() {
		t.Error("unsigned frame must be accepted")
	}
}

func TestDuplicateEventsCollapse(t *testing.T) {
	c := NewClient(Config{Sender: "local"})
	bus, cancel, err := c.Subscribe(context.Background(), "test/topic")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer cancel()

	msg, _ := wire.Seal(roomKey, "once")
	f := Frame{Type: TypeEvent, Topic: "test/topic", Msg: &msg, Sender: "remote", Seq: 3}

	// The same event arriving over two relays.
	c.handleEvent(f)
	c.handleEvent(f)

	select {
	case <-bus:
	case <-time.After(time.Second):
		t.Fatal("first delivery missing")
	}
	select {
	case <-bus:
		t.Error("duplicate event delivered twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReplicationOverRelay(t *testing.T) {
	url := startServer(t)

	sa := store.New("node-a", store.Config{})
	defer sa.Close()
	sb := store.New("node-b", store.Config{})
	defer sb.Close()

	ca := startClient(t, "node-a", url)
	cb := startClient(t, "node-b", url)
	waitFor(t, "both clients connected", func() bool {
		return ca.Connected() == 1 && cb.Connected() == 1
	})

	ta := NewTransport(ca, sa, sa.ApplyRemote, roomKey, nil)
	tb := NewTransport(cb, sb, sb.ApplyRemote, roomKey, nil)
	for _, tr := range []*Transport{ta, tb} {
		if err := tr.Start(context.Background()); err != nil {
			t.Fatalf("transport start failed: %v", err)
		}
		defer tr.Stop()
	}

	created, err := sa.Create(store.Bookmark{URL: "https://example.com", Title: "Via relay"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	waitFor(t, "bookmark to cross the relay", func() bool {
		_, err := sb.Get(created.ID)
		return err == nil
	})

	got, _ := sb.Get(created.ID)
	if got.Title != "Via relay" {
		t.Errorf("replicated title = %q", got.Title)
	}

	if status := ta.Status(); status.State != transport.StateConnected {
		t.Errorf("transport state = %q, want connected", status.State)
	}
	waitFor(t, "pending to drain", func() bool { return ta.Status().Pending == 0 })
}

func TestWrongRoomKeyStaysOpaque(t *testing.T) {
	url := startServer(t)

	sa := store.New("node-a", store.Config{})
	defer sa.Close()
	sb := store.New("node-b", store.Config{})
	defer sb.Close()

	ca := startClient(t, "node-a", url)
	cb := startClient(t, "node-b", url)
	waitFor(t, "both clients connected", func() bool {
		return ca.Connected() == 1 && cb.Connected() == 1
	})

	otherKey := [wire.KeySize]byte{0xEE}
	ta := NewTransport(ca, sa, sa.ApplyRemote, roomKey, nil)
	tb := NewTransport(cb, sb, sb.ApplyRemote, otherKey, nil)
	for _, tr := range []*Transport{ta, tb} {
		if err := tr.Start(context.Background()); err != nil {
			t.Fatalf("transport start failed: %v", err)
		}
		defer tr.Stop()
	}

	if _, err := sa.Create(store.Bookmark{URL: "https://example.com"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if sb.Len() != 0 {
		t.Errorf("records crossed a room-key mismatch: %d bookmarks", sb.Len())
	}
}

func TestLatencyMeasured(t *testing.T) {
	url := startServer(t)
	c := startClient(t, "sender-a", url)

	waitFor(t, "latency sample", func() bool {
		for _, s := range c.Statuses() {
			if s.State == transport.StateConnected && s.Latency > 0 {
				return true
			}
		}
		return false
	})
}
