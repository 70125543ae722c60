package app

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linkmesh/linkmesh/internal/config"
	"github.com/linkmesh/linkmesh/internal/store"
	"github.com/linkmesh/linkmesh/internal/transport/relay"
)

func testConfig(t *testing.T, name, relayURL string) *config.Config {
	t.Helper()
	return &config.Config{
		DeviceName: name,
		DataDir:    t.TempDir(),
		Relays:     []string{relayURL},
		Sync: config.SyncConfig{
			LargeThreshold: 1000,
			FirstPageSize:  50,
			PageSize:       100,
			RecentWindow:   72 * time.Hour,
			MediumWindow:   360 * time.Hour,
			HighTagCount:   3,
			SlowThreshold:  500 * time.Millisecond,
			BatchSize:      20,
		},
	}
}

func newTestApp(t *testing.T, name, relayURL string, withRoot bool) *App {
	t.Helper()
	a, err := New(testConfig(t, name, relayURL), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	if withRoot {
		if err := a.Keystore().Generate(); err != nil {
			t.Fatalf("failed to generate root: %v", err)
		}
	}
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("failed to init app: %v", err)
	}
	t.Cleanup(a.Shutdown)
	return a
}

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(nil).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUnpairedAppExposesNoTransports(t *testing.T) {
	a := newTestApp(t, "device-a", startRelay(t), false)

	status := a.SyncStatus()
	if status.Paired {
		t.Error("unpaired device reported paired")
	}
	if len(status.Transports) != 0 {
		t.Errorf("unpaired device has %d transports, want 0", len(status.Transports))
	}
	if len(status.Relays) != 1 {
		t.Errorf("relay client must still run: %d relays tracked", len(status.Relays))
	}
}

func TestPairedAppBringsUpAllTransports(t *testing.T) {
	a := newTestApp(t, "device-a", startRelay(t), true)

	status := a.SyncStatus()
	if !status.Paired {
		t.Fatal("device with root reported unpaired")
	}
	names := map[string]bool{}
	for _, s := range status.Transports {
		names[s.Name] = true
	}
	for _, want := range []string{"locallog", "peer", "relay"} {
		if !names[want] {
			t.Errorf("missing transport %q in %v", want, names)
		}
	}
}

func TestPairThenReplicateEndToEnd(t *testing.T) {
	url := startRelay(t)
	initiator := newTestApp(t, "device-a", url, true)
	responder := newTestApp(t, "device-b", url, false)

	engine, code, _, err := initiator.StartPairingAsInitiator(context.Background())
	if err != nil {
		t.Fatalf("failed to start pairing: %v", err)
	}
	defer engine.Close()

	// The responder enters only the spoken code; the session payload travels
	// over the relay's room topic.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := responder.CompletePairingAsResponder(ctx, code.Format(), ""); err != nil {
		t.Fatalf("pairing failed: %v", err)
	}

	if !responder.Keystore().HasRoot() {
		t.Fatal("responder has no root secret after pairing")
	}
	if !responder.SyncStatus().Paired {
		t.Fatal("responder sync status not paired")
	}

	// Both devices now derive the same room key; edits replicate.
	created, err := initiator.Store().Create(store.Bookmark{URL: "https://example.com", Title: "Shared"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitFor(t, "bookmark to replicate to responder", func() bool {
		_, err := responder.Store().Get(created.ID)
		return err == nil
	})

	// And in the other direction.
	back, err := responder.Store().Create(store.Bookmark{URL: "https://back.example", Title: "Back"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitFor(t, "bookmark to replicate to initiator", func() bool {
		_, err := initiator.Store().Get(back.ID)
		return err == nil
	})
}

func TestUndoRedoSurface(t *testing.T) {
	a := newTestApp(t, "device-a", startRelay(t), true)

	created, err := a.Store().Create(store.Bookmark{URL: "https://example.com", Title: "One"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !a.Undo() {
		t.Fatal("undo returned false")
	}
	if _, err := a.Store().Get(created.ID); err == nil {
		t.Error("bookmark still present after undo")
	}
	if !a.Redo() {
		t.Fatal("redo returned false")
	}
	if _, err := a.Store().Get(created.ID); err != nil {
		t.Error("bookmark missing after redo")
	}
}

func TestProcessInitialSyncSmallCollection(t *testing.T) {
	a := newTestApp(t, "device-a", startRelay(t), true)

	for i := 0; i < 5; i++ {
		if _, err := a.Store().Create(store.Bookmark{URL: "https://example.com/p", Title: "P"}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	var total int
	prog, err := a.ProcessInitialSync(context.Background(), func(page []store.Bookmark) error {
		total += len(page)
		return nil
	})
	if err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	if total != 5 || !prog.Complete {
		t.Errorf("delivered %d bookmarks, progress %+v", total, prog)
	}
}

func TestResetDetachesDevice(t *testing.T) {
	a := newTestApp(t, "device-a", startRelay(t), true)

	if err := a.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if a.Keystore().HasRoot() {
		t.Error("root secret survived reset")
	}
}
