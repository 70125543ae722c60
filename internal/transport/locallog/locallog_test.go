package locallog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/linkmesh/linkmesh/internal/store"
	"github.com/linkmesh/linkmesh/internal/wire"
)

var testKey = [wire.KeySize]byte{1, 2, 3, 4}

func openTestLog(t *testing.T, path string, s *store.Store) *Log {
	t.Helper()
	l, err := Open(path, testKey, s, s.ApplyRemote, nil)
	if err != nil {
		t.Fatalf("failed to open log: %v", err)
	}
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

// waitForEntries polls until the oplog holds want rows or the deadline passes.
func waitForEntries(t *testing.T, l *Log, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := l.EntryCount(context.Background())
		if err != nil {
			t.Fatalf("entry count failed: %v", err)
		}
		if n >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("oplog never reached %d entries", want)
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")

	s := store.New("node-a", store.Config{})
	defer s.Close()

	l := openTestLog(t, path, s)
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("load of empty log failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	created, err := s.Create(store.Bookmark{URL: "https://example.com", Title: "Example", Tags: []string{"go"}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.Update(created.ID, func(b *store.Bookmark) { b.Title = "Renamed" }); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	waitForEntries(t, l, 2)
	if err := l.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// A fresh store replaying the same log converges to the same state.
	restored := store.New("node-a", store.Config{})
	defer restored.Close()

	l2 := openTestLog(t, path, restored)
	if err := l2.Load(context.Background()); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !l2.Loaded() {
		t.Error("Loaded() must report true after replay")
	}

	got, err := restored.Get(created.ID)
	if err != nil {
		t.Fatalf("replayed bookmark not visible: %v", err)
	}
	if got.Title != "Renamed" || len(got.Tags) != 1 {
		t.Errorf("replay lost state: %+v", got)
	}
}

func TestReplayedTransactionsNotUndoable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")

	s := store.New("node-a", store.Config{})
	l := openTestLog(t, path, s)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := s.Create(store.Bookmark{URL: "https://example.com"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitForEntries(t, l, 1)
	if err := l.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	s.Close()

	restored := store.New("node-a", store.Config{})
	defer restored.Close()

	l2 := openTestLog(t, path, restored)
	if err := l2.Load(context.Background()); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if restored.UndoState().CanUndo {
		t.Error("replayed history must not be undoable")
	}
}

func TestUnreadableEntryIsSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")

	s := store.New("node-a", store.Config{})
	l := openTestLog(t, path, s)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := s.Create(store.Bookmark{URL: "https://a.example"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := s.Create(store.Bookmark{URL: "https://b.example"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitForEntries(t, l, 2)

	// Corrupt the first entry in place.
	if _, err := l.db.Exec("UPDATE oplog SET ciphertext = 'not-base64!' WHERE seq = (SELECT MIN(seq) FROM oplog)"); err != nil {
		t.Fatalf("failed to corrupt entry: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	s.Close()

	restored := store.New("node-a", store.Config{})
	defer restored.Close()

	l2 := openTestLog(t, path, restored)
	if err := l2.Load(context.Background()); err != nil {
		t.Fatalf("replay with corrupt entry must not fail: %v", err)
	}
	if restored.Len() != 1 {
		t.Errorf("expected the surviving entry replayed, have %d bookmarks", restored.Len())
	}
}

func TestLogIgnoresItsOwnReplayOrigin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oplog.db")

	s := store.New("node-a", store.Config{})
	l := openTestLog(t, path, s)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := s.Create(store.Bookmark{URL: "https://example.com"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitForEntries(t, l, 1)
	if err := l.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	s.Close()

	// Reopen with Start running during Load: replay must not re-append.
	restored := store.New("node-a", store.Config{})
	defer restored.Close()

	l2 := openTestLog(t, path, restored)
	if err := l2.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := l2.Load(context.Background()); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	n, err := l2.EntryCount(context.Background())
	if err != nil {
		t.Fatalf("entry count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("replay fed back into the log: %d entries, want 1", n)
	}
}
