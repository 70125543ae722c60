package store

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock hands the store a controllable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := New("node-a", Config{Now: clock.Now})
	t.Cleanup(s.Close)
	return s, clock
}

func mustCreate(t *testing.T, s *Store, url, title string, tags ...string) Bookmark {
	t.Helper()
	b, err := s.Create(Bookmark{URL: url, Title: title, Tags: tags})
	if err != nil {
		t.Fatalf("failed to create bookmark: %v", err)
	}
	return b
}

func TestCreateAssignsIDAndTimestamps(t *testing.T) {
	s, clock := newTestStore(t)

	b := mustCreate(t, s, "https://example.com", "Example")
	if b.ID == "" {
		t.Error("expected assigned id")
	}
	if !b.CreatedAt.Equal(clock.Now()) || !b.UpdatedAt.Equal(clock.Now()) {
		t.Error("expected store-stamped timestamps")
	}

	if _, err := s.Create(Bookmark{Title: "no url"}); err == nil {
		t.Error("expected error creating bookmark without url")
	}
}

func TestUpdateIsAtomic(t *testing.T) {
	s, clock := newTestStore(t)
	b := mustCreate(t, s, "https://example.com", "Example")
	clock.Advance(time.Second) // keep the update out of the creation's undo group

	err := s.Update(b.ID, func(bm *Bookmark) {
		bm.Title = "New title"
		bm.Description = "New description"
		bm.ReadLater = true
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := s.Get(b.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Title != "New title" || got.Description != "New description" || !got.ReadLater {
		t.Errorf("update not fully applied: %+v", got)
	}

	// One logical change -> one undo step reverting all three fields.
	if !s.Undo() {
		t.Fatal("undo returned false")
	}
	got, _ = s.Get(b.ID)
	if got.Title != "Example" || got.Description != "" || got.ReadLater {
		t.Errorf("undo did not revert the whole transaction: %+v", got)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	b := mustCreate(t, s, "https://example.com", "Example")

	if err := s.Delete(b.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
	if err := s.Update("missing", func(*Bookmark) {}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating missing bookmark, got %v", err)
	}
}

func TestTagsOrderedUnique(t *testing.T) {
	s, _ := newTestStore(t)
	b := mustCreate(t, s, "https://example.com", "Example")

	for _, tag := range []string{"go", "crdt", "go", "sync"} {
		if err := s.AddTag(b.ID, tag); err != nil {
			t.Fatalf("add tag failed: %v", err)
		}
	}

	got, _ := s.Get(b.ID)
	want := []string{"go", "crdt", "sync"}
	if len(got.Tags) != len(want) {
		t.Fatalf("tags = %v, want %v", got.Tags, want)
	}
	for i := range want {
		if got.Tags[i] != want[i] {
			t.Fatalf("tags = %v, want %v", got.Tags, want)
		}
	}

	if err := s.RemoveTag(b.ID, "crdt"); err != nil {
		t.Fatalf("remove tag failed: %v", err)
	}
	got, _ = s.Get(b.ID)
	if len(got.Tags) != 2 || got.Tags[0] != "go" || got.Tags[1] != "sync" {
		t.Errorf("tags after remove = %v", got.Tags)
	}
}

func TestBulkOperationsAreOneTransaction(t *testing.T) {
	s, clock := newTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second) // keep each create its own undo group
		b := mustCreate(t, s, "https://example.com/page", "Page")
		ids = append(ids, b.ID)
	}

	clock.Advance(time.Second)
	if err := s.BulkSetReadLater(ids, true); err != nil {
		t.Fatalf("bulk set failed: %v", err)
	}
	for _, id := range ids {
		b, _ := s.Get(id)
		if !b.ReadLater {
			t.Fatalf("bookmark %s not marked read-later", id)
		}
	}

	// One undo reverts the whole batch.
	if !s.Undo() {
		t.Fatal("undo returned false")
	}
	for _, id := range ids {
		b, _ := s.Get(id)
		if b.ReadLater {
			t.Fatalf("undo left bookmark %s read-later", id)
		}
	}

	clock.Advance(time.Second)
	if err := s.BulkDelete(ids); err != nil {
		t.Fatalf("bulk delete failed: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, have %d", s.Len())
	}
	if !s.Undo() {
		t.Fatal("undo of bulk delete returned false")
	}
	if s.Len() != len(ids) {
		t.Errorf("undo restored %d of %d bookmarks", s.Len(), len(ids))
	}

	clock.Advance(time.Second)
	if err := s.BulkAddTags(ids, []string{"inbox", "imported"}); err != nil {
		t.Fatalf("bulk add tags failed: %v", err)
	}
	for _, id := range ids {
		b, _ := s.Get(id)
		if len(b.Tags) != 2 {
			t.Fatalf("bookmark %s tags = %v", id, b.Tags)
		}
	}
}

func TestQueries(t *testing.T) {
	s, clock := newTestStore(t)

	first := mustCreate(t, s, "https://a.example", "A", "go")
	clock.Advance(time.Hour)
	second := mustCreate(t, s, "https://b.example", "B", "go", "news")
	clock.Advance(time.Hour)
	third := mustCreate(t, s, "https://a.example", "A again")

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("All() = %d bookmarks, want 3", len(all))
	}
	// Sorted by UpdatedAt descending.
	if all[0].ID != third.ID || all[2].ID != first.ID {
		t.Error("All() not sorted by UpdatedAt descending")
	}

	tagged := s.ByTag("go")
	if len(tagged) != 2 {
		t.Errorf("ByTag(go) = %d, want 2", len(tagged))
	}

	byURL := s.FindByURL("https://a.example")
	if len(byURL) != 2 {
		t.Errorf("FindByURL = %d, want 2", len(byURL))
	}
	_ = second
}

func TestChangeFeedCarriesOrigin(t *testing.T) {
	s, _ := newTestStore(t)

	changes, unsubscribe := s.Changes()
	defer unsubscribe()

	b := mustCreate(t, s, "https://example.com", "Example")

	delta := <-changes
	if delta.Origin != OriginLocal {
		t.Errorf("origin = %s, want local", delta.Origin)
	}
	if len(delta.Records) != 1 || delta.Records[0].Bookmark.ID != b.ID {
		t.Error("delta does not carry the created bookmark")
	}
	if delta.Records[0].Version != CurrentWireVersion {
		t.Errorf("delta version = %d, want %d", delta.Records[0].Version, CurrentWireVersion)
	}
}
