package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/linkmesh/linkmesh/internal/store"
)

func TestPaginationOver150Items(t *testing.T) {
	items := makeBookmarks(150, time.Now())
	p := NewPaginator(items, 50, 100)

	first := p.NextPage()
	if len(first) != 50 {
		t.Fatalf("first page = %d items, want 50", len(first))
	}
	if prog := p.Progress(); prog.Complete || prog.Processed != 50 || prog.CurrentPage != 1 {
		t.Errorf("progress after first page = %+v", prog)
	}

	second := p.NextPage()
	if len(second) != 100 {
		t.Fatalf("second page = %d items, want 100", len(second))
	}
	if prog := p.Progress(); !prog.Complete || prog.Percent != 100 {
		t.Errorf("progress after second page = %+v", prog)
	}

	if third := p.NextPage(); third != nil {
		t.Errorf("third page = %d items, want nil", len(third))
	}

	p.Reset()
	if prog := p.Progress(); prog.Processed != 0 || prog.CurrentPage != 0 || prog.Complete {
		t.Errorf("progress after reset = %+v", prog)
	}
	if again := p.NextPage(); len(again) != 50 {
		t.Errorf("first page after reset = %d items, want 50", len(again))
	}
}

func TestPaginationShortCollection(t *testing.T) {
	p := NewPaginator(makeBookmarks(30, time.Now()), 50, 100)
	if page := p.NextPage(); len(page) != 30 {
		t.Fatalf("page = %d items, want all 30", len(page))
	}
	if p.NextPage() != nil {
		t.Error("expected nil after exhaustion")
	}
}

func TestPaginationEmpty(t *testing.T) {
	p := NewPaginator(nil, 50, 100)
	if p.NextPage() != nil {
		t.Error("empty set must return nil immediately")
	}
	if prog := p.Progress(); !prog.Complete || prog.Percent != 100 {
		t.Errorf("empty progress = %+v", prog)
	}
}

func TestPushModeDeliversEveryPage(t *testing.T) {
	p := NewPaginator(makeBookmarks(150, time.Now()), 50, 100)

	var sizes []int
	err := p.Pages(context.Background(), func(page []store.Bookmark) error {
		sizes = append(sizes, len(page))
		return nil
	})
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if len(sizes) != 2 || sizes[0] != 50 || sizes[1] != 100 {
		t.Errorf("page sizes = %v, want [50 100]", sizes)
	}
}

func TestPushModeStopsOnError(t *testing.T) {
	p := NewPaginator(makeBookmarks(150, time.Now()), 50, 100)

	boom := errors.New("boom")
	err := p.Pages(context.Background(), func([]store.Bookmark) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if prog := p.Progress(); prog.Processed != 50 {
		t.Errorf("processed = %d, want 50 (stopped after first page)", prog.Processed)
	}
}

func TestPushModeHonorsCancellation(t *testing.T) {
	p := NewPaginator(makeBookmarks(150, time.Now()), 50, 100)

	ctx, cancel := context.WithCancel(context.Background())
	err := p.Pages(ctx, func([]store.Bookmark) error {
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
