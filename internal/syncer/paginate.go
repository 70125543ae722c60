package syncer

import (
	"context"
	"sync"

	"github.com/linkmesh/linkmesh/internal/store"
)

// Default page sizes: a small first page gets something on screen fast, then
// larger pages amortize overhead.
const (
	DefaultFirstPageSize = 50
	DefaultPageSize      = 100
)

// Progress is a point-in-time snapshot of a paginated delivery.
type Progress struct {
	Processed   int
	Total       int
	Percent     float64
	CurrentPage int
	Complete    bool
}

// Paginator delivers a prioritized slice of bookmarks in pages. It supports
// pull (NextPage) and push (Pages) modes over the same cursor.
type Paginator struct {
	mu        sync.Mutex
	items     []store.Bookmark
	firstSize int
	pageSize  int
	processed int
	page      int
}

// NewPaginator creates a paginator over an already-ordered set. Non-positive
// sizes fall back to the defaults.
func NewPaginator(items []store.Bookmark, firstSize, pageSize int) *Paginator {
	if firstSize <= 0 {
		firstSize = DefaultFirstPageSize
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Paginator{items: items, firstSize: firstSize, pageSize: pageSize}
}

// NextPage returns the next page, or nil once the set is exhausted.
func (p *Paginator) NextPage() []store.Bookmark {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.processed >= len(p.items) {
		return nil
	}

	size := p.pageSize
	if p.page == 0 {
		size = p.firstSize
	}
	end := p.processed + size
	if end > len(p.items) {
		end = len(p.items)
	}

	page := p.items[p.processed:end]
	p.processed = end
	p.page++
	return page
}

// Pages pushes every remaining page through fn, stopping early on context
// cancellation or an fn error.
func (p *Paginator) Pages(ctx context.Context, fn func(page []store.Bookmark) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := p.NextPage()
		if page == nil {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
	}
}

// Progress reports the current cursor position.
func (p *Paginator) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := len(p.items)
	percent := 100.0
	if total > 0 {
		percent = float64(p.processed) / float64(total) * 100
	}
	return Progress{
		Processed:   p.processed,
		Total:       total,
		Percent:     percent,
		CurrentPage: p.page,
		Complete:    p.processed >= total,
	}
}

// Reset rewinds the cursor to the beginning.
func (p *Paginator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = 0
	p.page = 0
}
