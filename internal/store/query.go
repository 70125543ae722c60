package store

import "sort"

// Queries are pure reads over the current replicated state: no side effects,
// results deep-copied and deterministically ordered (UpdatedAt descending,
// id as tie-break).

// Get returns one bookmark by id.
func (s *Store) Get(id string) (Bookmark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.deleted {
		return Bookmark{}, ErrNotFound
	}
	return rec.bookmark.clone(), nil
}

// All returns every live bookmark.
func (s *Store) All() []Bookmark {
	return s.collect(func(b Bookmark) bool { return true })
}

// ByTag returns bookmarks carrying the given tag.
func (s *Store) ByTag(tag string) []Bookmark {
	return s.collect(func(b Bookmark) bool {
		for _, t := range b.Tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

// FindByURL returns bookmarks whose URL matches exactly.
func (s *Store) FindByURL(url string) []Bookmark {
	return s.collect(func(b Bookmark) bool { return b.URL == url })
}

// Len reports the number of live bookmarks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if !rec.deleted {
			n++
		}
	}
	return n
}

// collect gathers live bookmarks matching the predicate.
func (s *Store) collect(match func(Bookmark) bool) []Bookmark {
	s.mu.Lock()
	var out []Bookmark
	for _, rec := range s.records {
		if rec.deleted {
			continue
		}
		if match(rec.bookmark) {
			out = append(out, rec.bookmark.clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
