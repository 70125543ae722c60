// Package store implements the replicated bookmark collection: a CRDT map
// of bookmarks with transactional mutation, local undo/redo, and
// deterministic merging of concurrent edits from other devices.
//
// Conflict resolution is field-level last-writer-wins. Every field of a
// bookmark carries a Lamport-style clock {counter, node}; a remote value
// replaces a local one only when its clock is strictly newer, with the node
// id breaking counter ties so every replica converges to the same state
// regardless of delivery order. Deletion is a tombstone that competes with
// edits under the same rule, so a delete concurrent with an edit resolves
// identically everywhere.
package store

import (
	"fmt"
	"time"
)

// Origin identifies where a transaction came from. Local mutations carry
// OriginLocal; remote deltas carry the peer or relay node id that produced
// them. Only local-origin transactions ever enter the undo stack.
type Origin string

// OriginLocal tags transactions produced on this device.
const OriginLocal Origin = "local"

// Bookmark is one entry in the replicated collection.
type Bookmark struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	ReadLater   bool      `json:"readLater"`
	Inbox       bool      `json:"inbox"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// clone returns a deep copy so callers never alias store-internal state.
func (b Bookmark) clone() Bookmark {
	out := b
	out.Tags = append([]string(nil), b.Tags...)
	return out
}

// Clock is a Lamport-style logical clock. Counters order events; the node id
// breaks ties deterministically (higher node id wins, matching the rule used
// for every field so replicas converge).
type Clock struct {
	Counter uint64 `json:"c"`
	Node    string `json:"n"`
}

// After reports whether c is strictly newer than o.
func (c Clock) After(o Clock) bool {
	if c.Counter != o.Counter {
		return c.Counter > o.Counter
	}
	return c.Node > o.Node
}

// Replicated field names. "deleted" is the tombstone pseudo-field.
const (
	fieldURL         = "url"
	fieldTitle       = "title"
	fieldDescription = "description"
	fieldTags        = "tags"
	fieldReadLater   = "readLater"
	fieldInbox       = "inbox"
	fieldDeleted     = "deleted"
)

// record is the store-internal CRDT state for one bookmark.
type record struct {
	bookmark Bookmark
	clocks   map[string]Clock
	deleted  bool
}

// WireRecord is the versioned on-wire form of a bookmark record.
//
// Version 2 carries per-field clocks. Version 1 (and version 0, the unversioned
// original) is a flat replace-on-write object with a single timestamp; it is
// accepted from old peers and migrated lazily on read rather than shape-sniffed
// at call sites.
type WireRecord struct {
	Version int `json:"v"`

	// v2 fields.
	Bookmark *Bookmark        `json:"bookmark,omitempty"`
	Clocks   map[string]Clock `json:"clocks,omitempty"`
	Deleted  bool             `json:"deleted,omitempty"`

	// v1 legacy flat object. Whole-object last-writer-wins by UpdatedAt.
	Flat *Bookmark `json:"flat,omitempty"`
}

// CurrentWireVersion is the version this implementation emits.
const CurrentWireVersion = 2

// toRecord converts a wire record of any supported version into internal
// form, migrating legacy flat records as they are read.
func (w WireRecord) toRecord() (*record, error) {
	switch w.Version {
	case CurrentWireVersion:
		if w.Bookmark == nil || w.Clocks == nil {
			return nil, fmt.Errorf("v2 record missing bookmark or clocks")
		}
		clocks := make(map[string]Clock, len(w.Clocks))
		for k, v := range w.Clocks {
			clocks[k] = v
		}
		return &record{
			bookmark: w.Bookmark.clone(),
			clocks:   clocks,
			deleted:  w.Deleted,
		}, nil

	case 0, 1:
		if w.Flat == nil {
			return nil, fmt.Errorf("legacy record missing flat bookmark")
		}
		// Legacy records have one implicit clock: the update timestamp. Use
		// its milliseconds as the counter so a later legacy write still beats
		// an earlier one, and an empty node id so any v2 write at the same
		// counter wins the tie. The millisecond counter dwarfs a fresh
		// store's small Lamport counters, so a legacy record also wins over
		// local edits made before it was first observed; once merged, the
		// local counter advances past it and later local edits win as usual.
		clock := Clock{Counter: uint64(w.Flat.UpdatedAt.UnixMilli())}
		rec := &record{
			bookmark: w.Flat.clone(),
			clocks:   make(map[string]Clock, 6),
		}
		for _, f := range []string{fieldURL, fieldTitle, fieldDescription, fieldTags, fieldReadLater, fieldInbox} {
			rec.clocks[f] = clock
		}
		return rec, nil

	default:
		return nil, fmt.Errorf("unsupported record version %d", w.Version)
	}
}

// toWire renders the record in the current wire version.
func (r *record) toWire() WireRecord {
	b := r.bookmark.clone()
	clocks := make(map[string]Clock, len(r.clocks))
	for k, v := range r.clocks {
		clocks[k] = v
	}
	return WireRecord{
		Version:  CurrentWireVersion,
		Bookmark: &b,
		Clocks:   clocks,
		Deleted:  r.deleted,
	}
}

// merge folds a remote record into the local one field by field, returning
// true if anything changed. Both sides must describe the same bookmark id.
func (r *record) merge(remote *record) bool {
	changed := false

	for field, remoteClock := range remote.clocks {
		localClock, ok := r.clocks[field]
		if ok && !remoteClock.After(localClock) {
			continue
		}
		r.applyField(field, remote)
		r.clocks[field] = remoteClock
		changed = true
	}

	// CreatedAt is immutable; keep the earliest claim so replicas agree.
	if !remote.bookmark.CreatedAt.IsZero() &&
		(r.bookmark.CreatedAt.IsZero() || remote.bookmark.CreatedAt.Before(r.bookmark.CreatedAt)) {
		r.bookmark.CreatedAt = remote.bookmark.CreatedAt
	}
	// UpdatedAt is display metadata; the latest one wins.
	if remote.bookmark.UpdatedAt.After(r.bookmark.UpdatedAt) {
		r.bookmark.UpdatedAt = remote.bookmark.UpdatedAt
		changed = true
	}

	return changed
}

// applyField copies one field's value from src into r.
func (r *record) applyField(field string, src *record) {
	switch field {
	case fieldURL:
		r.bookmark.URL = src.bookmark.URL
	case fieldTitle:
		r.bookmark.Title = src.bookmark.Title
	case fieldDescription:
		r.bookmark.Description = src.bookmark.Description
	case fieldTags:
		r.bookmark.Tags = append([]string(nil), src.bookmark.Tags...)
	case fieldReadLater:
		r.bookmark.ReadLater = src.bookmark.ReadLater
	case fieldInbox:
		r.bookmark.Inbox = src.bookmark.Inbox
	case fieldDeleted:
		r.deleted = src.deleted
	}
}

// maxCounter returns the highest clock counter present in the record, used
// to advance the local Lamport counter past everything already seen.
func (r *record) maxCounter() uint64 {
	var max uint64
	for _, c := range r.clocks {
		if c.Counter > max {
			max = c.Counter
		}
	}
	return max
}

// addTag appends tag preserving the ordered-unique invariant. Reports
// whether the set changed.
func addTag(tags []string, tag string) ([]string, bool) {
	for _, t := range tags {
		if t == tag {
			return tags, false
		}
	}
	return append(tags, tag), true
}

// removeTag removes tag preserving order. Reports whether the set changed.
func removeTag(tags []string, tag string) ([]string, bool) {
	for i, t := range tags {
		if t == tag {
			return append(tags[:i:i], tags[i+1:]...), true
		}
	}
	return tags, false
}
