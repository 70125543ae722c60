package store

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linkmesh/linkmesh/internal/pubsub"
)

// ErrNotFound indicates the bookmark does not exist (or is deleted).
var ErrNotFound = errors.New("bookmark not found")

// Delta is one applied transaction: the post-state of every bookmark the
// transaction touched, in wire form, tagged with its origin. Transports
// forward local-origin deltas to other devices; remote-origin deltas are
// already someone else's forwarded state and are not re-broadcast.
type Delta struct {
	Origin  Origin
	Records []WireRecord
}

// Config configures a Store.
type Config struct {
	// GroupWindow is the debounce window within which consecutive local
	// transactions collapse into one undo group. Default 500ms.
	GroupWindow time.Duration

	// Now overrides the clock, for tests. Default time.Now.
	Now func() time.Time
}

// Store is the replicated bookmark map. All mutation goes through
// transactions; a transaction is the unit of atomicity and of undo
// granularity, and no reader ever observes one half-applied.
type Store struct {
	node string

	mu      sync.Mutex
	records map[string]*record
	counter uint64
	lastTx  time.Time

	undoStack []*undoGroup
	redoStack []*undoGroup

	changes    *pubsub.Bus[Delta]
	undoEvents *pubsub.Bus[UndoState]

	groupWindow time.Duration
	now         func() time.Time
}

// New creates an empty store owned by the given node id.
func New(node string, cfg Config) *Store {
	if cfg.GroupWindow == 0 {
		cfg.GroupWindow = 500 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		node:        node,
		records:     make(map[string]*record),
		changes:     pubsub.New[Delta](),
		undoEvents:  pubsub.New[UndoState](),
		groupWindow: cfg.GroupWindow,
		now:         cfg.Now,
	}
}

// Node returns the store's node id.
func (s *Store) Node() string {
	return s.node
}

// Changes exposes applied transactions as a subscribable stream.
func (s *Store) Changes() (<-chan Delta, func()) {
	return s.changes.Subscribe()
}

// Close releases the store's event buses.
func (s *Store) Close() {
	s.changes.Close()
	s.undoEvents.Close()
}

// fieldOp is one field mutation inside a transaction, with enough state to
// invert it for undo.
type fieldOp struct {
	id     string
	field  string
	before any
	after  any
}

// inverse returns the op that reverts this one.
func (op fieldOp) inverse() fieldOp {
	return fieldOp{id: op.id, field: op.field, before: op.after, after: op.before}
}

// Create adds a bookmark in a single local transaction. A missing ID is
// assigned; CreatedAt/UpdatedAt are stamped by the store.
func (s *Store) Create(b Bookmark) (Bookmark, error) {
	if b.URL == "" {
		return Bookmark{}, fmt.Errorf("bookmark url cannot be empty")
	}
	if b.ID == "" {
		id, err := newID()
		if err != nil {
			return Bookmark{}, err
		}
		b.ID = id
	}

	s.mu.Lock()
	if rec, ok := s.records[b.ID]; ok && !rec.deleted {
		s.mu.Unlock()
		return Bookmark{}, fmt.Errorf("bookmark %s already exists", b.ID)
	}

	ops := []fieldOp{
		{id: b.ID, field: fieldDeleted, before: true, after: false},
		{id: b.ID, field: fieldURL, before: "", after: b.URL},
		{id: b.ID, field: fieldTitle, before: "", after: b.Title},
		{id: b.ID, field: fieldDescription, before: "", after: b.Description},
		{id: b.ID, field: fieldTags, before: []string(nil), after: append([]string(nil), b.Tags...)},
		{id: b.ID, field: fieldReadLater, before: false, after: b.ReadLater},
		{id: b.ID, field: fieldInbox, before: false, after: b.Inbox},
	}
	created := s.applyLocked(OriginLocal, ops, true)
	s.mu.Unlock()

	s.publish(created)
	return s.mustGet(b.ID), nil
}

// Update applies one logical change to a bookmark as a single transaction.
// The mutate callback edits a copy; whatever fields it changed are committed
// atomically. ID, CreatedAt and UpdatedAt are store-managed and ignored.
func (s *Store) Update(id string, mutate func(*Bookmark)) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.deleted {
		s.mu.Unlock()
		return ErrNotFound
	}

	before := rec.bookmark.clone()
	after := rec.bookmark.clone()
	mutate(&after)

	ops := diffOps(id, before, after)
	if len(ops) == 0 {
		s.mu.Unlock()
		return nil
	}
	delta := s.applyLocked(OriginLocal, ops, true)
	s.mu.Unlock()

	s.publish(delta)
	return nil
}

// Delete tombstones a bookmark in a single local transaction.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.deleted {
		s.mu.Unlock()
		return ErrNotFound
	}

	ops := []fieldOp{{id: id, field: fieldDeleted, before: false, after: true}}
	delta := s.applyLocked(OriginLocal, ops, true)
	s.mu.Unlock()

	s.publish(delta)
	return nil
}

// ToggleReadLater flips the read-later flag in one transaction.
func (s *Store) ToggleReadLater(id string) error {
	return s.Update(id, func(b *Bookmark) { b.ReadLater = !b.ReadLater })
}

// AddTag appends a tag (ordered-unique) in one transaction.
func (s *Store) AddTag(id, tag string) error {
	return s.Update(id, func(b *Bookmark) { b.Tags, _ = addTag(b.Tags, tag) })
}

// RemoveTag removes a tag in one transaction.
func (s *Store) RemoveTag(id, tag string) error {
	return s.Update(id, func(b *Bookmark) { b.Tags, _ = removeTag(b.Tags, tag) })
}

// BulkDelete tombstones all listed bookmarks in a single transaction, so one
// undo restores the whole batch. Unknown ids are skipped.
func (s *Store) BulkDelete(ids []string) error {
	s.mu.Lock()
	var ops []fieldOp
	for _, id := range ids {
		if rec, ok := s.records[id]; ok && !rec.deleted {
			ops = append(ops, fieldOp{id: id, field: fieldDeleted, before: false, after: true})
		}
	}
	if len(ops) == 0 {
		s.mu.Unlock()
		return nil
	}
	delta := s.applyLocked(OriginLocal, ops, true)
	s.mu.Unlock()

	s.publish(delta)
	return nil
}

// BulkSetReadLater sets the read-later flag on all listed bookmarks in a
// single transaction.
func (s *Store) BulkSetReadLater(ids []string, readLater bool) error {
	return s.bulkUpdate(ids, func(b *Bookmark) { b.ReadLater = readLater })
}

// BulkAddTags appends tags to all listed bookmarks in a single transaction.
func (s *Store) BulkAddTags(ids []string, tags []string) error {
	return s.bulkUpdate(ids, func(b *Bookmark) {
		for _, tag := range tags {
			b.Tags, _ = addTag(b.Tags, tag)
		}
	})
}

// bulkUpdate applies mutate to every listed bookmark inside one transaction.
func (s *Store) bulkUpdate(ids []string, mutate func(*Bookmark)) error {
	s.mu.Lock()
	var ops []fieldOp
	for _, id := range ids {
		rec, ok := s.records[id]
		if !ok || rec.deleted {
			continue
		}
		after := rec.bookmark.clone()
		mutate(&after)
		ops = append(ops, diffOps(id, rec.bookmark, after)...)
	}
	if len(ops) == 0 {
		s.mu.Unlock()
		return nil
	}
	delta := s.applyLocked(OriginLocal, ops, true)
	s.mu.Unlock()

	s.publish(delta)
	return nil
}

// ApplyRemote merges a batch of remote records into the local state as one
// remote-origin transaction. Remote transactions never enter the undo stack.
// Returns the number of bookmarks that actually changed.
func (s *Store) ApplyRemote(origin Origin, recs []WireRecord) (int, error) {
	if origin == OriginLocal {
		return 0, fmt.Errorf("remote apply cannot carry local origin")
	}

	// Decode and validate the whole batch before touching state: the batch
	// is one transaction, and a bad record rejects it rather than leaving it
	// half-applied.
	incoming := make([]*record, 0, len(recs))
	for _, wr := range recs {
		rec, err := wr.toRecord()
		if err != nil {
			return 0, fmt.Errorf("failed to decode remote record: %w", err)
		}
		if rec.bookmark.ID == "" {
			return 0, fmt.Errorf("remote record missing bookmark id")
		}
		incoming = append(incoming, rec)
	}

	s.mu.Lock()
	var affected []string
	for _, rec := range incoming {
		// Advance the Lamport counter past everything we have seen so later
		// local edits order after these remote ones.
		if mc := rec.maxCounter(); mc > s.counter {
			s.counter = mc
		}

		id := rec.bookmark.ID
		local, ok := s.records[id]
		if !ok {
			s.records[id] = rec
			affected = append(affected, id)
			continue
		}
		if local.merge(rec) {
			affected = append(affected, id)
		}
	}

	if len(affected) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	delta := Delta{Origin: origin, Records: s.wireRecordsLocked(affected)}
	s.mu.Unlock()

	s.publish(delta)
	return len(affected), nil
}

// Snapshot returns every record (tombstones included) in wire form.
func (s *Store) Snapshot() []WireRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WireRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.toWire())
	}
	return out
}

// applyLocked commits a transaction: one clock tick shared by every op, so
// the whole transaction is atomic from any replica's point of view. Caller
// holds s.mu. Returns the delta to publish after unlocking.
func (s *Store) applyLocked(origin Origin, ops []fieldOp, recordUndo bool) Delta {
	s.counter++
	clock := Clock{Counter: s.counter, Node: s.node}
	now := s.now()

	seen := make(map[string]bool)
	var affected []string
	for _, op := range ops {
		rec, ok := s.records[op.id]
		if !ok {
			rec = &record{
				bookmark: Bookmark{ID: op.id, CreatedAt: now},
				clocks:   make(map[string]Clock, 8),
				deleted:  true,
			}
			s.records[op.id] = rec
		}
		setField(rec, op.field, op.after)
		rec.clocks[op.field] = clock
		rec.bookmark.UpdatedAt = now

		if !seen[op.id] {
			seen[op.id] = true
			affected = append(affected, op.id)
		}
	}

	if recordUndo && origin == OriginLocal {
		s.recordUndoLocked(ops, now)
	}

	return Delta{Origin: origin, Records: s.wireRecordsLocked(affected)}
}

// wireRecordsLocked renders the listed records in wire form. Caller holds s.mu.
func (s *Store) wireRecordsLocked(ids []string) []WireRecord {
	out := make([]WireRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec.toWire())
		}
	}
	return out
}

// publish emits a delta and the current undo state.
func (s *Store) publish(d Delta) {
	s.changes.Publish(d)
	s.undoEvents.Publish(s.UndoState())
}

// setField writes a field value into a record.
func setField(rec *record, field string, value any) {
	switch field {
	case fieldURL:
		rec.bookmark.URL = value.(string)
	case fieldTitle:
		rec.bookmark.Title = value.(string)
	case fieldDescription:
		rec.bookmark.Description = value.(string)
	case fieldTags:
		tags, _ := value.([]string)
		rec.bookmark.Tags = append([]string(nil), tags...)
	case fieldReadLater:
		rec.bookmark.ReadLater = value.(bool)
	case fieldInbox:
		rec.bookmark.Inbox = value.(bool)
	case fieldDeleted:
		rec.deleted = value.(bool)
	}
}

// diffOps computes the field ops turning before into after.
func diffOps(id string, before, after Bookmark) []fieldOp {
	var ops []fieldOp
	if before.URL != after.URL {
		ops = append(ops, fieldOp{id: id, field: fieldURL, before: before.URL, after: after.URL})
	}
	if before.Title != after.Title {
		ops = append(ops, fieldOp{id: id, field: fieldTitle, before: before.Title, after: after.Title})
	}
	if before.Description != after.Description {
		ops = append(ops, fieldOp{id: id, field: fieldDescription, before: before.Description, after: after.Description})
	}
	if !equalTags(before.Tags, after.Tags) {
		ops = append(ops, fieldOp{
			id: id, field: fieldTags,
			before: append([]string(nil), before.Tags...),
			after:  append([]string(nil), after.Tags...),
		})
	}
	if before.ReadLater != after.ReadLater {
		ops = append(ops, fieldOp{id: id, field: fieldReadLater, before: before.ReadLater, after: after.ReadLater})
	}
	if before.Inbox != after.Inbox {
		ops = append(ops, fieldOp{id: id, field: fieldInbox, before: before.Inbox, after: after.Inbox})
	}
	return ops
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mustGet returns a bookmark known to exist (just created under the lock).
func (s *Store) mustGet(id string) Bookmark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id].bookmark.clone()
}

// newID generates a random 128-bit bookmark id.
func newID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate bookmark id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
