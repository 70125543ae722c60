package store

import "time"

// undoGroup collects the ops of local transactions that landed within one
// debounce window, so a burst of edits (a form save touching five fields,
// a bulk tag) reverts as a single user-visible undo step.
type undoGroup struct {
	ops        []fieldOp
	capturedAt time.Time
}

// UndoState describes the undo/redo stacks for subscribers.
type UndoState struct {
	CanUndo   bool
	CanRedo   bool
	UndoDepth int
	RedoDepth int
}

// UndoEvents exposes undo-stack changes as a subscribable stream.
func (s *Store) UndoEvents() (<-chan UndoState, func()) {
	return s.undoEvents.Subscribe()
}

// UndoState returns the current stack state.
func (s *Store) UndoState() UndoState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return UndoState{
		CanUndo:   len(s.undoStack) > 0,
		CanRedo:   len(s.redoStack) > 0,
		UndoDepth: len(s.undoStack),
		RedoDepth: len(s.redoStack),
	}
}

// recordUndoLocked captures a local transaction's ops for undo. Transactions
// within the group window collapse into the top group. A fresh local
// mutation invalidates the redo stack. Caller holds s.mu.
func (s *Store) recordUndoLocked(ops []fieldOp, now time.Time) {
	s.redoStack = nil

	if n := len(s.undoStack); n > 0 && now.Sub(s.lastTx) <= s.groupWindow {
		top := s.undoStack[n-1]
		top.ops = append(top.ops, ops...)
	} else {
		group := &undoGroup{capturedAt: now}
		group.ops = append(group.ops, ops...)
		s.undoStack = append(s.undoStack, group)
	}
	s.lastTx = now
}

// Undo reverts the most recent undo group as one local transaction.
// Returns false when the stack is empty. Remote-origin mutations never
// entered the stack, so a device can only ever undo its own edits.
func (s *Store) Undo() bool {
	s.mu.Lock()
	n := len(s.undoStack)
	if n == 0 {
		s.mu.Unlock()
		return false
	}
	group := s.undoStack[n-1]
	s.undoStack = s.undoStack[:n-1]

	// Invert in reverse order so overlapping ops within the group unwind
	// correctly.
	inverse := make([]fieldOp, 0, len(group.ops))
	for i := len(group.ops) - 1; i >= 0; i-- {
		inverse = append(inverse, group.ops[i].inverse())
	}
	delta := s.applyLocked(OriginLocal, inverse, false)
	s.redoStack = append(s.redoStack, group)
	s.lastTx = time.Time{} // next local edit starts a fresh group
	s.mu.Unlock()

	s.publish(delta)
	return true
}

// Redo reapplies the most recently undone group as one local transaction.
// Returns false when the redo stack is empty.
func (s *Store) Redo() bool {
	s.mu.Lock()
	n := len(s.redoStack)
	if n == 0 {
		s.mu.Unlock()
		return false
	}
	group := s.redoStack[n-1]
	s.redoStack = s.redoStack[:n-1]

	delta := s.applyLocked(OriginLocal, group.ops, false)
	s.undoStack = append(s.undoStack, group)
	s.lastTx = time.Time{}
	s.mu.Unlock()

	s.publish(delta)
	return true
}
