// Package draft implements a copy-on-write container that lets callers stage
// configuration changes, validate them elsewhere, and then commit or roll
// them back as one unit.
package draft

import (
	"sync"
	"sync/atomic"
)

// CloneFunc returns an independent copy of v. Draft uses it when opening a
// pending copy so edits never alias the committed value.
type CloneFunc[T any] func(v T) T

// Draft holds a committed value and at most one pending copy.
type Draft[T any] struct {
	committed atomic.Pointer[T]
	clone     CloneFunc[T]

	mu      sync.Mutex
	pending *T
}

// New returns a Draft committed to initial. A nil clone performs a shallow
// value copy, which is only correct for T without reference fields.
func New[T any](initial T, clone CloneFunc[T]) *Draft[T] {
	if clone == nil {
		clone = func(v T) T { return v }
	}
	d := &Draft[T]{clone: clone}
	d.committed.Store(&initial)
	return d
}

// Latest returns the committed value. It never waits on an open draft.
// Callers must treat the result as read-only.
func (d *Draft[T]) Latest() T {
	return *d.committed.Load()
}

// Edit applies fn to the pending copy, opening one from the committed value
// if no draft is open. An already open draft is reused as-is.
func (d *Draft[T]) Edit(fn func(*T)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.openLocked()
	fn(d.pending)
}

// Draft opens (or continues) the pending copy and returns a snapshot of it.
func (d *Draft[T]) Draft() T {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.openLocked()
	return d.clone(*d.pending)
}

// Replace sets the pending copy to v, opening a draft if needed.
func (d *Draft[T]) Replace(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = &v
}

// Pending reports the open draft, if any.
func (d *Draft[T]) Pending() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == nil {
		var zero T
		return zero, false
	}
	return d.clone(*d.pending), true
}

// Working returns the pending copy when a draft is open, otherwise the
// committed value. Config generation reads this view.
func (d *Draft[T]) Working() T {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending != nil {
		return d.clone(*d.pending)
	}
	return d.Latest()
}

// Apply commits the pending copy. It reports whether a draft was open.
func (d *Draft[T]) Apply() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == nil {
		return false
	}
	d.committed.Store(d.pending)
	d.pending = nil
	return true
}

// Discard drops the pending copy without touching the committed value. It
// reports whether a draft was open.
func (d *Draft[T]) Discard() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == nil {
		return false
	}
	d.pending = nil
	return true
}

// Save hands the committed value to persist. Errors are returned unchanged
// and never alter in-memory state.
func (d *Draft[T]) Save(persist func(T) error) error {
	return persist(d.Latest())
}

func (d *Draft[T]) openLocked() {
	if d.pending != nil {
		return
	}
	v := d.clone(d.Latest())
	d.pending = &v
}
