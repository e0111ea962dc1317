package query

import (
	"slices"

	"github.com/roach88/lofi/internal/ir"
)

// Window is an incrementally maintained, ordered result for one Spec.
//
// Invariant: entries is exactly Evaluate(spec, all entities). When the
// window holds fewer than Limit entries (or there is no limit) it holds
// every matching entity, so any change can be applied locally. When it is
// full, a change that opens a slot or moves an entry to the boundary needs
// the entities outside the window, and Apply asks the caller to rescan.
type Window struct {
	spec    Spec
	entries []ir.Entity
}

// NewWindow evaluates spec over the candidate entities.
func NewWindow(spec Spec, candidates []ir.Entity) *Window {
	w := &Window{spec: spec}
	w.Reset(candidates)
	return w
}

// Spec returns the window's query.
func (w *Window) Spec() Spec { return w.spec }

// Reset re-evaluates the window from a full candidate scan.
func (w *Window) Reset(candidates []ir.Entity) {
	w.entries = Evaluate(w.spec, candidates)
}

// SetLimit changes the limit. Shrinking is applied in place; growing a full
// window requires a rescan, reported by the return value.
func (w *Window) SetLimit(limit int) (rescan bool) {
	full := w.full()
	w.spec.Limit = limit
	if limit > 0 && len(w.entries) > limit {
		w.entries = w.entries[:limit]
		return false
	}
	return full
}

// Entries returns the current ordered result. Callers must not modify it.
func (w *Window) Entries() []ir.Entity { return w.entries }

// Len is the number of entries in the window.
func (w *Window) Len() int { return len(w.entries) }

func (w *Window) full() bool {
	return w.spec.Limit > 0 && len(w.entries) >= w.spec.Limit
}

func (w *Window) indexOf(id string) int {
	return slices.IndexFunc(w.entries, func(e ir.Entity) bool { return e.ID == id })
}

func (w *Window) insertSorted(e ir.Entity) int {
	pos, _ := slices.BinarySearchFunc(w.entries, e, func(a, b ir.Entity) int {
		return Compare(w.spec.Order, a, b)
	})
	w.entries = slices.Insert(w.entries, pos, e)
	return pos
}

// Apply folds the latest state of one entity into the window. Pass
// present=false when the entity no longer exists. It reports whether the
// window could not be maintained locally and must be Reset from a scan.
func (w *Window) Apply(e ir.Entity, present bool) (rescan bool) {
	matches := present && Matches(w.spec, e)
	wasFull := w.full()

	if idx := w.indexOf(e.ID); idx >= 0 {
		w.entries = slices.Delete(w.entries, idx, idx+1)
		if !matches {
			// A full window lost an entry; its replacement lives outside.
			return wasFull
		}
		pos := w.insertSorted(e)
		// An entry that moved to the last slot of a full window may now
		// sort after entities outside it.
		return wasFull && pos == len(w.entries)-1
	}

	if !matches {
		return false
	}
	if !wasFull {
		w.insertSorted(e)
		return false
	}
	last := w.entries[len(w.entries)-1]
	if Less(w.spec.Order, e, last) {
		w.insertSorted(e)
		w.entries = w.entries[:w.spec.Limit]
	}
	return false
}
