package testutil

import (
	"context"
	"sync"

	"github.com/roach88/lofi/internal/query"
	"github.com/roach88/lofi/internal/subscription"
)

// RecordingCallback records every snapshot delivered to a subscription.
type RecordingCallback struct {
	mu        sync.Mutex
	snapshots []subscription.Snapshot
}

// NewRecordingCallback creates an empty recorder.
func NewRecordingCallback() *RecordingCallback {
	return &RecordingCallback{}
}

// Callback returns the function to pass to Subscribe.
func (r *RecordingCallback) Callback() subscription.Callback {
	return func(_ context.Context, snap subscription.Snapshot) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.snapshots = append(r.snapshots, snap)
	}
}

// Snapshots returns a copy of every delivery so far.
func (r *RecordingCallback) Snapshots() []subscription.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]subscription.Snapshot, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

// Len returns the number of deliveries.
func (r *RecordingCallback) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots)
}

// Last returns the most recent delivery.
func (r *RecordingCallback) Last() (subscription.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return subscription.Snapshot{}, false
	}
	return r.snapshots[len(r.snapshots)-1], true
}

// LastIDs returns the ids of the most recent delivery, or nil.
func (r *RecordingCallback) LastIDs() []string {
	snap, ok := r.Last()
	if !ok {
		return nil
	}
	return query.IDs(snap.Results)
}

// IDs returns the ids of every delivery in order.
func (r *RecordingCallback) IDs() [][]string {
	snaps := r.Snapshots()
	out := make([][]string, len(snaps))
	for i, s := range snaps {
		out[i] = query.IDs(s.Results)
	}
	return out
}

// Reset discards recorded deliveries.
func (r *RecordingCallback) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = nil
}
