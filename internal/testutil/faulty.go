package testutil

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/roach88/lofi/internal/store"
)

// ErrInjected is the cause of storage failures injected by FaultyBackend.
var ErrInjected = errors.New("injected storage failure")

// FaultyBackend wraps a Backend and fails Update calls on demand.
type FaultyBackend struct {
	store.Backend
	failUpdates atomic.Bool
	updates     atomic.Int64
}

// NewFaultyBackend wraps b.
func NewFaultyBackend(b store.Backend) *FaultyBackend {
	return &FaultyBackend{Backend: b}
}

// FailUpdates makes every subsequent Update fail with a StorageError
// (fail=true) or pass through (fail=false).
func (f *FaultyBackend) FailUpdates(fail bool) {
	f.failUpdates.Store(fail)
}

// Updates returns the number of Update calls that reached the backend.
func (f *FaultyBackend) Updates() int64 {
	return f.updates.Load()
}

// Update implements store.Backend.
func (f *FaultyBackend) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	if f.failUpdates.Load() {
		return &store.StorageError{Op: "update", Err: ErrInjected}
	}
	f.updates.Add(1)
	return f.Backend.Update(ctx, fn)
}
