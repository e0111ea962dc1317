package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/lofi/internal/ir"
)

// Persisted meta keys.
const (
	// MetaClientID holds the client's stable id.
	MetaClientID = "client_id"
	// MetaLastSeq holds the highest outbox seq ever allocated.
	MetaLastSeq = "last_seq"
	// MetaCursor holds the highest server version applied from the remote.
	MetaCursor = "cursor"
)

// ErrNotFound is returned when an entity or outbox record does not exist.
var ErrNotFound = errors.New("not found")

// StorageError reports a failure of the underlying persistence layer.
// Storage errors are never retried automatically.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err (or anything it wraps) is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ReadTx is a consistent read view of the store.
type ReadTx interface {
	// Get returns the entity, or ErrNotFound. Tombstones are returned.
	Get(collection, id string) (ir.Entity, error)

	// Scan returns every entity of a collection (tombstones included),
	// ordered by id.
	Scan(collection string) ([]ir.Entity, error)

	// ScanWhere returns the entities of a collection whose attributes match
	// every filter (tombstones included), ordered by id. Backends may use
	// secondary indexes to narrow the candidates.
	ScanWhere(collection string, filters []ir.Filter) ([]ir.Entity, error)

	// ListOutbox returns every outbox record ordered by seq.
	ListOutbox() ([]ir.OutboxRecord, error)

	// OutboxFor returns the outbox records of one entity ordered by seq.
	OutboxFor(collection, id string) ([]ir.OutboxRecord, error)

	// GetOutbox returns one outbox record, or ErrNotFound.
	GetOutbox(seq uint64) (ir.OutboxRecord, error)

	// Meta returns a persisted client setting.
	Meta(key string) (string, bool, error)
}

// Tx is a read-write transaction. Writes become visible to other
// transactions only when the enclosing Update returns nil.
type Tx interface {
	ReadTx

	Put(e ir.Entity) error
	Delete(collection, id string) error
	AppendOutbox(rec ir.OutboxRecord) error
	RemoveOutbox(seq uint64) error
	BumpAttempts(seq uint64) error
	SetSyncStatus(collection, id string, status ir.SyncStatus) error
	SetMeta(key, value string) error
}

// Backend is the pluggable StorageEngine. Behavior is identical across
// implementations.
type Backend interface {
	// View runs fn against a consistent snapshot.
	View(ctx context.Context, fn func(tx ReadTx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error,
	// none of its writes are applied.
	Update(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Get is a single-read convenience over View.
func Get(ctx context.Context, b Backend, collection, id string) (ir.Entity, error) {
	var out ir.Entity
	err := b.View(ctx, func(tx ReadTx) error {
		e, err := tx.Get(collection, id)
		out = e
		return err
	})
	return out, err
}

// ListOutbox is a single-read convenience over View.
func ListOutbox(ctx context.Context, b Backend) ([]ir.OutboxRecord, error) {
	var out []ir.OutboxRecord
	err := b.View(ctx, func(tx ReadTx) error {
		recs, err := tx.ListOutbox()
		out = recs
		return err
	})
	return out, err
}

// validateEntity rejects entities no backend can store.
func validateEntity(e ir.Entity) error {
	if e.Collection == "" || e.ID == "" {
		return fmt.Errorf("entity requires collection and id (got %q/%q)", e.Collection, e.ID)
	}
	if e.SyncStatus != ir.Pending && e.SyncStatus != ir.Synced {
		return fmt.Errorf("entity %s/%s: invalid sync status %q", e.Collection, e.ID, e.SyncStatus)
	}
	return nil
}

// validateRecord rejects outbox records no backend can store.
func validateRecord(rec ir.OutboxRecord) error {
	if rec.Seq == 0 {
		return fmt.Errorf("outbox record requires seq > 0")
	}
	if rec.Collection == "" || rec.ID == "" {
		return fmt.Errorf("outbox record %d requires collection and id", rec.Seq)
	}
	if !rec.Op.Valid() {
		return fmt.Errorf("outbox record %d: invalid op %q", rec.Seq, rec.Op)
	}
	return nil
}

var errClosed = errors.New("backend is closed")
