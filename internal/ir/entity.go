package ir

import "fmt"

// SyncStatus reports whether an entity still has unacknowledged mutations.
type SyncStatus string

const (
	// Pending means at least one outbox record for the entity remains.
	Pending SyncStatus = "pending"
	// Synced means the outbox holds no record for the entity.
	Synced SyncStatus = "synced"
)

// ParseSyncStatus accepts "pending" or "synced".
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch SyncStatus(s) {
	case Pending, Synced:
		return SyncStatus(s), nil
	default:
		return "", fmt.Errorf("invalid sync status %q: must be pending or synced", s)
	}
}

// Op is the kind of a queued mutation.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is one of the known mutation kinds.
func (op Op) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Key identifies an entity: unique by (collection, id).
type Key struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (k Key) String() string {
	return k.Collection + "/" + k.ID
}

// Entity is a cached record. Attributes always reflect the latest locally
// applied state (the optimistic overlay).
type Entity struct {
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	Attributes Object     `json:"attributes"`
	SyncStatus SyncStatus `json:"sync_status"`

	// LocalVersion increments on every local mutation and is never reused.
	LocalVersion uint64 `json:"local_version"`

	// ServerVersion is the last authoritative version seen for the entity
	// (0 until the server has acknowledged or pushed it).
	ServerVersion uint64 `json:"server_version"`

	// Deleted marks a local tombstone awaiting server confirmation.
	// Tombstones are invisible to queries.
	Deleted bool `json:"deleted,omitempty"`
}

// Key returns the entity's identity.
func (e Entity) Key() Key {
	return Key{Collection: e.Collection, ID: e.ID}
}

// Clone deep-copies the entity so callers never share attribute maps.
func (e Entity) Clone() Entity {
	e.Attributes = e.Attributes.Clone()
	return e
}

// OutboxRecord is a locally applied mutation awaiting acknowledgement.
// Records are ordered by Seq, which is monotonic per client.
type OutboxRecord struct {
	Seq        uint64 `json:"seq"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Op         Op     `json:"op"`

	// Payload is the full attribute set for inserts, a patch for updates
	// (removed keys map to Null) and empty for deletes.
	Payload  Object `json:"payload"`
	Attempts uint32 `json:"attempts"`
}

// Key returns the identity of the entity the record mutates.
func (r OutboxRecord) Key() Key {
	return Key{Collection: r.Collection, ID: r.ID}
}
