package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/lofi/internal/ir"
)

// marshalObject converts attributes or a payload to canonical JSON TEXT.
// Canonical form keeps stored bytes identical across backends.
func marshalObject(obj ir.Object) (string, error) {
	if obj == nil {
		obj = ir.Object{}
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses canonical JSON TEXT into an Object.
// Uses ir.Object.UnmarshalJSON so large integers survive without float64
// precision loss.
func unmarshalObject(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	var obj ir.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

// storedEntity is the JSON document form used by the bbolt backend.
type storedEntity struct {
	Attributes    json.RawMessage `json:"attributes"`
	SyncStatus    ir.SyncStatus   `json:"sync_status"`
	LocalVersion  uint64          `json:"local_version"`
	ServerVersion uint64          `json:"server_version"`
	Deleted       bool            `json:"deleted,omitempty"`
}

func encodeEntity(e ir.Entity) ([]byte, error) {
	attrs, err := marshalObject(e.Attributes)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedEntity{
		Attributes:    json.RawMessage(attrs),
		SyncStatus:    e.SyncStatus,
		LocalVersion:  e.LocalVersion,
		ServerVersion: e.ServerVersion,
		Deleted:       e.Deleted,
	})
}

func decodeEntity(collection, id string, data []byte) (ir.Entity, error) {
	var se storedEntity
	if err := json.Unmarshal(data, &se); err != nil {
		return ir.Entity{}, fmt.Errorf("decode entity %s/%s: %w", collection, id, err)
	}
	attrs, err := unmarshalObject(string(se.Attributes))
	if err != nil {
		return ir.Entity{}, fmt.Errorf("decode entity %s/%s: %w", collection, id, err)
	}
	return ir.Entity{
		Collection:    collection,
		ID:            id,
		Attributes:    attrs,
		SyncStatus:    se.SyncStatus,
		LocalVersion:  se.LocalVersion,
		ServerVersion: se.ServerVersion,
		Deleted:       se.Deleted,
	}, nil
}

// storedRecord is the JSON document form of an outbox record.
type storedRecord struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Op         ir.Op           `json:"op"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   uint32          `json:"attempts"`
}

func encodeRecord(rec ir.OutboxRecord) ([]byte, error) {
	payload, err := marshalObject(rec.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedRecord{
		Collection: rec.Collection,
		ID:         rec.ID,
		Op:         rec.Op,
		Payload:    json.RawMessage(payload),
		Attempts:   rec.Attempts,
	})
}

func decodeRecord(seq uint64, data []byte) (ir.OutboxRecord, error) {
	var sr storedRecord
	if err := json.Unmarshal(data, &sr); err != nil {
		return ir.OutboxRecord{}, fmt.Errorf("decode outbox record %d: %w", seq, err)
	}
	payload, err := unmarshalObject(string(sr.Payload))
	if err != nil {
		return ir.OutboxRecord{}, fmt.Errorf("decode outbox record %d: %w", seq, err)
	}
	return ir.OutboxRecord{
		Seq:        seq,
		Collection: sr.Collection,
		ID:         sr.ID,
		Op:         sr.Op,
		Payload:    payload,
		Attempts:   sr.Attempts,
	}, nil
}
