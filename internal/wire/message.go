// Package wire defines the sync protocol messages exchanged between a
// client and the authority over a reliable, ordered channel.
//
// Client to server:
//
//	{"type":"hello","clientId":"...","cursor":12}
//	{"type":"mutation","clientId":"...","seq":7,"collection":"messages","op":"update","entityId":"m1","payload":{...},"baseVersion":3}
//
// Server to client:
//
//	{"type":"ready","cursor":15}
//	{"type":"ack","seq":7,"serverVersion":16,"serverEntity":{...}}
//	{"type":"reject","seq":7,"reason":"stale","serverEntity":{...}}
//	{"type":"push","collection":"messages","entityId":"m1","payload":{...},"serverVersion":16}
//
// Messages are JSON text frames. Payloads carry ir values, so floats are
// rejected on decode.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/lofi/internal/ir"
)

// Type discriminates messages.
type Type string

const (
	TypeHello    Type = "hello"
	TypeReady    Type = "ready"
	TypeMutation Type = "mutation"
	TypeAck      Type = "ack"
	TypeReject   Type = "reject"
	TypePush     Type = "push"
)

// Reject reasons.
const (
	// ReasonStale: the mutation's base version is behind the server's.
	ReasonStale = "stale"
	// ReasonMissing: update or delete of an entity the server does not have.
	ReasonMissing = "missing"
	// ReasonExists: insert of an id the server already has.
	ReasonExists = "exists"
	// ReasonInvalid: the mutation is malformed.
	ReasonInvalid = "invalid"
)

// ServerEntity is the authoritative state of an entity.
type ServerEntity struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Attributes ir.Object `json:"attributes"`
	Version    uint64    `json:"version"`
	Deleted    bool      `json:"deleted,omitempty"`
}

// Message is one protocol frame. Fields not used by a Type are zero.
type Message struct {
	Type     Type   `json:"type"`
	ClientID string `json:"clientId,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`

	Collection string    `json:"collection,omitempty"`
	EntityID   string    `json:"entityId,omitempty"`
	Op         ir.Op     `json:"op,omitempty"`
	Payload    ir.Object `json:"payload,omitempty"`

	// BaseVersion is the server version the client's change was made on.
	BaseVersion uint64 `json:"baseVersion,omitempty"`
	// ServerVersion is the entity's version after an ack or in a push.
	ServerVersion uint64 `json:"serverVersion,omitempty"`
	// Deleted marks a pushed delete.
	Deleted bool `json:"deleted,omitempty"`

	Reason string `json:"reason,omitempty"`
	// ServerEntity is the authoritative entity after an ack, or the state
	// that won over a rejected mutation (nil when the server has none).
	ServerEntity *ServerEntity `json:"serverEntity,omitempty"`

	// Cursor is the highest server version the client has applied (hello)
	// or the server's current version after catch-up (ready).
	Cursor uint64 `json:"cursor,omitempty"`
}

// Mutation builds the wire form of an outbox record.
func Mutation(clientID string, rec ir.OutboxRecord, baseVersion uint64) Message {
	return Message{
		Type:        TypeMutation,
		ClientID:    clientID,
		Seq:         rec.Seq,
		Collection:  rec.Collection,
		EntityID:    rec.ID,
		Op:          rec.Op,
		Payload:     rec.Payload,
		BaseVersion: baseVersion,
	}
}

// Push builds a push for a server entity.
func Push(e ServerEntity) Message {
	return Message{
		Type:          TypePush,
		Collection:    e.Collection,
		EntityID:      e.ID,
		Payload:       e.Attributes,
		ServerVersion: e.Version,
		Deleted:       e.Deleted,
	}
}

// Key returns the entity a mutation or push refers to.
func (m Message) Key() ir.Key {
	return ir.Key{Collection: m.Collection, ID: m.EntityID}
}

// Validate checks the fields each message type requires.
func (m Message) Validate() error {
	switch m.Type {
	case TypeHello:
		if m.ClientID == "" {
			return fmt.Errorf("hello: clientId is required")
		}
	case TypeReady:
	case TypeMutation:
		if m.ClientID == "" || m.Seq == 0 {
			return fmt.Errorf("mutation: clientId and seq are required")
		}
		if m.Collection == "" || m.EntityID == "" {
			return fmt.Errorf("mutation %d: collection and entityId are required", m.Seq)
		}
		if !m.Op.Valid() {
			return fmt.Errorf("mutation %d: invalid op %q", m.Seq, m.Op)
		}
	case TypeAck:
		if m.Seq == 0 {
			return fmt.Errorf("ack: seq is required")
		}
	case TypeReject:
		if m.Seq == 0 {
			return fmt.Errorf("reject: seq is required")
		}
	case TypePush:
		if m.Collection == "" || m.EntityID == "" || m.ServerVersion == 0 {
			return fmt.Errorf("push: collection, entityId and serverVersion are required")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// Encode marshals and validates a message.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode unmarshals and validates a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("decode: %w", err)
	}
	if m.Payload == nil {
		m.Payload = ir.Object{}
	}
	return m, nil
}
