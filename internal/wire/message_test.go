package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
)

func TestMutation_Encode(t *testing.T) {
	rec := ir.OutboxRecord{
		Seq:        7,
		Collection: "messages",
		ID:         "m1",
		Op:         ir.OpUpdate,
		Payload:    ir.Object{"text": ir.String("hi"), "topic": ir.Null{}},
	}
	data, err := Encode(Mutation("client-a", rec, 3))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "mutation",
		"clientId": "client-a",
		"seq": 7,
		"collection": "messages",
		"entityId": "m1",
		"op": "update",
		"payload": {"text": "hi", "topic": null},
		"baseVersion": 3
	}`, string(data))
}

func TestDecode_Reject(t *testing.T) {
	m, err := Decode([]byte(`{
		"type": "reject",
		"seq": 4,
		"reason": "stale",
		"serverEntity": {"collection": "chats", "id": "c1", "attributes": {"name": "srv"}, "version": 9}
	}`))
	require.NoError(t, err)

	assert.Equal(t, TypeReject, m.Type)
	assert.Equal(t, ReasonStale, m.Reason)
	require.NotNil(t, m.ServerEntity)
	assert.Equal(t, ir.Object{"name": ir.String("srv")}, m.ServerEntity.Attributes)
	assert.Equal(t, uint64(9), m.ServerEntity.Version)
	assert.Equal(t, ir.Object{}, m.Payload)
}

func TestPush_RoundTrip(t *testing.T) {
	push := Push(ServerEntity{Collection: "chats", ID: "c1", Attributes: ir.Object{"n": ir.Int(1 << 62)}, Version: 5})
	data, err := Encode(push)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, push, got)
	assert.Equal(t, ir.Key{Collection: "chats", ID: "c1"}, got.Key())
}

func TestDecode_Errors(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"unknown type", `{"type": "gossip"}`},
		{"hello without client", `{"type": "hello"}`},
		{"mutation without seq", `{"type": "mutation", "clientId": "a", "collection": "c", "entityId": "e", "op": "insert"}`},
		{"mutation bad op", `{"type": "mutation", "clientId": "a", "seq": 1, "collection": "c", "entityId": "e", "op": "upsert"}`},
		{"ack without seq", `{"type": "ack"}`},
		{"push without version", `{"type": "push", "collection": "c", "entityId": "e"}`},
		{"float payload", `{"type": "push", "collection": "c", "entityId": "e", "serverVersion": 1, "payload": {"x": 1.5}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}
