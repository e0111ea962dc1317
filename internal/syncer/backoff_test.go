package syncer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DoublesUpToMax(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)
	assert.Equal(t, 6, b.Attempts())
}

func TestBackoff_Reset(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: time.Second}
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestBackoff_Defaults(t *testing.T) {
	var b Backoff
	assert.Equal(t, DefaultBackoffInitial, b.Next())
	for i := 0; i < 20; i++ {
		b.Next()
	}
	assert.Equal(t, DefaultBackoffMax, b.Next())
}

func TestBackoff_InitialAboveMax(t *testing.T) {
	b := Backoff{Initial: 5 * time.Second, Max: time.Second}
	assert.Equal(t, time.Second, b.Next())
}

func TestErrors(t *testing.T) {
	conflict := &ConflictError{Seq: 3, Collection: "chats", ID: "c1", Reason: "stale"}
	assert.ErrorIs(t, conflict, ErrConflict)
	assert.Contains(t, conflict.Error(), "chats/c1")

	cause := errors.New("connection reset")
	te := &TransportError{Op: "send mutation", Err: cause}
	assert.ErrorIs(t, te, cause)
	assert.True(t, IsTransportError(te))
	assert.False(t, IsTransportError(cause))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "reconciling", Reconciling.String())
	assert.Equal(t, "connected", Connected.String())
}
