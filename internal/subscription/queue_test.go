package subscription

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationQueue_FIFO(t *testing.T) {
	q := newNotificationQueue()
	assert.Equal(t, 0, q.Len())

	q.Enqueue(notification{Collection: "chats", IDs: []string{"c1"}})
	q.Enqueue(notification{Collection: "messages", IDs: []string{"m1", "m2"}})
	assert.Equal(t, 2, q.Len())

	n, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, "chats", n.Collection)
	assert.Equal(t, 1, q.Len())

	n, ok = q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, []string{"m1", "m2"}, n.IDs)
	assert.Equal(t, 0, q.Len())

	_, ok = q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestNotificationQueue_Concurrent(t *testing.T) {
	q := newNotificationQueue()

	const producers, each = 8, 50
	var wg sync.WaitGroup
	wg.Add(producers)
	for i := 0; i < producers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				q.Enqueue(notification{Collection: "messages"})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, producers*each, q.Len())

	drained := 0
	for {
		if _, ok := q.TryDequeue(); !ok {
			break
		}
		drained++
	}
	assert.Equal(t, producers*each, drained)
	assert.Equal(t, 0, q.Len())
}
