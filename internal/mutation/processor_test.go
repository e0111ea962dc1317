package mutation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/mutation"
	"github.com/roach88/lofi/internal/query"
	"github.com/roach88/lofi/internal/schema"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/subscription"
	"github.com/roach88/lofi/internal/testutil"
)

const chatSchema = `
collections: {
	chats: fields: {
		id:   {type: "id"}
		name: {type: "string"}
	}
	messages: fields: {
		id:        {type: "id"}
		chatId:    {type: "string", index: true}
		text:      {type: "string"}
		createdAt: {type: "date", default: "now"}
	}
}
`

type fixture struct {
	backend *testutil.FaultyBackend
	mgr     *subscription.Manager
	proc    *mutation.Processor
	clock   *testutil.DeterministicClock
	waker   *countingWaker
}

type countingWaker struct {
	mu sync.Mutex
	n  int
}

func (w *countingWaker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.n++
}

func (w *countingWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := schema.CompileString(chatSchema)
	require.NoError(t, err)

	mem := store.NewMemory(store.WithIndexes(s.Indexes()))
	t.Cleanup(func() { mem.Close() })
	backend := testutil.NewFaultyBackend(mem)
	mgr := subscription.New(backend)
	clock := testutil.NewDeterministicClock()

	proc := mutation.New(backend,
		mutation.WithSchema(s),
		mutation.WithNotifier(mgr),
		mutation.WithClock(clock),
		mutation.WithIDGenerator(testutil.NewSequenceIDs("e")),
	)
	waker := &countingWaker{}
	proc.SetWaker(waker)
	return &fixture{backend: backend, mgr: mgr, proc: proc, clock: clock, waker: waker}
}

func (f *fixture) outbox(t *testing.T) []ir.OutboxRecord {
	t.Helper()
	recs, err := store.ListOutbox(context.Background(), f.backend)
	require.NoError(t, err)
	return recs
}

func (f *fixture) entity(t *testing.T, collection, id string) ir.Entity {
	t.Helper()
	e, err := store.Get(context.Background(), f.backend, collection, id)
	require.NoError(t, err)
	return e
}

func TestInsert_WritesEntityAndOutboxAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.proc.Insert(ctx, "chats", ir.Object{"name": ir.String("general")})
	require.NoError(t, err)
	assert.Equal(t, "e-0001", id)

	e := f.entity(t, "chats", id)
	assert.Equal(t, ir.Pending, e.SyncStatus)
	assert.Equal(t, uint64(1), e.LocalVersion)
	assert.Equal(t, ir.Object{"id": ir.String(id), "name": ir.String("general")}, e.Attributes)

	recs := f.outbox(t)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, ir.OpInsert, recs[0].Op)
	assert.Equal(t, e.Attributes, recs[0].Payload)
	assert.Equal(t, 1, f.waker.count())
}

func TestInsert_AppliesDefaults(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Peek()

	id, err := f.proc.Insert(context.Background(), "messages", ir.Object{
		"chatId": ir.String("c1"),
		"text":   ir.String("hi"),
	})
	require.NoError(t, err)
	assert.Equal(t, ir.Int(now.UnixMilli()), f.entity(t, "messages", id).Attributes["createdAt"])
}

func TestInsert_UsesProvidedID(t *testing.T) {
	f := newFixture(t)
	id, err := f.proc.Insert(context.Background(), "chats", ir.Object{"id": ir.String("c1"), "name": ir.String("x")})
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	_, err = f.proc.Insert(context.Background(), "chats", ir.Object{"id": ir.String("c1"), "name": ir.String("y")})
	assert.True(t, mutation.IsValidation(err), "duplicate id: %v", err)

	_, err = f.proc.Insert(context.Background(), "chats", ir.Object{"id": ir.Int(1), "name": ir.String("y")})
	assert.True(t, mutation.IsValidation(err))
}

func TestInsert_ValidationErrorAppliesNothing(t *testing.T) {
	f := newFixture(t)
	testCases := []struct {
		name       string
		collection string
		attrs      ir.Object
	}{
		{"unknown collection", "users", ir.Object{}},
		{"unknown field", "chats", ir.Object{"name": ir.String("a"), "color": ir.String("red")}},
		{"wrong type", "chats", ir.Object{"name": ir.Int(3)}},
		{"missing required", "messages", ir.Object{"chatId": ir.String("c1")}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.proc.Insert(context.Background(), tc.collection, tc.attrs)
			require.Error(t, err)
			assert.True(t, mutation.IsValidation(err), "got %v", err)

			var ve *schema.ValidationError
			if tc.collection != "users" {
				assert.True(t, errors.As(err, &ve))
			}
		})
	}
	assert.Empty(t, f.outbox(t))
	assert.Nil(t, f.proc.Halted())
}

func TestUpdate_RecordsPatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.proc.Insert(ctx, "messages", ir.Object{"chatId": ir.String("c1"), "text": ir.String("hi")})
	require.NoError(t, err)

	err = f.proc.Update(ctx, "messages", id, func(attrs ir.Object) error {
		attrs["text"] = ir.String("hello")
		return nil
	})
	require.NoError(t, err)

	e := f.entity(t, "messages", id)
	assert.Equal(t, ir.String("hello"), e.Attributes["text"])
	assert.Equal(t, uint64(2), e.LocalVersion)

	recs := f.outbox(t)
	require.Len(t, recs, 2)
	assert.Equal(t, ir.OpUpdate, recs[1].Op)
	assert.Equal(t, ir.Object{"text": ir.String("hello")}, recs[1].Payload)
	assert.Equal(t, uint64(2), recs[1].Seq)
}

func TestUpdate_NoChangeWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.proc.Insert(ctx, "chats", ir.Object{"name": ir.String("a")})
	require.NoError(t, err)

	require.NoError(t, f.proc.Update(ctx, "chats", id, func(ir.Object) error { return nil }))
	assert.Len(t, f.outbox(t), 1)
	assert.Equal(t, uint64(1), f.entity(t, "chats", id).LocalVersion)
}

func TestUpdate_NullForAbsentFieldWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.proc.Insert(ctx, "chats", ir.Object{"name": ir.String("a")})
	require.NoError(t, err)

	require.NoError(t, f.proc.Update(ctx, "chats", id, func(attrs ir.Object) error {
		attrs["topic"] = ir.Null{}
		return nil
	}))
	assert.Len(t, f.outbox(t), 1)
	assert.Equal(t, uint64(1), f.entity(t, "chats", id).LocalVersion)
}

func TestUpdate_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.proc.Insert(ctx, "chats", ir.Object{"name": ir.String("a")})
	require.NoError(t, err)

	err = f.proc.Update(ctx, "chats", "missing", func(ir.Object) error { return nil })
	assert.True(t, mutation.IsNotFound(err))

	err = f.proc.Update(ctx, "chats", id, func(attrs ir.Object) error {
		attrs["name"] = ir.Int(5)
		return nil
	})
	assert.True(t, mutation.IsValidation(err))

	err = f.proc.Update(ctx, "chats", id, func(attrs ir.Object) error {
		attrs["id"] = ir.String("other")
		return nil
	})
	assert.True(t, mutation.IsValidation(err))

	err = f.proc.Update(ctx, "chats", id, func(ir.Object) error { return errors.New("changed my mind") })
	assert.True(t, mutation.IsValidation(err))

	assert.Len(t, f.outbox(t), 1)
}

func TestSet_RemovesNullFields(t *testing.T) {
	s, err := schema.CompileString(`collections: notes: fields: {
		id:  {type: "id"}
		tag: {type: "string", optional: true}
	}`)
	require.NoError(t, err)
	proc := mutation.New(store.NewMemory(), mutation.WithSchema(s))
	ctx := context.Background()

	id, err := proc.Insert(ctx, "notes", ir.Object{"tag": ir.String("x")})
	require.NoError(t, err)
	require.NoError(t, proc.Set(ctx, "notes", id, ir.Object{"tag": ir.Null{}}))
}

func TestDelete_TombstonesUntilAck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.proc.Insert(ctx, "chats", ir.Object{"name": ir.String("a")})
	require.NoError(t, err)

	require.NoError(t, f.proc.Delete(ctx, "chats", id))

	e := f.entity(t, "chats", id)
	assert.True(t, e.Deleted)
	assert.Equal(t, uint64(2), e.LocalVersion)

	recs := f.outbox(t)
	require.Len(t, recs, 2)
	assert.Equal(t, ir.OpDelete, recs[1].Op)

	assert.True(t, mutation.IsNotFound(f.proc.Delete(ctx, "chats", id)))
	assert.True(t, mutation.IsNotFound(f.proc.Update(ctx, "chats", id, func(ir.Object) error { return nil })))
	assert.True(t, mutation.IsNotFound(f.proc.Delete(ctx, "chats", "missing")))
}

func TestReadYourWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := testutil.NewRecordingCallback()
	_, err := f.mgr.Subscribe(ctx, query.Spec{
		Collection: "messages",
		Where:      []ir.Filter{{Field: "chatId", Op: ir.OpEq, Value: ir.String("c1")}},
	}, rec.Callback())
	require.NoError(t, err)

	id, err := f.proc.Insert(ctx, "messages", ir.Object{"chatId": ir.String("c1"), "text": ir.String("hi")})
	require.NoError(t, err)

	// Delivered before Insert returned.
	require.Equal(t, 2, rec.Len())
	assert.Equal(t, []string{id}, rec.LastIDs())
	snap, _ := rec.Last()
	assert.Equal(t, ir.Pending, snap.Results[0].SyncStatus)
}

func TestStorageFailureHaltsUntilReinitialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.backend.FailUpdates(true)
	_, err := f.proc.Insert(ctx, "chats", ir.Object{"name": ir.String("a")})
	require.Error(t, err)
	assert.True(t, mutation.IsStorage(err))
	assert.True(t, errors.Is(err, testutil.ErrInjected))
	assert.True(t, store.IsStorageError(err))

	// Healed, but still halted.
	f.backend.FailUpdates(false)
	_, err = f.proc.Insert(ctx, "chats", ir.Object{"name": ir.String("b")})
	assert.True(t, mutation.IsHalted(err))

	require.NoError(t, f.proc.Reinitialize(ctx))
	_, err = f.proc.Insert(ctx, "chats", ir.Object{"name": ir.String("c")})
	require.NoError(t, err)

	recs := f.outbox(t)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Seq, "failed mutations consume no seq")
}

func TestSeqSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/seq.db"
	ctx := context.Background()

	b1, err := store.Open(path)
	require.NoError(t, err)
	_, err = mutation.New(b1).Insert(ctx, "notes", ir.Object{"id": ir.String("n1")})
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	b2, err := store.Open(path)
	require.NoError(t, err)
	defer b2.Close()
	_, err = mutation.New(b2).Insert(ctx, "notes", ir.Object{"id": ir.String("n2")})
	require.NoError(t, err)

	recs, err := store.ListOutbox(ctx, b2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(2), recs[1].Seq)
}

func TestConcurrentMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, err := f.proc.Insert(ctx, "chats", ir.Object{"name": ir.String("")})
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			err := f.proc.Update(ctx, "chats", id, func(attrs ir.Object) error {
				attrs["name"] = ir.String(string(attrs["name"].(ir.String)) + "x")
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	e := f.entity(t, "chats", id)
	assert.Len(t, string(e.Attributes["name"].(ir.String)), writers, "per-entity updates are serialized")
	assert.Equal(t, uint64(writers+1), e.LocalVersion)

	recs := f.outbox(t)
	require.Len(t, recs, writers+1)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
}

func TestUUIDv7(t *testing.T) {
	a := mutation.UUIDv7{}.NewID()
	time.Sleep(2 * time.Millisecond)
	b := mutation.UUIDv7{}.NewID()
	assert.Len(t, a, 36)
	assert.Less(t, a, b, "UUIDv7 ids sort by creation time")
}
