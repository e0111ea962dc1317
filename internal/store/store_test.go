package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/schema"
)

var testIndexes = []schema.Index{{Collection: "messages", Field: "chatId"}}

// backends returns a constructor per implementation so every test runs
// against all three.
func backends() map[string]func(t *testing.T) Backend {
	return map[string]func(t *testing.T) Backend{
		"memory": func(t *testing.T) Backend {
			return NewMemory(WithIndexes(testIndexes))
		},
		"sqlite": func(t *testing.T) Backend {
			s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithIndexes(testIndexes))
			require.NoError(t, err)
			return s
		},
		"bolt": func(t *testing.T) Backend {
			b, err := OpenBolt(filepath.Join(t.TempDir(), "test.bolt"), WithIndexes(testIndexes))
			require.NoError(t, err)
			return b
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			b := open(t)
			t.Cleanup(func() { b.Close() })
			fn(t, b)
		})
	}
}

func message(id, chatID, text string) ir.Entity {
	return ir.Entity{
		Collection: "messages",
		ID:         id,
		Attributes: ir.Object{
			"id":     ir.String(id),
			"chatId": ir.String(chatID),
			"text":   ir.String(text),
		},
		SyncStatus:   ir.Pending,
		LocalVersion: 1,
	}
}

func put(t *testing.T, b Backend, entities ...ir.Entity) {
	t.Helper()
	err := b.Update(context.Background(), func(tx Tx) error {
		for _, e := range entities {
			if err := tx.Put(e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestBackend_PutGetRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		e := message("m1", "c1", "hello")
		e.Attributes["n"] = ir.Int(1 << 60)
		e.Attributes["tags"] = ir.Array{ir.String("a"), ir.Bool(true)}
		e.ServerVersion = 7
		put(t, b, e)

		got, err := Get(context.Background(), b, "messages", "m1")
		require.NoError(t, err)
		assert.Equal(t, e, got)
	})
}

func TestBackend_GetMissing(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		_, err := Get(context.Background(), b, "messages", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBackend_ScanOrdersByID(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, message("m3", "c1", "c"), message("m1", "c1", "a"), message("m2", "c2", "b"))
		put(t, b, ir.Entity{Collection: "chats", ID: "m0", Attributes: ir.Object{}, SyncStatus: ir.Synced})

		err := b.View(context.Background(), func(tx ReadTx) error {
			all, err := tx.Scan("messages")
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"m1", "m2", "m3"}, ids(all))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestBackend_ScanWhere(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, message("m1", "c1", "a"), message("m2", "c2", "b"), message("m3", "c1", "c"))

		testCases := []struct {
			name    string
			filters []ir.Filter
			want    []string
		}{
			{"indexed equality", []ir.Filter{{Field: "chatId", Op: ir.OpEq, Value: ir.String("c1")}}, []string{"m1", "m3"}},
			{"indexed plus residual", []ir.Filter{
				{Field: "chatId", Op: ir.OpEq, Value: ir.String("c1")},
				{Field: "text", Op: ir.OpGt, Value: ir.String("a")},
			}, []string{"m3"}},
			{"unindexed", []ir.Filter{{Field: "text", Op: ir.OpEq, Value: ir.String("b")}}, []string{"m2"}},
			{"in", []ir.Filter{{Field: "text", Op: ir.OpIn, Value: ir.Array{ir.String("a"), ir.String("b")}}}, []string{"m1", "m2"}},
			{"missing field is null", []ir.Filter{{Field: "user", Op: ir.OpEq, Value: ir.Null{}}}, []string{"m1", "m2", "m3"}},
			{"no match", []ir.Filter{{Field: "chatId", Op: ir.OpEq, Value: ir.String("zz")}}, []string{}},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				err := b.View(context.Background(), func(tx ReadTx) error {
					got, err := tx.ScanWhere("messages", tc.filters)
					require.NoError(t, err)
					assert.Equal(t, tc.want, ids(got))
					return nil
				})
				require.NoError(t, err)
			})
		}
	})
}

func TestBackend_StringsAreStoredNFC(t *testing.T) {
	const composed, decomposed = "caf\u00e9", "cafe\u0301"

	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, message("m1", composed, composed), message("m2", decomposed, decomposed), message("m3", "c1", "x"))

		testCases := []struct {
			name    string
			filters []ir.Filter
		}{
			{"indexed equality", []ir.Filter{{Field: "chatId", Op: ir.OpEq, Value: ir.String(decomposed)}}},
			{"unindexed equality", []ir.Filter{{Field: "text", Op: ir.OpEq, Value: ir.String(decomposed)}}},
			{"in", []ir.Filter{{Field: "text", Op: ir.OpIn, Value: ir.Array{ir.String(decomposed)}}}},
			{"composed filter", []ir.Filter{{Field: "chatId", Op: ir.OpEq, Value: ir.String(composed)}}},
			{"range", []ir.Filter{{Field: "text", Op: ir.OpGte, Value: ir.String(decomposed)}, {Field: "text", Op: ir.OpLte, Value: ir.String(composed)}}},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				err := b.View(context.Background(), func(tx ReadTx) error {
					got, err := tx.ScanWhere("messages", tc.filters)
					require.NoError(t, err)
					assert.Equal(t, []string{"m1", "m2"}, ids(got))
					return nil
				})
				require.NoError(t, err)
			})
		}

		e, err := Get(context.Background(), b, "messages", "m2")
		require.NoError(t, err)
		assert.Equal(t, ir.String(composed), e.Attributes["text"])

		err = b.Update(context.Background(), func(tx Tx) error {
			return tx.AppendOutbox(ir.OutboxRecord{Seq: 1, Collection: "messages", ID: "m2", Op: ir.OpUpdate, Payload: ir.Object{"text": ir.String(decomposed)}})
		})
		require.NoError(t, err)
		records, err := ListOutbox(context.Background(), b)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, ir.String(composed), records[0].Payload["text"])
	})
}

func TestBackend_IndexFollowsUpdates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, message("m1", "c1", "a"))
		put(t, b, message("m1", "c2", "a"))

		byChat := func(chat string) []string {
			var out []string
			err := b.View(context.Background(), func(tx ReadTx) error {
				got, err := tx.ScanWhere("messages", []ir.Filter{{Field: "chatId", Op: ir.OpEq, Value: ir.String(chat)}})
				out = ids(got)
				return err
			})
			require.NoError(t, err)
			return out
		}
		assert.Empty(t, byChat("c1"))
		assert.Equal(t, []string{"m1"}, byChat("c2"))

		err := b.Update(context.Background(), func(tx Tx) error { return tx.Delete("messages", "m1") })
		require.NoError(t, err)
		assert.Empty(t, byChat("c2"))
	})
}

func TestBackend_TombstonesAreScanned(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		e := message("m1", "c1", "a")
		e.Deleted = true
		put(t, b, e)

		got, err := Get(context.Background(), b, "messages", "m1")
		require.NoError(t, err)
		assert.True(t, got.Deleted)
	})
}

func TestBackend_UpdateIsAtomic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		boom := errors.New("boom")
		err := b.Update(context.Background(), func(tx Tx) error {
			require.NoError(t, tx.Put(message("m1", "c1", "a")))
			require.NoError(t, tx.AppendOutbox(ir.OutboxRecord{Seq: 1, Collection: "messages", ID: "m1", Op: ir.OpInsert, Payload: ir.Object{}}))
			require.NoError(t, tx.SetMeta(MetaLastSeq, "1"))
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = Get(context.Background(), b, "messages", "m1")
		assert.ErrorIs(t, err, ErrNotFound)
		recs, err := ListOutbox(context.Background(), b)
		require.NoError(t, err)
		assert.Empty(t, recs)
		err = b.View(context.Background(), func(tx ReadTx) error {
			_, ok, err := tx.Meta(MetaLastSeq)
			assert.False(t, ok)
			return err
		})
		require.NoError(t, err)
	})
}

func TestBackend_ReadsOwnWrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		err := b.Update(context.Background(), func(tx Tx) error {
			require.NoError(t, tx.Put(message("m1", "c1", "a")))
			got, err := tx.ScanWhere("messages", []ir.Filter{{Field: "chatId", Op: ir.OpEq, Value: ir.String("c1")}})
			require.NoError(t, err)
			assert.Equal(t, []string{"m1"}, ids(got))

			require.NoError(t, tx.AppendOutbox(ir.OutboxRecord{Seq: 5, Collection: "messages", ID: "m1", Op: ir.OpInsert}))
			recs, err := tx.OutboxFor("messages", "m1")
			require.NoError(t, err)
			assert.Len(t, recs, 1)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestBackend_Outbox(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()
		err := b.Update(ctx, func(tx Tx) error {
			for _, rec := range []ir.OutboxRecord{
				{Seq: 3, Collection: "messages", ID: "m2", Op: ir.OpDelete},
				{Seq: 1, Collection: "messages", ID: "m1", Op: ir.OpInsert, Payload: ir.Object{"text": ir.String("a")}},
				{Seq: 2, Collection: "messages", ID: "m1", Op: ir.OpUpdate, Payload: ir.Object{"text": ir.Null{}}},
			} {
				if err := tx.AppendOutbox(rec); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		recs, err := ListOutbox(ctx, b)
		require.NoError(t, err)
		require.Len(t, recs, 3)
		assert.Equal(t, []uint64{1, 2, 3}, []uint64{recs[0].Seq, recs[1].Seq, recs[2].Seq})
		assert.Equal(t, ir.Object{"text": ir.Null{}}, recs[1].Payload)

		err = b.Update(ctx, func(tx Tx) error {
			require.NoError(t, tx.BumpAttempts(2))
			require.NoError(t, tx.BumpAttempts(2))
			require.ErrorIs(t, tx.BumpAttempts(99), ErrNotFound)
			return tx.RemoveOutbox(1)
		})
		require.NoError(t, err)

		err = b.View(ctx, func(tx ReadTx) error {
			forM1, err := tx.OutboxFor("messages", "m1")
			require.NoError(t, err)
			require.Len(t, forM1, 1)
			assert.Equal(t, uint32(2), forM1[0].Attempts)

			_, err = tx.GetOutbox(1)
			assert.ErrorIs(t, err, ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})
}

func TestBackend_DuplicateSeqRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		rec := ir.OutboxRecord{Seq: 1, Collection: "messages", ID: "m1", Op: ir.OpInsert}
		err := b.Update(context.Background(), func(tx Tx) error { return tx.AppendOutbox(rec) })
		require.NoError(t, err)
		err = b.Update(context.Background(), func(tx Tx) error { return tx.AppendOutbox(rec) })
		assert.Error(t, err)
	})
}

func TestBackend_InvalidRecordsRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		err := b.Update(context.Background(), func(tx Tx) error {
			assert.Error(t, tx.AppendOutbox(ir.OutboxRecord{Seq: 0, Collection: "c", ID: "x", Op: ir.OpInsert}))
			assert.Error(t, tx.AppendOutbox(ir.OutboxRecord{Seq: 1, Collection: "c", ID: "x", Op: "upsert"}))
			assert.Error(t, tx.Put(ir.Entity{Collection: "c", ID: "x", SyncStatus: "weird"}))
			assert.Error(t, tx.Put(ir.Entity{ID: "x", SyncStatus: ir.Synced}))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestBackend_SetSyncStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, message("m1", "c1", "a"))
		err := b.Update(context.Background(), func(tx Tx) error {
			require.ErrorIs(t, tx.SetSyncStatus("messages", "nope", ir.Synced), ErrNotFound)
			return tx.SetSyncStatus("messages", "m1", ir.Synced)
		})
		require.NoError(t, err)

		got, err := Get(context.Background(), b, "messages", "m1")
		require.NoError(t, err)
		assert.Equal(t, ir.Synced, got.SyncStatus)
	})
}

func TestBackend_Meta(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		err := b.Update(context.Background(), func(tx Tx) error {
			require.NoError(t, tx.SetMeta(MetaCursor, "1"))
			return tx.SetMeta(MetaCursor, "2")
		})
		require.NoError(t, err)

		err = b.View(context.Background(), func(tx ReadTx) error {
			v, ok, err := tx.Meta(MetaCursor)
			assert.True(t, ok)
			assert.Equal(t, "2", v)
			return err
		})
		require.NoError(t, err)
	})
}

func TestBackend_ReturnedValuesAreCopies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		put(t, b, message("m1", "c1", "a"))

		got, err := Get(context.Background(), b, "messages", "m1")
		require.NoError(t, err)
		got.Attributes["text"] = ir.String("mutated")

		again, err := Get(context.Background(), b, "messages", "m1")
		require.NoError(t, err)
		assert.Equal(t, ir.String("a"), again.Attributes["text"])
	})
}

func TestBackend_CanceledContext(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := b.Update(ctx, func(tx Tx) error { return tx.SetMeta("k", "v") })
		assert.Error(t, err)
	})
}

func TestDurableBackends_SurviveReopen(t *testing.T) {
	openers := map[string]func(path string) (Backend, error){
		"sqlite": func(path string) (Backend, error) { return Open(path, WithIndexes(testIndexes)) },
		"bolt":   func(path string) (Backend, error) { return OpenBolt(path, WithIndexes(testIndexes)) },
	}
	for name, open := range openers {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store")

			b1, err := open(path)
			require.NoError(t, err)
			put(t, b1, message("m1", "c1", "a"))
			err = b1.Update(context.Background(), func(tx Tx) error {
				return tx.AppendOutbox(ir.OutboxRecord{Seq: 1, Collection: "messages", ID: "m1", Op: ir.OpInsert, Payload: ir.Object{"text": ir.String("a")}})
			})
			require.NoError(t, err)
			require.NoError(t, b1.Close())

			b2, err := open(path)
			require.NoError(t, err)
			defer b2.Close()

			got, err := Get(context.Background(), b2, "messages", "m1")
			require.NoError(t, err)
			assert.Equal(t, ir.String("a"), got.Attributes["text"])

			err = b2.View(context.Background(), func(tx ReadTx) error {
				byChat, err := tx.ScanWhere("messages", []ir.Filter{{Field: "chatId", Op: ir.OpEq, Value: ir.String("c1")}})
				assert.Equal(t, []string{"m1"}, ids(byChat))
				return err
			})
			require.NoError(t, err)

			recs, err := ListOutbox(context.Background(), b2)
			require.NoError(t, err)
			assert.Len(t, recs, 1)
		})
	}
}

func TestOpen_AppliesPragmas(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer s.Close()

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("synchronous", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path, WithIndexes(testIndexes))
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestStorageError(t *testing.T) {
	err := &StorageError{Op: "put", Err: errors.New("disk full")}
	assert.Equal(t, "storage put: disk full", err.Error())
	assert.True(t, IsStorageError(err))
	assert.False(t, IsStorageError(ErrNotFound))
}

func ids(entities []ir.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.ID)
	}
	return out
}
