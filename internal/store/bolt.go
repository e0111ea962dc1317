package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/roach88/lofi/internal/ir"
)

var (
	bucketEntities = []byte("entities")
	bucketOutbox   = []byte("outbox")
	bucketMeta     = []byte("meta")
	bucketIndex    = []byte("index")
)

// sep separates key components. Collection and id never contain NUL.
const sep = 0x00

// Bolt is a Backend on a single bbolt file.
//
// Layout:
//   - entities: collection NUL id -> JSON entity
//   - outbox:   8-byte big-endian seq -> JSON record (iterates in seq order)
//   - meta:     key -> value
//   - index:    collection NUL field NUL canonical value NUL id -> empty
type Bolt struct {
	db      *bbolt.DB
	logger  *slog.Logger
	indexed map[string]map[string]bool
}

var _ Backend = (*Bolt)(nil)

// OpenBolt opens or creates a bbolt database at path.
func OpenBolt(path string, opts ...Option) (*Bolt, error) {
	o := applyOptions(opts)

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	b := &Bolt{db: db, logger: o.logger, indexed: make(map[string]map[string]bool)}
	for _, idx := range o.indexes {
		if b.indexed[idx.Collection] == nil {
			b.indexed[idx.Collection] = make(map[string]bool)
		}
		b.indexed[idx.Collection][idx.Field] = true
	}

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := b.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	b.logger.Debug("opened bolt store", "path", path)
	return b, nil
}

func (b *Bolt) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketOutbox, bucketMeta, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// rebuildIndex recreates the index bucket so the declared index set may
// change between opens.
func (b *Bolt) rebuildIndex() error {
	return b.db.Update(func(btx *bbolt.Tx) error {
		if err := btx.DeleteBucket(bucketIndex); err != nil {
			return fmt.Errorf("dropping index: %w", err)
		}
		if _, err := btx.CreateBucket(bucketIndex); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
		tx := &boltTx{b: b, tx: btx}
		return btx.Bucket(bucketEntities).ForEach(func(k, v []byte) error {
			collection, id, ok := splitEntityKey(k)
			if !ok {
				return fmt.Errorf("malformed entity key %q", k)
			}
			e, err := decodeEntity(collection, id, v)
			if err != nil {
				return err
			}
			return tx.index(e)
		})
	})
}

// Close closes the database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// View implements Backend.
func (b *Bolt) View(ctx context.Context, fn func(tx ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := b.db.View(func(btx *bbolt.Tx) error {
		fnErr = fn(&boltTx{b: b, tx: btx})
		return fnErr
	})
	if err != nil && fnErr == nil {
		return &StorageError{Op: "view", Err: err}
	}
	return err
}

// Update implements Backend.
func (b *Bolt) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := b.db.Update(func(btx *bbolt.Tx) error {
		fnErr = fn(&boltTx{b: b, tx: btx})
		return fnErr
	})
	if err != nil && fnErr == nil {
		return &StorageError{Op: "update", Err: err}
	}
	return err
}

type boltTx struct {
	b  *Bolt
	tx *bbolt.Tx
}

var _ Tx = (*boltTx)(nil)

func entityKey(collection, id string) []byte {
	k := make([]byte, 0, len(collection)+len(id)+1)
	k = append(k, collection...)
	k = append(k, sep)
	return append(k, id...)
}

func splitEntityKey(k []byte) (string, string, bool) {
	i := bytes.IndexByte(k, sep)
	if i < 0 {
		return "", "", false
	}
	return string(k[:i]), string(k[i+1:]), true
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func indexPrefix(collection, field string, v ir.Value) []byte {
	k := []byte(collection)
	k = append(k, sep)
	k = append(k, field...)
	k = append(k, sep)
	k = append(k, indexKey(v)...)
	return append(k, sep)
}

func (t *boltTx) index(e ir.Entity) error {
	bkt := t.tx.Bucket(bucketIndex)
	for field := range t.b.indexed[e.Collection] {
		k := append(indexPrefix(e.Collection, field, e.Attributes[field]), e.ID...)
		if err := bkt.Put(k, []byte{}); err != nil {
			return &StorageError{Op: "index", Err: err}
		}
	}
	return nil
}

func (t *boltTx) unindex(e ir.Entity) error {
	bkt := t.tx.Bucket(bucketIndex)
	for field := range t.b.indexed[e.Collection] {
		k := append(indexPrefix(e.Collection, field, e.Attributes[field]), e.ID...)
		if err := bkt.Delete(k); err != nil {
			return &StorageError{Op: "unindex", Err: err}
		}
	}
	return nil
}

func (t *boltTx) Get(collection, id string) (ir.Entity, error) {
	data := t.tx.Bucket(bucketEntities).Get(entityKey(collection, id))
	if data == nil {
		return ir.Entity{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return decodeEntity(collection, id, data)
}

func (t *boltTx) Scan(collection string) ([]ir.Entity, error) {
	return t.ScanWhere(collection, nil)
}

// ScanWhere walks the index for the first equality filter on an indexed
// field, otherwise the collection's key range. Keys sort by id within a
// collection, so prefix scans already yield id order.
func (t *boltTx) ScanWhere(collection string, filters []ir.Filter) ([]ir.Entity, error) {
	for _, f := range filters {
		if f.Op == ir.OpEq && t.b.indexed[collection][f.Field] {
			return t.scanIndex(collection, f, filters)
		}
	}

	out := []ir.Entity{}
	prefix := append([]byte(collection), sep)
	c := t.tx.Bucket(bucketEntities).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		e, err := decodeEntity(collection, string(k[len(prefix):]), v)
		if err != nil {
			return nil, err
		}
		if ir.MatchesAll(filters, e.Attributes) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *boltTx) scanIndex(collection string, by ir.Filter, filters []ir.Filter) ([]ir.Entity, error) {
	out := []ir.Entity{}
	prefix := indexPrefix(collection, by.Field, by.Value)
	c := t.tx.Bucket(bucketIndex).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		e, err := t.Get(collection, string(k[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("index points at missing entity: %w", err)
		}
		if ir.MatchesAll(filters, e.Attributes) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *boltTx) ListOutbox() ([]ir.OutboxRecord, error) {
	return t.records(func(ir.OutboxRecord) bool { return true })
}

func (t *boltTx) OutboxFor(collection, id string) ([]ir.OutboxRecord, error) {
	return t.records(func(rec ir.OutboxRecord) bool {
		return rec.Collection == collection && rec.ID == id
	})
}

func (t *boltTx) records(keep func(ir.OutboxRecord) bool) ([]ir.OutboxRecord, error) {
	out := []ir.OutboxRecord{}
	err := t.tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
		rec, err := decodeRecord(binary.BigEndian.Uint64(k), v)
		if err != nil {
			return err
		}
		if keep(rec) {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *boltTx) GetOutbox(seq uint64) (ir.OutboxRecord, error) {
	data := t.tx.Bucket(bucketOutbox).Get(seqKey(seq))
	if data == nil {
		return ir.OutboxRecord{}, fmt.Errorf("outbox %d: %w", seq, ErrNotFound)
	}
	return decodeRecord(seq, data)
}

func (t *boltTx) Meta(key string) (string, bool, error) {
	data := t.tx.Bucket(bucketMeta).Get([]byte(key))
	if data == nil {
		return "", false, nil
	}
	return string(data), true, nil
}

func (t *boltTx) Put(e ir.Entity) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	data, err := encodeEntity(e)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Collection, e.ID, err)
	}
	if old, err := t.Get(e.Collection, e.ID); err == nil {
		if err := t.unindex(old); err != nil {
			return err
		}
	}
	if err := t.tx.Bucket(bucketEntities).Put(entityKey(e.Collection, e.ID), data); err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return t.index(e)
}

func (t *boltTx) Delete(collection, id string) error {
	old, err := t.Get(collection, id)
	if err != nil {
		return nil
	}
	if err := t.unindex(old); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketEntities).Delete(entityKey(collection, id)); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}

func (t *boltTx) AppendOutbox(rec ir.OutboxRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	bkt := t.tx.Bucket(bucketOutbox)
	if bkt.Get(seqKey(rec.Seq)) != nil {
		return fmt.Errorf("append outbox: seq %d already exists", rec.Seq)
	}
	return t.putRecord(rec)
}

func (t *boltTx) putRecord(rec ir.OutboxRecord) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return fmt.Errorf("outbox %d: %w", rec.Seq, err)
	}
	if err := t.tx.Bucket(bucketOutbox).Put(seqKey(rec.Seq), data); err != nil {
		return &StorageError{Op: "append outbox", Err: err}
	}
	return nil
}

func (t *boltTx) RemoveOutbox(seq uint64) error {
	if err := t.tx.Bucket(bucketOutbox).Delete(seqKey(seq)); err != nil {
		return &StorageError{Op: "remove outbox", Err: err}
	}
	return nil
}

func (t *boltTx) BumpAttempts(seq uint64) error {
	rec, err := t.GetOutbox(seq)
	if err != nil {
		return fmt.Errorf("bump attempts: %w", err)
	}
	rec.Attempts++
	return t.putRecord(rec)
}

func (t *boltTx) SetSyncStatus(collection, id string, status ir.SyncStatus) error {
	e, err := t.Get(collection, id)
	if err != nil {
		return fmt.Errorf("set sync status: %w", err)
	}
	e.SyncStatus = status
	return t.Put(e)
}

func (t *boltTx) SetMeta(key, value string) error {
	if err := t.tx.Bucket(bucketMeta).Put([]byte(key), []byte(value)); err != nil {
		return &StorageError{Op: "set meta", Err: err}
	}
	return nil
}
