package store

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/lofi/internal/ir"
)

// Memory is an in-process Backend. It is not durable but honors the same
// transactional contract as the SQLite and bbolt backends.
type Memory struct {
	mu       sync.RWMutex
	closed   bool
	entities map[ir.Key]ir.Entity
	outbox   map[uint64]ir.OutboxRecord
	meta     map[string]string

	// indexes maps collection -> field -> canonical value -> ids.
	indexes map[string]map[string]map[string]map[string]struct{}
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory(opts ...Option) *Memory {
	o := applyOptions(opts)
	m := &Memory{
		entities: make(map[ir.Key]ir.Entity),
		outbox:   make(map[uint64]ir.OutboxRecord),
		meta:     make(map[string]string),
		indexes:  make(map[string]map[string]map[string]map[string]struct{}),
	}
	for _, idx := range o.indexes {
		if m.indexes[idx.Collection] == nil {
			m.indexes[idx.Collection] = make(map[string]map[string]map[string]struct{})
		}
		m.indexes[idx.Collection][idx.Field] = make(map[string]map[string]struct{})
	}
	return m
}

// View implements Backend.
func (m *Memory) View(ctx context.Context, fn func(tx ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return &StorageError{Op: "view", Err: errClosed}
	}
	return fn(&memTx{m: m})
}

// Update implements Backend. Writes are staged in the transaction and
// applied to the maps only when fn returns nil.
func (m *Memory) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &StorageError{Op: "update", Err: errClosed}
	}

	tx := &memTx{
		m:        m,
		entities: make(map[ir.Key]*ir.Entity),
		outbox:   make(map[uint64]*ir.OutboxRecord),
		meta:     make(map[string]string),
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

// Close implements Backend.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) commit(tx *memTx) {
	for key, staged := range tx.entities {
		if old, ok := m.entities[key]; ok {
			m.unindex(old)
		}
		if staged == nil {
			delete(m.entities, key)
			continue
		}
		m.entities[key] = *staged
		m.index(*staged)
	}
	for seq, staged := range tx.outbox {
		if staged == nil {
			delete(m.outbox, seq)
			continue
		}
		m.outbox[seq] = *staged
	}
	maps.Copy(m.meta, tx.meta)
}

func (m *Memory) index(e ir.Entity) {
	for field, byValue := range m.indexes[e.Collection] {
		vk := indexKey(e.Attributes[field])
		if byValue[vk] == nil {
			byValue[vk] = make(map[string]struct{})
		}
		byValue[vk][e.ID] = struct{}{}
	}
}

func (m *Memory) unindex(e ir.Entity) {
	for field, byValue := range m.indexes[e.Collection] {
		vk := indexKey(e.Attributes[field])
		delete(byValue[vk], e.ID)
		if len(byValue[vk]) == 0 {
			delete(byValue, vk)
		}
	}
}

// indexKey is the canonical encoding of an indexed value. Missing fields
// index as null, matching Filter.Matches.
func indexKey(v ir.Value) string {
	if v == nil {
		v = ir.Null{}
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// memTx reads through its staged writes to the committed maps.
// A nil staged pointer is a deletion.
type memTx struct {
	m        *Memory
	entities map[ir.Key]*ir.Entity
	outbox   map[uint64]*ir.OutboxRecord
	meta     map[string]string
}

func (tx *memTx) lookup(key ir.Key) (ir.Entity, bool) {
	if staged, ok := tx.entities[key]; ok {
		if staged == nil {
			return ir.Entity{}, false
		}
		return *staged, true
	}
	e, ok := tx.m.entities[key]
	return e, ok
}

func (tx *memTx) Get(collection, id string) (ir.Entity, error) {
	e, ok := tx.lookup(ir.Key{Collection: collection, ID: id})
	if !ok {
		return ir.Entity{}, fmt.Errorf("get %s/%s: %w", collection, id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (tx *memTx) Scan(collection string) ([]ir.Entity, error) {
	return tx.ScanWhere(collection, nil)
}

func (tx *memTx) ScanWhere(collection string, filters []ir.Filter) ([]ir.Entity, error) {
	ids := tx.candidates(collection, filters)
	out := []ir.Entity{}
	for id := range ids {
		e, ok := tx.lookup(ir.Key{Collection: collection, ID: id})
		if !ok || !ir.MatchesAll(filters, e.Attributes) {
			continue
		}
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b ir.Entity) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// candidates narrows the id set with the first equality filter on an
// indexed field, falling back to every id in the collection.
func (tx *memTx) candidates(collection string, filters []ir.Filter) map[string]struct{} {
	ids := make(map[string]struct{})
	narrowed := false
	for _, f := range filters {
		byValue, ok := tx.m.indexes[collection][f.Field]
		if !ok || f.Op != ir.OpEq {
			continue
		}
		for id := range byValue[indexKey(f.Value)] {
			ids[id] = struct{}{}
		}
		narrowed = true
		break
	}
	if !narrowed {
		for key := range tx.m.entities {
			if key.Collection == collection {
				ids[key.ID] = struct{}{}
			}
		}
	}
	// Staged writes are not indexed yet; always consider them.
	for key := range tx.entities {
		if key.Collection == collection {
			ids[key.ID] = struct{}{}
		}
	}
	return ids
}

func (tx *memTx) records() []ir.OutboxRecord {
	out := []ir.OutboxRecord{}
	for seq, rec := range tx.m.outbox {
		if _, staged := tx.outbox[seq]; !staged {
			out = append(out, rec)
		}
	}
	for _, staged := range tx.outbox {
		if staged != nil {
			out = append(out, *staged)
		}
	}
	slices.SortFunc(out, func(a, b ir.OutboxRecord) int { return cmp.Compare(a.Seq, b.Seq) })
	for i := range out {
		out[i].Payload = out[i].Payload.Clone()
	}
	return out
}

func (tx *memTx) ListOutbox() ([]ir.OutboxRecord, error) {
	return tx.records(), nil
}

func (tx *memTx) OutboxFor(collection, id string) ([]ir.OutboxRecord, error) {
	out := []ir.OutboxRecord{}
	for _, rec := range tx.records() {
		if rec.Collection == collection && rec.ID == id {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (tx *memTx) lookupRecord(seq uint64) (ir.OutboxRecord, bool) {
	if staged, ok := tx.outbox[seq]; ok {
		if staged == nil {
			return ir.OutboxRecord{}, false
		}
		return *staged, true
	}
	rec, ok := tx.m.outbox[seq]
	return rec, ok
}

func (tx *memTx) GetOutbox(seq uint64) (ir.OutboxRecord, error) {
	rec, ok := tx.lookupRecord(seq)
	if !ok {
		return ir.OutboxRecord{}, fmt.Errorf("outbox %d: %w", seq, ErrNotFound)
	}
	rec.Payload = rec.Payload.Clone()
	return rec, nil
}

func (tx *memTx) Meta(key string) (string, bool, error) {
	if v, ok := tx.meta[key]; ok {
		return v, true, nil
	}
	v, ok := tx.m.meta[key]
	return v, ok, nil
}

func (tx *memTx) Put(e ir.Entity) error {
	if err := validateEntity(e); err != nil {
		return err
	}
	if _, err := marshalObject(e.Attributes); err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Collection, e.ID, err)
	}
	c := e.Clone()
	c.Attributes = ir.NormalizeObject(e.Attributes)
	tx.entities[e.Key()] = &c
	return nil
}

func (tx *memTx) Delete(collection, id string) error {
	tx.entities[ir.Key{Collection: collection, ID: id}] = nil
	return nil
}

func (tx *memTx) AppendOutbox(rec ir.OutboxRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if _, exists := tx.lookupRecord(rec.Seq); exists {
		return fmt.Errorf("append outbox: seq %d already exists", rec.Seq)
	}
	c := rec
	c.Payload = ir.NormalizeObject(rec.Payload)
	tx.outbox[rec.Seq] = &c
	return nil
}

func (tx *memTx) RemoveOutbox(seq uint64) error {
	tx.outbox[seq] = nil
	return nil
}

func (tx *memTx) BumpAttempts(seq uint64) error {
	rec, ok := tx.lookupRecord(seq)
	if !ok {
		return fmt.Errorf("bump attempts %d: %w", seq, ErrNotFound)
	}
	rec.Attempts++
	tx.outbox[seq] = &rec
	return nil
}

func (tx *memTx) SetSyncStatus(collection, id string, status ir.SyncStatus) error {
	e, ok := tx.lookup(ir.Key{Collection: collection, ID: id})
	if !ok {
		return fmt.Errorf("set sync status %s/%s: %w", collection, id, ErrNotFound)
	}
	e.SyncStatus = status
	return tx.Put(e)
}

func (tx *memTx) SetMeta(key, value string) error {
	tx.meta[key] = value
	return nil
}

var _ Tx = (*memTx)(nil)
