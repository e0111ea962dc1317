// Package mutation implements the MutationProcessor: optimistic inserts,
// updates and deletes that write the entity and its outbox record in one
// storage transaction, then notify live queries and wake the sync loop.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/schema"
	"github.com/roach88/lofi/internal/store"
)

// Notifier is told which entities a committed mutation touched.
// subscription.Manager implements it.
type Notifier interface {
	OnMutation(ctx context.Context, collection string, ids ...string) error
}

// Waker is poked after every committed mutation so the outbox drains
// promptly. syncer.Coordinator implements it.
type Waker interface {
	Wake()
}

// IDGenerator assigns ids to inserted entities that have none.
type IDGenerator interface {
	NewID() string
}

// Clock supplies the time used for "now" defaults.
type Clock interface {
	Now() time.Time
}

// UUIDv7 generates time-ordered UUIDv7 ids.
type UUIDv7 struct{}

// NewID returns a new UUIDv7 string.
func (UUIDv7) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Draft mutates a copy of an entity's attributes in place. Setting a key
// to ir.Null{} or deleting it removes the attribute.
type Draft func(attrs ir.Object) error

// Processor applies local mutations.
type Processor struct {
	backend  store.Backend
	schema   *schema.Schema
	notifier Notifier
	ids      IDGenerator
	clock    Clock
	logger   *slog.Logger
	locks    *entityLocks

	wakerMu sync.RWMutex
	waker   Waker

	haltMu  sync.RWMutex
	haltErr error
}

// Option configures a Processor.
type Option func(*Processor)

// WithSchema validates attributes against s. Without a schema any
// attribute map is accepted.
func WithSchema(s *schema.Schema) Option {
	return func(p *Processor) { p.schema = s }
}

// WithNotifier sets the receiver of mutation notifications.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithIDGenerator overrides UUIDv7 id generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(p *Processor) { p.ids = g }
}

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithLogger sets the logger for the processor.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// New creates a Processor writing to backend.
func New(backend store.Backend, opts ...Option) *Processor {
	p := &Processor{
		backend: backend,
		ids:     UUIDv7{},
		clock:   systemClock{},
		logger:  slog.Default(),
		locks:   newEntityLocks(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetWaker registers the sync loop to wake after each mutation.
func (p *Processor) SetWaker(w Waker) {
	p.wakerMu.Lock()
	defer p.wakerMu.Unlock()
	p.waker = w
}

// Halted returns the storage failure that halted the processor, or nil.
func (p *Processor) Halted() error {
	p.haltMu.RLock()
	defer p.haltMu.RUnlock()
	return p.haltErr
}

// Reinitialize clears a halt after verifying the store is readable again.
func (p *Processor) Reinitialize(ctx context.Context) error {
	err := p.backend.View(ctx, func(tx store.ReadTx) error {
		_, _, err := tx.Meta(store.MetaLastSeq)
		return err
	})
	if err != nil {
		return &MutationError{Code: CodeStorage, Message: "store is still failing", Err: err}
	}

	p.haltMu.Lock()
	defer p.haltMu.Unlock()
	if p.haltErr != nil {
		p.logger.Info("mutation processor reinitialized", "cleared", p.haltErr)
	}
	p.haltErr = nil
	return nil
}

func (p *Processor) checkHalted(collection, id string) error {
	if err := p.Halted(); err != nil {
		return &MutationError{
			Code:       CodeHalted,
			Collection: collection,
			ID:         id,
			Message:    "mutations halted after storage failure; reinitialize the store",
			Err:        err,
		}
	}
	return nil
}

// Insert writes a new entity and its insert record. The id comes from
// attrs["id"] when present, otherwise from the id generator; it is always
// stored back into attrs["id"]. Returns the id.
func (p *Processor) Insert(ctx context.Context, collection string, attrs ir.Object) (string, error) {
	if collection == "" {
		return "", invalid(collection, "", errors.New("collection is required"))
	}

	id, err := p.resolveID(collection, attrs)
	if err != nil {
		return "", err
	}
	if err := p.checkHalted(collection, id); err != nil {
		return "", err
	}

	prepared, err := p.prepareInsert(collection, id, attrs)
	if err != nil {
		return "", err
	}

	unlock := p.locks.Lock(ir.Key{Collection: collection, ID: id})
	err = p.backend.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.Get(collection, id); err == nil {
			return invalid(collection, id, errors.New("entity already exists"))
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		seq, err := nextSeq(tx)
		if err != nil {
			return err
		}
		entity := ir.Entity{
			Collection:   collection,
			ID:           id,
			Attributes:   prepared,
			SyncStatus:   ir.Pending,
			LocalVersion: 1,
		}
		if err := tx.Put(entity); err != nil {
			return err
		}
		return tx.AppendOutbox(ir.OutboxRecord{
			Seq:        seq,
			Collection: collection,
			ID:         id,
			Op:         ir.OpInsert,
			Payload:    prepared,
		})
	})
	unlock()
	if err != nil {
		return "", p.fail(collection, id, err)
	}

	p.logger.Debug("mutation applied", "op", ir.OpInsert, "collection", collection, "id", id)
	p.committed(ctx, collection, id)
	return id, nil
}

func (p *Processor) resolveID(collection string, attrs ir.Object) (string, error) {
	raw, ok := attrs[schema.IDField]
	if !ok {
		return p.ids.NewID(), nil
	}
	id, isString := raw.(ir.String)
	if !isString || id == "" {
		return "", invalid(collection, "", fmt.Errorf("id must be a non-empty string, got %s", ir.KindOf(raw)))
	}
	return string(id), nil
}

func (p *Processor) prepareInsert(collection, id string, attrs ir.Object) (ir.Object, error) {
	out := attrs.Clone()
	out[schema.IDField] = ir.String(id)
	if p.schema == nil {
		return out, nil
	}
	c, ok := p.schema.Collection(collection)
	if !ok {
		return nil, invalid(collection, id, fmt.Errorf("unknown collection %q", collection))
	}
	prepared, err := c.PrepareInsert(out, p.clock.Now())
	if err != nil {
		return nil, invalid(collection, id, err)
	}
	return prepared, nil
}

// Update applies draft to a copy of the entity's attributes and records
// the resulting patch. A draft that changes nothing writes nothing.
//
// The draft runs outside the storage transaction. If sync changed the
// entity meanwhile, the draft's patch is applied on top of the newer
// attributes.
func (p *Processor) Update(ctx context.Context, collection, id string, draft Draft) error {
	if err := p.checkHalted(collection, id); err != nil {
		return err
	}
	if draft == nil {
		return invalid(collection, id, errors.New("draft function is required"))
	}

	unlock := p.locks.Lock(ir.Key{Collection: collection, ID: id})
	defer func() {
		if unlock != nil {
			unlock()
		}
	}()

	before, err := store.Get(ctx, p.backend, collection, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && before.Deleted) {
		return notFound(collection, id)
	}
	if err != nil {
		return p.fail(collection, id, err)
	}

	working := before.Attributes.Clone()
	if err := draft(working); err != nil {
		return invalid(collection, id, err)
	}
	patch := ir.Diff(before.Attributes, working)
	if v, ok := patch[schema.IDField]; ok && !ir.Equal(v, ir.String(id)) {
		return invalid(collection, id, errors.New("id cannot be changed"))
	}
	if len(patch) == 0 {
		return nil
	}

	err = p.backend.Update(ctx, func(tx store.Tx) error {
		current, err := tx.Get(collection, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && current.Deleted) {
			return notFound(collection, id)
		}
		if err != nil {
			return err
		}

		current.Attributes = ir.ApplyPatch(current.Attributes, patch)
		if err := p.validate(collection, id, current.Attributes); err != nil {
			return err
		}
		seq, err := nextSeq(tx)
		if err != nil {
			return err
		}
		current.LocalVersion++
		current.SyncStatus = ir.Pending
		if err := tx.Put(current); err != nil {
			return err
		}
		return tx.AppendOutbox(ir.OutboxRecord{
			Seq:        seq,
			Collection: collection,
			ID:         id,
			Op:         ir.OpUpdate,
			Payload:    patch,
		})
	})
	unlock()
	unlock = nil
	if err != nil {
		return p.fail(collection, id, err)
	}

	p.logger.Debug("mutation applied", "op", ir.OpUpdate, "collection", collection, "id", id, "fields", len(patch))
	p.committed(ctx, collection, id)
	return nil
}

// Set is Update with a draft that merges fields (ir.Null{} removes one).
func (p *Processor) Set(ctx context.Context, collection, id string, fields ir.Object) error {
	return p.Update(ctx, collection, id, func(attrs ir.Object) error {
		for k, v := range fields {
			if _, isNull := v.(ir.Null); isNull {
				delete(attrs, k)
				continue
			}
			attrs[k] = ir.CloneValue(v)
		}
		return nil
	})
}

func (p *Processor) validate(collection, id string, attrs ir.Object) error {
	if p.schema == nil {
		return nil
	}
	c, ok := p.schema.Collection(collection)
	if !ok {
		return invalid(collection, id, fmt.Errorf("unknown collection %q", collection))
	}
	if err := c.Validate(attrs); err != nil {
		return invalid(collection, id, err)
	}
	return nil
}

// Delete tombstones the entity and records the delete. The tombstone is
// hidden from queries and purged once the server acknowledges the delete.
func (p *Processor) Delete(ctx context.Context, collection, id string) error {
	if err := p.checkHalted(collection, id); err != nil {
		return err
	}

	unlock := p.locks.Lock(ir.Key{Collection: collection, ID: id})
	err := p.backend.Update(ctx, func(tx store.Tx) error {
		current, err := tx.Get(collection, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && current.Deleted) {
			return notFound(collection, id)
		}
		if err != nil {
			return err
		}

		seq, err := nextSeq(tx)
		if err != nil {
			return err
		}
		current.Deleted = true
		current.LocalVersion++
		current.SyncStatus = ir.Pending
		if err := tx.Put(current); err != nil {
			return err
		}
		return tx.AppendOutbox(ir.OutboxRecord{
			Seq:        seq,
			Collection: collection,
			ID:         id,
			Op:         ir.OpDelete,
			Payload:    ir.Object{},
		})
	})
	unlock()
	if err != nil {
		return p.fail(collection, id, err)
	}

	p.logger.Debug("mutation applied", "op", ir.OpDelete, "collection", collection, "id", id)
	p.committed(ctx, collection, id)
	return nil
}

// nextSeq allocates the next outbox seq inside the caller's transaction,
// so a failed mutation never consumes one.
func nextSeq(tx store.Tx) (uint64, error) {
	raw, ok, err := tx.Meta(store.MetaLastSeq)
	if err != nil {
		return 0, err
	}
	var last uint64
	if ok {
		if last, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return 0, &store.StorageError{Op: "read last seq", Err: err}
		}
	}
	next := last + 1
	if err := tx.SetMeta(store.MetaLastSeq, strconv.FormatUint(next, 10)); err != nil {
		return 0, err
	}
	return next, nil
}

// fail classifies an error from a write. Anything that is not already a
// MutationError or a context error is a storage failure and halts the
// processor.
func (p *Processor) fail(collection, id string, err error) error {
	var me *MutationError
	if errors.As(err, &me) {
		return me
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	p.haltMu.Lock()
	if p.haltErr == nil {
		p.haltErr = err
	}
	p.haltMu.Unlock()

	p.logger.Error("storage failure, halting mutations", "collection", collection, "id", id, "error", err)
	return &MutationError{Code: CodeStorage, Collection: collection, ID: id, Err: err}
}

// committed runs after a write is durable: deliver to live queries, then
// wake the sync loop.
func (p *Processor) committed(ctx context.Context, collection, id string) {
	if p.notifier != nil {
		if err := p.notifier.OnMutation(ctx, collection, id); err != nil {
			p.logger.Error("live query refresh failed", "collection", collection, "id", id, "error", err)
		}
	}

	p.wakerMu.RLock()
	w := p.waker
	p.wakerMu.RUnlock()
	if w != nil {
		w.Wake()
	}
}
