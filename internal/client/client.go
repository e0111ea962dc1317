// Package client bundles the engine into one explicit context object per
// application session: a StorageEngine backend, the MutationProcessor, the
// SubscriptionManager and, when a dialer is configured, the
// SyncCoordinator.
//
// A Client has a defined lifecycle: New wires the parts, Start launches
// background sync, Close stops sync (leaving the outbox intact) and closes
// the store.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/mutation"
	"github.com/roach88/lofi/internal/query"
	"github.com/roach88/lofi/internal/schema"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/subscription"
	"github.com/roach88/lofi/internal/syncer"
	"github.com/roach88/lofi/internal/transport"
)

// ErrClosed is returned by calls on a closed Client.
var ErrClosed = errors.New("client is closed")

// Client is one local-first session.
type Client struct {
	backend  store.Backend
	schema   *schema.Schema
	subs     *subscription.Manager
	proc     *mutation.Processor
	sync     *syncer.Coordinator
	clientID string
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
}

type options struct {
	schema      *schema.Schema
	dialer      transport.Dialer
	clientID    string
	logger      *slog.Logger
	clock       mutation.Clock
	ids         mutation.IDGenerator
	syncOptions []syncer.Option
}

// Option configures a Client.
type Option func(*options)

// WithSchema validates mutations against s.
func WithSchema(s *schema.Schema) Option {
	return func(o *options) { o.schema = s }
}

// WithDialer enables sync with the authority reachable through d.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithClientID fixes the client id instead of the one persisted in the
// store.
func WithClientID(id string) Option {
	return func(o *options) { o.clientID = id }
}

// WithLogger sets the logger shared by every part.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the clock used for "now" defaults.
func WithClock(c mutation.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator overrides entity id generation.
func WithIDGenerator(g mutation.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithSyncOptions passes options through to the SyncCoordinator.
func WithSyncOptions(opts ...syncer.Option) Option {
	return func(o *options) { o.syncOptions = append(o.syncOptions, opts...) }
}

// New wires a Client over backend. The Client owns backend from here on
// and closes it in Close.
func New(ctx context.Context, backend store.Backend, opts ...Option) (*Client, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	clientID, err := resolveClientID(ctx, backend, o.clientID)
	if err != nil {
		return nil, fmt.Errorf("client id: %w", err)
	}

	c := &Client{
		backend:  backend,
		schema:   o.schema,
		clientID: clientID,
		logger:   o.logger.With("client", clientID),
	}
	c.subs = subscription.New(backend, subscription.WithLogger(c.logger))

	procOpts := []mutation.Option{
		mutation.WithNotifier(c.subs),
		mutation.WithLogger(c.logger),
	}
	if o.schema != nil {
		procOpts = append(procOpts, mutation.WithSchema(o.schema))
	}
	if o.clock != nil {
		procOpts = append(procOpts, mutation.WithClock(o.clock))
	}
	if o.ids != nil {
		procOpts = append(procOpts, mutation.WithIDGenerator(o.ids))
	}
	c.proc = mutation.New(backend, procOpts...)

	if o.dialer != nil {
		syncOpts := append([]syncer.Option{
			syncer.WithNotifier(c.subs),
			syncer.WithLogger(c.logger),
		}, o.syncOptions...)
		c.sync = syncer.New(backend, o.dialer, clientID, syncOpts...)
		c.proc.SetWaker(c.sync)
	}
	return c, nil
}

// resolveClientID returns the explicit id, or the one persisted in the
// store, creating and persisting a UUIDv7 on first use.
func resolveClientID(ctx context.Context, backend store.Backend, explicit string) (string, error) {
	var id string
	err := backend.Update(ctx, func(tx store.Tx) error {
		stored, ok, err := tx.Meta(store.MetaClientID)
		if err != nil {
			return err
		}
		switch {
		case explicit != "":
			id = explicit
		case ok:
			id = stored
			return nil
		default:
			id = mutation.UUIDv7{}.NewID()
		}
		if ok && stored == id {
			return nil
		}
		return tx.SetMeta(store.MetaClientID, id)
	})
	return id, err
}

// ClientID returns the id used as the first half of every idempotency key.
func (c *Client) ClientID() string { return c.clientID }

// Schema returns the schema mutations are validated against, or nil.
func (c *Client) Schema() *schema.Schema { return c.schema }

// Syncing reports whether the client was configured with a dialer.
func (c *Client) Syncing() bool { return c.sync != nil }

// Start launches background sync. Without a dialer it does nothing.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started || c.sync == nil {
		return nil
	}
	if err := c.sync.Start(ctx); err != nil {
		return err
	}
	c.started = true
	c.logger.Info("client started")
	return nil
}

// Close stops sync, waiting a bounded time for in-flight acks, then
// closes the store. Pending records stay in the outbox.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var errs []error
	if c.sync != nil {
		if err := c.sync.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop sync: %w", err))
		}
	}
	if err := c.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	c.logger.Info("client closed")
	return errors.Join(errs...)
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Insert creates an entity optimistically and returns its id.
func (c *Client) Insert(ctx context.Context, collection string, attrs ir.Object) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	return c.proc.Insert(ctx, collection, attrs)
}

// Update runs draft against a mutable copy of the entity's attributes.
func (c *Client) Update(ctx context.Context, collection, id string, draft mutation.Draft) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.proc.Update(ctx, collection, id, draft)
}

// Set merges fields into the entity; ir.Null{} removes a field.
func (c *Client) Set(ctx context.Context, collection, id string, fields ir.Object) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.proc.Set(ctx, collection, id, fields)
}

// Delete removes the entity locally; the server confirms it later.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.proc.Delete(ctx, collection, id)
}

// Get returns a live entity. Tombstones are reported as not found.
func (c *Client) Get(ctx context.Context, collection, id string) (ir.Entity, error) {
	if err := c.checkOpen(); err != nil {
		return ir.Entity{}, err
	}
	e, err := store.Get(ctx, c.backend, collection, id)
	if err != nil {
		return ir.Entity{}, err
	}
	if e.Deleted {
		return ir.Entity{}, store.ErrNotFound
	}
	return e, nil
}

// Fetch evaluates spec once against the current cache.
func (c *Client) Fetch(ctx context.Context, spec query.Spec) ([]ir.Entity, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	var out []ir.Entity
	err := c.backend.View(ctx, func(tx store.ReadTx) error {
		var err error
		out, err = query.Run(tx, spec)
		return err
	})
	return out, err
}

// Subscribe registers a live query. The first snapshot is delivered
// before Subscribe returns.
func (c *Client) Subscribe(ctx context.Context, spec query.Spec, cb subscription.Callback) (subscription.Handle, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return c.subs.Subscribe(ctx, spec, cb)
}

// Unsubscribe stops a live query. Idempotent.
func (c *Client) Unsubscribe(h subscription.Handle) {
	c.subs.Unsubscribe(h)
}

// SetLimit changes a live query's limit, for "load more" pagination.
func (c *Client) SetLimit(ctx context.Context, h subscription.Handle, limit int) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.subs.SetLimit(ctx, h, limit)
}

// Outbox lists the records awaiting acknowledgement, by seq.
func (c *Client) Outbox(ctx context.Context) ([]ir.OutboxRecord, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return store.ListOutbox(ctx, c.backend)
}

// Status reports sync state. A client without a dialer is always
// disconnected.
func (c *Client) Status(ctx context.Context) (syncer.Status, error) {
	if err := c.checkOpen(); err != nil {
		return syncer.Status{}, err
	}
	if c.sync != nil {
		return c.sync.Status(ctx)
	}
	pending, err := store.ListOutbox(ctx, c.backend)
	if err != nil {
		return syncer.Status{}, err
	}
	return syncer.Status{State: syncer.Disconnected, Pending: len(pending)}, nil
}

// Cursor returns the highest server version applied to the cache, 0
// until sync has applied anything.
func (c *Client) Cursor(ctx context.Context) (uint64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return syncer.ReadCursor(ctx, c.backend)
}

// Reconnect asks sync to redial now with a fresh backoff.
func (c *Client) Reconnect() {
	if c.sync != nil {
		c.sync.Reconnect()
	}
}

// Reinitialize clears a storage halt once the store works again and
// resumes sync.
func (c *Client) Reinitialize(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.proc.Reinitialize(ctx); err != nil {
		return err
	}
	c.Reconnect()
	return nil
}
