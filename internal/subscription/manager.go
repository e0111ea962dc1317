package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/query"
	"github.com/roach88/lofi/internal/store"
)

// Snapshot is one delivery to a subscription.
type Snapshot struct {
	// Results is the ordered query result. Callers own the slice.
	Results []ir.Entity
	// First is true only for the initial delivery after Subscribe.
	First bool
}

// IDs returns the ids of the results in order.
func (s Snapshot) IDs() []string { return query.IDs(s.Results) }

// Callback receives snapshots. ctx is the delivery round's context; use it
// for any mutation issued from inside the callback.
type Callback func(ctx context.Context, snap Snapshot)

// Handle identifies a subscription.
type Handle uint64

// ErrUnknownHandle is returned by SetLimit for a handle that is not active.
var ErrUnknownHandle = errors.New("unknown subscription handle")

type subscription struct {
	handle   Handle
	window   *query.Window
	callback Callback
	last     []ir.Entity
	active   atomic.Bool
}

// Manager owns all live subscriptions of one client.
type Manager struct {
	backend store.Backend
	logger  *slog.Logger

	mu     sync.Mutex
	subs   map[Handle]*subscription
	nextID Handle

	// round serializes delivery rounds.
	round   sync.Mutex
	pending *notificationQueue
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager reading from backend.
func New(backend store.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		logger:  slog.Default(),
		subs:    make(map[Handle]*subscription),
		pending: newNotificationQueue(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type roundKey struct{}

// inRound reports whether ctx belongs to this manager's running round.
func (m *Manager) inRound(ctx context.Context) bool {
	owner, _ := ctx.Value(roundKey{}).(*Manager)
	return owner == m
}

// withRound runs fn as a delivery round, or directly when ctx already
// belongs to one.
func (m *Manager) withRound(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.inRound(ctx) {
		return fn(ctx)
	}
	m.round.Lock()
	defer m.round.Unlock()

	rctx := context.WithValue(ctx, roundKey{}, m)
	if err := fn(rctx); err != nil {
		return err
	}
	return m.drain(rctx)
}

// Subscribe evaluates spec, delivers the first snapshot and registers the
// callback for future changes. The first delivery happens before
// Subscribe returns.
func (m *Manager) Subscribe(ctx context.Context, spec query.Spec, cb Callback) (Handle, error) {
	if err := query.Validate(spec); err != nil {
		return 0, err
	}
	if cb == nil {
		return 0, fmt.Errorf("subscribe %s: callback is required", spec.Collection)
	}

	var handle Handle
	err := m.withRound(ctx, func(ctx context.Context) error {
		var candidates []ir.Entity
		err := m.backend.View(ctx, func(tx store.ReadTx) error {
			var err error
			candidates, err = query.Candidates(tx, spec)
			return err
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", spec.Collection, err)
		}

		sub := &subscription{window: query.NewWindow(spec, candidates), callback: cb}
		sub.active.Store(true)

		m.mu.Lock()
		m.nextID++
		sub.handle = m.nextID
		m.subs[sub.handle] = sub
		m.mu.Unlock()
		handle = sub.handle

		m.logger.Debug("subscribed", "handle", handle, "collection", spec.Collection, "results", sub.window.Len())
		m.deliver(ctx, sub, true)
		return nil
	})
	return handle, err
}

// Unsubscribe stops delivery to a handle and releases its window.
// Idempotent; safe to call from inside a callback.
func (m *Manager) Unsubscribe(h Handle) {
	m.mu.Lock()
	sub, ok := m.subs[h]
	delete(m.subs, h)
	m.mu.Unlock()

	if ok {
		sub.active.Store(false)
		m.logger.Debug("unsubscribed", "handle", h)
	}
}

// Len returns the number of active subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// SetLimit changes a live subscription's limit and delivers the new
// window if it differs.
func (m *Manager) SetLimit(ctx context.Context, h Handle, limit int) error {
	if limit < 0 {
		return fmt.Errorf("set limit: limit must be positive, got %d", limit)
	}
	return m.withRound(ctx, func(ctx context.Context) error {
		m.mu.Lock()
		sub, ok := m.subs[h]
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("set limit %d: %w", h, ErrUnknownHandle)
		}

		if sub.window.SetLimit(limit) {
			if err := m.rescan(ctx, sub); err != nil {
				return err
			}
		}
		m.deliver(ctx, sub, false)
		return nil
	})
}

// OnMutation re-evaluates every subscription on collection after the given
// entities changed, and delivers changed snapshots before returning. When
// called with a callback's context, the notification is queued for the
// running round instead.
func (m *Manager) OnMutation(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	m.pending.Enqueue(notification{Collection: collection, IDs: slices.Clone(ids)})
	if m.inRound(ctx) {
		return nil
	}
	return m.withRound(ctx, func(context.Context) error { return nil })
}

// drain processes queued notifications until none remain, including ones
// enqueued by callbacks during the round.
func (m *Manager) drain(ctx context.Context) error {
	var errs []error
	for {
		n, ok := m.pending.TryDequeue()
		if !ok {
			return errors.Join(errs...)
		}
		if err := m.process(ctx, n); err != nil {
			m.logger.Error("subscription refresh failed", "collection", n.Collection, "error", err)
			errs = append(errs, err)
		}
	}
}

func (m *Manager) matching(collection string) []*subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*subscription
	for _, sub := range m.subs {
		if sub.window.Spec().Collection == collection {
			out = append(out, sub)
		}
	}
	slices.SortFunc(out, func(a, b *subscription) int {
		switch {
		case a.handle < b.handle:
			return -1
		case a.handle > b.handle:
			return 1
		}
		return 0
	})
	return out
}

type change struct {
	entity  ir.Entity
	present bool
}

func (m *Manager) process(ctx context.Context, n notification) error {
	subs := m.matching(n.Collection)
	if len(subs) == 0 {
		return nil
	}

	changes := make([]change, 0, len(n.IDs))
	err := m.backend.View(ctx, func(tx store.ReadTx) error {
		for _, id := range n.IDs {
			e, err := tx.Get(n.Collection, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				changes = append(changes, change{entity: ir.Entity{Collection: n.Collection, ID: id}})
			case err != nil:
				return err
			default:
				changes = append(changes, change{entity: e, present: true})
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read changed entities: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		rescan := false
		for _, c := range changes {
			if sub.window.Apply(c.entity, c.present) {
				rescan = true
			}
		}
		if rescan {
			if err := m.rescan(ctx, sub); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		m.deliver(ctx, sub, false)
	}
	return errors.Join(errs...)
}

func (m *Manager) rescan(ctx context.Context, sub *subscription) error {
	spec := sub.window.Spec()
	return m.backend.View(ctx, func(tx store.ReadTx) error {
		candidates, err := query.Candidates(tx, spec)
		if err != nil {
			return fmt.Errorf("rescan %s: %w", spec.Collection, err)
		}
		sub.window.Reset(candidates)
		return nil
	})
}

// deliver invokes the callback when the window differs from the last
// delivery, or unconditionally for the first one.
func (m *Manager) deliver(ctx context.Context, sub *subscription, first bool) {
	if !sub.active.Load() {
		return
	}
	current := sub.window.Entries()
	if !first && sameResults(sub.last, current) {
		return
	}
	sub.last = cloneAll(current)
	sub.callback(ctx, Snapshot{Results: cloneAll(current), First: first})
}

// sameResults compares ordered ids and attribute values.
func sameResults(prev, next []ir.Entity) bool {
	if len(prev) != len(next) {
		return false
	}
	for i := range prev {
		if prev[i].ID != next[i].ID || !ir.Equal(prev[i].Attributes, next[i].Attributes) {
			return false
		}
	}
	return true
}

func cloneAll(entities []ir.Entity) []ir.Entity {
	out := make([]ir.Entity, len(entities))
	for i, e := range entities {
		out[i] = e.Clone()
	}
	return out
}
