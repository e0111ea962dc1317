package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/lofi/internal/authority"
	"github.com/roach88/lofi/internal/client"
	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/query"
	"github.com/roach88/lofi/internal/schema"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/subscription"
	"github.com/roach88/lofi/internal/syncer"
	"github.com/roach88/lofi/internal/testutil"
	"github.com/roach88/lofi/internal/transport"
	"github.com/roach88/lofi/internal/transport/pipe"
)

// DefaultSettleTimeout bounds the wait for quiescence after each step.
const DefaultSettleTimeout = 5 * time.Second

const settlePoll = 2 * time.Millisecond

// Harness runs one scenario.
type Harness struct {
	scenario *Scenario
	server   *authority.Server
	nodes    map[string]*node
	order    []string
	logger   *slog.Logger
	settle   time.Duration
}

type node struct {
	name   string
	client *client.Client
	dialer *pipe.Dialer
	online bool
	subs   map[string]*liveQuery
}

// liveQuery records the deliveries of one subscription.
type liveQuery struct {
	name   string
	spec   query.Spec
	handle subscription.Handle
	active bool

	mu      sync.Mutex
	pending [][]ir.Entity
	last    []ir.Entity
	count   int
}

func (q *liveQuery) callback(_ context.Context, snap subscription.Snapshot) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, snap.Results)
	q.last = snap.Results
	q.count++
}

func (q *liveQuery) drain() [][]ir.Entity {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

func (q *liveQuery) lastResults() []ir.Entity {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

func (q *liveQuery) deliveries() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Option configures a run.
type Option func(*Harness)

// WithLogger routes engine logs. Runs are silent by default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithSettleTimeout bounds the wait for quiescence after each step.
func WithSettleTimeout(d time.Duration) Option {
	return func(h *Harness) { h.settle = d }
}

// Run executes a scenario against a fresh in-process authority, one
// memory-backed client per scenario client, each with its own
// deterministic clock and id sequence.
//
// After every step the harness waits until every online client is
// connected, has an empty outbox, has applied the authority's latest
// version and has delivered the current result of each live query.
// Deliveries are then appended to the trace by client (scenario order)
// and subscription name, so transcripts are stable across runs.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		scenario: sc,
		nodes:    make(map[string]*node, len(sc.Clients)),
		order:    sc.Clients,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		settle:   DefaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	sch, err := loadSchema(sc.Schema)
	if err != nil {
		return nil, err
	}

	h.server, err = authority.New(ctx, authority.WithLogger(h.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create authority: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer h.close()

	for _, name := range sc.Clients {
		n, err := h.newNode(runCtx, name, sch)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", name, err)
		}
		h.nodes[name] = n
	}
	if err := h.waitQuiet(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	for i := range sc.Steps {
		step := &sc.Steps[i]
		h.runStep(ctx, i+1, step, result)
		if err := h.waitQuiet(ctx); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		h.flush(i+1, result)
	}

	for _, msg := range h.evaluate(ctx, sc.Assertions) {
		result.AddError("%s", msg)
	}
	return result, nil
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return schema.Chat()
	}
	return schema.Load(path)
}

func (h *Harness) newNode(ctx context.Context, name string, sch *schema.Schema) (*node, error) {
	dialer := &pipe.Dialer{Accept: func(conn transport.Conn) {
		if err := h.server.Serve(ctx, conn); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Debug("serve ended", "client", name, "error", err)
		}
	}}
	c, err := client.New(ctx, store.NewMemory(store.WithIndexes(sch.Indexes())),
		client.WithSchema(sch),
		client.WithClientID(name),
		client.WithDialer(dialer),
		client.WithLogger(h.logger),
		client.WithClock(testutil.NewDeterministicClock()),
		client.WithIDGenerator(testutil.NewSequenceIDs(name)),
		client.WithSyncOptions(
			syncer.WithSendTimeout(time.Second),
			syncer.WithBackoff(2*time.Millisecond, 10*time.Millisecond),
			syncer.WithShutdownGrace(100*time.Millisecond),
		),
	)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		c.Close(context.Background())
		return nil, err
	}
	return &node{name: name, client: c, dialer: dialer, online: true, subs: make(map[string]*liveQuery)}, nil
}

func (h *Harness) close() {
	for _, name := range h.order {
		if n, ok := h.nodes[name]; ok {
			n.client.Close(context.Background())
		}
	}
}

func (h *Harness) runStep(ctx context.Context, num int, step *Step, result *Result) {
	actor := step.Client
	if actor == "" {
		actor = "server"
	}
	result.Trace = append(result.Trace, TraceEvent{
		Kind:   EventStep,
		Step:   num,
		Actor:  actor,
		Action: step.Action(),
		Target: stepTarget(step),
	})

	err := h.apply(ctx, step)
	switch {
	case step.ExpectError != "" && err == nil:
		result.AddError("step %d: expected error containing %q, got none", num, step.ExpectError)
	case step.ExpectError != "" && !strings.Contains(err.Error(), step.ExpectError):
		result.AddError("step %d: expected error containing %q, got %v", num, step.ExpectError, err)
	case step.ExpectError != "":
		result.Trace = append(result.Trace, TraceEvent{Kind: EventError, Step: num, Actor: actor, Expected: step.ExpectError})
	case err != nil:
		result.AddError("step %d: %v", num, err)
	}
}

func stepTarget(step *Step) string {
	for _, w := range []*WriteStep{step.Insert, step.Update, step.Delete, step.ServerWrite, step.ServerRemove} {
		if w != nil {
			return w.Collection + "/" + w.ID
		}
	}
	switch {
	case step.Subscribe != nil:
		return step.Subscribe.Name
	case step.Unsubscribe != "":
		return step.Unsubscribe
	case step.Limit != nil:
		return fmt.Sprintf("%s %d", step.Limit.Name, step.Limit.Limit)
	}
	return ""
}

func (h *Harness) apply(ctx context.Context, step *Step) error {
	switch {
	case step.ServerWrite != nil:
		attrs, err := ir.ObjectFromGo(step.ServerWrite.Attrs)
		if err != nil {
			return err
		}
		_, err = h.server.Write(ctx, step.ServerWrite.Collection, step.ServerWrite.ID, attrs)
		return err
	case step.ServerRemove != nil:
		removed, err := h.server.Remove(ctx, step.ServerRemove.Collection, step.ServerRemove.ID)
		if err == nil && !removed {
			err = fmt.Errorf("server entity %s/%s not found", step.ServerRemove.Collection, step.ServerRemove.ID)
		}
		return err
	}

	n := h.nodes[step.Client]
	c := n.client
	switch {
	case step.Insert != nil:
		attrs, err := ir.ObjectFromGo(step.Insert.Attrs)
		if err != nil {
			return err
		}
		attrs[schema.IDField] = ir.String(step.Insert.ID)
		_, err = c.Insert(ctx, step.Insert.Collection, attrs)
		return err
	case step.Update != nil:
		patch, err := ir.ObjectFromGo(step.Update.Attrs)
		if err != nil {
			return err
		}
		return c.Update(ctx, step.Update.Collection, step.Update.ID, func(attrs ir.Object) error {
			for k, v := range patch {
				attrs[k] = v
			}
			return nil
		})
	case step.Delete != nil:
		return c.Delete(ctx, step.Delete.Collection, step.Delete.ID)
	case step.Subscribe != nil:
		spec, err := step.Subscribe.Query.Spec()
		if err != nil {
			return err
		}
		q := &liveQuery{name: step.Subscribe.Name, spec: spec}
		n.subs[q.name] = q
		q.handle, err = c.Subscribe(ctx, spec, q.callback)
		if err != nil {
			return err
		}
		q.active = true
		return nil
	case step.Unsubscribe != "":
		q := n.subs[step.Unsubscribe]
		c.Unsubscribe(q.handle)
		q.active = false
		return nil
	case step.Limit != nil:
		q := n.subs[step.Limit.Name]
		if err := c.SetLimit(ctx, q.handle, step.Limit.Limit); err != nil {
			return err
		}
		q.spec = q.spec.WithLimit(step.Limit.Limit)
		return nil
	case step.Network == "offline":
		n.dialer.SetOffline(true)
		n.online = false
		return h.await(ctx, func() (bool, error) {
			st, err := c.Status(ctx)
			return st.State != syncer.Connected, err
		})
	case step.Network == "online":
		n.dialer.SetOffline(false)
		n.online = true
		c.Reconnect()
		return nil
	}
	return fmt.Errorf("no action")
}

// waitQuiet blocks until no sync traffic is left for online clients.
func (h *Harness) waitQuiet(ctx context.Context) error {
	return h.await(ctx, func() (bool, error) { return h.quiet(ctx) })
}

func (h *Harness) await(ctx context.Context, cond func() (bool, error)) error {
	deadline := time.Now().Add(h.settle)
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("clients did not settle within %s", h.settle)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settlePoll):
		}
	}
}

func (h *Harness) quiet(ctx context.Context) (bool, error) {
	version := h.server.Version()
	for _, name := range h.order {
		n := h.nodes[name]
		if !n.online {
			continue
		}
		st, err := n.client.Status(ctx)
		if err != nil {
			return false, err
		}
		if st.State != syncer.Connected || st.Pending > 0 {
			return false, nil
		}
		cursor, err := n.client.Cursor(ctx)
		if err != nil {
			return false, err
		}
		if cursor < version {
			return false, nil
		}
		for _, q := range n.subs {
			if !q.active {
				continue
			}
			current, err := n.client.Fetch(ctx, q.spec)
			if err != nil {
				return false, err
			}
			if !sameEntities(q.lastResults(), current) {
				return false, nil
			}
		}
	}
	return true, nil
}

func (h *Harness) flush(num int, result *Result) {
	for _, name := range h.order {
		n := h.nodes[name]
		names := make([]string, 0, len(n.subs))
		for sub := range n.subs {
			names = append(names, sub)
		}
		slices.Sort(names)
		for _, sub := range names {
			for _, results := range n.subs[sub].drain() {
				result.Trace = append(result.Trace, TraceEvent{
					Kind:         EventDelivery,
					Step:         num,
					Actor:        name,
					Subscription: sub,
					Results:      results,
				})
			}
		}
	}
}

func sameEntities(a, b []ir.Entity) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !ir.Equal(a[i].Attributes, b[i].Attributes) {
			return false
		}
	}
	return true
}
