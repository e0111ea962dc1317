// Package syncer implements the SyncCoordinator: a background loop that
// drains the outbox to the authority, folds acks, rejections and pushes
// back into the store, and reconnects with capped exponential backoff.
//
// Records are sent in seq order with at most one unacknowledged record
// per entity. A record leaves the outbox only when the authority answers
// for it; a lost connection means the same (clientId, seq) is sent again
// after reconnect and the authority deduplicates it.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/transport"
	"github.com/roach88/lofi/internal/wire"
)

// Defaults for Coordinator options.
const (
	DefaultSendTimeout   = 10 * time.Second
	DefaultRetryBudget   = 8
	DefaultShutdownGrace = 2 * time.Second
	DefaultMaxInFlight   = 32
)

// Notifier is told which entities sync changed in the store.
// subscription.Manager implements it.
type Notifier interface {
	OnMutation(ctx context.Context, collection string, ids ...string) error
}

// Coordinator owns the sync loop of one client.
type Coordinator struct {
	backend  store.Backend
	dialer   transport.Dialer
	clientID string

	notifier      Notifier
	logger        *slog.Logger
	sendTimeout   time.Duration
	retryBudget   int
	shutdownGrace time.Duration
	maxInFlight   int
	onStatus      StatusFunc

	wake      chan struct{}
	reconnect chan struct{}

	mu       sync.Mutex
	backoff  Backoff
	state    State
	degraded bool
	halted   bool
	lastErr  error
	failures int
	running  bool
	stop     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc

	// buffered holds the newest push for entities that still had pending
	// records when it arrived. Only the run goroutine touches it.
	buffered map[ir.Key]wire.Message
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier sets the receiver of change notifications.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithLogger sets the logger for the coordinator.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithSendTimeout bounds each send and the wait for its response. A
// timeout is treated as a lost connection.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.sendTimeout = d }
}

// WithBackoff sets the reconnect delays.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(c *Coordinator) { c.backoff = Backoff{Initial: initial, Max: maxDelay} }
}

// WithRetryBudget sets how many consecutive connection failures are
// tolerated before the status turns degraded. Zero disables it.
func WithRetryBudget(n int) Option {
	return func(c *Coordinator) { c.retryBudget = n }
}

// WithShutdownGrace bounds how long Close waits for in-flight acks.
func WithShutdownGrace(d time.Duration) Option {
	return func(c *Coordinator) { c.shutdownGrace = d }
}

// WithMaxInFlight caps the number of unacknowledged records across all
// entities.
func WithMaxInFlight(n int) Option {
	return func(c *Coordinator) { c.maxInFlight = n }
}

// WithStatusCallback receives a Status on every transition.
func WithStatusCallback(fn StatusFunc) Option {
	return func(c *Coordinator) { c.onStatus = fn }
}

// New creates a Coordinator. clientID must be stable across runs so the
// authority can deduplicate resent records.
func New(backend store.Backend, dialer transport.Dialer, clientID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:       backend,
		dialer:        dialer,
		clientID:      clientID,
		logger:        slog.Default(),
		sendTimeout:   DefaultSendTimeout,
		retryBudget:   DefaultRetryBudget,
		shutdownGrace: DefaultShutdownGrace,
		maxInFlight:   DefaultMaxInFlight,
		backoff:       Backoff{Initial: DefaultBackoffInitial, Max: DefaultBackoffMax},
		wake:          make(chan struct{}, 1),
		reconnect:     make(chan struct{}, 1),
		buffered:      make(map[ir.Key]wire.Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxInFlight <= 0 {
		c.maxInFlight = 1
	}
	return c
}

// ClientID returns the id the coordinator sends with every record.
func (c *Coordinator) ClientID() string {
	return c.clientID
}

// Start launches the sync loop. It returns immediately; cancel ctx or call
// Close to stop it.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("syncer: already started")
	}
	if c.dialer == nil {
		return errors.New("syncer: no dialer configured")
	}
	rctx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.run(rctx, c.stop, c.done)
	return nil
}

// Close stops sending new records, waits up to the shutdown grace for
// in-flight responses, then aborts. Unacknowledged records stay in the
// outbox for the next run. Close does not close the backend.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stop)
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	grace := time.NewTimer(c.shutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		c.logger.Warn("shutdown grace elapsed, aborting in-flight sync")
	case <-ctx.Done():
	}
	cancel()
	<-done
	return nil
}

// Wake asks the loop to look at the outbox now. It never blocks.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Reconnect resets the backoff and, if the loop is waiting to redial or
// halted on a storage failure, redials immediately. While a session is
// live only the backoff is reset.
func (c *Coordinator) Reconnect() {
	c.mu.Lock()
	c.backoff.Reset()
	c.failures = 0
	live := c.state == Connected || c.state == Reconciling
	c.mu.Unlock()
	if live {
		return
	}

	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns a status report for the current moment.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	pending, err := store.ListOutbox(ctx, c.backend)
	if err != nil {
		return Status{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Degraded: c.degraded, Halted: c.halted, LastError: c.lastErr, Pending: len(pending)}, nil
}

// Cursor returns the highest server version applied to the cache.
func (c *Coordinator) Cursor(ctx context.Context) (uint64, error) {
	return ReadCursor(ctx, c.backend)
}

// ReadCursor returns the catch-up cursor persisted in backend, 0 if sync
// never ran.
func ReadCursor(ctx context.Context, backend store.Backend) (uint64, error) {
	var cur uint64
	err := backend.View(ctx, func(tx store.ReadTx) error {
		var err error
		cur, err = readCursor(tx)
		return err
	})
	return cur, err
}

func (c *Coordinator) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	defer c.setState(Disconnected)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.setState(Connecting)
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			err = &TransportError{Op: "dial", Err: err}
		} else {
			err = c.session(ctx, conn, stop)
			conn.Close()
		}
		if errors.Is(err, errStopped) || ctx.Err() != nil {
			return
		}

		c.setState(Disconnected)
		if store.IsStorageError(err) {
			c.halt(err)
			if !c.awaitResume(ctx, stop) {
				return
			}
			continue
		}
		c.failed(err)
		if !c.sleep(ctx, stop) {
			return
		}
	}
}

// awaitResume blocks a halted loop until Reconnect. It returns false when
// the loop should exit.
func (c *Coordinator) awaitResume(ctx context.Context, stop chan struct{}) bool {
	select {
	case <-c.reconnect:
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
	c.mu.Lock()
	c.halted = false
	c.mu.Unlock()
	c.logger.Info("sync resumed after storage halt")
	return true
}

// sleep waits out the next backoff delay. It returns false when the loop
// should exit.
func (c *Coordinator) sleep(ctx context.Context, stop chan struct{}) bool {
	c.mu.Lock()
	delay := c.backoff.Next()
	attempt := c.backoff.Attempts()
	c.mu.Unlock()

	c.logger.Warn("sync reconnect scheduled", "in", delay, "attempt", attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.reconnect:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// session is one connection's lifetime: hello, catch-up, then draining
// until the connection fails or the coordinator stops.
type session struct {
	conn     transport.Conn
	ready    bool
	inflight map[uint64]time.Time
	deadline time.Time
}

func (s *session) nextDeadline() (time.Time, bool) {
	if !s.ready {
		return s.deadline, true
	}
	var earliest time.Time
	for _, d := range s.inflight {
		if earliest.IsZero() || d.Before(earliest) {
			earliest = d
		}
	}
	return earliest, !earliest.IsZero()
}

func (c *Coordinator) session(ctx context.Context, conn transport.Conn, stop chan struct{}) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan wire.Message)
	recvErr := make(chan error, 1)
	go c.receive(sctx, conn, msgs, recvErr)

	s := &session{conn: conn, inflight: make(map[uint64]time.Time)}
	if err := c.hello(ctx, s); err != nil {
		return err
	}
	c.setState(Reconciling)

	stopping := false
	for {
		if s.ready && !stopping {
			if err := c.fill(ctx, s); err != nil {
				return err
			}
		}
		if stopping && (len(s.inflight) == 0 || !s.ready) {
			return errStopped
		}

		var timeout <-chan time.Time
		var timer *time.Timer
		if d, ok := s.nextDeadline(); ok {
			timer = time.NewTimer(time.Until(d))
			timeout = timer.C
		}

		var err error
		select {
		case m := <-msgs:
			err = c.handle(ctx, s, m)
		case err = <-recvErr:
			err = &TransportError{Op: "recv", Err: err}
		case <-c.wake:
		case <-stop:
			stopping = true
			stop = nil
		case <-timeout:
			err = &TransportError{Op: "await response", Err: errNoResponse}
		case <-ctx.Done():
			err = ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return err
		}
	}
}

func (c *Coordinator) receive(ctx context.Context, conn transport.Conn, msgs chan<- wire.Message, errs chan<- error) {
	for {
		data, err := conn.Recv(ctx)
		if err != nil {
			errs <- err
			return
		}
		m, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		select {
		case msgs <- m:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) hello(ctx context.Context, s *session) error {
	var cursor uint64
	err := c.backend.View(ctx, func(tx store.ReadTx) error {
		var err error
		cursor, err = readCursor(tx)
		return err
	})
	if err != nil {
		return err
	}
	if err := c.send(ctx, s.conn, wire.Message{Type: wire.TypeHello, ClientID: c.clientID, Cursor: cursor}); err != nil {
		return err
	}
	s.deadline = time.Now().Add(c.sendTimeout)
	c.logger.Debug("sync hello sent", "client", c.clientID, "cursor", cursor)
	return nil
}

func (c *Coordinator) send(ctx context.Context, conn transport.Conn, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()
	if err := conn.Send(sctx, data); err != nil {
		return &TransportError{Op: "send " + string(m.Type), Err: err}
	}
	return nil
}

// fill sends the oldest record of every entity that has nothing in flight,
// in seq order, up to the in-flight cap.
func (c *Coordinator) fill(ctx context.Context, s *session) error {
	records, err := store.ListOutbox(ctx, c.backend)
	if err != nil {
		return fmt.Errorf("list outbox: %w", err)
	}

	seen := make(map[ir.Key]bool)
	for _, rec := range records {
		if len(s.inflight) >= c.maxInFlight {
			return nil
		}
		key := rec.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, sent := s.inflight[rec.Seq]; sent {
			continue
		}
		if err := c.sendRecord(ctx, s, rec); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) sendRecord(ctx context.Context, s *session, rec ir.OutboxRecord) error {
	var base uint64
	err := c.backend.Update(ctx, func(tx store.Tx) error {
		if err := tx.BumpAttempts(rec.Seq); err != nil {
			return err
		}
		e, err := tx.Get(rec.Collection, rec.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			base = e.ServerVersion
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("prepare record %d: %w", rec.Seq, err)
	}

	if err := c.send(ctx, s.conn, wire.Mutation(c.clientID, rec, base)); err != nil {
		return err
	}
	s.inflight[rec.Seq] = time.Now().Add(c.sendTimeout)
	c.logger.Debug("outbox record sent",
		"seq", rec.Seq, "op", rec.Op, "collection", rec.Collection, "id", rec.ID,
		"base_version", base, "attempt", rec.Attempts+1)
	return nil
}

func (c *Coordinator) handle(ctx context.Context, s *session, m wire.Message) error {
	switch m.Type {
	case wire.TypeReady:
		if s.ready {
			return nil
		}
		s.ready = true
		if err := c.backend.Update(ctx, func(tx store.Tx) error {
			return advanceCursor(tx, m.Cursor)
		}); err != nil {
			return err
		}
		c.connected()
		return nil
	case wire.TypeAck:
		delete(s.inflight, m.Seq)
		return c.applyAck(ctx, m)
	case wire.TypeReject:
		delete(s.inflight, m.Seq)
		return c.applyReject(ctx, m)
	case wire.TypePush:
		return c.applyPush(ctx, m)
	default:
		c.logger.Warn("ignoring unexpected message", "type", m.Type)
		return nil
	}
}

// applyAck removes the acknowledged record and adopts the authority's
// state of the entity, replaying any records still pending on top of it.
// Responses share the peer queue with pushes, so every push up to the
// acked version has already been applied and the cursor may advance.
func (c *Coordinator) applyAck(ctx context.Context, m wire.Message) error {
	var (
		key   ir.Key
		found bool
	)
	err := c.backend.Update(ctx, func(tx store.Tx) error {
		if err := advanceCursor(tx, m.ServerVersion); err != nil {
			return err
		}
		rec, err := tx.GetOutbox(m.Seq)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found, key = true, rec.Key()
		if err := tx.RemoveOutbox(m.Seq); err != nil {
			return err
		}
		if m.ServerEntity != nil {
			return rebase(tx, key, m.ServerEntity)
		}
		return settle(tx, rec, m.ServerVersion)
	})
	if err != nil {
		return fmt.Errorf("apply ack %d: %w", m.Seq, err)
	}
	if !found {
		c.logger.Debug("duplicate ack ignored", "seq", m.Seq)
		return nil
	}
	c.logger.Debug("outbox record acked", "seq", m.Seq, "collection", key.Collection, "id", key.ID, "server_version", m.ServerVersion)
	c.notify(ctx, key)
	return c.flushBuffered(ctx, key)
}

// applyReject resolves a rejection: the server version wins and remaining
// local records are replayed on top of it.
func (c *Coordinator) applyReject(ctx context.Context, m wire.Message) error {
	c.setState(Reconciling)
	defer c.setState(Connected)

	var (
		key   ir.Key
		found bool
	)
	err := c.backend.Update(ctx, func(tx store.Tx) error {
		if err := advanceCursor(tx, m.ServerVersion); err != nil {
			return err
		}
		rec, err := tx.GetOutbox(m.Seq)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found, key = true, rec.Key()
		if err := tx.RemoveOutbox(m.Seq); err != nil {
			return err
		}
		return rebase(tx, key, m.ServerEntity)
	})
	if err != nil {
		return fmt.Errorf("apply reject %d: %w", m.Seq, err)
	}
	if !found {
		return nil
	}
	conflict := &ConflictError{Seq: m.Seq, Collection: key.Collection, ID: key.ID, Reason: m.Reason}
	c.logger.Info("outbox record rejected, server version kept", "error", conflict)
	c.notify(ctx, key)
	return c.flushBuffered(ctx, key)
}

// applyPush folds a server change into the store, or buffers it while the
// entity still has pending records.
func (c *Coordinator) applyPush(ctx context.Context, m wire.Message) error {
	key := m.Key()
	server := &wire.ServerEntity{
		Collection: m.Collection,
		ID:         m.EntityID,
		Attributes: m.Payload,
		Version:    m.ServerVersion,
		Deleted:    m.Deleted,
	}

	var buffered, applied bool
	err := c.backend.Update(ctx, func(tx store.Tx) error {
		if err := advanceCursor(tx, m.ServerVersion); err != nil {
			return err
		}
		pending, err := tx.OutboxFor(key.Collection, key.ID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			buffered = true
			return nil
		}
		current, err := tx.Get(key.Collection, key.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if server.Deleted {
				return nil
			}
		case err != nil:
			return err
		case current.ServerVersion >= server.Version:
			return nil
		}
		applied = true
		return rebase(tx, key, server)
	})
	if err != nil {
		return fmt.Errorf("apply push %s: %w", key, err)
	}

	switch {
	case buffered:
		if prev, ok := c.buffered[key]; !ok || prev.ServerVersion < m.ServerVersion {
			c.buffered[key] = m
		}
		c.logger.Debug("push buffered behind pending records", "key", key.String(), "server_version", m.ServerVersion)
	case applied:
		c.logger.Debug("push applied", "key", key.String(), "server_version", m.ServerVersion, "deleted", m.Deleted)
		c.notify(ctx, key)
	}
	return nil
}

// flushBuffered applies a buffered push once an entity's outbox drains.
func (c *Coordinator) flushBuffered(ctx context.Context, key ir.Key) error {
	m, ok := c.buffered[key]
	if !ok {
		return nil
	}
	delete(c.buffered, key)
	return c.applyPush(ctx, m)
}

func (c *Coordinator) notify(ctx context.Context, key ir.Key) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.OnMutation(ctx, key.Collection, key.ID); err != nil {
		c.logger.Error("live query refresh failed", "key", key.String(), "error", err)
	}
}

// rebase replaces the cached entity with the server's state plus every
// record still pending for it. A missing or deleted server entity drops
// the entity and its pending records.
func rebase(tx store.Tx, key ir.Key, server *wire.ServerEntity) error {
	pending, err := tx.OutboxFor(key.Collection, key.ID)
	if err != nil {
		return err
	}
	current, err := tx.Get(key.Collection, key.ID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if server == nil || server.Deleted {
		for _, rec := range pending {
			if err := tx.RemoveOutbox(rec.Seq); err != nil {
				return err
			}
		}
		if exists {
			return tx.Delete(key.Collection, key.ID)
		}
		return nil
	}

	attrs := server.Attributes.Clone()
	deleted := false
	for _, rec := range pending {
		switch rec.Op {
		case ir.OpInsert:
			attrs = rec.Payload.Clone()
		case ir.OpUpdate:
			attrs = ir.ApplyPatch(attrs, rec.Payload)
		case ir.OpDelete:
			deleted = true
		}
	}

	next := ir.Entity{
		Collection:    key.Collection,
		ID:            key.ID,
		Attributes:    attrs,
		SyncStatus:    ir.Synced,
		ServerVersion: server.Version,
		Deleted:       deleted,
	}
	if exists {
		next.LocalVersion = current.LocalVersion
	}
	if len(pending) > 0 {
		next.SyncStatus = ir.Pending
	}
	return tx.Put(next)
}

// settle handles an ack that carries no server entity: the local state
// stands, and the entity is marked synced or purged once nothing remains.
func settle(tx store.Tx, acked ir.OutboxRecord, version uint64) error {
	pending, err := tx.OutboxFor(acked.Collection, acked.ID)
	if err != nil {
		return err
	}
	current, err := tx.Get(acked.Collection, acked.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(pending) == 0 && current.Deleted {
		return tx.Delete(acked.Collection, acked.ID)
	}
	if version > current.ServerVersion {
		current.ServerVersion = version
	}
	if len(pending) == 0 {
		current.SyncStatus = ir.Synced
	}
	return tx.Put(current)
}

func readCursor(tx store.ReadTx) (uint64, error) {
	raw, ok, err := tx.Meta(store.MetaCursor)
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &store.StorageError{Op: "read cursor", Err: err}
	}
	return v, nil
}

func advanceCursor(tx store.Tx, version uint64) error {
	cur, err := readCursor(tx)
	if err != nil {
		return err
	}
	if version <= cur {
		return nil
	}
	return tx.SetMeta(store.MetaCursor, strconv.FormatUint(version, 10))
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	c.logger.Info("sync state changed", "from", prev, "to", s)
	c.report()
}

func (c *Coordinator) connected() {
	c.mu.Lock()
	c.failures = 0
	c.degraded = false
	c.lastErr = nil
	c.backoff.Reset()
	c.mu.Unlock()
	// A Reconnect made while dialing must not cut the next backoff short.
	select {
	case <-c.reconnect:
	default:
	}
	c.setState(Connected)
}

// halt stops draining after a local storage failure. Storage errors are
// not retried; the loop waits for Reconnect.
func (c *Coordinator) halt(err error) {
	c.mu.Lock()
	c.halted = true
	c.lastErr = err
	c.mu.Unlock()

	c.logger.Error("sync halted on storage failure", "error", err)
	c.report()
}

func (c *Coordinator) failed(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.failures++
	degradedNow := c.retryBudget > 0 && c.failures >= c.retryBudget && !c.degraded
	if degradedNow {
		c.degraded = true
	}
	failures := c.failures
	c.mu.Unlock()

	c.logger.Warn("sync connection failed", "error", err, "consecutive", failures)
	if degradedNow {
		c.logger.Warn("sync degraded, retry budget exhausted", "budget", c.retryBudget)
		c.report()
	}
}

func (c *Coordinator) report() {
	if c.onStatus == nil {
		return
	}
	// The outbox count is best effort; status must not fail the loop.
	st, err := c.Status(context.Background())
	if err != nil {
		c.mu.Lock()
		st = Status{State: c.state, Degraded: c.degraded, Halted: c.halted, LastError: c.lastErr, Pending: -1}
		c.mu.Unlock()
	}
	c.onStatus(st)
}
