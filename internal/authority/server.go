// Package authority is the reference remote authority: it holds the
// authoritative version of every entity, applies client mutations with
// (clientId, seq) deduplication, and pushes each change to the other
// connected clients.
//
// Every accepted change takes the next value of a global version counter.
// Update and delete carry the base version they were made on; a base
// behind the server's version is rejected as stale and the client adopts
// the server entity.
package authority

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/transport"
	"github.com/roach88/lofi/internal/wire"
)

// DefaultQueueSize is the per-connection outbound queue. A connection
// that falls this far behind is dropped; it catches up on reconnect.
const DefaultQueueSize = 256

// Applied records the outcome of one (clientId, seq).
type Applied struct {
	ClientID string
	Seq      uint64
	Acked    bool
	Reason   string
}

type dedupKey struct {
	clientID string
	seq      uint64
}

// Server is the authority's state plus its connected peers.
type Server struct {
	logger    *slog.Logger
	journal   Journal
	queueSize int

	mu       sync.Mutex
	version  uint64
	entities map[ir.Key]wire.ServerEntity
	applied  map[dedupKey]Applied
	peers    map[*peer]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithJournal persists every accepted change and outcome. Without one the
// server is memory-only.
func WithJournal(j Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithQueueSize sets the per-connection outbound queue length.
func WithQueueSize(n int) Option {
	return func(s *Server) { s.queueSize = n }
}

// New creates a Server, restoring state from the journal if one is set.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	s := &Server{
		logger:    slog.Default(),
		queueSize: DefaultQueueSize,
		entities:  make(map[ir.Key]wire.ServerEntity),
		applied:   make(map[dedupKey]Applied),
		peers:     make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.journal == nil {
		return s, nil
	}

	state, err := s.journal.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	for _, e := range state.Entities {
		s.entities[ir.Key{Collection: e.Collection, ID: e.ID}] = e
		s.version = max(s.version, e.Version)
	}
	for _, a := range state.Applied {
		s.applied[dedupKey{a.ClientID, a.Seq}] = a
	}
	s.logger.Info("authority state restored", "entities", len(s.entities), "version", s.version)
	return s, nil
}

// Version returns the current global version.
func (s *Server) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Entity returns the authoritative entity, tombstones included.
func (s *Server) Entity(collection, id string) (wire.ServerEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[ir.Key{Collection: collection, ID: id}]
	if !ok {
		return wire.ServerEntity{}, false
	}
	return cloneEntity(e), true
}

// Entities returns the live entities of a collection ordered by id.
func (s *Server) Entities(collection string) []wire.ServerEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []wire.ServerEntity{}
	for k, e := range s.entities {
		if k.Collection == collection && !e.Deleted {
			out = append(out, cloneEntity(e))
		}
	}
	slices.SortFunc(out, func(a, b wire.ServerEntity) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// AppliedCount returns how many distinct (clientId, seq) pairs have been
// processed.
func (s *Server) AppliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

// Peers returns the number of connections that completed hello.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Write makes a server-side change, outside any client's outbox, and
// pushes it to every peer. Attributes replace the entity's.
func (s *Server) Write(ctx context.Context, collection, id string, attrs ir.Object) (wire.ServerEntity, error) {
	if collection == "" || id == "" {
		return wire.ServerEntity{}, errors.New("write: collection and id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := wire.ServerEntity{Collection: collection, ID: id, Attributes: attrs.Clone()}
	next.Attributes["id"] = ir.String(id)
	if err := s.commit(ctx, &next, nil); err != nil {
		return wire.ServerEntity{}, err
	}
	s.broadcast(nil, next)
	return cloneEntity(next), nil
}

// Remove deletes an entity server-side and pushes the delete.
func (s *Server) Remove(ctx context.Context, collection, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entities[ir.Key{Collection: collection, ID: id}]
	if !ok || cur.Deleted {
		return false, nil
	}
	next := wire.ServerEntity{Collection: collection, ID: id, Attributes: ir.Object{}, Deleted: true}
	if err := s.commit(ctx, &next, nil); err != nil {
		return false, err
	}
	s.broadcast(nil, next)
	return true, nil
}

// Apply processes one mutation and returns the ack or reject for it.
// Repeated (clientId, seq) pairs are answered from the recorded outcome
// and change nothing.
func (s *Server) Apply(ctx context.Context, m wire.Message) (wire.Message, error) {
	if m.Type != wire.TypeMutation {
		return wire.Message{}, fmt.Errorf("apply: expected mutation, got %s", m.Type)
	}
	if err := m.Validate(); err != nil {
		return wire.Message{}, fmt.Errorf("apply: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, _, err := s.apply(ctx, nil, m)
	return resp, err
}

func (s *Server) apply(ctx context.Context, from *peer, m wire.Message) (wire.Message, bool, error) {
	key := m.Key()
	dk := dedupKey{m.ClientID, m.Seq}
	if prior, ok := s.applied[dk]; ok {
		s.logger.Debug("duplicate mutation", "client", m.ClientID, "seq", m.Seq, "acked", prior.Acked)
		return s.respond(m, prior), false, nil
	}

	cur, exists := s.entities[key]
	live := exists && !cur.Deleted

	outcome := Applied{ClientID: m.ClientID, Seq: m.Seq, Acked: true}
	var next wire.ServerEntity
	switch {
	case m.Op == ir.OpInsert && exists:
		outcome.Acked, outcome.Reason = false, wire.ReasonExists
	case m.Op != ir.OpInsert && !live:
		outcome.Acked, outcome.Reason = false, wire.ReasonMissing
	case m.Op != ir.OpInsert && m.BaseVersion != cur.Version:
		outcome.Acked, outcome.Reason = false, wire.ReasonStale
	case m.Op == ir.OpInsert:
		next = wire.ServerEntity{Collection: key.Collection, ID: key.ID, Attributes: m.Payload.Clone()}
		next.Attributes["id"] = ir.String(key.ID)
	case m.Op == ir.OpUpdate:
		next = wire.ServerEntity{Collection: key.Collection, ID: key.ID, Attributes: ir.ApplyPatch(cur.Attributes, m.Payload)}
	case m.Op == ir.OpDelete:
		next = wire.ServerEntity{Collection: key.Collection, ID: key.ID, Attributes: ir.Object{}, Deleted: true}
	}

	var changed *wire.ServerEntity
	if outcome.Acked {
		changed = &next
	}
	if err := s.commit(ctx, changed, &outcome); err != nil {
		return wire.Message{}, false, err
	}

	if outcome.Acked {
		s.logger.Debug("mutation applied", "client", m.ClientID, "seq", m.Seq, "op", m.Op, "key", key.String(), "version", next.Version)
		s.broadcast(from, next)
	} else {
		s.logger.Info("mutation rejected", "client", m.ClientID, "seq", m.Seq, "op", m.Op, "key", key.String(), "reason", outcome.Reason)
	}
	return s.respond(m, outcome), outcome.Acked, nil
}

// commit journals and then installs a change and/or an outcome. A changed
// entity takes the next version. Callers hold s.mu.
func (s *Server) commit(ctx context.Context, changed *wire.ServerEntity, outcome *Applied) error {
	version := s.version
	if changed != nil {
		version++
		changed.Version = version
	}
	if s.journal != nil {
		if err := s.journal.Commit(ctx, changed, outcome); err != nil {
			return fmt.Errorf("journal commit: %w", err)
		}
	}
	s.version = version
	if changed != nil {
		s.entities[ir.Key{Collection: changed.Collection, ID: changed.ID}] = *changed
	}
	if outcome != nil {
		s.applied[dedupKey{outcome.ClientID, outcome.Seq}] = *outcome
	}
	return nil
}

// respond builds the answer for a processed mutation from the current
// state, so a resent record sees the latest entity.
func (s *Server) respond(m wire.Message, outcome Applied) wire.Message {
	var current *wire.ServerEntity
	if e, ok := s.entities[m.Key()]; ok {
		c := cloneEntity(e)
		current = &c
	}
	if outcome.Acked {
		resp := wire.Message{Type: wire.TypeAck, Seq: m.Seq, ServerEntity: current}
		if current != nil {
			resp.ServerVersion = current.Version
		}
		return resp
	}
	return wire.Message{Type: wire.TypeReject, Seq: m.Seq, Reason: outcome.Reason, ServerEntity: current}
}

// catchUp returns pushes for every entity changed after cursor, in
// version order. Callers hold s.mu.
func (s *Server) catchUp(cursor uint64) []wire.Message {
	var changed []wire.ServerEntity
	for _, e := range s.entities {
		if e.Version > cursor {
			changed = append(changed, e)
		}
	}
	slices.SortFunc(changed, func(a, b wire.ServerEntity) int { return cmp.Compare(a.Version, b.Version) })
	out := make([]wire.Message, len(changed))
	for i, e := range changed {
		out[i] = wire.Push(cloneEntity(e))
	}
	return out
}

// broadcast queues a push for every peer except from. Callers hold s.mu,
// which keeps each peer's pushes in version order.
func (s *Server) broadcast(from *peer, e wire.ServerEntity) {
	push := wire.Push(cloneEntity(e))
	for p := range s.peers {
		if p == from {
			continue
		}
		s.enqueue(p, push)
	}
}

// Serve runs the protocol on one connection until it closes. The first
// frame must be a hello.
func (s *Server) Serve(ctx context.Context, conn transport.Conn) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	data, err := conn.Recv(ctx)
	if err != nil {
		return closedOK(err)
	}
	hello, err := wire.Decode(data)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != wire.TypeHello {
		return fmt.Errorf("expected hello, got %s", hello.Type)
	}

	p := s.attach(hello)
	defer s.detach(p)
	go s.write(ctx, conn, p)

	for {
		data, err := conn.Recv(ctx)
		if err != nil {
			return closedOK(err)
		}
		m, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "client", p.clientID, "error", err)
			continue
		}
		if m.Type != wire.TypeMutation {
			s.logger.Warn("ignoring unexpected message", "client", p.clientID, "type", m.Type)
			continue
		}

		s.mu.Lock()
		resp, _, err := s.apply(ctx, p, m)
		if err == nil {
			s.enqueue(p, resp)
		}
		s.mu.Unlock()
		if err != nil {
			// Without a durable outcome the client must not see an ack;
			// it resends after reconnecting.
			s.logger.Error("mutation not committed", "client", m.ClientID, "seq", m.Seq, "error", err)
			return err
		}
	}
}

func closedOK(err error) error {
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func cloneEntity(e wire.ServerEntity) wire.ServerEntity {
	e.Attributes = e.Attributes.Clone()
	return e
}
