package authority

import (
	"context"

	"github.com/roach88/lofi/internal/transport"
	"github.com/roach88/lofi/internal/wire"
)

// peer is one connection that completed hello. Frames are queued under
// Server.mu and written by a dedicated goroutine.
type peer struct {
	clientID string
	out      chan []byte
	dropped  chan struct{}
	isDrop   bool // guarded by Server.mu
}

// attach registers a peer and queues its catch-up pushes followed by
// ready, atomically with respect to concurrent changes.
func (s *Server) attach(hello wire.Message) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	pushes := s.catchUp(hello.Cursor)
	p := &peer{
		clientID: hello.ClientID,
		out:      make(chan []byte, s.queueSize+len(pushes)+1),
		dropped:  make(chan struct{}),
	}
	for _, m := range pushes {
		s.enqueue(p, m)
	}
	s.enqueue(p, wire.Message{Type: wire.TypeReady, Cursor: s.version})
	s.peers[p] = struct{}{}

	s.logger.Info("client connected", "client", p.clientID, "cursor", hello.Cursor, "catch_up", len(pushes))
	return p
}

func (s *Server) detach(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p]; ok {
		delete(s.peers, p)
		s.logger.Info("client disconnected", "client", p.clientID)
	}
}

// enqueue queues m for p, dropping the peer if its queue is full.
// Callers hold s.mu.
func (s *Server) enqueue(p *peer, m wire.Message) {
	if p.isDrop {
		return
	}
	data, err := wire.Encode(m)
	if err != nil {
		s.logger.Error("encode failed", "type", m.Type, "error", err)
		return
	}
	select {
	case p.out <- data:
	default:
		s.logger.Warn("client too slow, dropping connection", "client", p.clientID)
		p.isDrop = true
		close(p.dropped)
		delete(s.peers, p)
	}
}

// write drains p's queue onto conn. Any failure closes conn, which ends
// the Serve loop.
func (s *Server) write(ctx context.Context, conn transport.Conn, p *peer) {
	for {
		select {
		case data := <-p.out:
			if err := conn.Send(ctx, data); err != nil {
				conn.Close()
				return
			}
		case <-p.dropped:
			conn.Close()
			return
		case <-ctx.Done():
			return
		}
	}
}
