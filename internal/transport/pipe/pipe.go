// Package pipe provides an in-process transport.Conn pair with fault
// injection: connections can be severed, and outbound frames can be
// dropped to simulate a loss between send and ack.
package pipe

import (
	"context"
	"sync"

	"github.com/roach88/lofi/internal/transport"
)

// End is one side of a pipe.
type End struct {
	in   chan []byte
	peer *End

	mu       sync.Mutex
	closed   chan struct{}
	isClosed bool // guarded by mu; closed is closed exactly once

	// dropNext counts outbound frames to swallow.
	dropNext int
	// severAfter closes the pipe after this many more sends (0 = never).
	severAfter int
}

var _ transport.Conn = (*End)(nil)

// New returns two connected ends. Buffer is the per-direction queue size.
func New(buffer int) (*End, *End) {
	a := &End{in: make(chan []byte, buffer), closed: make(chan struct{})}
	b := &End{in: make(chan []byte, buffer), closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

// DropNext makes the next n sends from this end succeed locally but never
// arrive.
func (e *End) DropNext(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropNext = n
}

// SeverAfter closes this end right after the next n sends from it
// have been delivered.
func (e *End) SeverAfter(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.severAfter = n
}

// Send implements transport.Conn.
func (e *End) Send(ctx context.Context, msg []byte) error {
	if e.Closed() {
		return transport.ErrClosed
	}
	e.mu.Lock()
	if e.dropNext > 0 {
		e.dropNext--
		e.mu.Unlock()
		return nil
	}
	sever := false
	if e.severAfter > 0 {
		e.severAfter--
		sever = e.severAfter == 0
	}
	e.mu.Unlock()

	frame := append([]byte(nil), msg...)
	select {
	case e.peer.in <- frame:
	case <-e.closed:
		return transport.ErrClosed
	case <-e.peer.closed:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if sever {
		e.Close()
	}
	return nil
}

// Recv implements transport.Conn. Frames already queued are still
// delivered after the peer closes; Close on this end discards them.
func (e *End) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-e.closed:
		return nil, transport.ErrClosed
	default:
	}
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.closed:
		return nil, transport.ErrClosed
	case <-e.peer.closed:
		select {
		case msg := <-e.in:
			return msg, nil
		default:
			return nil, transport.ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes this end; the peer observes it as a lost connection.
// Idempotent.
func (e *End) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isClosed {
		e.isClosed = true
		close(e.closed)
	}
	return nil
}

// Closed reports whether either end has been closed.
func (e *End) Closed() bool {
	select {
	case <-e.closed:
		return true
	case <-e.peer.closed:
		return true
	default:
		return false
	}
}
