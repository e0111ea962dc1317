// Package transport is the boundary to the raw network: a connection that
// delivers ordered, reliable byte messages while it is up.
//
// Implementations:
//   - wsconn: gorilla/websocket client and server connections
//   - pipe: an in-process pair with fault injection, for tests and the
//     conformance harness
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send and Recv once a connection is closed by
// either side.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one live connection. Send may be called concurrently with Recv;
// concurrent Sends are serialized by the implementation.
type Conn interface {
	// Send writes one message. It fails once the connection is down.
	Send(ctx context.Context, msg []byte) error

	// Recv blocks for the next message. Close unblocks it with ErrClosed.
	Recv(ctx context.Context) ([]byte, error)

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens connections to the authority.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
