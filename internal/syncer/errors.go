package syncer

import (
	"errors"
	"fmt"
)

// ErrConflict matches every ConflictError via errors.Is.
var ErrConflict = errors.New("revision conflict")

// ConflictError describes a mutation the authority rejected. It is never
// returned to mutation callers: the server version wins and live queries
// observe the change.
type ConflictError struct {
	Seq        uint64
	Collection string
	ID         string
	Reason     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict for %s/%s (seq %d): %s", e.Collection, e.ID, e.Seq, e.Reason)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// TransportError is a network failure. It is retried with backoff and only
// reported through Status.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err (or anything it wraps) is a
// TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

var (
	// errNoResponse means an ack, reject or ready did not arrive in time.
	errNoResponse = errors.New("no response before send timeout")

	// errStopped ends a session because Close was called.
	errStopped = errors.New("coordinator stopped")
)
