package pipe

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/lofi/internal/transport"
)

// ErrOffline is returned by Dial while the dialer is offline.
var ErrOffline = errors.New("pipe: offline")

// Dialer connects each Dial to a fresh pipe and hands the far end to
// Accept, usually an authority's Serve loop.
type Dialer struct {
	Accept func(server transport.Conn)
	Buffer int

	// Prepare, if set, sees the client end of each new connection before
	// Dial returns, so faults can be armed ahead of the first send.
	Prepare func(client *End)

	mu      sync.Mutex
	offline bool
	current *End
	dials   int
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.offline {
		return nil, ErrOffline
	}
	buffer := d.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	client, server := New(buffer)
	if d.Prepare != nil {
		d.Prepare(client)
	}
	d.current = client
	go d.Accept(server)
	return client, nil
}

// SetOffline makes future dials fail (true) or succeed (false). Going
// offline also severs the current connection.
func (d *Dialer) SetOffline(offline bool) {
	d.mu.Lock()
	d.offline = offline
	current := d.current
	d.mu.Unlock()
	if offline && current != nil {
		current.Close()
	}
}

// Current returns the client end of the most recent connection, or nil.
func (d *Dialer) Current() *End {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
