// Package wsconn adapts gorilla/websocket connections to transport.Conn.
// Every message is one text frame.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/lofi/internal/transport"
)

// Conn wraps a websocket connection. gorilla/websocket allows one
// concurrent writer, so writes are serialized here.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
}

var _ transport.Conn = (*Conn)(nil)

// Wrap adapts an established websocket connection.
func Wrap(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send implements transport.Conn. The context deadline, if any, bounds
// the write.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return c.mapErr(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return c.mapErr(err)
	}
	return nil
}

// Recv implements transport.Conn. gorilla reads cannot be canceled, so
// only the context deadline is honored; Close unblocks a pending read.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	deadline, _ := ctx.Deadline()
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, c.mapErr(err)
	}
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, c.mapErr(err)
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		// WriteControl may run concurrently with a blocked Send.
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) mapErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) {
		return fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	return err
}

// Dialer dials a websocket URL such as ws://localhost:8080/v1/sync.
type Dialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return Wrap(ws), nil
}

// Upgrader upgrades incoming HTTP requests to transport connections.
type Upgrader struct {
	websocket.Upgrader
}

// NewUpgrader returns an upgrader with the buffer sizes used by the
// authority.
func NewUpgrader() *Upgrader {
	return &Upgrader{websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}}
}

// Upgrade completes the websocket handshake.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := u.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return Wrap(ws), nil
}
