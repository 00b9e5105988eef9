// Package loadgen drives simulated players against a running quiz server
// and aggregates latency statistics.
package loadgen

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"

	"github.com/wordduel/server/internal/protocol"
)

// ErrClosed is returned by calls on a client whose connection ended.
var ErrClosed = errors.New("loadgen: connection closed")

// Client is one simulated player. Responses and notifications share the
// stream; the read loop sorts them by type range.
type Client struct {
	conn      net.Conn
	websocket bool
	timeout   time.Duration

	writeMu   sync.Mutex
	responses chan protocol.Message
	notices   chan protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr. A ws:// URL selects the WebSocket transport, any
// other address is dialed as raw TCP.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	c := &Client{
		timeout:   timeout,
		responses: make(chan protocol.Message, 16),
		notices:   make(chan protocol.Message, 64),
		done:      make(chan struct{}),
	}
	var err error
	if len(addr) > 5 && addr[:5] == "ws://" {
		c.websocket = true
		c.conn, _, _, err = ws.Dial(ctx, addr)
	} else {
		var d net.Dialer
		c.conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrap(err, "loadgen: dial")
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) read(r *bufio.Reader) (protocol.Message, error) {
	if !c.websocket {
		return protocol.Decode(r)
	}
	b, err := wsutil.ReadServerBinary(c.conn)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.UnmarshalDatagram(b)
}

func (c *Client) readLoop() {
	defer c.Close()
	r := bufio.NewReader(c.conn)
	for {
		m, err := c.read(r)
		if err != nil {
			return
		}
		out := c.responses
		if m.Type.IsNotification() {
			out = c.notices
		}
		select {
		case out <- m:
		case <-c.done:
			return
		}
	}
}

// Send writes one request without waiting for the response.
func (c *Client) Send(t protocol.Type, fields ...string) error {
	m := protocol.New(t, fields...)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if c.websocket {
		b, err := protocol.MarshalDatagram(m)
		if err != nil {
			return err
		}
		return wsutil.WriteClientBinary(c.conn, b)
	}
	return protocol.Encode(c.conn, m)
}

// Call sends a request and waits for its response.
func (c *Client) Call(t protocol.Type, fields ...string) (protocol.Message, time.Duration, error) {
	start := time.Now()
	if err := c.Send(t, fields...); err != nil {
		return protocol.Message{}, 0, errors.Wrap(err, "loadgen: send")
	}
	select {
	case m := <-c.responses:
		return m, time.Since(start), nil
	case <-c.done:
		return protocol.Message{}, 0, ErrClosed
	case <-time.After(c.timeout):
		return protocol.Message{}, 0, errors.Errorf("loadgen: no response to %v within %v", t, c.timeout)
	}
}

// Await returns the next notification of one of types, discarding others.
func (c *Client) Await(ctx context.Context, types ...protocol.Type) (protocol.Message, error) {
	for {
		select {
		case m := <-c.notices:
			for _, t := range types {
				if m.Type == t {
					return m, nil
				}
			}
		case <-c.done:
			return protocol.Message{}, ErrClosed
		case <-ctx.Done():
			return protocol.Message{}, ctx.Err()
		}
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
