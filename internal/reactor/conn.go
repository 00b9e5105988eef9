package reactor

import (
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wordduel/server/internal/protocol"
	"github.com/wordduel/server/internal/session"
)

// Conn is a client connection owned by one reactor worker. Apart from Wake,
// its methods must only be called from that worker, which includes every
// message handler and every Offload continuation.
type Conn struct {
	ID        string
	CreatedAt time.Time

	netConn net.Conn
	raw     syscall.RawConn
	fd      int
	framer  framer
	worker  *worker

	in       []byte    // received bytes not yet decoded
	inSince  time.Time // when the partial frame at the head of in started
	out      []byte    // encoded bytes not yet accepted by the socket
	outSince time.Time // last write progress while out is non-empty

	pending       []protocol.Message // replies, written before session output
	session       *session.Session
	readInterest  bool
	writeInterest bool
	suspended     bool
	closeOnFlush  bool
	closed        bool
}

func newConn(nc net.Conn, f framer) *Conn {
	return &Conn{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		netConn:   nc,
		fd:        -1,
		framer:    f,
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// Transport names the framing in use, "tcp" or "ws".
func (c *Conn) Transport() string { return c.framer.name() }

// Reply queues an immediate response. Replies are written before any
// session output so a client sees the answer to its request first.
func (c *Conn) Reply(m protocol.Message) {
	c.pending = append(c.pending, m)
}

// Bind attaches the logged-in session.
func (c *Conn) Bind(s *session.Session) { c.session = s }

// Session returns the bound session, or nil while unauthenticated.
func (c *Conn) Session() *session.Session { return c.session }

// Unbind detaches the session and returns it.
func (c *Conn) Unbind() *session.Session {
	s := c.session
	c.session = nil
	return s
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool { return c.closed }

// CloseAfterFlush closes the connection once every queued reply is written.
// Input received after the call is discarded.
func (c *Conn) CloseAfterFlush() { c.closeOnFlush = true }

// Offload runs work on a separate goroutine, for CPU-heavy steps such as
// password hashing that would otherwise hold up every connection on the
// worker. The connection takes no further messages until the function
// returned by work has run on the worker. That continuation runs even when
// the connection closed meanwhile, so it can release what work acquired;
// Closed tells it so.
func (c *Conn) Offload(work func() func()) {
	c.suspended = true
	c.worker.touched[c] = struct{}{}
	c.worker.server.offload(c, work)
}

// Wake asks the owning worker to re-evaluate write interest. It is safe to
// call from any goroutine and implements session.Waker.
func (c *Conn) Wake() {
	if w := c.worker; w != nil {
		w.markDirty(c)
	}
}

// wantsWrite reports whether anything is waiting to be written.
func (c *Conn) wantsWrite() bool {
	if len(c.out) > 0 || len(c.pending) > 0 {
		return true
	}
	return c.session != nil && c.session.Pending()
}

// wantsRead reports whether input should be taken from the socket.
func (c *Conn) wantsRead() bool {
	return !c.suspended && !c.closeOnFlush
}

// nextOutbound pops the earliest message: replies first, then session output.
func (c *Conn) nextOutbound() (protocol.Message, bool) {
	if len(c.pending) > 0 {
		m := c.pending[0]
		c.pending[0] = protocol.Message{}
		c.pending = c.pending[1:]
		return m, true
	}
	if c.session != nil {
		return c.session.Next()
	}
	return protocol.Message{}, false
}
