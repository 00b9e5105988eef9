package reactor

import (
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wordduel/server/internal/metrics"
	"github.com/wordduel/server/internal/protocol"
)

const (
	readChunk = 4096

	// flushChunk caps how much output is encoded ahead of the socket, so a
	// connection that stops reading holds little beyond its session queue.
	flushChunk = 16 << 10
)

// poller is a worker's readiness multiplexer. Besides readiness it performs
// the connection I/O itself, and neither read nor write ever waits.
type poller interface {
	add(c *Conn) error
	setInterest(c *Conn, read, write bool) error
	// read returns zero bytes and a nil error when no input is available
	// and io.EOF once the peer closed.
	read(c *Conn, buf []byte) (int, error)
	// write returns how much of b was accepted, possibly zero.
	write(c *Conn, b []byte) (int, error)
	remove(c *Conn) error
	// shut closes the socket of a removed connection.
	shut(c *Conn)
	// wait returns ready connections, waiting at most timeout. A negative
	// timeout waits until something is ready or wake is called.
	wait(timeout time.Duration) ([]readiness, error)
	// wake interrupts a blocked wait from any goroutine.
	wake() error
	close() error
}

type readiness struct {
	conn        *Conn
	read, write bool
}

type continuation struct {
	conn *Conn
	fn   func()
}

// worker owns a poller and every connection registered with it. All I/O on
// those connections and every handler call happens on the worker goroutine,
// which only ever blocks inside the poller's wait.
type worker struct {
	id     int
	server *Server
	poller poller

	mu       sync.Mutex
	incoming []*Conn
	dirty    map[*Conn]struct{}
	posted   []continuation
	stopping bool
	exited   chan struct{}

	// owned by the worker goroutine
	conns   map[*Conn]struct{}
	touched map[*Conn]struct{}
	timed   map[*Conn]struct{}
	scratch []byte
}

func newWorker(id int, s *Server) (*worker, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	return &worker{
		id:      id,
		server:  s,
		poller:  p,
		dirty:   make(map[*Conn]struct{}),
		exited:  make(chan struct{}),
		conns:   make(map[*Conn]struct{}),
		touched: make(map[*Conn]struct{}),
		timed:   make(map[*Conn]struct{}),
		scratch: make([]byte, readChunk),
	}, nil
}

// dispatch hands a freshly accepted connection to the worker. It reports
// false once the worker is stopping; the caller keeps ownership then.
func (w *worker) dispatch(c *Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return false
	}
	c.worker = w
	w.incoming = append(w.incoming, c)
	w.wakeLocked()
	return true
}

// markDirty schedules an interest refresh for c.
func (w *worker) markDirty(c *Conn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return
	}
	w.dirty[c] = struct{}{}
	w.wakeLocked()
}

// post schedules fn to run on the worker for c. After the worker exited it
// runs fn on the caller's goroutine instead; c is closed by then.
func (w *worker) post(c *Conn, fn func()) {
	w.mu.Lock()
	if !w.stopping {
		w.posted = append(w.posted, continuation{conn: c, fn: fn})
		w.wakeLocked()
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	<-w.exited
	fn()
}

func (w *worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return
	}
	w.stopping = true
	w.wakeLocked()
}

// wakeLocked must hold w.mu: the poller is only closed under it after
// stopping is set.
func (w *worker) wakeLocked() {
	if err := w.poller.wake(); err != nil {
		logger.WithError(err).WithField("worker", w.id).Warn("wake failed")
	}
}

func (w *worker) run() {
	defer w.shutdown()

	log := logger.WithField("worker", w.id)
	for {
		w.mu.Lock()
		incoming, dirty, posted, stopping := w.incoming, w.dirty, w.posted, w.stopping
		w.incoming, w.posted = nil, nil
		if len(dirty) > 0 {
			w.dirty = make(map[*Conn]struct{})
		}
		w.mu.Unlock()

		if stopping {
			for _, c := range incoming {
				w.discard(c)
			}
			w.resume(posted)
			return
		}
		for _, c := range incoming {
			w.register(c)
		}
		for c := range dirty {
			w.touched[c] = struct{}{}
		}
		w.resume(posted)
		w.refresh()

		ready, err := w.poller.wait(w.expire(time.Now()))
		if err != nil {
			log.WithError(err).Error("poller wait failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		for _, r := range ready {
			if r.read {
				w.handleRead(r.conn)
			}
			if r.write {
				w.handleWrite(r.conn)
			}
		}
		w.refresh()
	}
}

func (w *worker) register(c *Conn) {
	if err := w.poller.add(c); err != nil {
		logger.WithError(err).WithField("conn", c.ID).Warn("register connection")
		w.discard(c)
		return
	}
	w.conns[c] = struct{}{}
	metrics.ConnectionsTotal.Inc()
	logger.WithFields(logrus.Fields{
		"conn":      c.ID,
		"remote":    c.RemoteAddr().String(),
		"transport": c.Transport(),
		"worker":    w.id,
	}).Debug("connection registered")
}

// discard closes a connection that never made it into the poller.
func (w *worker) discard(c *Conn) {
	c.closed = true
	_ = c.netConn.Close()
	w.server.released()
}

// resume runs the continuations of offloaded work and lets their
// connections take input again.
func (w *worker) resume(posted []continuation) {
	for _, p := range posted {
		p.conn.suspended = false
		p.fn()
		if !p.conn.closed {
			w.touched[p.conn] = struct{}{}
			w.process(p.conn)
		}
	}
}

// handleRead moves whatever the socket holds into the connection's input
// buffer and handles every complete frame in it.
func (w *worker) handleRead(c *Conn) {
	if c.closed {
		return
	}
	w.touched[c] = struct{}{}

	n, err := w.poller.read(c, w.scratch)
	if n > 0 && !c.closeOnFlush {
		c.in = append(c.in, w.scratch[:n]...)
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.WithError(err).WithField("conn", c.ID).Info("read failed")
		}
		w.closeConn(c)
		return
	}
	w.process(c)
}

// process decodes and dispatches buffered frames until the input runs out
// or ends in a partial frame.
func (w *worker) process(c *Conn) {
	off := 0
	for off < len(c.in) && c.wantsRead() && !c.closed {
		m, n, err := c.framer.decode(c, c.in[off:])
		if errors.Is(err, errIncomplete) {
			break
		}
		if protocol.IsFatal(err) {
			// Frame alignment is lost, so nothing after this point can be
			// trusted.
			logger.WithError(err).WithField("conn", c.ID).Info("closing connection on corrupt frame")
			c.Reply(protocol.New(protocol.TypeInvalidMessageFormat))
			c.CloseAfterFlush()
			off = len(c.in)
			break
		}
		off += n

		switch {
		case err == nil:
			metrics.MessagesTotal.WithLabelValues("received").Inc()
			w.server.dispatcher.Dispatch(c, m)
		case errors.Is(err, errControlFrame):
		case errors.Is(err, errCloseFrame):
			c.CloseAfterFlush()
		case errors.Is(err, protocol.ErrInvalidMessageFormat):
			logger.WithError(err).WithField("conn", c.ID).Debug("malformed message")
			c.Reply(protocol.New(protocol.TypeInvalidMessageFormat))
		default:
			logger.WithError(err).WithField("conn", c.ID).Info("decode failed")
			w.closeConn(c)
			return
		}
	}
	if c.closed {
		return
	}
	if c.closeOnFlush {
		off = len(c.in)
	}
	c.in = c.in[:copy(c.in, c.in[off:])]

	switch {
	case len(c.in) == 0:
		c.inSince = time.Time{}
	case off > 0 || c.inSince.IsZero():
		c.inSince = time.Now()
	}
	w.schedule(c)
}

func (w *worker) handleWrite(c *Conn) {
	if c.closed {
		return
	}
	w.touched[c] = struct{}{}
	w.flush(c)
	if !c.closed && c.closeOnFlush && !c.wantsWrite() {
		w.closeConn(c)
	}
}

// flush encodes queued messages into the output buffer and hands the
// socket as much of it as it accepts.
func (w *worker) flush(c *Conn) {
	for len(c.out) < flushChunk {
		m, ok := c.nextOutbound()
		if !ok {
			break
		}
		if err := c.framer.encode(c, m); err != nil {
			logger.WithError(err).WithField("conn", c.ID).Warn("dropping unencodable message")
			continue
		}
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
	}
	if len(c.out) == 0 {
		return
	}

	n, err := w.poller.write(c, c.out)
	if err != nil {
		logger.WithError(err).WithField("conn", c.ID).Info("write failed")
		w.closeConn(c)
		return
	}
	c.out = c.out[:copy(c.out, c.out[n:])]

	switch {
	case len(c.out) == 0:
		c.outSince = time.Time{}
	case n > 0 || c.outSince.IsZero():
		c.outSince = time.Now()
	}
	w.schedule(c)
}

// schedule tracks c for expire while it holds a partial frame or
// unwritten output.
func (w *worker) schedule(c *Conn) {
	if c.inSince.IsZero() && c.outSince.IsZero() {
		delete(w.timed, c)
		return
	}
	w.timed[c] = struct{}{}
}

// expire closes connections whose partial frame has not completed within
// ReadTimeout or whose output made no progress within WriteTimeout. It
// returns how long the poller may wait before the next deadline, or a
// negative duration when there is none.
func (w *worker) expire(now time.Time) time.Duration {
	next := time.Duration(-1)
	for c := range w.timed {
		if c.closed {
			delete(w.timed, c)
			continue
		}

		var deadline time.Time
		if t := w.server.cfg.ReadTimeout; t > 0 && !c.inSince.IsZero() && !c.suspended {
			deadline = c.inSince.Add(t)
		}
		if t := w.server.cfg.WriteTimeout; t > 0 && !c.outSince.IsZero() {
			if d := c.outSince.Add(t); deadline.IsZero() || d.Before(deadline) {
				deadline = d
			}
		}
		if deadline.IsZero() {
			delete(w.timed, c)
			continue
		}
		if !now.Before(deadline) {
			logger.WithFields(logrus.Fields{
				"conn":     c.ID,
				"buffered": len(c.in),
				"unsent":   len(c.out),
			}).Info("closing stalled connection")
			w.closeConn(c)
			continue
		}
		if left := deadline.Sub(now); next < 0 || left < next {
			next = left
		}
	}
	return next
}

// refresh gives touched connections read interest unless they are
// suspended or closing, and write interest while output is queued.
func (w *worker) refresh() {
	for c := range w.touched {
		delete(w.touched, c)
		if c.closed {
			continue
		}
		if c.closeOnFlush && !c.wantsWrite() {
			w.closeConn(c)
			continue
		}
		read, write := c.wantsRead(), c.wantsWrite()
		if read == c.readInterest && write == c.writeInterest {
			continue
		}
		if err := w.poller.setInterest(c, read, write); err != nil {
			logger.WithError(err).WithField("conn", c.ID).Warn("update interest")
			w.closeConn(c)
			continue
		}
		c.readInterest, c.writeInterest = read, write
	}
}

// closeConn unregisters c, destroys its session and closes the socket.
func (w *worker) closeConn(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	delete(w.conns, c)
	delete(w.timed, c)
	if err := w.poller.remove(c); err != nil {
		logger.WithError(err).WithField("conn", c.ID).Debug("unregister connection")
	}
	if s := c.Unbind(); s != nil && w.server.onDisconnect != nil {
		w.server.onDisconnect(s)
	}
	w.poller.shut(c)
	c.pending, c.in, c.out = nil, nil, nil
	metrics.ConnectionsTotal.Dec()
	w.server.released()
	logger.WithField("conn", c.ID).Debug("connection closed")
}

// shutdown closes every connection, sessions first, then the poller.
// Continuations posted meanwhile run against closed connections.
func (w *worker) shutdown() {
	for c := range w.conns {
		w.closeConn(c)
	}
	w.mu.Lock()
	w.stopping = true
	for _, c := range w.incoming {
		w.discard(c)
	}
	w.incoming = nil
	posted := w.posted
	w.posted = nil
	if err := w.poller.close(); err != nil {
		logger.WithError(err).WithField("worker", w.id).Warn("close poller")
	}
	w.mu.Unlock()

	w.resume(posted)
	close(w.exited)
}
