// Package reactor serves many client connections with a small pool of
// workers. Each worker owns a readiness multiplexer (epoll on Linux) and
// every connection registered with it; an acceptor assigns new connections
// to workers round-robin. Input is read without waiting into a buffer per
// connection, complete frames are decoded and handed to a Dispatcher on the
// worker goroutine, and queued output is written back as far as the socket
// accepts it whenever it becomes writable.
package reactor

import (
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wordduel/server/internal/logging"
	"github.com/wordduel/server/internal/metrics"
	"github.com/wordduel/server/internal/session"
)

var logger logrus.FieldLogger = logging.For("reactor")

// ErrServerClosed is returned by Start and the Serve methods after Shutdown.
var ErrServerClosed = errors.New("reactor: server closed")

// Config holds tunable parameters for the reactor.
type Config struct {
	Workers        int           // reactor goroutines, each with its own poller
	MaxConnections int           // hard cap on open connections, 0 for none
	ReadTimeout    time.Duration // bound on receiving the rest of a started frame
	WriteTimeout   time.Duration // bound on queued output making no progress
	UpgradeTimeout time.Duration // bound on the WebSocket handshake
	Offload        int           // concurrent Conn.Offload tasks, NumCPU if zero
}

// DefaultConfig returns a Config sized to the machine.
func DefaultConfig() Config {
	return Config{
		Workers:        runtime.NumCPU(),
		MaxConnections: 10000,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
		UpgradeTimeout: 5 * time.Second,
		Offload:        runtime.NumCPU(),
	}
}

// Server is the reactor pool together with its acceptors.
type Server struct {
	cfg          Config
	dispatcher   *Dispatcher
	onDisconnect func(s *session.Session)

	workers []*worker
	next    atomic.Uint64
	open    atomic.Int64
	slots   chan struct{}
	tasks   sync.WaitGroup

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	started   bool
	closed    bool
	wg        sync.WaitGroup
	startedAt time.Time
}

// NewServer creates a Server routing decoded messages to d.
func NewServer(cfg Config, d *Dispatcher) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Offload <= 0 {
		cfg.Offload = runtime.NumCPU()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		slots:      make(chan struct{}, cfg.Offload),
		listeners:  make(map[net.Listener]struct{}),
	}
}

// SetOnDisconnect registers the callback invoked, on the owning worker,
// with the session of every connection that is closed while logged in.
// It must be called before Start.
func (s *Server) SetOnDisconnect(fn func(s *session.Session)) {
	s.onDisconnect = fn
}

// Start creates the workers and starts their loops.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.started {
		return nil
	}

	workers := make([]*worker, 0, s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		w, err := newWorker(i, s)
		if err != nil {
			for _, started := range workers {
				_ = started.poller.close()
			}
			return errors.Wrapf(err, "reactor: start worker %d", i)
		}
		workers = append(workers, w)
	}
	s.workers = workers
	for _, w := range workers {
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.run()
		}(w)
	}
	s.started = true
	s.startedAt = time.Now()

	logger.WithFields(logrus.Fields{
		"workers":         s.cfg.Workers,
		"max_connections": s.cfg.MaxConnections,
	}).Info("reactor started")
	return nil
}

// Serve accepts raw stream connections on l until Shutdown. It returns nil
// once the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	return s.acceptLoop(l, func(nc net.Conn) {
		s.assign(newConn(nc, streamFramer{}))
	})
}

// ServeWebSocket accepts connections on l and upgrades them to WebSocket
// before handing them to a worker. The handshake runs off the worker.
func (s *Server) ServeWebSocket(l net.Listener) error {
	return s.acceptLoop(l, func(nc net.Conn) {
		c := newConn(nc, wsFramer{})
		go func() {
			if err := upgradeWebSocket(c, s.cfg.UpgradeTimeout); err != nil {
				logger.WithError(err).WithField("remote", nc.RemoteAddr().String()).Debug("websocket handshake failed")
				_ = nc.Close()
				s.released()
				return
			}
			s.assign(c)
		}()
	})
}

func (s *Server) acceptLoop(l net.Listener, accepted func(nc net.Conn)) error {
	if !s.track(l) {
		_ = l.Close()
		return ErrServerClosed
	}
	defer s.untrack(l)

	log := logger.WithField("addr", l.Addr().String())
	log.Info("accepting connections")

	var backoff time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				log.WithError(err).Warnf("accept failed; retrying in %v", backoff)
				time.Sleep(backoff)
				continue
			}
			return errors.Wrap(err, "reactor: accept")
		}
		backoff = 0

		if limit := s.cfg.MaxConnections; limit > 0 && s.open.Load() >= int64(limit) {
			metrics.ConnectionsRejected.Inc()
			log.WithField("remote", nc.RemoteAddr().String()).Warn("connection cap reached")
			_ = nc.Close()
			continue
		}
		s.open.Add(1)
		accepted(nc)
	}
}

// assign dispatches c to the next worker round-robin.
func (s *Server) assign(c *Conn) {
	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()
	if len(workers) == 0 {
		_ = c.netConn.Close()
		s.released()
		return
	}
	w := workers[(s.next.Add(1)-1)%uint64(len(workers))]
	if !w.dispatch(c) {
		_ = c.netConn.Close()
		s.released()
	}
}

// offload runs work off the worker, at most cfg.Offload at a time, and
// posts its continuation back to the worker that owns c.
func (s *Server) offload(c *Conn, work func() func()) {
	w := c.worker
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.slots <- struct{}{}
		fn := work()
		<-s.slots
		w.post(c, fn)
	}()
}

// released is called once for every accepted connection that is closed.
func (s *Server) released() {
	s.open.Add(-1)
}

// Connections returns the number of accepted connections not yet closed.
func (s *Server) Connections() int {
	return int(s.open.Load())
}

// Uptime returns the time since Start.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown stops the acceptors, then every worker. Workers close their
// connections, destroying the bound sessions first, and release their
// pollers. It blocks until all workers have exited and every offloaded
// task has run its continuation.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for l := range s.listeners {
		_ = l.Close()
	}
	workers := s.workers
	s.mu.Unlock()

	logger.Info("reactor shutting down")
	for _, w := range workers {
		w.stop()
	}
	s.wg.Wait()
	s.tasks.Wait()
	logger.Info("reactor stopped, all connections closed")
}

func (s *Server) track(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.listeners[l] = struct{}{}
	return true
}

func (s *Server) untrack(l net.Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
