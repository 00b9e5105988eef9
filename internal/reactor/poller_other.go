//go:build !linux

package reactor

import (
	"sync"
	"time"
)

const (
	chunkSize    = 4096
	queuedChunks = 4

	// lingerTimeout bounds how long a closed connection keeps flushing
	// output the worker already handed over.
	lingerTimeout = 5 * time.Second
)

// chanPoller emulates readiness notification where epoll is unavailable.
// Every connection gets a reader goroutine that moves socket input into a
// small queue and a writer goroutine that drains one, so the worker itself
// only ever touches the queues. Readiness is level-triggered like epoll: a
// wait reports every connection whose queues let the worker make progress.
type chanPoller struct {
	mu       sync.Mutex
	monitors map[*Conn]*monitor
	retired  map[*Conn]*monitor

	signal chan struct{} // I/O progress
	wakeCh chan struct{}
	done   chan struct{}
}

type monitor struct {
	input  chan chunk
	output chan []byte
	quit   chan struct{}
	rest   []byte
	rerr   error

	mu          sync.Mutex
	werr        error
	hup         bool // the reader hit EOF or an error
	read, write bool
}

type chunk struct {
	data []byte
	err  error
}

func newPoller() (poller, error) {
	return &chanPoller{
		monitors: make(map[*Conn]*monitor),
		retired:  make(map[*Conn]*monitor),
		signal:   make(chan struct{}, 1),
		wakeCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

func (p *chanPoller) add(c *Conn) error {
	m := &monitor{
		input:  make(chan chunk, queuedChunks),
		output: make(chan []byte, queuedChunks),
		quit:   make(chan struct{}),
		read:   true,
	}
	p.mu.Lock()
	p.monitors[c] = m
	p.mu.Unlock()
	c.readInterest = true

	go p.receive(c, m)
	go p.send(c, m)
	return nil
}

func (p *chanPoller) receive(c *Conn, m *monitor) {
	for {
		buf := make([]byte, chunkSize)
		n, err := c.netConn.Read(buf)
		if err != nil {
			m.mu.Lock()
			m.hup = true
			m.mu.Unlock()
			p.notify()
		}
		select {
		case m.input <- chunk{data: buf[:n], err: err}:
		case <-m.quit:
			return
		}
		p.notify()
		if err != nil {
			return
		}
	}
}

func (p *chanPoller) send(c *Conn, m *monitor) {
	defer c.netConn.Close()
	for b := range m.output {
		select {
		case <-m.quit:
			_ = c.netConn.SetWriteDeadline(time.Now().Add(lingerTimeout))
		default:
		}
		if _, err := c.netConn.Write(b); err != nil {
			m.mu.Lock()
			m.werr = err
			m.mu.Unlock()
			p.notify()
			// Keep draining so shut never blocks.
			for range m.output {
			}
			return
		}
		p.notify()
	}
}

func (p *chanPoller) setInterest(c *Conn, read, write bool) error {
	p.mu.Lock()
	m, ok := p.monitors[c]
	p.mu.Unlock()
	if ok {
		m.mu.Lock()
		m.read, m.write = read, write
		m.mu.Unlock()
	}
	return nil
}

func (p *chanPoller) read(c *Conn, buf []byte) (int, error) {
	p.mu.Lock()
	m, ok := p.monitors[c]
	p.mu.Unlock()
	if !ok {
		return 0, nil
	}
	if len(m.rest) == 0 && m.rerr == nil {
		select {
		case ch := <-m.input:
			m.rest, m.rerr = ch.data, ch.err
		default:
		}
	}
	if len(m.rest) > 0 {
		n := copy(buf, m.rest)
		m.rest = m.rest[n:]
		return n, nil
	}
	if m.rerr != nil {
		return 0, m.rerr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return 0, m.werr
}

func (p *chanPoller) write(c *Conn, b []byte) (int, error) {
	p.mu.Lock()
	m, ok := p.monitors[c]
	p.mu.Unlock()
	if !ok {
		return 0, nil
	}
	m.mu.Lock()
	err := m.werr
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(b) > chunkSize {
		b = b[:chunkSize]
	}
	select {
	case m.output <- append([]byte(nil), b...):
		return len(b), nil
	default:
		return 0, nil
	}
}

func (p *chanPoller) remove(c *Conn) error {
	p.mu.Lock()
	m, ok := p.monitors[c]
	delete(p.monitors, c)
	if ok {
		p.retired[c] = m
	}
	p.mu.Unlock()
	if ok {
		close(m.quit)
	}
	return nil
}

// shut lets the writer flush what it holds, then closes the socket, which
// also stops the reader.
func (p *chanPoller) shut(c *Conn) {
	p.mu.Lock()
	m, ok := p.retired[c]
	delete(p.retired, c)
	p.mu.Unlock()
	if ok {
		close(m.output)
		return
	}
	_ = c.netConn.Close()
}

func (p *chanPoller) wait(timeout time.Duration) ([]readiness, error) {
	out := p.collect()
	if len(out) > 0 || timeout == 0 {
		return out, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		select {
		case <-p.signal:
			if out := p.collect(); len(out) > 0 {
				return out, nil
			}
		case <-p.wakeCh:
			return p.collect(), nil
		case <-expired:
			return p.collect(), nil
		case <-p.done:
			return nil, nil
		}
	}
}

func (p *chanPoller) collect() []readiness {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []readiness
	for c, m := range p.monitors {
		m.mu.Lock()
		gone := m.werr != nil || m.hup
		read := (m.read && (len(m.rest) > 0 || len(m.input) > 0)) || m.rerr != nil || gone
		write := m.write && len(m.output) < cap(m.output)
		m.mu.Unlock()
		if read || write {
			out = append(out, readiness{conn: c, read: read, write: write})
		}
	}
	return out
}

func (p *chanPoller) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *chanPoller) wake() error {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (p *chanPoller) close() error {
	close(p.done)
	p.mu.Lock()
	p.monitors = nil
	p.retired = nil
	p.mu.Unlock()
	return nil
}
