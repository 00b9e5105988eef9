//go:build linux

package reactor

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollPoller multiplexes a worker's sockets with epoll. An eventfd is
// registered alongside them so other goroutines can interrupt a blocked wait.
type epollPoller struct {
	fd     int
	wakeFd int

	mu     sync.RWMutex
	conns  map[int]*Conn
	events []unix.EpollEvent
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "reactor: epoll_create1")
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "reactor: eventfd")
	}
	if err := unix.EpollCtl(fd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "reactor: register eventfd")
	}
	return &epollPoller{
		fd:     fd,
		wakeFd: wakeFd,
		conns:  make(map[int]*Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

func (p *epollPoller) add(c *Conn) error {
	raw, fd := rawConn(c.netConn)
	if fd < 0 {
		return errors.New("reactor: connection has no file descriptor")
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP,
		Fd:     int32(fd),
	}); err != nil {
		return errors.Wrap(err, "reactor: epoll add")
	}
	c.raw = raw
	c.fd = fd
	c.readInterest = true
	p.mu.Lock()
	p.conns[fd] = c
	p.mu.Unlock()
	return nil
}

// setInterest selects the events reported for c. Peer shutdown stays armed
// without read interest, so a suspended connection still notices the
// client going away.
func (p *epollPoller) setInterest(c *Conn, read, write bool) error {
	events := uint32(unix.EPOLLRDHUP)
	if read {
		events |= unix.EPOLLIN
	}
	if write {
		events |= unix.EPOLLOUT
	}
	return errors.Wrap(unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(c.fd),
	}), "reactor: epoll mod")
}

// read takes whatever the kernel holds for c without waiting. It returns
// zero bytes and no error when nothing is available.
func (p *epollPoller) read(c *Conn, buf []byte) (int, error) {
	var n int
	var serr error
	// Returning true from the callback stops the runtime from parking the
	// goroutine on EAGAIN.
	err := c.raw.Read(func(fd uintptr) bool {
		n, serr = unix.Read(int(fd), buf)
		return true
	})
	switch {
	case err != nil:
		return 0, errors.Wrap(err, "reactor: read")
	case serr == unix.EAGAIN || serr == unix.EINTR:
		return 0, nil
	case serr != nil:
		return 0, errors.Wrap(serr, "reactor: read")
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// write hands as much of b to the kernel as it takes without waiting.
func (p *epollPoller) write(c *Conn, b []byte) (int, error) {
	var n int
	var serr error
	err := c.raw.Write(func(fd uintptr) bool {
		n, serr = unix.Write(int(fd), b)
		return true
	})
	switch {
	case err != nil:
		return 0, errors.Wrap(err, "reactor: write")
	case serr == unix.EAGAIN || serr == unix.EINTR:
		return 0, nil
	case serr != nil:
		return 0, errors.Wrap(serr, "reactor: write")
	}
	return n, nil
}

func (p *epollPoller) remove(c *Conn) error {
	p.mu.Lock()
	delete(p.conns, c.fd)
	p.mu.Unlock()
	return errors.Wrap(unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.fd, nil), "reactor: epoll del")
}

// shut closes the socket. Everything written was already accepted by the
// kernel, which keeps sending it after close.
func (p *epollPoller) shut(c *Conn) {
	_ = c.netConn.Close()
}

func (p *epollPoller) wait(timeout time.Duration) ([]readiness, error) {
	ms := -1
	if timeout >= 0 {
		// Round up so a deadline is never polled for just before it passes.
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(p.fd, p.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reactor: epoll wait")
	}

	out := make([]readiness, 0, n)
	p.mu.RLock()
	for i := 0; i < n; i++ {
		ev := p.events[i]
		if int(ev.Fd) == p.wakeFd {
			p.drainWake()
			continue
		}
		c, ok := p.conns[int(ev.Fd)]
		if !ok {
			continue
		}
		out = append(out, readiness{
			conn:  c,
			read:  ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			write: ev.Events&unix.EPOLLOUT != 0,
		})
	}
	p.mu.RUnlock()
	return out, nil
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeFd, buf[:])
	if err == unix.EAGAIN {
		// Counter saturated; a wake is already pending.
		return nil
	}
	return errors.Wrap(err, "reactor: eventfd write")
}

func (p *epollPoller) close() error {
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	_ = unix.Close(p.wakeFd)
	return errors.Wrap(unix.Close(p.fd), "reactor: close epoll")
}

// rawConn extracts the descriptor through SyscallConn, which unlike File
// does not duplicate it. Reads and writes go through the returned RawConn so
// they never race with Close.
func rawConn(conn net.Conn) (syscall.RawConn, int) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return raw, fd
}
