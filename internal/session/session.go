// Package session binds logged-in users to live connections. The Registry is
// the single source of truth for who is online; each Session carries the
// outbound queue drained by the reactor worker that owns the connection.
package session

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wordduel/server/internal/logging"
	"github.com/wordduel/server/internal/protocol"
)

var logger logrus.FieldLogger = logging.For("session")

// ErrUserAlreadyLogged is returned when the username already has a session.
var ErrUserAlreadyLogged = errors.New("user already logged")

// Waker is notified whenever a session gains queued output.
type Waker interface {
	Wake()
}

// Session is one online account bound to one connection.
type Session struct {
	Username   string
	ConnID     string
	NotifyAddr *net.UDPAddr
	LoggedInAt time.Time

	waker Waker

	mu     sync.Mutex
	queue  []protocol.Message
	closed bool
}

// Enqueue appends m to the outbound queue and wakes the owning worker. It
// returns false once the session has been closed.
func (s *Session) Enqueue(m protocol.Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()

	if s.waker != nil {
		s.waker.Wake()
	}
	return true
}

// Next pops the earliest queued message.
func (s *Session) Next() (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return protocol.Message{}, false
	}
	m := s.queue[0]
	s.queue[0] = protocol.Message{}
	s.queue = s.queue[1:]
	return m, true
}

// Pending reports whether output is queued.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

// Closed reports whether the session was destroyed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close marks the session dead and returns what was still queued.
func (s *Session) close() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	left := s.queue
	s.queue = nil
	return left
}
