package session

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/wordduel/server/internal/protocol"
	"github.com/wordduel/server/internal/users"
)

// Observer is told about sessions opening and closing. Observers must not
// block; they run with no registry lock held.
type Observer interface {
	SessionOpened(s *Session)
	SessionClosed(username string)
}

// Registry maps usernames to their live session.
//
// Lock order: callers holding the friendship or challenge lock may call into
// the registry; the registry calls into the users directory while holding its
// own lock. Session locks are leaves.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	accounts  *users.Directory
	sender    DatagramSender
	observers []Observer
	now       func() time.Time
}

// Cfg configures a Registry.
type Cfg func(*Registry) error

// WithDatagramSender sets the transport used by Push.
func WithDatagramSender(s DatagramSender) Cfg {
	return func(r *Registry) error {
		r.sender = s
		return nil
	}
}

// WithObserver adds an observer of session lifecycle events.
func WithObserver(o Observer) Cfg {
	return func(r *Registry) error {
		if o == nil {
			return errors.New("nil observer")
		}
		r.observers = append(r.observers, o)
		return nil
	}
}

// NewRegistry creates an empty registry over accounts.
func NewRegistry(accounts *users.Directory, cfgs ...Cfg) (*Registry, error) {
	if accounts == nil {
		return nil, errors.New("session: nil directory")
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		accounts: accounts,
		now:      time.Now,
	}
	for _, cfg := range cfgs {
		if err := cfg(r); err != nil {
			return nil, errors.Wrap(err, "apply Registry cfg failed")
		}
	}
	return r, nil
}

// Open verifies the credential and inserts a session if the user has none.
// The account backlog is moved into the new session's queue before any other
// notifier can reach it.
func (r *Registry) Open(username, password string, notify *net.UDPAddr, connID string, waker Waker) (*Session, error) {
	if err := r.accounts.Verify(username, password); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.sessions[username]; ok {
		r.mu.Unlock()
		return nil, ErrUserAlreadyLogged
	}
	s := &Session{
		Username:   username,
		ConnID:     connID,
		NotifyAddr: notify,
		LoggedInAt: r.now(),
		waker:      waker,
	}
	s.queue = r.accounts.DrainBacklog(username)
	r.sessions[username] = s
	r.mu.Unlock()

	if len(s.queue) > 0 && waker != nil {
		waker.Wake()
	}
	for _, o := range r.observers {
		o.SessionOpened(s)
	}
	logger.WithField("username", username).WithField("conn", connID).Info("session opened")
	return s, nil
}

// Close removes s if it is still the user's current session. Output that was
// never written goes back to the account backlog in order.
func (r *Registry) Close(s *Session) bool {
	r.mu.Lock()
	if cur, ok := r.sessions[s.Username]; !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.Username)
	left := s.close()
	if len(left) > 0 {
		if err := r.accounts.AppendBacklog(s.Username, left...); err != nil {
			logger.WithError(err).WithField("username", s.Username).Error("lost queued messages")
		}
	}
	r.mu.Unlock()

	for _, o := range r.observers {
		o.SessionClosed(s.Username)
	}
	logger.WithField("username", s.Username).WithField("requeued", len(left)).Info("session closed")
	return true
}

// Get returns the live session of username.
func (r *Registry) Get(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return s, ok
}

// IsOnline reports whether username has a session.
func (r *Registry) IsOnline(username string) bool {
	_, ok := r.Get(username)
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Online returns the usernames with a live session, sorted.
func (r *Registry) Online() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.sessions))
	for u := range r.sessions {
		out = append(out, u)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// SendMessage queues m on the user's session. It returns false when the user
// is offline, in which case the caller decides whether to use the backlog.
func (r *Registry) SendMessage(username string, m protocol.Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return ok && s.Enqueue(m)
}

// Deliver queues m on the user's session or, if offline, appends it to the
// account backlog. The choice is atomic with respect to Open and Close.
func (r *Registry) Deliver(username string, m protocol.Message) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[username]; ok && s.Enqueue(m) {
		return true
	}
	if err := r.accounts.AppendBacklog(username, m); err != nil {
		logger.WithError(err).WithField("username", username).WithField("type", m.Type).Warn("notification dropped")
	}
	return false
}

// Push sends m as a datagram to the user's notification address, falling
// back to the session queue when no address or sender is available or the
// send fails. It returns false when the user is offline.
func (r *Registry) Push(username string, m protocol.Message) bool {
	r.mu.RLock()
	s, ok := r.sessions[username]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if s.NotifyAddr != nil && r.sender != nil {
		payload, err := protocol.MarshalDatagram(m)
		if err == nil {
			err = r.sender.Send(s.NotifyAddr, payload)
		}
		if err == nil {
			return true
		}
		logger.WithError(err).WithField("username", username).Warn("datagram push failed, queueing instead")
	}
	return r.SendMessage(username, m)
}
