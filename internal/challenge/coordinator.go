// Package challenge runs challenge requests and the duels they turn into.
//
// A single Coordinator owns both the pending requests and the active
// challenges. Every check-then-act sequence, every timer callback and every
// disconnection runs under its mutex, so a request is resolved exactly once
// (confirm, decline, expiry or disconnection) and a challenge terminates
// exactly once (completion, expiry or abort).
//
// Lock order: Coordinator.mu, then the session registry, then the user
// directory. Notifications are queued while the lock is held so both players
// observe them in the order the state changed; outcomes are published to the
// outcome sink after the lock is released.
package challenge

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wordduel/server/internal/logging"
	"github.com/wordduel/server/internal/oracle"
	"github.com/wordduel/server/internal/protocol"
)

var logger logrus.FieldLogger = logging.For("challenge")

// Config holds the rules of a challenge.
type Config struct {
	RequestTimeout time.Duration
	Duration       time.Duration
	Words          int
	PointsCorrect  int
	PointsWrong    int
	WinnerBonus    int
}

// DefaultConfig returns the standard rules.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 15 * time.Second,
		Duration:       60 * time.Second,
		Words:          8,
		PointsCorrect:  2,
		PointsWrong:    -1,
		WinnerBonus:    3,
	}
}

// Accounts is the part of the user directory the coordinator needs.
type Accounts interface {
	Exists(username string) bool
	AreFriends(a, b string) bool
	AddScore(username string, delta int) (int, error)
}

// Sessions is the part of the session registry the coordinator needs.
type Sessions interface {
	IsOnline(username string) bool
	Deliver(username string, m protocol.Message) bool
	Push(username string, m protocol.Message) bool
}

// Request is a pending challenge invitation.
type Request struct {
	ID        uuid.UUID
	From      string
	To        string
	CreatedAt time.Time
	ExpiresAt time.Time

	timer *time.Timer
}

// Coordinator is the challenge request ledger and challenge engine.
type Coordinator struct {
	mu         sync.Mutex
	requests   map[string]*Request   // keyed by both participants
	challenges map[string]*Challenge // keyed by both players
	closed     bool

	cfg      Config
	accounts Accounts
	sessions Sessions
	oracle   oracle.Oracle
	outcomes chan<- Outcome
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOutcomeSink makes the coordinator publish every outcome on ch. Sends
// never block; an outcome is dropped with a warning when ch is full.
func WithOutcomeSink(ch chan<- Outcome) Option {
	return func(c *Coordinator) { c.outcomes = ch }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator with no requests or challenges.
func NewCoordinator(cfg Config, accounts Accounts, sessions Sessions, o oracle.Oracle, opts ...Option) *Coordinator {
	c := &Coordinator{
		requests:   make(map[string]*Request),
		challenges: make(map[string]*Challenge),
		cfg:        cfg,
		accounts:   accounts,
		sessions:   sessions,
		oracle:     o,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the rules in force.
func (c *Coordinator) Config() Config { return c.cfg }

// SendRequest invites to to a challenge on behalf of from.
func (c *Coordinator) SendRequest(from, to string) error {
	if from == to {
		return ErrSelfRequest
	}
	if !c.accounts.Exists(to) {
		return ErrUnknownReceiver
	}
	if !c.accounts.AreFriends(from, to) {
		return ErrNotFriends
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShuttingDown
	}
	if _, ok := c.challenges[from]; ok {
		return ErrApplicantEngagedInOtherChallenge
	}
	if _, ok := c.challenges[to]; ok {
		return ErrReceiverEngagedInOtherChallenge
	}
	if req, ok := c.requests[from]; ok {
		if req.From == from {
			return ErrPreviousChallengeRequestSent
		}
		return ErrPreviousChallengeRequestReceived
	}
	if _, ok := c.requests[to]; ok {
		return ErrReceiverEngagedInOtherChallengeRequest
	}
	if !c.sessions.IsOnline(to) {
		return ErrReceiverOffline
	}

	now := c.now()
	req := &Request{
		ID:        uuid.New(),
		From:      from,
		To:        to,
		CreatedAt: now,
		ExpiresAt: now.Add(c.cfg.RequestTimeout),
	}
	req.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.expireRequest(req) })
	c.requests[from] = req
	c.requests[to] = req

	c.sessions.Push(to, protocol.New(protocol.TypeChallengeRequestReceived,
		from, seconds(c.cfg.RequestTimeout)))
	logger.WithField("from", from).WithField("to", to).WithField("request", req.ID).Debug("challenge requested")
	return nil
}

// Accepted describes a challenge just created by ConfirmRequest.
type Accepted struct {
	Opponent string
	Duration time.Duration
	Words    int
}

// Message is the confirmation sent to the player described by a.
func (a Accepted) Message() protocol.Message {
	return protocol.New(protocol.TypeChallengeRequestConfirmed,
		a.Opponent, seconds(a.Duration), strconv.Itoa(a.Words))
}

// ConfirmRequest accepts the request applicant -> receiver and starts the
// challenge. The applicant is notified; the returned value is for the reply
// to the receiver. If the oracle cannot provide words nothing changes.
func (c *Coordinator) ConfirmRequest(receiver, applicant string) (Accepted, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, err := c.matchRequest(receiver, applicant)
	if err != nil {
		return Accepted{}, err
	}
	words, err := c.oracle.NextWords(c.cfg.Words)
	if err != nil {
		return Accepted{}, errors.Wrapf(ErrWordsUnavailable, "challenge: %v", err)
	}

	c.removeRequest(req)
	if !c.sessions.IsOnline(applicant) {
		return Accepted{}, ErrApplicantOffline
	}

	ch := newChallenge(applicant, receiver, words, c.now(), c.cfg.Duration)
	ch.timer = time.AfterFunc(c.cfg.Duration, func() { c.expireChallenge(ch) })
	c.challenges[applicant] = ch
	c.challenges[receiver] = ch

	toApplicant := Accepted{Opponent: receiver, Duration: c.cfg.Duration, Words: len(words)}
	c.sessions.Deliver(applicant, toApplicant.Message())
	logger.WithField("challenge", ch.ID).WithField("a", applicant).WithField("b", receiver).Info("challenge started")
	return Accepted{Opponent: applicant, Duration: c.cfg.Duration, Words: len(words)}, nil
}

// DeclineRequest rejects the request applicant -> receiver and notifies the
// applicant.
func (c *Coordinator) DeclineRequest(receiver, applicant string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, err := c.matchRequest(receiver, applicant)
	if err != nil {
		return err
	}
	c.removeRequest(req)
	c.sessions.Deliver(applicant, protocol.New(protocol.TypeChallengeRequestDeclined, receiver))
	return nil
}

// Disconnect resolves everything username takes part in: an active challenge
// is aborted and a pending request is cancelled with a notice to the other
// party. It is part of destroying a session.
func (c *Coordinator) Disconnect(username string) {
	var out *Outcome

	c.mu.Lock()
	if ch, ok := c.challenges[username]; ok && !ch.finished {
		o := c.finish(ch, Aborted, username)
		out = &o
	}
	if req, ok := c.requests[username]; ok {
		c.removeRequest(req)
		if req.From == username {
			c.sessions.Deliver(req.To, protocol.New(protocol.TypeChallengeRequestApplicantLoggedOut, username))
		} else {
			c.sessions.Deliver(req.From, protocol.New(protocol.TypeChallengeRequestReceiverLoggedOut, username))
		}
	}
	c.mu.Unlock()

	if out != nil {
		c.emit(*out)
	}
}

// RequestOf returns the pending request username takes part in.
func (c *Coordinator) RequestOf(username string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[username]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Counts returns the number of pending requests and active challenges.
func (c *Coordinator) Counts() (requests, challenges int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests) / 2, len(c.challenges) / 2
}

// Close stops every timer and refuses new requests. Sessions should be
// closed first so active challenges are aborted with reports.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, req := range c.requests {
		req.timer.Stop()
	}
	for _, ch := range c.challenges {
		ch.timer.Stop()
	}
}

func (c *Coordinator) expireRequest(req *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests[req.From] != req {
		return
	}
	c.removeRequest(req)
	c.sessions.Deliver(req.From, protocol.New(protocol.TypeChallengeRequestNotAnswered, req.To))
	c.sessions.Deliver(req.To, protocol.New(protocol.TypeChallengeRequestExpired, req.From))
	logger.WithField("request", req.ID).Debug("challenge request expired")
}

// matchRequest finds the request applicant -> receiver. Caller holds c.mu.
func (c *Coordinator) matchRequest(receiver, applicant string) (*Request, error) {
	req, ok := c.requests[receiver]
	if !ok || req.To != receiver || req.From != applicant {
		return nil, ErrNoSuchRequest
	}
	return req, nil
}

// removeRequest cancels the timer and drops both index entries. Caller holds
// c.mu.
func (c *Coordinator) removeRequest(req *Request) {
	req.timer.Stop()
	if c.requests[req.From] == req {
		delete(c.requests, req.From)
	}
	if c.requests[req.To] == req {
		delete(c.requests, req.To)
	}
}

func (c *Coordinator) emit(out Outcome) {
	if c.outcomes == nil {
		return
	}
	select {
	case c.outcomes <- out:
	default:
		logger.WithField("challenge", out.ChallengeID).Warn("outcome sink full, outcome dropped")
	}
}

func seconds(d time.Duration) string {
	return strconv.Itoa(int(d.Round(time.Second) / time.Second))
}
