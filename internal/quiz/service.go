// Package quiz implements the request handlers of the quiz protocol on top
// of the session registry, the friendship ledger and the challenge
// coordinator, and owns the session teardown path shared by LOG_OUT and
// connection loss.
package quiz

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wordduel/server/internal/challenge"
	"github.com/wordduel/server/internal/friendship"
	"github.com/wordduel/server/internal/logging"
	"github.com/wordduel/server/internal/metrics"
	"github.com/wordduel/server/internal/protocol"
	"github.com/wordduel/server/internal/ratelimit"
	"github.com/wordduel/server/internal/reactor"
	"github.com/wordduel/server/internal/session"
	"github.com/wordduel/server/internal/users"
)

var logger logrus.FieldLogger = logging.For("quiz")

// sinkTimeout bounds one outcome sink call.
const sinkTimeout = 5 * time.Second

// OutcomeSink receives every finished challenge.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, o challenge.Outcome) error
}

// Service handles logged-in users' requests.
type Service struct {
	accounts *users.Directory
	sessions *session.Registry
	friends  *friendship.Ledger
	duels    *challenge.Coordinator
	limiter  *ratelimit.Limiter

	outcomes <-chan challenge.Outcome
	sinks    []OutcomeSink
}

// Option configures a Service.
type Option func(*Service)

// WithLoginLimiter throttles LOG_IN attempts per remote IP.
func WithLoginLimiter(l *ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithOutcomes makes RunOutcomes consume ch and hand every outcome to sinks.
func WithOutcomes(ch <-chan challenge.Outcome, sinks ...OutcomeSink) Option {
	return func(s *Service) {
		s.outcomes = ch
		s.sinks = append(s.sinks, sinks...)
	}
}

// New creates a Service.
func New(accounts *users.Directory, sessions *session.Registry, friends *friendship.Ledger, duels *challenge.Coordinator, opts ...Option) *Service {
	s := &Service{
		accounts: accounts,
		sessions: sessions,
		friends:  friends,
		duels:    duels,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register installs a handler for every client request type.
func (s *Service) Register(d *reactor.Dispatcher) {
	d.Register(protocol.TypeLogIn, s.logIn)
	d.Register(protocol.TypeLogOut, s.logOut)
	d.Register(protocol.TypeRequestForFriendship, s.requestFriendship)
	d.Register(protocol.TypeConfirmFriendshipRequest, s.confirmFriendship)
	d.Register(protocol.TypeDeclineFriendshipRequest, s.declineFriendship)
	d.Register(protocol.TypeRequestForFriendsList, s.friendsList)
	d.Register(protocol.TypeRequestForChallenge, s.requestChallenge)
	d.Register(protocol.TypeConfirmChallengeRequest, s.confirmChallenge)
	d.Register(protocol.TypeDeclineChallengeRequest, s.declineChallenge)
	d.Register(protocol.TypeChallengeGetWord, s.nextWord)
	d.Register(protocol.TypeChallengeProvideTranslation, s.provideTranslation)
	d.Register(protocol.TypeRequestForScore, s.score)
	d.Register(protocol.TypeRequestForLeaderboard, s.leaderboard)
}

// CloseSession destroys sess: it leaves the registry, then any challenge is
// aborted and any pending challenge request cancelled. LOG_OUT and
// connection loss both end here.
func (s *Service) CloseSession(sess *session.Session) {
	if !s.sessions.Close(sess) {
		return
	}
	s.duels.Disconnect(sess.Username)
	metrics.SessionsOnline.Set(float64(s.sessions.Count()))
	s.updateChallengeGauge()
}

// Stats is a point-in-time view for the health endpoint.
type Stats struct {
	Sessions   int `json:"sessions"`
	Requests   int `json:"challenge_requests"`
	Challenges int `json:"challenges"`
	Accounts   int `json:"accounts"`
}

// Stats returns current counts.
func (s *Service) Stats() Stats {
	requests, challenges := s.duels.Counts()
	return Stats{
		Sessions:   s.sessions.Count(),
		Requests:   requests,
		Challenges: challenges,
		Accounts:   s.accounts.Len(),
	}
}

func (s *Service) logIn(c *reactor.Conn, m protocol.Message) {
	username, password := m.Field(0), m.Field(1)
	port, err := m.IntField(2)
	if err != nil || port < 0 || port > 65535 {
		c.Reply(protocol.New(protocol.TypeInvalidMessageFormat))
		return
	}

	if s.limiter != nil && !s.limiter.Allow(hostOf(c.RemoteAddr())) {
		metrics.LoginsThrottled.Inc()
		c.Reply(protocol.New(protocol.TypeTooManyLoginAttempts))
		return
	}

	var notify *net.UDPAddr
	if port > 0 {
		if notify, err = session.NotifyAddr(c.RemoteAddr(), port); err != nil {
			c.Reply(protocol.New(protocol.TypeInvalidMessageFormat))
			return
		}
	}

	// Password hashing is slow on purpose; keep it off the worker.
	c.Offload(func() func() {
		sess, err := s.sessions.Open(username, password, notify, c.ID, c)
		return func() {
			if err != nil {
				logger.WithError(err).WithField("username", username).Debug("login refused")
				c.Reply(responseFor(err))
				return
			}
			if c.Closed() {
				s.CloseSession(sess)
				return
			}
			c.Bind(sess)
			metrics.SessionsOnline.Set(float64(s.sessions.Count()))

			score, _ := s.accounts.Score(username)
			c.Reply(protocol.New(protocol.TypeLoggedIn, username, strconv.Itoa(score)))
		}
	})
}

func (s *Service) logOut(c *reactor.Conn, _ protocol.Message) {
	if sess := c.Unbind(); sess != nil {
		s.CloseSession(sess)
	}
	c.Reply(protocol.New(protocol.TypeOK))
	c.CloseAfterFlush()
}

func (s *Service) requestFriendship(c *reactor.Conn, m protocol.Message) {
	s.reply(c, s.friends.Send(username(c), m.Field(0)))
}

func (s *Service) confirmFriendship(c *reactor.Conn, m protocol.Message) {
	applicant := m.Field(0)
	score, err := s.friends.Confirm(username(c), applicant)
	if err != nil {
		c.Reply(responseFor(err))
		return
	}
	c.Reply(protocol.New(protocol.TypeOK, applicant, strconv.Itoa(score)))
}

func (s *Service) declineFriendship(c *reactor.Conn, m protocol.Message) {
	s.reply(c, s.friends.Decline(username(c), m.Field(0)))
}

// friendsList answers with (name, score, online) triples.
func (s *Service) friendsList(c *reactor.Conn, _ protocol.Message) {
	friends := s.accounts.Friends(username(c))
	fields := make([]string, 0, 3*len(friends))
	for _, f := range friends {
		score, _ := s.accounts.Score(f)
		online := "0"
		if s.sessions.IsOnline(f) {
			online = "1"
		}
		fields = append(fields, f, strconv.Itoa(score), online)
	}
	c.Reply(protocol.New(protocol.TypeFriendsList, fields...))
}

func (s *Service) requestChallenge(c *reactor.Conn, m protocol.Message) {
	s.reply(c, s.duels.SendRequest(username(c), m.Field(0)))
}

func (s *Service) confirmChallenge(c *reactor.Conn, m protocol.Message) {
	applicant := m.Field(0)
	accepted, err := s.duels.ConfirmRequest(username(c), applicant)
	switch {
	case err == nil:
		c.Reply(accepted.Message())
		s.updateChallengeGauge()
	case errors.Is(err, challenge.ErrApplicantOffline):
		c.Reply(protocol.New(protocol.TypeChallengeRequestApplicantLoggedOut, applicant))
	default:
		c.Reply(responseFor(err))
	}
}

func (s *Service) declineChallenge(c *reactor.Conn, m protocol.Message) {
	s.reply(c, s.duels.DeclineRequest(username(c), m.Field(0)))
}

func (s *Service) nextWord(c *reactor.Conn, _ protocol.Message) {
	w, err := s.duels.NextWord(username(c))
	if err != nil {
		c.Reply(responseFor(err))
		return
	}
	c.Reply(w.Message())
}

func (s *Service) provideTranslation(c *reactor.Conn, m protocol.Message) {
	if err := s.duels.ProvideTranslation(username(c), m.Field(0)); err != nil {
		c.Reply(responseFor(err))
		return
	}
	c.Reply(protocol.New(protocol.TypeTranslationReceived))
}

func (s *Service) score(c *reactor.Conn, _ protocol.Message) {
	score, _ := s.accounts.Score(username(c))
	c.Reply(protocol.New(protocol.TypeScore, strconv.Itoa(score)))
}

// leaderboard answers with (name, score) pairs, best first.
func (s *Service) leaderboard(c *reactor.Conn, _ protocol.Message) {
	standings := s.accounts.Leaderboard(username(c))
	fields := make([]string, 0, 2*len(standings))
	for _, st := range standings {
		fields = append(fields, st.Username, strconv.Itoa(st.Score))
	}
	c.Reply(protocol.New(protocol.TypeLeaderboard, fields...))
}

// reply answers OK or the error response for err.
func (s *Service) reply(c *reactor.Conn, err error) {
	if err != nil {
		logger.WithError(err).WithField("username", username(c)).Debug("request refused")
		c.Reply(responseFor(err))
		return
	}
	c.Reply(protocol.New(protocol.TypeOK))
}

func (s *Service) updateChallengeGauge() {
	_, challenges := s.duels.Counts()
	metrics.ActiveChallenges.Set(float64(challenges))
}

// RunOutcomes hands every finished challenge to the sinks until ctx is
// done, then drains what is already queued.
func (s *Service) RunOutcomes(ctx context.Context) error {
	if s.outcomes == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case o := <-s.outcomes:
			s.record(o)
		case <-ctx.Done():
			for {
				select {
				case o := <-s.outcomes:
					s.record(o)
				default:
					return nil
				}
			}
		}
	}
}

func (s *Service) record(o challenge.Outcome) {
	metrics.ChallengesTotal.WithLabelValues(o.Termination.String()).Inc()
	metrics.ChallengeDuration.Observe(o.EndedAt.Sub(o.StartedAt).Seconds())
	s.updateChallengeGauge()

	for _, sink := range s.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := sink.RecordOutcome(ctx, o); err != nil {
			logger.WithError(err).WithField("challenge", o.ChallengeID).Warn("outcome sink failed")
		}
		cancel()
	}
}

func username(c *reactor.Conn) string {
	if sess := c.Session(); sess != nil {
		return sess.Username
	}
	return ""
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
