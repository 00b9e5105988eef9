package quiz

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wordduel/server/internal/challenge"
	"github.com/wordduel/server/internal/friendship"
	"github.com/wordduel/server/internal/protocol"
	"github.com/wordduel/server/internal/ratelimit"
	"github.com/wordduel/server/internal/reactor"
	"github.com/wordduel/server/internal/session"
	"github.com/wordduel/server/internal/users"
)

// fixedOracle hands out w1, w2, ... and accepts "t"+term as the translation.
type fixedOracle struct{}

func (fixedOracle) NextWords(count int) ([]string, error) {
	out := make([]string, count)
	for i := range out {
		out[i] = "w" + strconv.Itoa(i+1)
	}
	return out, nil
}

func (fixedOracle) Judge(term, candidate string) bool { return candidate == "t"+term }

type recordingSink struct {
	mu       sync.Mutex
	outcomes []challenge.Outcome
}

func (r *recordingSink) RecordOutcome(_ context.Context, o challenge.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *recordingSink) recorded() []challenge.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]challenge.Outcome(nil), r.outcomes...)
}

type harness struct {
	dir   *users.Directory
	reg   *session.Registry
	duels *challenge.Coordinator
	sink  *recordingSink
	addr  string
}

func newHarness(t *testing.T, cfg challenge.Config, opts ...Option) *harness {
	t.Helper()
	dir := users.NewDirectory(users.WithHashCost(bcrypt.MinCost))
	for _, name := range []string{"alice", "bob", "carol"} {
		require.NoError(t, dir.Register(name, name+"-pw"))
	}

	sender, err := session.NewUDPSender(time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sender.Close() })
	reg, err := session.NewRegistry(dir, session.WithDatagramSender(sender))
	require.NoError(t, err)

	outcomes := make(chan challenge.Outcome, 16)
	duels := challenge.NewCoordinator(cfg, dir, reg, fixedOracle{}, challenge.WithOutcomeSink(outcomes))
	ledger := friendship.NewLedger(dir, reg)
	sink := &recordingSink{}
	svc := New(dir, reg, ledger, duels, append([]Option{WithOutcomes(outcomes, sink)}, opts...)...)

	d := reactor.NewDispatcher()
	svc.Register(d)
	srv := reactor.NewServer(reactor.Config{Workers: 2, ReadTimeout: time.Second, WriteTimeout: time.Second}, d)
	srv.SetOnDisconnect(svc.CloseSession)
	require.NoError(t, srv.Start())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(l) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.RunOutcomes(ctx)
	}()
	t.Cleanup(func() {
		srv.Shutdown()
		duels.Close()
		cancel()
		<-done
	})
	return &harness{dir: dir, reg: reg, duels: duels, sink: sink, addr: l.Addr().String()}
}

func longChallenges() challenge.Config {
	cfg := challenge.DefaultConfig()
	cfg.Words = 2
	cfg.Duration = 10 * time.Second
	cfg.RequestTimeout = 10 * time.Second
	return cfg
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (h *harness) dial(t *testing.T) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", h.addr, time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// login connects name with its test password and consumes LOGGED_IN.
func (h *harness) login(t *testing.T, name string) *client {
	t.Helper()
	c := h.dial(t)
	m := c.call(protocol.TypeLogIn, name, name+"-pw", "0")
	require.Equal(t, protocol.TypeLoggedIn, m.Type, "login %s", name)
	return c
}

func (c *client) send(t protocol.Type, fields ...string) {
	c.t.Helper()
	require.NoError(c.t, protocol.Encode(c.conn, protocol.New(t, fields...)))
}

func (c *client) recv() protocol.Message {
	c.t.Helper()
	m, err := protocol.Decode(c.r)
	require.NoError(c.t, err)
	return m
}

func (c *client) call(t protocol.Type, fields ...string) protocol.Message {
	c.t.Helper()
	c.send(t, fields...)
	return c.recv()
}

func (c *client) expect(t protocol.Type, fields ...string) {
	c.t.Helper()
	m := c.recv()
	assert.Equal(c.t, protocol.New(t, fields...), m)
}

func TestLogin(t *testing.T) {
	h := newHarness(t, longChallenges())
	c := h.dial(t)

	assert.Equal(t, protocol.TypeUnknownUser, c.call(protocol.TypeLogIn, "zed", "x", "0").Type)
	assert.Equal(t, protocol.TypeWrongPassword, c.call(protocol.TypeLogIn, "alice", "nope", "0").Type)
	assert.Equal(t, protocol.TypeInvalidMessageFormat, c.call(protocol.TypeLogIn, "alice", "alice-pw", "port").Type)
	assert.Equal(t, protocol.TypeUnexpectedMessage, c.call(protocol.TypeRequestForScore).Type)

	m := c.call(protocol.TypeLogIn, "alice", "alice-pw", "0")
	assert.Equal(t, protocol.New(protocol.TypeLoggedIn, "alice", "0"), m)
	assert.True(t, h.reg.IsOnline("alice"))

	other := h.dial(t)
	assert.Equal(t, protocol.TypeUserAlreadyLogged, other.call(protocol.TypeLogIn, "alice", "alice-pw", "0").Type)
}

func TestRequestPipelinedBehindLogin(t *testing.T) {
	h := newHarness(t, longChallenges())
	c := h.dial(t)

	var batch []byte
	for _, m := range []protocol.Message{
		protocol.New(protocol.TypeLogIn, "alice", "alice-pw", "0"),
		protocol.New(protocol.TypeRequestForScore),
	} {
		frame, err := protocol.Marshal(m)
		require.NoError(t, err)
		batch = append(batch, frame...)
	}
	_, err := c.conn.Write(batch)
	require.NoError(t, err)

	c.expect(protocol.TypeLoggedIn, "alice", "0")
	c.expect(protocol.TypeScore, "0")
}

func TestDisconnectDuringLoginLeavesUserOffline(t *testing.T) {
	h := newHarness(t, longChallenges())
	c := h.dial(t)
	c.send(protocol.TypeLogIn, "alice", "alice-pw", "0")
	require.NoError(t, c.conn.Close())

	// Whichever of the password check and the disconnect lands first, no
	// session may outlive the connection.
	time.Sleep(100 * time.Millisecond)
	assert.Eventually(t, func() bool { return !h.reg.IsOnline("alice") }, 2*time.Second, 10*time.Millisecond)
	h.login(t, "alice")
}

func TestLoginThrottled(t *testing.T) {
	h := newHarness(t, longChallenges(), WithLoginLimiter(ratelimit.New(0.001, 2)))
	c := h.dial(t)

	assert.Equal(t, protocol.TypeWrongPassword, c.call(protocol.TypeLogIn, "alice", "a", "0").Type)
	assert.Equal(t, protocol.TypeWrongPassword, c.call(protocol.TypeLogIn, "alice", "b", "0").Type)
	assert.Equal(t, protocol.TypeTooManyLoginAttempts, c.call(protocol.TypeLogIn, "alice", "alice-pw", "0").Type)
}

func TestFriendship(t *testing.T) {
	h := newHarness(t, longChallenges())
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	assert.Equal(t, protocol.TypeSelfRequest, alice.call(protocol.TypeRequestForFriendship, "alice").Type)
	assert.Equal(t, protocol.TypeUnknownReceiver, alice.call(protocol.TypeRequestForFriendship, "zed").Type)
	assert.Equal(t, protocol.TypeOK, alice.call(protocol.TypeRequestForFriendship, "bob").Type)
	assert.Equal(t, protocol.TypeRequestAlreadySent, alice.call(protocol.TypeRequestForFriendship, "bob").Type)

	bob.expect(protocol.TypeFriendshipRequestReceived, "alice")
	assert.Equal(t, protocol.TypeRequestAlreadyReceived, bob.call(protocol.TypeRequestForFriendship, "alice").Type)
	assert.Equal(t, protocol.TypeUnexpectedMessage, bob.call(protocol.TypeConfirmFriendshipRequest, "carol").Type)
	assert.Equal(t, protocol.New(protocol.TypeOK, "alice", "0"), bob.call(protocol.TypeConfirmFriendshipRequest, "alice"))

	alice.expect(protocol.TypeFriendshipRequestConfirmed, "bob", "0")
	assert.True(t, h.dir.AreFriends("alice", "bob"))
	assert.Equal(t, protocol.TypeAlreadyFriends, alice.call(protocol.TypeRequestForFriendship, "bob").Type)

	assert.Equal(t, protocol.New(protocol.TypeFriendsList, "bob", "0", "1"), alice.call(protocol.TypeRequestForFriendsList))
	require.NoError(t, bob.conn.Close())
	assert.Eventually(t, func() bool { return !h.reg.IsOnline("bob") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, protocol.New(protocol.TypeFriendsList, "bob", "0", "0"), alice.call(protocol.TypeRequestForFriendsList))
}

func TestFriendshipDecline(t *testing.T) {
	h := newHarness(t, longChallenges())
	alice := h.login(t, "alice")
	bob := h.login(t, "bob")

	require.Equal(t, protocol.TypeOK, alice.call(protocol.TypeRequestForFriendship, "bob").Type)
	bob.expect(protocol.TypeFriendshipRequestReceived, "alice")
	assert.Equal(t, protocol.TypeOK, bob.call(protocol.TypeDeclineFriendshipRequest, "alice").Type)
	alice.expect(protocol.TypeFriendshipRequestDeclined, "bob")
	assert.False(t, h.dir.AreFriends("alice", "bob"))
}

func TestBacklogDeliveredAtLogin(t *testing.T) {
	h := newHarness(t, longChallenges())
	alice := h.login(t, "alice")
	require.Equal(t, protocol.TypeOK, alice.call(protocol.TypeRequestForFriendship, "carol").Type)

	carol := h.login(t, "carol")
	carol.expect(protocol.TypeFriendshipRequestReceived, "alice")
}

func (h *harness) friends(t *testing.T) (alice, bob *client) {
	t.Helper()
	require.NoError(t, h.dir.MakeFriends("alice", "bob"))
	return h.login(t, "alice"), h.login(t, "bob")
}

// startChallenge has alice challenge bob and bob accept.
func startChallenge(t *testing.T, alice, bob *client) {
	t.Helper()
	require.Equal(t, protocol.TypeOK, alice.call(protocol.TypeRequestForChallenge, "bob").Type)
	bob.expect(protocol.TypeChallengeRequestReceived, "alice", "10")
	assert.Equal(t, protocol.New(protocol.TypeChallengeRequestConfirmed, "alice", "10", "2"),
		bob.call(protocol.TypeConfirmChallengeRequest, "alice"))
	alice.expect(protocol.TypeChallengeRequestConfirmed, "bob", "10", "2")
}

func TestChallengeToCompletion(t *testing.T) {
	h := newHarness(t, longChallenges())
	alice, bob := h.friends(t)

	assert.Equal(t, protocol.TypeUnexpectedMessage, alice.call(protocol.TypeRequestForChallenge, "carol").Type)
	startChallenge(t, alice, bob)
	_, challenges := h.duels.Counts()
	assert.Equal(t, 1, challenges)
	assert.Equal(t, protocol.TypeApplicantEngagedInOtherChallenge, alice.call(protocol.TypeRequestForChallenge, "bob").Type)

	assert.Equal(t, protocol.TypeTranslationProvisionOutOfSequence, alice.call(protocol.TypeChallengeProvideTranslation, "x").Type)
	assert.Equal(t, protocol.New(protocol.TypeChallengeWord, "w1", "1", "2"), alice.call(protocol.TypeChallengeGetWord))
	assert.Equal(t, protocol.TypeWordRetrievalOutOfSequence, alice.call(protocol.TypeChallengeGetWord).Type)
	assert.Equal(t, protocol.TypeTranslationReceived, alice.call(protocol.TypeChallengeProvideTranslation, "tw1").Type)
	assert.Equal(t, protocol.TypeTranslationProvisionOutOfSequence, alice.call(protocol.TypeChallengeProvideTranslation, "tw1").Type)
	assert.Equal(t, protocol.New(protocol.TypeChallengeWord, "w2", "2", "2"), alice.call(protocol.TypeChallengeGetWord))
	assert.Equal(t, protocol.TypeTranslationReceived, alice.call(protocol.TypeChallengeProvideTranslation, "wrong").Type)
	assert.Equal(t, protocol.TypeNoFurtherWordsToGet, alice.call(protocol.TypeChallengeGetWord).Type)

	for _, w := range []string{"w1", "w2"} {
		require.Equal(t, protocol.TypeChallengeWord, bob.call(protocol.TypeChallengeGetWord).Type)
		require.Equal(t, protocol.TypeTranslationReceived, bob.call(protocol.TypeChallengeProvideTranslation, "t"+w).Type)
	}

	bob.expect(protocol.TypeChallengeCompleted, "alice", "WIN", "2", "0", "0", "4", "3", "7", "7")
	alice.expect(protocol.TypeChallengeCompleted, "bob", "LOSE", "1", "1", "0", "1", "0", "1", "1")
	assert.Equal(t, protocol.TypeNoChallengeRelated, bob.call(protocol.TypeChallengeGetWord).Type)

	assert.Equal(t, protocol.New(protocol.TypeScore, "7"), bob.call(protocol.TypeRequestForScore))
	assert.Equal(t, protocol.New(protocol.TypeLeaderboard, "bob", "7", "alice", "1"),
		alice.call(protocol.TypeRequestForLeaderboard))

	assert.Eventually(t, func() bool { return len(h.sink.recorded()) == 1 }, 2*time.Second, 10*time.Millisecond)
	o := h.sink.recorded()[0]
	assert.Equal(t, challenge.Completed, o.Termination)
}

func TestChallengeDecline(t *testing.T) {
	h := newHarness(t, longChallenges())
	alice, bob := h.friends(t)

	require.Equal(t, protocol.TypeOK, alice.call(protocol.TypeRequestForChallenge, "bob").Type)
	bob.expect(protocol.TypeChallengeRequestReceived, "alice", "10")
	assert.Equal(t, protocol.TypePreviousChallengeRequestReceived, bob.call(protocol.TypeRequestForChallenge, "alice").Type)
	assert.Equal(t, protocol.TypeOK, bob.call(protocol.TypeDeclineChallengeRequest, "alice").Type)
	alice.expect(protocol.TypeChallengeRequestDeclined, "bob")
	assert.Equal(t, protocol.TypeUnexpectedMessage, bob.call(protocol.TypeConfirmChallengeRequest, "alice").Type)
}

func TestChallengeRequestExpires(t *testing.T) {
	cfg := longChallenges()
	cfg.RequestTimeout = 200 * time.Millisecond
	h := newHarness(t, cfg)
	alice, bob := h.friends(t)

	require.Equal(t, protocol.TypeOK, alice.call(protocol.TypeRequestForChallenge, "bob").Type)
	bob.expect(protocol.TypeChallengeRequestReceived, "alice", "0")
	alice.expect(protocol.TypeChallengeRequestNotAnswered, "bob")
	bob.expect(protocol.TypeChallengeRequestExpired, "alice")
	_, ok := h.duels.RequestOf("alice")
	assert.False(t, ok)
	_, ok = h.duels.RequestOf("bob")
	assert.False(t, ok)
}

func TestApplicantDisconnectCancelsRequest(t *testing.T) {
	h := newHarness(t, longChallenges())
	alice, bob := h.friends(t)

	require.Equal(t, protocol.TypeOK, alice.call(protocol.TypeRequestForChallenge, "bob").Type)
	bob.expect(protocol.TypeChallengeRequestReceived, "alice", "10")
	require.NoError(t, alice.conn.Close())

	bob.expect(protocol.TypeChallengeRequestApplicantLoggedOut, "alice")
	_, ok := h.duels.RequestOf("bob")
	assert.False(t, ok)
}

func TestLogOutAbortsChallenge(t *testing.T) {
	h := newHarness(t, longChallenges())
	alice, bob := h.friends(t)
	startChallenge(t, alice, bob)

	assert.Equal(t, protocol.TypeOK, alice.call(protocol.TypeLogOut).Type)
	_, err := protocol.Decode(alice.r)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)

	bob.expect(protocol.TypeChallengeAborted, "alice", "WON_BY_DEFAULT", "0", "0", "2", "0", "3", "3", "3")
	assert.Eventually(t, func() bool { return len(h.sink.recorded()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, challenge.Aborted, h.sink.recorded()[0].Termination)

	// The leaver's report waits in the backlog.
	again := h.login(t, "alice")
	again.expect(protocol.TypeChallengeAborted, "bob", "ABANDONED", "0", "0", "2", "0", "0", "0", "0")
}

func TestChallengeRequestPushedAsDatagram(t *testing.T) {
	h := newHarness(t, longChallenges())
	require.NoError(t, h.dir.MakeFriends("alice", "bob"))

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udp.Close()
	port := udp.LocalAddr().(*net.UDPAddr).Port

	alice := h.login(t, "alice")
	bob := h.dial(t)
	require.Equal(t, protocol.TypeLoggedIn, bob.call(protocol.TypeLogIn, "bob", "bob-pw", strconv.Itoa(port)).Type)

	require.Equal(t, protocol.TypeOK, alice.call(protocol.TypeRequestForChallenge, "bob").Type)
	require.NoError(t, udp.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, protocol.MaxDatagramSize)
	n, _, err := udp.ReadFromUDP(buf)
	require.NoError(t, err)
	m, err := protocol.UnmarshalDatagram(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, protocol.New(protocol.TypeChallengeRequestReceived, "alice", "10"), m)
}

func TestResponseFor(t *testing.T) {
	tests := []struct {
		err  error
		want protocol.Type
	}{
		{users.ErrWrongPassword, protocol.TypeWrongPassword},
		{errors.Wrap(challenge.ErrWordsUnavailable, "oracle"), protocol.TypeServiceUnavailable},
		{friendship.ErrNoSuchRequest, protocol.TypeUnexpectedMessage},
		{challenge.ErrSelfRequest, protocol.TypeSelfRequest},
		{challenge.ErrReceiverEngagedInOtherChallengeRequest, protocol.TypeReceiverEngagedInOtherChallengeRequest},
		{errors.New("boom"), protocol.TypeServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, responseFor(tt.err).Type, tt.err.Error())
	}
}
