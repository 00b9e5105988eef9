package reactor

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wordduel/server/internal/protocol"
	"github.com/wordduel/server/internal/session"
	"github.com/wordduel/server/internal/users"
)

func testConfig() Config {
	return Config{
		Workers:        2,
		ReadTimeout:    time.Second,
		WriteTimeout:   time.Second,
		UpgradeTimeout: time.Second,
	}
}

// echoLogin answers every LOG_IN with LOGGED_IN carrying the username.
func echoLogin(c *Conn, m protocol.Message) {
	c.Reply(protocol.New(protocol.TypeLoggedIn, m.Field(0), "0"))
}

func startServer(t *testing.T, cfg Config, d *Dispatcher, onDisconnect func(*session.Session)) (*Server, string) {
	t.Helper()
	s := NewServer(cfg, d)
	if onDisconnect != nil {
		s.SetOnDisconnect(onDisconnect)
	}
	require.NoError(t, s.Start())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(s.Shutdown)
	return s, l.Addr().String()
}

type client struct {
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return &client{conn: conn, r: bufio.NewReader(conn)}
}

func (c *client) send(t *testing.T, m protocol.Message) {
	t.Helper()
	require.NoError(t, protocol.Encode(c.conn, m))
}

func (c *client) recv(t *testing.T) protocol.Message {
	t.Helper()
	m, err := protocol.Decode(c.r)
	require.NoError(t, err)
	return m
}

func logIn(name string) protocol.Message {
	return protocol.New(protocol.TypeLogIn, name, "secret", "0")
}

func TestRequestBeforeLoginIsUnexpected(t *testing.T) {
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	_, addr := startServer(t, testConfig(), d, nil)

	c := dial(t, addr)
	c.send(t, protocol.New(protocol.TypeRequestForScore))
	assert.Equal(t, protocol.TypeUnexpectedMessage, c.recv(t).Type)

	// The connection stays usable.
	c.send(t, logIn("alice"))
	m := c.recv(t)
	assert.Equal(t, protocol.TypeLoggedIn, m.Type)
	assert.Equal(t, "alice", m.Field(0))
}

func TestUnknownTypeKeepsConnectionAligned(t *testing.T) {
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	_, addr := startServer(t, testConfig(), d, nil)

	c := dial(t, addr)
	_, err := c.conn.Write([]byte{0x03, 0xE7, 0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeInvalidMessageFormat, c.recv(t).Type)

	c.send(t, logIn("bob"))
	assert.Equal(t, "bob", c.recv(t).Field(0))
}

func TestCorruptFrameClosesConnection(t *testing.T) {
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	_, addr := startServer(t, testConfig(), d, nil)

	c := dial(t, addr)
	// LOG_IN with one field whose length is negative.
	_, err := c.conn.Write([]byte{0x00, 0x01, 0x00, 0x03, 0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeInvalidMessageFormat, c.recv(t).Type)

	_, err = protocol.Decode(c.r)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestPipelinedMessagesAnsweredInOrder(t *testing.T) {
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	_, addr := startServer(t, testConfig(), d, nil)

	var batch []byte
	names := []string{"ann", "ben", "cat", "dan"}
	for _, n := range names {
		frame, err := protocol.Marshal(logIn(n))
		require.NoError(t, err)
		batch = append(batch, frame...)
	}

	c := dial(t, addr)
	_, err := c.conn.Write(batch)
	require.NoError(t, err)
	for _, n := range names {
		assert.Equal(t, n, c.recv(t).Field(0))
	}
}

func TestCloseAfterFlush(t *testing.T) {
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, func(c *Conn, m protocol.Message) {
		c.Reply(protocol.New(protocol.TypeOK))
		c.CloseAfterFlush()
	})
	s, addr := startServer(t, testConfig(), d, nil)

	c := dial(t, addr)
	c.send(t, logIn("alice"))
	assert.Equal(t, protocol.TypeOK, c.recv(t).Type)
	_, err := protocol.Decode(c.r)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	assert.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionOutputAndDisconnect(t *testing.T) {
	dir := users.NewDirectory(users.WithHashCost(bcrypt.MinCost))
	require.NoError(t, dir.Register("alice", "secret"))
	reg, err := session.NewRegistry(dir)
	require.NoError(t, err)

	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, func(c *Conn, m protocol.Message) {
		s, err := reg.Open(m.Field(0), m.Field(1), nil, c.ID, c)
		if err != nil {
			c.Reply(protocol.New(protocol.TypeWrongPassword))
			return
		}
		c.Bind(s)
		c.Reply(protocol.New(protocol.TypeLoggedIn, s.Username, "0"))
	})
	closed := make(chan string, 1)
	_, addr := startServer(t, testConfig(), d, func(s *session.Session) {
		reg.Close(s)
		closed <- s.Username
	})

	c := dial(t, addr)
	c.send(t, logIn("alice"))
	require.Equal(t, protocol.TypeLoggedIn, c.recv(t).Type)

	// A second LOG_IN on an authenticated connection is refused.
	c.send(t, logIn("alice"))
	assert.Equal(t, protocol.TypeUnexpectedMessage, c.recv(t).Type)

	// Output queued from another goroutine wakes the worker.
	go reg.SendMessage("alice", protocol.New(protocol.TypeFriendshipRequestReceived, "bob"))
	m := c.recv(t)
	assert.Equal(t, protocol.TypeFriendshipRequestReceived, m.Type)
	assert.Equal(t, "bob", m.Field(0))

	require.NoError(t, c.conn.Close())
	select {
	case name := <-closed:
		assert.Equal(t, "alice", name)
	case <-time.After(3 * time.Second):
		t.Fatal("session was not destroyed")
	}
	assert.False(t, reg.IsOnline("alice"))
}

func TestMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	s, addr := startServer(t, cfg, d, nil)

	first := dial(t, addr)
	first.send(t, logIn("alice"))
	require.Equal(t, protocol.TypeLoggedIn, first.recv(t).Type)

	second := dial(t, addr)
	_, err := protocol.Decode(second.r)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	assert.Equal(t, 1, s.Connections())
}

func TestShutdownDestroysSessions(t *testing.T) {
	dir := users.NewDirectory(users.WithHashCost(bcrypt.MinCost))
	require.NoError(t, dir.Register("alice", "secret"))
	reg, err := session.NewRegistry(dir)
	require.NoError(t, err)

	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, func(c *Conn, m protocol.Message) {
		s, err := reg.Open(m.Field(0), m.Field(1), nil, c.ID, c)
		if err != nil {
			c.Reply(protocol.New(protocol.TypeWrongPassword))
			return
		}
		c.Bind(s)
		c.Reply(protocol.New(protocol.TypeLoggedIn, s.Username, "0"))
	})
	s, addr := startServer(t, testConfig(), d, func(s *session.Session) { reg.Close(s) })

	c := dial(t, addr)
	c.send(t, logIn("alice"))
	require.Equal(t, protocol.TypeLoggedIn, c.recv(t).Type)
	require.True(t, reg.IsOnline("alice"))

	s.Shutdown()
	assert.False(t, reg.IsOnline("alice"))
	assert.Equal(t, 0, s.Connections())
	_, err = protocol.Decode(c.r)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestWebSocketTransport(t *testing.T) {
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	s := NewServer(testConfig(), d)
	require.NoError(t, s.Start())
	t.Cleanup(s.Shutdown)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.ServeWebSocket(l) }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws://"+l.Addr().String()+"/")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	frame, err := protocol.Marshal(logIn("carol"))
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientBinary(conn, frame))

	data, err := wsutil.ReadServerBinary(conn)
	require.NoError(t, err)
	m, err := protocol.UnmarshalDatagram(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeLoggedIn, m.Type)
	assert.Equal(t, "carol", m.Field(0))

	// Text messages are rejected without closing the connection.
	require.NoError(t, wsutil.WriteClientText(conn, []byte("hello")))
	data, err = wsutil.ReadServerBinary(conn)
	require.NoError(t, err)
	m, err = protocol.UnmarshalDatagram(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeInvalidMessageFormat, m.Type)
}

func TestPartialFrameDoesNotHoldUpWorker(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.ReadTimeout = 3 * time.Second
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	_, addr := startServer(t, cfg, d, nil)

	frame, err := protocol.Marshal(logIn("slow"))
	require.NoError(t, err)
	slow := dial(t, addr)
	_, err = slow.conn.Write(frame[:2])
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	fast := dial(t, addr)
	start := time.Now()
	fast.send(t, logIn("fast"))
	assert.Equal(t, "fast", fast.recv(t).Field(0))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// The rest of the split frame completes it.
	_, err = slow.conn.Write(frame[2:])
	require.NoError(t, err)
	assert.Equal(t, "slow", slow.recv(t).Field(0))
}

func TestFrameSplitAcrossManyWrites(t *testing.T) {
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	_, addr := startServer(t, testConfig(), d, nil)

	frame, err := protocol.Marshal(logIn("trickle"))
	require.NoError(t, err)
	c := dial(t, addr)
	for _, b := range frame {
		_, err := c.conn.Write([]byte{b})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, "trickle", c.recv(t).Field(0))
}

func TestUnfinishedFrameTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 200 * time.Millisecond
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	s, addr := startServer(t, cfg, d, nil)

	c := dial(t, addr)
	_, err := c.conn.Write([]byte{0x00, 0x01})
	require.NoError(t, err)

	start := time.Now()
	_, err = protocol.Decode(c.r)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Eventually(t, func() bool { return s.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestIdleConnectionIsNotTimedOut(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 100 * time.Millisecond
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	_, addr := startServer(t, cfg, d, nil)

	c := dial(t, addr)
	time.Sleep(300 * time.Millisecond)
	c.send(t, logIn("idle"))
	assert.Equal(t, "idle", c.recv(t).Field(0))
}

// releaser closes release once, however often it is called, so a failing
// test never leaves offloaded work blocking Shutdown.
func releaser(release chan struct{}) func() {
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func TestOffloadSuspendsInputOnly(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	release := make(chan struct{})
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, func(c *Conn, m protocol.Message) {
		if m.Field(0) != "blocked" {
			echoLogin(c, m)
			return
		}
		c.Offload(func() func() {
			<-release
			return func() { echoLogin(c, m) }
		})
	})
	_, addr := startServer(t, cfg, d, nil)
	unblock := releaser(release)
	defer unblock()

	var batch []byte
	for _, n := range []string{"blocked", "after"} {
		frame, err := protocol.Marshal(logIn(n))
		require.NoError(t, err)
		batch = append(batch, frame...)
	}
	blocked := dial(t, addr)
	_, err := blocked.conn.Write(batch)
	require.NoError(t, err)

	other := dial(t, addr)
	other.send(t, logIn("other"))
	assert.Equal(t, "other", other.recv(t).Field(0))

	unblock()
	assert.Equal(t, "blocked", blocked.recv(t).Field(0))
	assert.Equal(t, "after", blocked.recv(t).Field(0))
}

func TestOffloadContinuationSeesClosedConnection(t *testing.T) {
	release := make(chan struct{})
	closed := make(chan bool, 1)
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, func(c *Conn, m protocol.Message) {
		c.Offload(func() func() {
			<-release
			return func() { closed <- c.Closed() }
		})
	})
	s, addr := startServer(t, testConfig(), d, nil)
	unblock := releaser(release)
	defer unblock()

	c := dial(t, addr)
	c.send(t, logIn("gone"))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.conn.Close())
	require.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)

	unblock()
	select {
	case wasClosed := <-closed:
		assert.True(t, wasClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("continuation did not run")
	}
}

func TestWebSocketPingAndClose(t *testing.T) {
	d := NewDispatcher()
	d.Register(protocol.TypeLogIn, echoLogin)
	s := NewServer(testConfig(), d)
	require.NoError(t, s.Start())
	t.Cleanup(s.Shutdown)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.ServeWebSocket(l) }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws://"+l.Addr().String()+"/")
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpPing, []byte("hi")))
	f, err := ws.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, ws.OpPong, f.Header.OpCode)
	assert.Equal(t, "hi", string(f.Payload))

	require.NoError(t, wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	f, err = ws.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, ws.OpClose, f.Header.OpCode)
	assert.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}
