package session

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wordduel/server/internal/protocol"
	"github.com/wordduel/server/internal/users"
)

type countingWaker struct{ n int32 }

func (w *countingWaker) Wake() { atomic.AddInt32(&w.n, 1) }

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (f *fakeSender) Send(_ *net.UDPAddr, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	m, err := protocol.UnmarshalDatagram(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	return nil
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) SessionOpened(s *Session) {
	o.mu.Lock()
	o.events = append(o.events, "+"+s.Username)
	o.mu.Unlock()
}

func (o *recordingObserver) SessionClosed(username string) {
	o.mu.Lock()
	o.events = append(o.events, "-"+username)
	o.mu.Unlock()
}

func newTestRegistry(t *testing.T, cfgs ...Cfg) (*Registry, *users.Directory) {
	t.Helper()
	dir := users.NewDirectory(users.WithHashCost(bcrypt.MinCost))
	for _, n := range []string{"alice", "bob"} {
		require.NoError(t, dir.Register(n, "pw"))
	}
	r, err := NewRegistry(dir, cfgs...)
	require.NoError(t, err)
	return r, dir
}

func drain(s *Session) []protocol.Message {
	var out []protocol.Message
	for {
		m, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, m)
	}
}

func TestOpen_Credentials(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Open("alice", "bad", nil, "c1", nil)
	assert.ErrorIs(t, err, users.ErrWrongPassword)
	_, err = r.Open("carol", "pw", nil, "c1", nil)
	assert.ErrorIs(t, err, users.ErrUnknownUser)
	assert.False(t, r.IsOnline("alice"))
}

func TestOpen_ConcurrentSameUserSucceedsOnce(t *testing.T) {
	r, _ := newTestRegistry(t)

	var wins, dup int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Open("alice", "pw", nil, "c", nil)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrUserAlreadyLogged):
				atomic.AddInt32(&dup, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)
	assert.EqualValues(t, 15, dup)
	assert.Equal(t, 1, r.Count())
}

func TestOpen_DrainsBacklogFirst(t *testing.T) {
	r, dir := newTestRegistry(t)
	require.NoError(t, dir.AppendBacklog("alice", protocol.New(protocol.TypeFriendshipRequestReceived, "bob")))

	w := &countingWaker{}
	s, err := r.Open("alice", "pw", nil, "c1", w)
	require.NoError(t, err)
	assert.True(t, r.Deliver("alice", protocol.New(protocol.TypeFriendshipRequestDeclined, "bob")))

	got := drain(s)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.TypeFriendshipRequestReceived, got[0].Type)
	assert.Equal(t, protocol.TypeFriendshipRequestDeclined, got[1].Type)
	assert.Positive(t, atomic.LoadInt32(&w.n))
	assert.Empty(t, dir.DrainBacklog("alice"))
}

func TestClose_RequeuesUnsentOutput(t *testing.T) {
	obs := &recordingObserver{}
	r, dir := newTestRegistry(t, WithObserver(obs))
	s, err := r.Open("alice", "pw", nil, "c1", nil)
	require.NoError(t, err)
	require.True(t, r.SendMessage("alice", protocol.New(protocol.TypeChallengeRequestDeclined, "bob")))

	assert.True(t, r.Close(s))
	assert.False(t, r.Close(s), "second close is a no-op")
	assert.True(t, s.Closed())
	assert.False(t, s.Enqueue(protocol.New(protocol.TypeOK)))
	assert.False(t, r.SendMessage("alice", protocol.New(protocol.TypeOK)))

	backlog := dir.DrainBacklog("alice")
	require.Len(t, backlog, 1)
	assert.Equal(t, protocol.TypeChallengeRequestDeclined, backlog[0].Type)
	assert.Equal(t, []string{"+alice", "-alice"}, obs.events)
}

func TestClose_StaleSessionDoesNotEvictNewer(t *testing.T) {
	r, _ := newTestRegistry(t)
	old, err := r.Open("alice", "pw", nil, "c1", nil)
	require.NoError(t, err)
	require.True(t, r.Close(old))
	fresh, err := r.Open("alice", "pw", nil, "c2", nil)
	require.NoError(t, err)

	assert.False(t, r.Close(old))
	got, ok := r.Get("alice")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestDeliver_OfflineGoesToBacklog(t *testing.T) {
	r, dir := newTestRegistry(t)

	assert.False(t, r.Deliver("bob", protocol.New(protocol.TypeFriendshipRequestReceived, "alice")))
	assert.Len(t, dir.DrainBacklog("bob"), 1)
}

func TestPush(t *testing.T) {
	sender := &fakeSender{}
	r, _ := newTestRegistry(t, WithDatagramSender(sender))
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000}
	s, err := r.Open("bob", "pw", addr, "c1", nil)
	require.NoError(t, err)

	msg := protocol.New(protocol.TypeChallengeRequestReceived, "alice", "15")
	assert.True(t, r.Push("bob", msg))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, msg, sender.sent[0])
	assert.False(t, s.Pending())

	sender.err = errors.New("unreachable")
	assert.True(t, r.Push("bob", msg))
	assert.True(t, s.Pending(), "failed datagram falls back to the stream")

	assert.False(t, r.Push("alice", msg), "offline user")
}

func TestNotifyAddr(t *testing.T) {
	addr, err := NotifyAddr(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 5555}, 6000)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:6000", addr.String())

	_, err = NotifyAddr(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 7)}, 0)
	assert.Error(t, err)
	_, err = NotifyAddr(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 7)}, 70000)
	assert.Error(t, err)
}

func TestUDPSender_Loopback(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	sender, err := NewUDPSender(0)
	require.NoError(t, err)
	defer sender.Close()

	msg := protocol.New(protocol.TypeChallengeRequestReceived, "alice", "15")
	payload, err := protocol.MarshalDatagram(msg)
	require.NoError(t, err)
	require.NoError(t, sender.Send(listener.LocalAddr().(*net.UDPAddr), payload))

	buf := make([]byte, protocol.MaxDatagramSize)
	n, _, err := listener.ReadFromUDP(buf)
	require.NoError(t, err)
	got, err := protocol.UnmarshalDatagram(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}
