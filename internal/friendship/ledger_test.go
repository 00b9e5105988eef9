package friendship

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wordduel/server/internal/protocol"
	"github.com/wordduel/server/internal/users"
)

type delivery struct {
	to  string
	msg protocol.Message
}

type fakeNotifier struct {
	mu  sync.Mutex
	out []delivery
}

func (f *fakeNotifier) Deliver(username string, m protocol.Message) bool {
	f.mu.Lock()
	f.out = append(f.out, delivery{username, m})
	f.mu.Unlock()
	return true
}

func setup(t *testing.T) (*Ledger, *users.Directory, *fakeNotifier) {
	t.Helper()
	dir := users.NewDirectory(users.WithHashCost(bcrypt.MinCost))
	for _, n := range []string{"alice", "bob", "carol"} {
		require.NoError(t, dir.Register(n, "pw"))
	}
	n := &fakeNotifier{}
	return NewLedger(dir, n), dir, n
}

func TestSend_Validation(t *testing.T) {
	l, dir, _ := setup(t)
	require.NoError(t, dir.MakeFriends("alice", "carol"))

	assert.ErrorIs(t, l.Send("alice", "alice"), ErrSelfRequest)
	assert.ErrorIs(t, l.Send("alice", "zed"), ErrUnknownReceiver)
	assert.ErrorIs(t, l.Send("alice", "carol"), ErrAlreadyFriends)
	assert.Equal(t, 0, l.Len())
}

func TestSend_OppositeDirections(t *testing.T) {
	l, _, n := setup(t)

	require.NoError(t, l.Send("alice", "bob"))
	assert.ErrorIs(t, l.Send("alice", "bob"), ErrRequestAlreadySent)
	assert.ErrorIs(t, l.Send("bob", "alice"), ErrRequestAlreadyReceived)
	assert.Equal(t, 1, l.Len())

	require.Len(t, n.out, 1)
	assert.Equal(t, "bob", n.out[0].to)
	assert.Equal(t, protocol.New(protocol.TypeFriendshipRequestReceived, "alice"), n.out[0].msg)
}

func TestSend_ConcurrentOppositeDirectionsKeepOneEdge(t *testing.T) {
	l, _, _ := setup(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = l.Send("alice", "bob") }()
	go func() { defer wg.Done(); errs[1] = l.Send("bob", "alice") }()
	wg.Wait()

	assert.Equal(t, 1, l.Len())
	if errs[0] == nil {
		assert.ErrorIs(t, errs[1], ErrRequestAlreadyReceived)
	} else {
		assert.NoError(t, errs[1])
		assert.ErrorIs(t, errs[0], ErrRequestAlreadyReceived)
	}
}

func TestConfirm(t *testing.T) {
	l, dir, n := setup(t)
	_, _ = dir.AddScore("bob", 12)
	_, _ = dir.AddScore("alice", 4)
	require.NoError(t, l.Send("alice", "bob"))

	_, err := l.Confirm("alice", "bob")
	assert.ErrorIs(t, err, ErrNoSuchRequest, "applicant cannot confirm its own request")

	score, err := l.Confirm("bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, 4, score)
	assert.True(t, dir.AreFriends("alice", "bob"))
	assert.True(t, dir.AreFriends("bob", "alice"))
	assert.Equal(t, 0, l.Len())

	last := n.out[len(n.out)-1]
	assert.Equal(t, "alice", last.to)
	assert.Equal(t, protocol.New(protocol.TypeFriendshipRequestConfirmed, "bob", "12"), last.msg)

	_, err = l.Confirm("bob", "alice")
	assert.ErrorIs(t, err, ErrNoSuchRequest)
}

func TestDecline(t *testing.T) {
	l, dir, n := setup(t)
	require.NoError(t, l.Send("alice", "bob"))

	assert.ErrorIs(t, l.Decline("bob", "carol"), ErrNoSuchRequest)
	require.NoError(t, l.Decline("bob", "alice"))
	assert.False(t, dir.AreFriends("alice", "bob"))
	assert.Equal(t, 0, l.Len())

	last := n.out[len(n.out)-1]
	assert.Equal(t, "alice", last.to)
	assert.Equal(t, protocol.New(protocol.TypeFriendshipRequestDeclined, "bob"), last.msg)

	require.NoError(t, l.Send("alice", "bob"), "a declined pair may try again")
}

func TestPending(t *testing.T) {
	l, _, _ := setup(t)
	require.NoError(t, l.Send("alice", "bob"))
	require.NoError(t, l.Send("carol", "alice"))

	assert.Equal(t, []Request{{"alice", "bob"}, {"carol", "alice"}}, l.Pending("alice"))
	assert.Equal(t, []Request{{"alice", "bob"}}, l.Pending("bob"))
}
