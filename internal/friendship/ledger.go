// Package friendship tracks pending friendship requests and turns confirmed
// ones into symmetric friendships.
package friendship

import (
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wordduel/server/internal/logging"
	"github.com/wordduel/server/internal/protocol"
	"github.com/wordduel/server/internal/users"
)

var logger logrus.FieldLogger = logging.For("friendship")

// Friendship request errors.
var (
	ErrSelfRequest            = errors.New("self request")
	ErrUnknownReceiver        = errors.New("unknown receiver")
	ErrAlreadyFriends         = errors.New("already friends")
	ErrRequestAlreadySent     = errors.New("request already sent")
	ErrRequestAlreadyReceived = errors.New("request already received")
	ErrNoSuchRequest          = errors.New("no such friendship request")
)

// Accounts is the part of the user directory the ledger needs.
type Accounts interface {
	Exists(username string) bool
	AreFriends(a, b string) bool
	MakeFriends(a, b string) error
	Score(username string) (int, bool)
}

var _ Accounts = (*users.Directory)(nil)

// Notifier delivers a notification live or through the backlog.
type Notifier interface {
	Deliver(username string, m protocol.Message) bool
}

type pair struct{ lo, hi string }

func pairOf(a, b string) pair {
	if a < b {
		return pair{a, b}
	}
	return pair{b, a}
}

// Request is a pending friendship invitation.
type Request struct {
	From string
	To   string
}

// Ledger holds at most one pending request per unordered pair of users.
// Every operation runs under one mutex so the check and the mutation cannot
// interleave with a concurrent request in the opposite direction.
type Ledger struct {
	mu       sync.Mutex
	pending  map[pair]Request
	accounts Accounts
	notifier Notifier
}

// NewLedger creates an empty ledger.
func NewLedger(accounts Accounts, notifier Notifier) *Ledger {
	return &Ledger{
		pending:  make(map[pair]Request),
		accounts: accounts,
		notifier: notifier,
	}
}

// Send records a request from -> to and notifies to.
func (l *Ledger) Send(from, to string) error {
	if from == to {
		return ErrSelfRequest
	}
	if !l.accounts.Exists(to) {
		return ErrUnknownReceiver
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.accounts.AreFriends(from, to) {
		return ErrAlreadyFriends
	}
	if req, ok := l.pending[pairOf(from, to)]; ok {
		if req.From == from {
			return ErrRequestAlreadySent
		}
		return ErrRequestAlreadyReceived
	}
	l.pending[pairOf(from, to)] = Request{From: from, To: to}
	l.notifier.Deliver(to, protocol.New(protocol.TypeFriendshipRequestReceived, from))
	logger.WithField("from", from).WithField("to", to).Debug("friendship requested")
	return nil
}

// Confirm accepts the request applicant -> receiver. The applicant is told
// the confirmer's score; the returned score is the applicant's, for the reply
// to the confirmer.
func (l *Ledger) Confirm(receiver, applicant string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.take(receiver, applicant); err != nil {
		return 0, err
	}
	if err := l.accounts.MakeFriends(receiver, applicant); err != nil {
		return 0, errors.Wrap(err, "friendship: make friends")
	}
	receiverScore, _ := l.accounts.Score(receiver)
	applicantScore, _ := l.accounts.Score(applicant)
	l.notifier.Deliver(applicant, protocol.New(protocol.TypeFriendshipRequestConfirmed,
		receiver, strconv.Itoa(receiverScore)))
	logger.WithField("a", applicant).WithField("b", receiver).Info("friendship confirmed")
	return applicantScore, nil
}

// Decline rejects the request applicant -> receiver and notifies the
// applicant.
func (l *Ledger) Decline(receiver, applicant string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.take(receiver, applicant); err != nil {
		return err
	}
	l.notifier.Deliver(applicant, protocol.New(protocol.TypeFriendshipRequestDeclined, receiver))
	return nil
}

// take removes the request applicant -> receiver. Caller holds l.mu.
func (l *Ledger) take(receiver, applicant string) error {
	key := pairOf(receiver, applicant)
	req, ok := l.pending[key]
	if !ok || req.From != applicant || req.To != receiver {
		return ErrNoSuchRequest
	}
	delete(l.pending, key)
	return nil
}

// Pending returns the requests involving username, sorted by applicant.
func (l *Ledger) Pending(username string) []Request {
	l.mu.Lock()
	var out []Request
	for _, req := range l.pending {
		if req.From == username || req.To == username {
			out = append(out, req)
		}
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Len returns the number of pending requests.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
