// Package users holds the account directory: credentials, scores, the
// symmetric friend relation and the backlog of notifications stored while a
// user is offline.
package users

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/wordduel/server/internal/logging"
	"github.com/wordduel/server/internal/protocol"
)

var logger logrus.FieldLogger = logging.For("users")

// Registration and login errors.
var (
	ErrVoidUsername        = errors.New("void username")
	ErrVoidPassword        = errors.New("void password")
	ErrUsernameAlreadyUsed = errors.New("username already used")
	ErrUnknownUser         = errors.New("unknown user")
	ErrWrongPassword       = errors.New("wrong password")
)

type account struct {
	username   string
	credential string
	score      int
	friends    map[string]struct{}
	backlog    []protocol.Message
}

// Directory is the in-memory account store. Accounts are never removed.
type Directory struct {
	mu       sync.RWMutex
	accounts map[string]*account
	hashCost int
}

// Option configures a Directory.
type Option func(*Directory)

// WithHashCost sets the bcrypt cost used for new credentials.
func WithHashCost(cost int) Option {
	return func(d *Directory) { d.hashCost = cost }
}

// NewDirectory returns an empty directory.
func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		accounts: make(map[string]*account),
		hashCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register creates a new account. The username is used as given after
// trimming surrounding spaces.
func (d *Directory) Register(username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return ErrVoidUsername
	}
	if password == "" {
		return ErrVoidPassword
	}
	if d.Exists(username) {
		return ErrUsernameAlreadyUsed
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.hashCost)
	if err != nil {
		return errors.Wrap(err, "users: hash credential")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another registration may have won while hashing.
	if _, ok := d.accounts[username]; ok {
		return ErrUsernameAlreadyUsed
	}
	d.accounts[username] = &account{
		username:   username,
		credential: string(hash),
		friends:    make(map[string]struct{}),
	}
	logger.WithField("username", username).Info("account registered")
	return nil
}

// Verify checks a credential against the stored hash.
func (d *Directory) Verify(username, password string) error {
	d.mu.RLock()
	acc, ok := d.accounts[username]
	var hash string
	if ok {
		hash = acc.credential
	}
	d.mu.RUnlock()
	if !ok {
		return ErrUnknownUser
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrWrongPassword
	}
	return nil
}

// Exists reports whether username is registered.
func (d *Directory) Exists(username string) bool {
	d.mu.RLock()
	_, ok := d.accounts[username]
	d.mu.RUnlock()
	return ok
}

// Len returns the number of accounts.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.accounts)
}

// AreFriends reports whether a and b are friends.
func (d *Directory) AreFriends(a, b string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[a]
	if !ok {
		return false
	}
	_, ok = acc.friends[b]
	return ok
}

// MakeFriends adds the symmetric edge between a and b.
func (d *Directory) MakeFriends(a, b string) error {
	if a == b {
		return errors.Errorf("users: %q cannot befriend itself", a)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	accA, okA := d.accounts[a]
	accB, okB := d.accounts[b]
	if !okA || !okB {
		return ErrUnknownUser
	}
	accA.friends[b] = struct{}{}
	accB.friends[a] = struct{}{}
	return nil
}

// Friends returns the friends of username sorted by name.
func (d *Directory) Friends(username string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[username]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(acc.friends))
	for f := range acc.friends {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Score returns the score of username.
func (d *Directory) Score(username string) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[username]
	if !ok {
		return 0, false
	}
	return acc.score, true
}

// AddScore increases the score of username by delta and returns the new
// score. Scores never decrease, so a negative delta is ignored.
func (d *Directory) AddScore(username string, delta int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.accounts[username]
	if !ok {
		return 0, ErrUnknownUser
	}
	if delta > 0 {
		acc.score += delta
	}
	return acc.score, nil
}

// AppendBacklog stores msg for delivery at the next login.
func (d *Directory) AppendBacklog(username string, msgs ...protocol.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.accounts[username]
	if !ok {
		return ErrUnknownUser
	}
	acc.backlog = append(acc.backlog, msgs...)
	return nil
}

// DrainBacklog removes and returns the stored notifications in arrival order.
func (d *Directory) DrainBacklog(username string) []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	acc, ok := d.accounts[username]
	if !ok || len(acc.backlog) == 0 {
		return nil
	}
	out := acc.backlog
	acc.backlog = nil
	return out
}

// Standing is a username and its score.
type Standing struct {
	Username string
	Score    int
}

// Leaderboard ranks username and its friends by score, highest first, ties
// broken by name.
func (d *Directory) Leaderboard(username string) []Standing {
	d.mu.RLock()
	acc, ok := d.accounts[username]
	if !ok {
		d.mu.RUnlock()
		return nil
	}
	out := []Standing{{Username: username, Score: acc.score}}
	for f := range acc.friends {
		if fa, ok := d.accounts[f]; ok {
			out = append(out, Standing{Username: f, Score: fa.score})
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Username < out[j].Username
	})
	return out
}
