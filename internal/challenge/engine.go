package challenge

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wordduel/server/internal/protocol"
)

type progress struct {
	username string
	cw       int // words retrieved
	ct       int // translations provided
	correct  int
	wrong    int
	points   int
}

// Challenge is an active duel between two players.
type Challenge struct {
	ID        uuid.UUID
	StartedAt time.Time
	Deadline  time.Time

	words   []string
	players [2]*progress
	timer   *time.Timer

	// guarded by Coordinator.mu
	finished bool
	outcome  Outcome
	done     chan struct{}
}

func newChallenge(a, b string, words []string, now time.Time, d time.Duration) *Challenge {
	return &Challenge{
		ID:        uuid.New(),
		StartedAt: now,
		Deadline:  now.Add(d),
		words:     words,
		players:   [2]*progress{{username: a}, {username: b}},
		done:      make(chan struct{}),
	}
}

// Players returns the applicant and the receiver, in that order.
func (ch *Challenge) Players() [2]string {
	return [2]string{ch.players[0].username, ch.players[1].username}
}

// Done is closed once the challenge has terminated.
func (ch *Challenge) Done() <-chan struct{} { return ch.done }

// Outcome waits for the challenge to terminate and returns its result.
func (ch *Challenge) Outcome() Outcome {
	<-ch.done
	return ch.outcome
}

func (ch *Challenge) player(username string) (me, opponent *progress) {
	if ch.players[0].username == username {
		return ch.players[0], ch.players[1]
	}
	return ch.players[1], ch.players[0]
}

// Word is a challenge word handed to a player.
type Word struct {
	Term  string
	Index int // 1-based
	Total int
}

// Message renders w as the CHALLENGE_WORD response.
func (w Word) Message() protocol.Message {
	return protocol.New(protocol.TypeChallengeWord, w.Term, strconv.Itoa(w.Index), strconv.Itoa(w.Total))
}

// ChallengeOf returns the active challenge of username.
func (c *Coordinator) ChallengeOf(username string) (*Challenge, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.challenges[username]
	return ch, ok
}

// NextWord hands username the next word. A player must translate each word
// before retrieving the following one.
func (c *Coordinator) NextWord(username string) (Word, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.challenges[username]
	if !ok {
		return Word{}, ErrNoChallengeRelated
	}
	me, _ := ch.player(username)
	if me.cw > me.ct {
		return Word{}, ErrWordRetrievalOutOfSequence
	}
	if me.cw == len(ch.words) {
		return Word{}, ErrNoFurtherWordsToGet
	}
	w := Word{Term: ch.words[me.cw], Index: me.cw + 1, Total: len(ch.words)}
	me.cw++
	return w, nil
}

// ProvideTranslation judges username's translation of the last retrieved
// word. When both players have translated every word the challenge completes
// and each receives a report.
func (c *Coordinator) ProvideTranslation(username, text string) error {
	var out *Outcome

	c.mu.Lock()
	ch, ok := c.challenges[username]
	if !ok {
		c.mu.Unlock()
		return ErrNoChallengeRelated
	}
	me, other := ch.player(username)
	if me.ct != me.cw-1 {
		c.mu.Unlock()
		return ErrTranslationProvisionOutOfSequence
	}
	if c.oracle.Judge(ch.words[me.ct], text) {
		me.correct++
		me.points += c.cfg.PointsCorrect
	} else {
		me.wrong++
		me.points += c.cfg.PointsWrong
	}
	me.ct++
	if me.ct == len(ch.words) && other.ct == len(ch.words) {
		o := c.finish(ch, Completed, "")
		out = &o
	}
	c.mu.Unlock()

	if out != nil {
		c.emit(*out)
	}
	return nil
}

func (c *Coordinator) expireChallenge(ch *Challenge) {
	c.mu.Lock()
	if ch.finished {
		c.mu.Unlock()
		return
	}
	out := c.finish(ch, Expired, "")
	c.mu.Unlock()
	c.emit(out)
}

// finish terminates ch, credits scores and notifies both players. leaver is
// set for aborts. Caller holds c.mu.
func (c *Coordinator) finish(ch *Challenge, t Termination, leaver string) Outcome {
	ch.finished = true
	ch.timer.Stop()
	for _, p := range ch.players {
		if c.challenges[p.username] == ch {
			delete(c.challenges, p.username)
		}
	}

	a, b := ch.players[0], ch.players[1]
	ra, rb := c.report(ch, a, b), c.report(ch, b, a)
	switch {
	case t == Aborted && leaver == a.username:
		ra.Result, rb.Result = Abandoned, WonByDefault
	case t == Aborted:
		ra.Result, rb.Result = WonByDefault, Abandoned
	case a.correct > b.correct || (a.correct == b.correct && a.points > b.points):
		ra.Result, rb.Result = Win, Lose
	case b.correct > a.correct || (a.correct == b.correct && b.points > a.points):
		ra.Result, rb.Result = Lose, Win
	default:
		ra.Result, rb.Result = Draw, Draw
	}

	reports := [2]Report{ra, rb}
	for i := range reports {
		r := &reports[i]
		if r.Result == Win || r.Result == WonByDefault {
			r.Bonus = c.cfg.WinnerBonus
		}
		r.Gain = max(0, r.Points+r.Bonus)
		score, err := c.accounts.AddScore(r.Player, r.Gain)
		if err != nil {
			logger.WithError(err).WithField("username", r.Player).Error("crediting challenge score failed")
		}
		r.NewScore = score
		c.sessions.Deliver(r.Player, r.Message(t))
	}

	ch.outcome = Outcome{
		ChallengeID: ch.ID,
		Termination: t,
		Reports:     reports,
		Words:       append([]string(nil), ch.words...),
		StartedAt:   ch.StartedAt,
		EndedAt:     c.now(),
	}
	close(ch.done)
	logger.WithField("challenge", ch.ID).WithField("termination", t).
		WithField("results", string(ra.Result)+"/"+string(rb.Result)).Info("challenge finished")
	return ch.outcome
}

func (c *Coordinator) report(ch *Challenge, me, opponent *progress) Report {
	return Report{
		Player:     me.username,
		Opponent:   opponent.username,
		Correct:    me.correct,
		Wrong:      me.wrong,
		Unanswered: len(ch.words) - me.ct,
		Points:     me.points,
	}
}
