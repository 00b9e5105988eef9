package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/wordduel/server/internal/challenge"
	"github.com/wordduel/server/internal/session"
)

// PresenceEvent is published on quiz.presence.<username>.
type PresenceEvent struct {
	Username string    `json:"username"`
	Online   bool      `json:"online"`
	Server   string    `json:"server"`
	At       time.Time `json:"at"`
}

// PlayerResult is one side of an OutcomeEvent.
type PlayerResult struct {
	Username   string `json:"username"`
	Result     string `json:"result"`
	Correct    int    `json:"correct"`
	Wrong      int    `json:"wrong"`
	Unanswered int    `json:"unanswered"`
	Points     int    `json:"points"`
	Bonus      int    `json:"bonus"`
	Gain       int    `json:"gain"`
	NewScore   int    `json:"new_score"`
}

// OutcomeEvent is published on quiz.challenge.outcome.
type OutcomeEvent struct {
	ChallengeID string         `json:"challenge_id"`
	Termination string         `json:"termination"`
	Words       int            `json:"words"`
	StartedAt   time.Time      `json:"started_at"`
	EndedAt     time.Time      `json:"ended_at"`
	Server      string         `json:"server"`
	Players     []PlayerResult `json:"players"`
}

// NewOutcomeEvent converts a challenge outcome to its wire event.
func NewOutcomeEvent(o challenge.Outcome, server string) OutcomeEvent {
	ev := OutcomeEvent{
		ChallengeID: o.ChallengeID.String(),
		Termination: o.Termination.String(),
		Words:       len(o.Words),
		StartedAt:   o.StartedAt,
		EndedAt:     o.EndedAt,
		Server:      server,
		Players:     make([]PlayerResult, 0, len(o.Reports)),
	}
	for _, r := range o.Reports {
		ev.Players = append(ev.Players, PlayerResult{
			Username:   r.Player,
			Result:     string(r.Result),
			Correct:    r.Correct,
			Wrong:      r.Wrong,
			Unanswered: r.Unanswered,
			Points:     r.Points,
			Bonus:      r.Bonus,
			Gain:       r.Gain,
			NewScore:   r.NewScore,
		})
	}
	return ev
}

// publisher is the part of NATSClient the Publisher needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// Publisher turns session and challenge events into NATS messages. It is a
// session.Observer and a challenge outcome sink.
type Publisher struct {
	client publisher
	server string
	now    func() time.Time
}

var _ session.Observer = (*Publisher)(nil)

// NewPublisher publishes through client, tagging events with server.
func NewPublisher(client *NATSClient, server string) *Publisher {
	return newPublisher(client, server)
}

func newPublisher(client publisher, server string) *Publisher {
	return &Publisher{client: client, server: server, now: time.Now}
}

// SessionOpened publishes an online presence event.
func (p *Publisher) SessionOpened(s *session.Session) {
	p.presence(s.Username, true)
}

// SessionClosed publishes an offline presence event.
func (p *Publisher) SessionClosed(username string) {
	p.presence(username, false)
}

func (p *Publisher) presence(username string, online bool) {
	data, err := json.Marshal(PresenceEvent{
		Username: username,
		Online:   online,
		Server:   p.server,
		At:       p.now(),
	})
	if err != nil {
		logger.WithError(err).Error("encode presence event")
		return
	}
	if err := p.client.Publish(SubjectPresence+"."+username, data); err != nil {
		logger.WithError(err).WithField("username", username).Warn("publish presence")
	}
}

// RecordOutcome publishes o on quiz.challenge.outcome.
func (p *Publisher) RecordOutcome(_ context.Context, o challenge.Outcome) error {
	data, err := json.Marshal(NewOutcomeEvent(o, p.server))
	if err != nil {
		return errors.Wrap(err, "encode outcome event")
	}
	return p.client.Publish(SubjectChallengeOutcome, data)
}
