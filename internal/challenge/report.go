package challenge

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/wordduel/server/internal/protocol"
)

// Termination is how a challenge ended.
type Termination int

const (
	Completed Termination = iota
	Expired
	Aborted
)

func (t Termination) String() string {
	switch t {
	case Completed:
		return "completed"
	case Expired:
		return "expired"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MessageType is the notification carrying a report for this termination.
func (t Termination) MessageType() protocol.Type {
	switch t {
	case Expired:
		return protocol.TypeChallengeExpired
	case Aborted:
		return protocol.TypeChallengeAborted
	default:
		return protocol.TypeChallengeCompleted
	}
}

// Result is one player's verdict.
type Result string

const (
	Win          Result = "WIN"
	Lose         Result = "LOSE"
	Draw         Result = "DRAW"
	WonByDefault Result = "WON_BY_DEFAULT"
	Abandoned    Result = "ABANDONED"
)

// Report is the end-of-challenge summary for one player.
type Report struct {
	Player     string
	Opponent   string
	Result     Result
	Correct    int
	Wrong      int
	Unanswered int
	Points     int
	Bonus      int
	Gain       int
	NewScore   int
}

// Message renders the report as the notification for termination t.
func (r Report) Message(t Termination) protocol.Message {
	return protocol.New(t.MessageType(),
		r.Opponent,
		string(r.Result),
		strconv.Itoa(r.Correct),
		strconv.Itoa(r.Wrong),
		strconv.Itoa(r.Unanswered),
		strconv.Itoa(r.Points),
		strconv.Itoa(r.Bonus),
		strconv.Itoa(r.Gain),
		strconv.Itoa(r.NewScore),
	)
}

// Outcome describes a finished challenge. Exactly one is produced per
// challenge.
type Outcome struct {
	ChallengeID uuid.UUID
	Termination Termination
	Reports     [2]Report
	Words       []string
	StartedAt   time.Time
	EndedAt     time.Time
}

// Report returns the report of username.
func (o Outcome) Report(username string) (Report, bool) {
	for _, r := range o.Reports {
		if r.Player == username {
			return r, true
		}
	}
	return Report{}, false
}
