package history

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

const insertPattern = `(?s)INSERT\s+INTO\s+challenge_reports.*ON\s+CONFLICT\s+\(challenge_id,\s*player\)\s+DO\s+NOTHING`

func TestRecordOutcome_OneTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	o := sampleOutcome()

	mock.ExpectBegin()
	for _, r := range o.Reports {
		mock.ExpectExec(insertPattern).
			WithArgs(sqlmock.AnyArg(), o.ChallengeID.String(), r.Player, r.Opponent, "aborted", string(r.Result),
				int64(r.Correct), int64(r.Wrong), int64(r.Unanswered), int64(r.Points),
				int64(r.Bonus), int64(r.Gain), int64(r.NewScore),
				int64(2), o.StartedAt, o.EndedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, s.RecordOutcome(context.Background(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcome_RollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(insertPattern).WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	err := s.RecordOutcome(context.Background(), sampleOutcome())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert report of alice")
	assert.Contains(t, err.Error(), "db down")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestForPlayer(t *testing.T) {
	s, mock := newMockStore(t)
	o := sampleOutcome()
	e := entriesOf(o)[1]

	rows := sqlmock.NewRows([]string{
		"id", "challenge_id", "player", "opponent", "termination", "result",
		"correct", "wrong", "unanswered", "points", "bonus", "gain", "new_score",
		"words", "started_at", "ended_at",
	}).AddRow(
		e.ID.String(), e.ChallengeID.String(), e.Player, e.Opponent, e.Termination, e.Result,
		e.Correct, e.Wrong, e.Unanswered, e.Points, e.Bonus, e.Gain, e.NewScore,
		e.Words, e.StartedAt, e.EndedAt,
	)
	mock.ExpectQuery(`(?s)SELECT .* FROM challenge_reports\s+WHERE player = \$1\s+ORDER BY ended_at DESC\s+LIMIT \$2`).
		WithArgs("bob", int64(10)).
		WillReturnRows(rows)

	got, err := s.ForPlayer(context.Background(), "bob", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e, got[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}
