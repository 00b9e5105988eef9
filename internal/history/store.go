// Package history provides PostgreSQL-backed storage for finished
// challenges. Each outcome becomes one row per player so a user's record
// can be listed with a single indexed query.
package history

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wordduel/server/internal/challenge"
	"github.com/wordduel/server/internal/logging"
)

var logger logrus.FieldLogger = logging.For("history")

//go:embed migrations/*.sql
var migrations embed.FS

// Entry is one player's view of a finished challenge.
type Entry struct {
	ID          uuid.UUID
	ChallengeID uuid.UUID
	Player      string
	Opponent    string
	Termination string
	Result      string
	Correct     int
	Wrong       int
	Unanswered  int
	Points      int
	Bonus       int
	Gain        int
	NewScore    int
	Words       int
	StartedAt   time.Time
	EndedAt     time.Time
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "history: open")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "history: ping")
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "history: migration source")
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "history: migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "history: migrate")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "history: migrate up")
	}
	version, _, _ := m.Version()
	logger.WithField("version", version).Info("schema up to date")
	return nil
}

// Store manages challenge history in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// entriesOf flattens an outcome into one entry per player.
func entriesOf(o challenge.Outcome) []Entry {
	out := make([]Entry, 0, len(o.Reports))
	for _, r := range o.Reports {
		out = append(out, Entry{
			ID:          uuid.New(),
			ChallengeID: o.ChallengeID,
			Player:      r.Player,
			Opponent:    r.Opponent,
			Termination: o.Termination.String(),
			Result:      string(r.Result),
			Correct:     r.Correct,
			Wrong:       r.Wrong,
			Unanswered:  r.Unanswered,
			Points:      r.Points,
			Bonus:       r.Bonus,
			Gain:        r.Gain,
			NewScore:    r.NewScore,
			Words:       len(o.Words),
			StartedAt:   o.StartedAt,
			EndedAt:     o.EndedAt,
		})
	}
	return out
}

// RecordOutcome stores both reports of o in one transaction. Recording the
// same challenge twice is a no-op.
func (s *Store) RecordOutcome(ctx context.Context, o challenge.Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "history: begin")
	}
	defer func() { _ = tx.Rollback() }()

	const query = `
		INSERT INTO challenge_reports (
			id, challenge_id, player, opponent, termination, result,
			correct, wrong, unanswered, points, bonus, gain, new_score,
			words, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (challenge_id, player) DO NOTHING`

	for _, e := range entriesOf(o) {
		if _, err := tx.ExecContext(ctx, query,
			e.ID, e.ChallengeID, e.Player, e.Opponent, e.Termination, e.Result,
			e.Correct, e.Wrong, e.Unanswered, e.Points, e.Bonus, e.Gain, e.NewScore,
			e.Words, e.StartedAt, e.EndedAt,
		); err != nil {
			return errors.Wrapf(err, "history: insert report of %s", e.Player)
		}
	}
	return errors.Wrap(tx.Commit(), "history: commit")
}

// ForPlayer returns the most recent entries of player, newest first.
func (s *Store) ForPlayer(ctx context.Context, player string, limit int) ([]Entry, error) {
	const query = `
		SELECT id, challenge_id, player, opponent, termination, result,
		       correct, wrong, unanswered, points, bonus, gain, new_score,
		       words, started_at, ended_at
		FROM challenge_reports
		WHERE player = $1
		ORDER BY ended_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, player, limit)
	if err != nil {
		return nil, errors.Wrap(err, "history: query")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.ChallengeID, &e.Player, &e.Opponent, &e.Termination, &e.Result,
			&e.Correct, &e.Wrong, &e.Unanswered, &e.Points, &e.Bonus, &e.Gain, &e.NewScore,
			&e.Words, &e.StartedAt, &e.EndedAt,
		); err != nil {
			return nil, errors.Wrap(err, "history: scan")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "history: rows")
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
