package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-voice/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var utteranceColumns = []string{"call_id", "seq", "speaker", "text", "confidence", "created_at"}

const insertCall = `
INSERT INTO calls (id, device_id, character_id, character_name, started_at, ended_at,
                   user_turns, ai_turns, end_error, final_intensity)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING`

// PostgresStore persists finished call transcripts
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	now    func() time.Time
}

// NewPostgresStore connects to databaseURL and verifies the connection
func NewPostgresStore(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}, nil
}

// Migrate applies pending schema migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info().
			Int64("version", r.Source.Version).
			Dur("duration", r.Duration).
			Msg("Applied migration")
	}
	return nil
}

// SaveCall writes the session summary and its transcript in one transaction
func (s *PostgresStore) SaveCall(ctx context.Context, sess *session.CallSession, endErr error) error {
	transcript := sess.Transcript()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertCall, callRow(sess, s.now(), endErr)...); err != nil {
		return fmt.Errorf("failed to insert call: %w", err)
	}

	if len(transcript) > 0 {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"utterances"}, utteranceColumns,
			pgx.CopyFromRows(utteranceRows(sess.ID(), transcript)))
		if err != nil {
			return fmt.Errorf("failed to copy utterances: %w", err)
		}
		if int(n) != len(transcript) {
			return fmt.Errorf("copied %d of %d utterances", n, len(transcript))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transcript: %w", err)
	}

	s.logger.Debug().
		Str("session_id", sess.ID()).
		Int("utterances", len(transcript)).
		Msg("Transcript saved")
	return nil
}

// Ready reports whether the database answers
func (s *PostgresStore) Ready(ctx context.Context) (bool, error) {
	if err := s.pool.Ping(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func callRow(sess *session.CallSession, endedAt time.Time, endErr error) []any {
	user, ai := sess.Counts()
	character := sess.Character()

	var errText *string
	if endErr != nil {
		msg := endErr.Error()
		errText = &msg
	}

	return []any{
		sess.ID(),
		sess.DeviceID(),
		character.ID,
		character.Name,
		sess.StartedAt(),
		endedAt,
		user,
		ai,
		errText,
		sess.Intensity(),
	}
}

func utteranceRows(callID string, transcript []session.Utterance) [][]any {
	rows := make([][]any, 0, len(transcript))
	for i, u := range transcript {
		rows = append(rows, []any{callID, i + 1, string(u.Speaker), u.Text, u.Confidence, u.CreatedAt})
	}
	return rows
}
