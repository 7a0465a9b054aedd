package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/techresidents/chatsvc/internal/chat"
)

// Open creates the Postgres connection pool shared by the metadata and
// archive stores.
func Open(ctx context.Context, url string, logger zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

// PG implements the metadata and archive stores over one pgx pool.
type PG struct {
	pool *pgxpool.Pool
}

// NewPG wraps pool.
func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

// LookupChat loads the metadata row for token. Unknown tokens map to
// chat.ErrUnknownChat.
func (s *PG) LookupChat(ctx context.Context, token string) (chat.Metadata, error) {
	const q = `
		SELECT id, max_duration, max_participants,
		       COALESCE(EXTRACT(EPOCH FROM start_time), 0),
		       COALESCE(EXTRACT(EPOCH FROM end_time), 0)
		FROM chats
		WHERE token = $1`

	var meta chat.Metadata
	meta.Token = token
	err := s.pool.QueryRow(ctx, q, token).Scan(
		&meta.ID,
		&meta.MaxDuration,
		&meta.MaxParticipants,
		&meta.StartTimestamp,
		&meta.EndTimestamp,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return chat.Metadata{}, chat.ErrUnknownChat
	}
	if err != nil {
		return chat.Metadata{}, fmt.Errorf("chat metadata lookup: %w", err)
	}
	return meta, nil
}

// EnqueueArchiveJob inserts one archive-job row transactionally.
func (s *PG) EnqueueArchiveJob(ctx context.Context, job ArchiveJob) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive job begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO chat_archive_jobs (chat_id, created, not_before, data, retries_remaining)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, q,
		job.ChatID, job.Created, job.NotBefore, job.Data, job.RetriesRemaining); err != nil {
		return fmt.Errorf("archive job insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("archive job commit: %w", err)
	}
	return nil
}
