// Package postgres provides a PostgreSQL-backed implementation of
// [recording.Store] and [recording.QuotaReporter].
//
// All operations share a single [pgxpool.Pool]. The schema is created on
// startup via CREATE TABLE IF NOT EXISTS, with indexes on conversation_id and
// status to keep the two hot list paths cheap.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadenza-voice/cadenza/pkg/recording"

	"github.com/google/uuid"
)

// Compile-time interface checks.
var (
	_ recording.Store         = (*Store)(nil)
	_ recording.QuotaReporter = (*Store)(nil)
)

const ddlRecordings = `
CREATE TABLE IF NOT EXISTS recordings (
    id              UUID         PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    audio           BYTEA        NOT NULL,
    mime_type       TEXT         NOT NULL,
    duration_ns     BIGINT       NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    status          TEXT         NOT NULL,
    retry_count     INT          NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_recordings_conversation_id
    ON recordings (conversation_id);

CREATE INDEX IF NOT EXISTS idx_recordings_status
    ON recordings (status);
`

// Store is the PostgreSQL recording store. Obtain one via [NewStore].
// All methods are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	quotaBytes int64
}

// NewStore creates a Store, establishes a connection pool to the database at
// dsn, and ensures the schema exists. quotaBytes caps local storage for quota
// reporting; zero disables the quota.
func NewStore(ctx context.Context, dsn string, quotaBytes int64) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("recording store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("recording store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recording store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, ddlRecordings); err != nil {
		pool.Close()
		return nil, fmt.Errorf("recording store: migrate: %w", err)
	}

	return &Store{pool: pool, quotaBytes: quotaBytes}, nil
}

// Ping verifies database connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Put implements [recording.Store].
func (s *Store) Put(ctx context.Context, rec recording.Recording) error {
	const q = `
		INSERT INTO recordings
		    (id, conversation_id, audio, mime_type, duration_ns, created_at, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.ConversationID,
		rec.Audio,
		rec.MimeType,
		rec.Duration.Nanoseconds(),
		rec.CreatedAt,
		string(rec.Status),
		rec.RetryCount,
	)
	if err != nil {
		return &recording.StorageError{Op: "put", Err: err}
	}
	return nil
}

// Get implements [recording.Store].
func (s *Store) Get(ctx context.Context, id uuid.UUID) (recording.Recording, error) {
	const q = `
		SELECT id, conversation_id, audio, mime_type, duration_ns, created_at, status, retry_count
		FROM   recordings
		WHERE  id = $1`

	rec, err := scanRecording(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return recording.Recording{}, recording.ErrNotFound
		}
		return recording.Recording{}, &recording.StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

// ListByConversation implements [recording.Store]. Newest first.
func (s *Store) ListByConversation(ctx context.Context, conversationID string) ([]recording.Recording, error) {
	const q = `
		SELECT id, conversation_id, audio, mime_type, duration_ns, created_at, status, retry_count
		FROM   recordings
		WHERE  conversation_id = $1
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, &recording.StorageError{Op: "list by conversation", Err: err}
	}
	return collectRecordings(rows, "list by conversation")
}

// ListByStatus implements [recording.Store]. Oldest first, so sync drains the
// backlog in capture order.
func (s *Store) ListByStatus(ctx context.Context, status recording.Status) ([]recording.Recording, error) {
	const q = `
		SELECT id, conversation_id, audio, mime_type, duration_ns, created_at, status, retry_count
		FROM   recordings
		WHERE  status = $1
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, string(status))
	if err != nil {
		return nil, &recording.StorageError{Op: "list by status", Err: err}
	}
	return collectRecordings(rows, "list by status")
}

// UpdateStatus implements [recording.Store]. The transition guard runs inside
// the UPDATE itself so concurrent sync passes cannot both claim a recording.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status recording.Status) error {
	if !status.IsValid() {
		return &recording.StorageError{Op: "update status", Err: fmt.Errorf("invalid status %q", status)}
	}

	const q = `
		UPDATE recordings
		SET    status = $2,
		       retry_count = retry_count + CASE WHEN $2 = 'failed' THEN 1 ELSE 0 END
		WHERE  id = $1
		  AND  status = ANY($3)`

	tag, err := s.pool.Exec(ctx, q, id, string(status), allowedPrior(status))
	if err != nil {
		return &recording.StorageError{Op: "update status", Err: err}
	}
	if tag.RowsAffected() == 0 {
		// Either the recording is gone or the transition is illegal.
		if _, err := s.Get(ctx, id); errors.Is(err, recording.ErrNotFound) {
			return recording.ErrNotFound
		}
		return &recording.StorageError{Op: "update status", Err: fmt.Errorf("illegal transition to %q", status)}
	}
	return nil
}

// Delete implements [recording.Store].
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM recordings WHERE id = $1`, id)
	if err != nil {
		return &recording.StorageError{Op: "delete", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return recording.ErrNotFound
	}
	return nil
}

// Usage implements [recording.QuotaReporter].
func (s *Store) Usage(ctx context.Context) (recording.Quota, error) {
	const q = `SELECT COALESCE(SUM(length(audio)), 0) FROM recordings`

	var used int64
	if err := s.pool.QueryRow(ctx, q).Scan(&used); err != nil {
		return recording.Quota{}, &recording.StorageError{Op: "usage", Err: err}
	}
	return recording.Quota{UsedBytes: used, QuotaBytes: s.quotaBytes}, nil
}

// allowedPrior returns the statuses from which a transition to next is legal.
func allowedPrior(next recording.Status) []string {
	var out []string
	for _, s := range []recording.Status{
		recording.StatusPending,
		recording.StatusUploading,
		recording.StatusUploaded,
		recording.StatusFailed,
	} {
		if s.CanTransition(next) {
			out = append(out, string(s))
		}
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (recording.Recording, error) {
	var (
		rec        recording.Recording
		durationNS int64
		status     string
	)
	err := row.Scan(
		&rec.ID,
		&rec.ConversationID,
		&rec.Audio,
		&rec.MimeType,
		&durationNS,
		&rec.CreatedAt,
		&status,
		&rec.RetryCount,
	)
	if err != nil {
		return recording.Recording{}, err
	}
	rec.Duration = time.Duration(durationNS)
	rec.Status = recording.Status(status)
	return rec, nil
}

func collectRecordings(rows pgx.Rows, op string) ([]recording.Recording, error) {
	defer rows.Close()

	var out []recording.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, &recording.StorageError{Op: op, Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &recording.StorageError{Op: op, Err: err}
	}
	return out, nil
}
