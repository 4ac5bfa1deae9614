package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const sessionColumns = `
	id, original_filename, total_chunks, total_size, replace_slug,
	received_chunks, status, result_slug, result_filename, result_size,
	result_hash, created_at, updated_at`

// SessionRepository stores upload sessions in Postgres.
type SessionRepository struct {
	db *DB
}

func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func scanSession(row pgx.Row) (*UploadSession, error) {
	s := &UploadSession{}
	err := row.Scan(
		&s.ID,
		&s.OriginalFilename,
		&s.TotalChunks,
		&s.TotalSize,
		&s.ReplaceSlug,
		&s.ReceivedChunks,
		&s.Status,
		&s.ResultSlug,
		&s.ResultFilename,
		&s.ResultSize,
		&s.ResultHash,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	return s, err
}

func (r *SessionRepository) Create(ctx context.Context, s *UploadSession) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO upload_sessions (
			id, original_filename, total_chunks, total_size, replace_slug,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, s.ID, s.OriginalFilename, s.TotalChunks, s.TotalSize, s.ReplaceSlug, SessionOpen, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*UploadSession, error) {
	s, err := scanSession(r.db.Pool.QueryRow(ctx,
		"SELECT "+sessionColumns+" FROM upload_sessions WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}
	return s, nil
}

// MarkChunk records index as received. Recording an index twice is a no-op.
func (r *SessionRepository) MarkChunk(ctx context.Context, id string, index int) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE upload_sessions SET
			received_chunks = CASE
				WHEN $2 = ANY(received_chunks) THEN received_chunks
				ELSE array_append(received_chunks, $2)
			END,
			updated_at = NOW()
		WHERE id = $1
	`, id, int32(index))
	if err != nil {
		return fmt.Errorf("failed to record chunk: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) Claim(ctx context.Context, id string) error {
	return r.transition(ctx, id, SessionOpen, SessionAssembling)
}

func (r *SessionRepository) Release(ctx context.Context, id string) error {
	return r.transition(ctx, id, SessionAssembling, SessionOpen)
}

func (r *SessionRepository) transition(ctx context.Context, id, from, to string) error {
	tag, err := r.db.Pool.Exec(ctx,
		"UPDATE upload_sessions SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2",
		id, from, to)
	if err != nil {
		return fmt.Errorf("failed to move upload session to %s: %w", to, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrSessionNotOpen
	}
	return nil
}

func (r *SessionRepository) MarkCompleted(ctx context.Context, id string, result *UploadSession) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE upload_sessions SET
			status = $2, result_slug = $3, result_filename = $4,
			result_size = $5, result_hash = $6, updated_at = NOW()
		WHERE id = $1 AND status = $7
	`, id, SessionCompleted, result.ResultSlug, result.ResultFilename, result.ResultSize, result.ResultHash, SessionAssembling)
	if err != nil {
		return fmt.Errorf("failed to complete upload session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotOpen
	}
	return nil
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM upload_sessions WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) ListStale(ctx context.Context, openBefore, completedBefore time.Time) ([]*UploadSession, error) {
	rows, err := r.db.Pool.Query(ctx, "SELECT "+sessionColumns+`
		FROM upload_sessions
		WHERE (status <> $1 AND updated_at < $2)
		   OR (status = $1 AND updated_at < $3)
	`, SessionCompleted, openBefore, completedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *SessionRepository) CountOpen(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM upload_sessions WHERE status <> $1", SessionCompleted,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}
