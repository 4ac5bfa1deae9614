package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AccessLogRepository writes access events and aggregates view counts.
type AccessLogRepository struct {
	db *DB
}

func NewAccessLogRepository(db *DB) *AccessLogRepository {
	return &AccessLogRepository{db: db}
}

// InsertEvents writes a batch of events in one round trip.
func (r *AccessLogRepository) InsertEvents(ctx context.Context, events []AccessEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO access_events (kind, principal_id, slug, outcome, ip, user_agent, bytes_sent, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, e.Kind, e.PrincipalID, e.Slug, e.Outcome, e.IP, e.UserAgent, e.BytesSent, e.At)
	}

	if err := r.db.Pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert access events: %w", err)
	}
	return nil
}

// ViewStats aggregates completed views of slug.
func (r *AccessLogRepository) ViewStats(ctx context.Context, slug string) (*ViewStats, error) {
	stats := &ViewStats{Slug: slug}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT principal_id), COALESCE(SUM(bytes_sent), 0), MAX(occurred_at)
		FROM access_events WHERE kind = 'view' AND slug = $1
	`, slug).Scan(&stats.TotalViews, &stats.UniqueViewers, &stats.BytesSent, &stats.LastViewed)
	if err != nil {
		return nil, fmt.Errorf("failed to get view stats: %w", err)
	}
	return stats, nil
}

// Summary aggregates completed views across all slugs.
func (r *AccessLogRepository) Summary(ctx context.Context) (*ViewStats, error) {
	stats := &ViewStats{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT principal_id), COALESCE(SUM(bytes_sent), 0), MAX(occurred_at)
		FROM access_events WHERE kind = 'view'
	`).Scan(&stats.TotalViews, &stats.UniqueViewers, &stats.BytesSent, &stats.LastViewed)
	if err != nil {
		return nil, fmt.Errorf("failed to get view summary: %w", err)
	}
	return stats, nil
}
