package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the part of pgxpool.Pool the repository uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository records download events and aggregates them.
type Repository struct {
	q querier
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{q: db.Pool}
}

// RecordDownload inserts an event, assigning an ID and timestamp when unset.
func (r *Repository) RecordDownload(ctx context.Context, ev *DownloadEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := r.q.Exec(ctx, `
		INSERT INTO download_events (
			id, slug, type, file_count, bytes, cached, ip, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		ev.ID,
		ev.Slug,
		ev.Type,
		ev.FileCount,
		ev.Bytes,
		ev.Cached,
		ev.IP,
		ev.UserAgent,
		ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// GetStats returns aggregate download statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.q.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(DISTINCT slug),
			COALESCE(SUM(bytes), 0),
			COUNT(*) FILTER (WHERE cached),
			COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '24 hours')
		FROM download_events
	`).Scan(
		&stats.TotalDownloads,
		&stats.UniqueUploads,
		&stats.BytesServed,
		&stats.CachedDownloads,
		&stats.Last24h,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// TopUploads returns the most downloaded uploads.
func (r *Repository) TopUploads(ctx context.Context, limit int) ([]SlugStats, error) {
	rows, err := r.q.Query(ctx, `
		SELECT slug, COUNT(*), COALESCE(SUM(bytes), 0), MAX(created_at)
		FROM download_events
		GROUP BY slug
		ORDER BY COUNT(*) DESC, slug
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top uploads: %w", err)
	}
	defer rows.Close()

	var out []SlugStats
	for rows.Next() {
		var s SlugStats
		if err := rows.Scan(&s.Slug, &s.Downloads, &s.BytesServed, &s.LastDownload); err != nil {
			return nil, fmt.Errorf("failed to scan upload stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteEventsForSlug removes the event log of a deleted upload.
func (r *Repository) DeleteEventsForSlug(ctx context.Context, slug string) (int64, error) {
	tag, err := r.q.Exec(ctx, "DELETE FROM download_events WHERE slug = $1", slug)
	if err != nil {
		return 0, fmt.Errorf("failed to delete download events: %w", err)
	}
	return tag.RowsAffected(), nil
}
