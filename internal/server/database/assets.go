package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AssetRepository is the Postgres asset registry.
type AssetRepository struct {
	db *DB
}

func NewAssetRepository(db *DB) *AssetRepository {
	return &AssetRepository{db: db}
}

// Create inserts the asset only if its slug is unregistered.
func (r *AssetRepository) Create(ctx context.Context, a *Asset) error {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO assets (slug, filename, size, content_type, content_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (slug) DO NOTHING
	`, a.Slug, a.Filename, a.Size, a.ContentType, a.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlugTaken
	}
	return nil
}

// Upsert inserts the asset or replaces the row registered under its slug.
func (r *AssetRepository) Upsert(ctx context.Context, a *Asset) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO assets (slug, filename, size, content_type, content_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (slug) DO UPDATE SET
			filename     = EXCLUDED.filename,
			size         = EXCLUDED.size,
			content_type = EXCLUDED.content_type,
			content_hash = EXCLUDED.content_hash,
			updated_at   = NOW()
	`, a.Slug, a.Filename, a.Size, a.ContentType, a.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to upsert asset: %w", err)
	}
	return nil
}

func (r *AssetRepository) GetBySlug(ctx context.Context, slug string) (*Asset, error) {
	a := &Asset{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT slug, filename, size, content_type, content_hash, created_at, updated_at
		FROM assets WHERE slug = $1
	`, slug).Scan(&a.Slug, &a.Filename, &a.Size, &a.ContentType, &a.ContentHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssetNotFound
		}
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return a, nil
}

func (r *AssetRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM assets WHERE slug = $1)", slug,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check slug: %w", err)
	}
	return exists, nil
}

func (r *AssetRepository) List(ctx context.Context) ([]*Asset, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT slug, filename, size, content_type, content_hash, created_at, updated_at
		FROM assets ORDER BY slug
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		a := &Asset{}
		if err := rows.Scan(&a.Slug, &a.Filename, &a.Size, &a.ContentType, &a.ContentHash, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (r *AssetRepository) Delete(ctx context.Context, slug string) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM assets WHERE slug = $1", slug)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssetNotFound
	}
	return nil
}
