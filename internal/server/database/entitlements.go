package database

import (
	"context"
	"fmt"
)

// EntitlementRepository decides access from the entitlements table.
type EntitlementRepository struct {
	db *DB
}

func NewEntitlementRepository(db *DB) *EntitlementRepository {
	return &EntitlementRepository{db: db}
}

// HasAccess reports whether principalID holds an active, unexpired
// entitlement for slug.
func (r *EntitlementRepository) HasAccess(ctx context.Context, principalID, slug string) (bool, error) {
	var ok bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM entitlements
			WHERE principal_id = $1 AND slug = $2
			  AND status = ANY($3)
			  AND (expires_at IS NULL OR expires_at > NOW())
		)
	`, principalID, slug, ActiveEntitlementStatuses).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check entitlement: %w", err)
	}
	return ok, nil
}

func (r *EntitlementRepository) Grant(ctx context.Context, e *Entitlement) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO entitlements (principal_id, slug, status, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (principal_id, slug) DO UPDATE SET
			status = EXCLUDED.status, expires_at = EXCLUDED.expires_at
	`, e.PrincipalID, e.Slug, e.Status, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to grant entitlement: %w", err)
	}
	return nil
}

func (r *EntitlementRepository) Revoke(ctx context.Context, principalID, slug string) error {
	_, err := r.db.Pool.Exec(ctx,
		"DELETE FROM entitlements WHERE principal_id = $1 AND slug = $2", principalID, slug)
	if err != nil {
		return fmt.Errorf("failed to revoke entitlement: %w", err)
	}
	return nil
}

func (r *EntitlementRepository) ListForPrincipal(ctx context.Context, principalID string) ([]*Entitlement, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT principal_id, slug, status, expires_at, created_at
		FROM entitlements
		WHERE principal_id = $1
		  AND status = ANY($2)
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY slug
	`, principalID, ActiveEntitlementStatuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	defer rows.Close()

	var out []*Entitlement
	for rows.Next() {
		e := &Entitlement{}
		if err := rows.Scan(&e.PrincipalID, &e.Slug, &e.Status, &e.ExpiresAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
