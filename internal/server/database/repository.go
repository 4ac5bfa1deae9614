package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAssetNotFound   = errors.New("asset not found")
	ErrSessionNotFound = errors.New("upload session not found")
	ErrSessionNotOpen  = errors.New("upload session is not open")
	ErrSlugTaken       = errors.New("slug already registered")
)

// ActiveEntitlementStatuses are the order states that grant access.
var ActiveEntitlementStatuses = []string{"completed", "processing", "active", "pending-cancel"}

// Assets is the asset registry. Create registers a new slug and returns
// ErrSlugTaken when it is already present; Upsert replaces.
type Assets interface {
	Create(ctx context.Context, asset *Asset) error
	Upsert(ctx context.Context, asset *Asset) error
	GetBySlug(ctx context.Context, slug string) (*Asset, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	List(ctx context.Context) ([]*Asset, error)
	Delete(ctx context.Context, slug string) error
}

// Sessions stores upload sessions. Claim is the single atomic transition
// from open to assembling; it returns ErrSessionNotOpen when another caller
// already holds the session or it has completed.
type Sessions interface {
	Create(ctx context.Context, s *UploadSession) error
	Get(ctx context.Context, id string) (*UploadSession, error)
	MarkChunk(ctx context.Context, id string, index int) error
	Claim(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, result *UploadSession) error
	Delete(ctx context.Context, id string) error
	// ListStale returns unfinished sessions idle since before openBefore and
	// completed sessions finished before completedBefore.
	ListStale(ctx context.Context, openBefore, completedBefore time.Time) ([]*UploadSession, error)
	CountOpen(ctx context.Context) (int64, error)
}

// AccessEvents persists access-log batches and answers view statistics.
type AccessEvents interface {
	InsertEvents(ctx context.Context, events []AccessEvent) error
	ViewStats(ctx context.Context, slug string) (*ViewStats, error)
	Summary(ctx context.Context) (*ViewStats, error)
}

// Entitlements is the reference backing store for access decisions.
type Entitlements interface {
	HasAccess(ctx context.Context, principalID, slug string) (bool, error)
	Grant(ctx context.Context, e *Entitlement) error
	Revoke(ctx context.Context, principalID, slug string) error
	// ListForPrincipal returns the principal's active, unexpired
	// entitlements ordered by slug.
	ListForPrincipal(ctx context.Context, principalID string) ([]*Entitlement, error)
}

var (
	_ Assets       = (*AssetRepository)(nil)
	_ Sessions     = (*SessionRepository)(nil)
	_ AccessEvents = (*AccessLogRepository)(nil)
	_ Entitlements = (*EntitlementRepository)(nil)
)
