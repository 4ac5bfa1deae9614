package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vidvault/internal/clock"
	"vidvault/internal/server/database"
	"vidvault/internal/server/storage"
	"vidvault/internal/server/stream"
	"vidvault/internal/server/token"

	"github.com/zeebo/blake3"
)

// CacheInvalidator drops cached entitlement answers.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, principalID, slug string) error
}

// AdminConfig wires an AdminService.
type AdminConfig struct {
	Assets       database.Assets
	Sessions     database.Sessions
	Events       database.AccessEvents
	Entitlements database.Entitlements
	Files        *storage.AssetStore
	Cache        CacheInvalidator
	Revocations  *token.Revocations
	// RevokeFor is how long a revocation must outlive the pair's tokens;
	// the longest token TTL.
	RevokeFor time.Duration
	Clock     clock.Clock
}

// AdminService holds operator-only asset and entitlement operations.
type AdminService struct {
	cfg AdminConfig
}

func NewAdminService(cfg AdminConfig) *AdminService {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &AdminService{cfg: cfg}
}

// CheckReport is the diagnostic view of one asset. It never includes
// filesystem paths.
type CheckReport struct {
	Slug     string   `json:"slug"`
	OK       bool     `json:"ok"`
	Messages []string `json:"messages"`
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalAssets   int64      `json:"total_assets"`
	StorageUsed   int64      `json:"storage_used_bytes"`
	OpenUploads   int64      `json:"open_uploads"`
	TotalViews    int64      `json:"total_views"`
	UniqueViewers int64      `json:"unique_viewers"`
	BytesServed   int64      `json:"bytes_served"`
	LastViewed    *time.Time `json:"last_viewed,omitempty"`
}

// Check reports whether slug is registered and its file is present,
// readable and of the registered size.
func (a *AdminService) Check(ctx context.Context, slug string) (*CheckReport, error) {
	report := &CheckReport{Slug: slug}
	say := func(format string, args ...any) {
		report.Messages = append(report.Messages, fmt.Sprintf(format, args...))
	}

	if !token.ValidSlug(slug) {
		say("slug is not well formed")
		return report, nil
	}

	asset, err := a.cfg.Assets.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, database.ErrAssetNotFound) {
			say("slug is not registered")
			return report, nil
		}
		return nil, err
	}
	say("registered as %s (%s)", asset.Filename, asset.ContentType)

	info, err := a.cfg.Files.Stat(asset.Filename)
	if err != nil {
		if os.IsNotExist(err) {
			say("file is missing")
		} else {
			say("file cannot be inspected")
		}
		return report, nil
	}
	say("file present, %d bytes", info.Size())

	if info.Size() != asset.Size {
		say("size differs from registry (%d bytes registered)", asset.Size)
		return report, nil
	}

	path, _ := a.cfg.Files.Path(asset.Filename)
	f, err := os.Open(path)
	if err != nil {
		say("file is not readable")
		return report, nil
	}
	f.Close()
	say("file is readable")

	report.OK = true
	return report, nil
}

// Repair re-registers a slug whose registered file is missing by matching
// it against the files on disk: the single file whose name starts with the
// slug, ignoring case. It is never used on the streaming path.
func (a *AdminService) Repair(ctx context.Context, slug, actor string) (*database.Asset, error) {
	if !token.ValidSlug(slug) {
		return nil, ErrNotFound
	}

	existing, err := a.cfg.Assets.GetBySlug(ctx, slug)
	if err != nil && !errors.Is(err, database.ErrAssetNotFound) {
		return nil, err
	}
	if existing != nil {
		if _, err := a.cfg.Files.Stat(existing.Filename); err == nil {
			return existing, ErrNothingToRepair
		}
	}

	names, err := a.cfg.Files.ListFiles()
	if err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}
	var matches []string
	prefix := strings.ToLower(slug)
	for _, name := range names {
		if !allowedExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), prefix) {
			matches = append(matches, name)
		}
	}

	switch len(matches) {
	case 0:
		slog.Warn("legacy repair found no candidate", "slug", slug, "actor", actor)
		return nil, ErrNotFound
	case 1:
	default:
		slog.Warn("legacy repair refused, ambiguous match", "slug", slug, "actor", actor, "candidates", matches)
		return nil, ErrAmbiguousRepair
	}

	filename := matches[0]
	size, hash, err := a.digest(filename)
	if err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}

	asset := &database.Asset{
		Slug:        slug,
		Filename:    filename,
		Size:        size,
		ContentType: stream.ContentTypeFor(filename),
		ContentHash: hash,
	}
	if err := a.cfg.Assets.Upsert(ctx, asset); err != nil {
		return nil, err
	}

	slog.Warn("legacy repair re-registered asset",
		"slug", slug,
		"filename", filename,
		"actor", actor,
		"size", size,
	)
	return asset, nil
}

func (a *AdminService) digest(filename string) (int64, string, error) {
	path, err := a.cfg.Files.Path(filename)
	if err != nil {
		return 0, "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	hasher := blake3.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// List returns every registered asset.
func (a *AdminService) List(ctx context.Context) ([]*database.Asset, error) {
	return a.cfg.Assets.List(ctx)
}

// Stats returns aggregate server statistics.
func (a *AdminService) Stats(ctx context.Context) (*Stats, error) {
	assets, err := a.cfg.Assets.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{TotalAssets: int64(len(assets))}
	for _, asset := range assets {
		stats.StorageUsed += asset.Size
	}

	if stats.OpenUploads, err = a.cfg.Sessions.CountOpen(ctx); err != nil {
		return nil, err
	}

	views, err := a.cfg.Events.Summary(ctx)
	if err != nil {
		return nil, err
	}
	stats.TotalViews = views.TotalViews
	stats.UniqueViewers = views.UniqueViewers
	stats.BytesServed = views.BytesSent
	stats.LastViewed = views.LastViewed
	return stats, nil
}

// ViewStats returns view statistics for one slug.
func (a *AdminService) ViewStats(ctx context.Context, slug string) (*database.ViewStats, error) {
	if _, err := a.cfg.Assets.GetBySlug(ctx, slug); err != nil {
		if errors.Is(err, database.ErrAssetNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a.cfg.Events.ViewStats(ctx, slug)
}

// Grant gives principalID access to slug and lifts any revocation.
func (a *AdminService) Grant(ctx context.Context, e *database.Entitlement) error {
	if e.PrincipalID == "" || !token.ValidSlug(e.Slug) {
		return ErrInvalidRequest
	}
	if e.Status == "" {
		e.Status = "active"
	}
	if err := a.cfg.Entitlements.Grant(ctx, e); err != nil {
		return err
	}
	a.invalidate(ctx, e.PrincipalID, e.Slug)
	if a.cfg.Revocations != nil {
		a.cfg.Revocations.Lift(e.PrincipalID, e.Slug)
	}
	slog.Info("entitlement granted", "principal_id", e.PrincipalID, "slug", e.Slug, "status", e.Status)
	return nil
}

// Revoke withdraws access and rejects tokens already issued for the pair.
func (a *AdminService) Revoke(ctx context.Context, principalID, slug string) error {
	if err := a.cfg.Entitlements.Revoke(ctx, principalID, slug); err != nil {
		return err
	}
	a.invalidate(ctx, principalID, slug)
	if a.cfg.Revocations != nil {
		a.cfg.Revocations.Revoke(principalID, slug, a.cfg.Clock.Now().Add(a.cfg.RevokeFor))
	}
	slog.Info("entitlement revoked", "principal_id", principalID, "slug", slug)
	return nil
}

func (a *AdminService) invalidate(ctx context.Context, principalID, slug string) {
	if a.cfg.Cache == nil {
		return
	}
	if err := a.cfg.Cache.Invalidate(ctx, principalID, slug); err != nil {
		slog.Warn("failed to invalidate entitlement cache", "principal_id", principalID, "slug", slug, "error", err)
	}
}
