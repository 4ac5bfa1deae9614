package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"vidvault/internal/clock"
	"vidvault/internal/server/accesslog"
	"vidvault/internal/server/auth"
	"vidvault/internal/server/database"
	"vidvault/internal/server/entitlement"
	"vidvault/internal/server/ratelimit"
	"vidvault/internal/server/storage"
	"vidvault/internal/server/stream"
	"vidvault/internal/server/token"
)

// Access outcomes written to the access log.
const (
	OutcomeGranted          = "granted"
	OutcomeUnauthenticated  = "unauthenticated"
	OutcomeInvalidToken     = "invalid_token"
	OutcomeForbidden        = "forbidden"
	OutcomeNotFound         = "not_found"
	OutcomeRangeUnsatisfied = "range_not_satisfiable"
	OutcomeError            = "error"
)

// EventRecorder receives access events. It must not block.
type EventRecorder interface {
	Record(e database.AccessEvent)
}

// AccessRequest is everything a stream request presents.
type AccessRequest struct {
	Principal   auth.Principal
	Slug        string
	Token       token.AccessToken
	RangeHeader string
	Window      *WindowRequest // set for fixed-window requests
	IP          string
	UserAgent   string
}

// WindowRequest selects the Index-th window of Size bytes.
type WindowRequest struct {
	Index int64
	Size  int64
}

// StreamGrant authorizes one response.
type StreamGrant struct {
	Asset       stream.Asset
	Range       stream.ByteRange
	PrincipalID string
}

// EntitlementLister lists a principal's current entitlements.
type EntitlementLister interface {
	ListForPrincipal(ctx context.Context, principalID string) ([]*database.Entitlement, error)
}

// AccessGuardConfig wires an AccessGuard.
type AccessGuardConfig struct {
	StreamCodec *token.Codec
	PageCodec   *token.Codec
	StreamTTL   time.Duration
	PageTTL     time.Duration
	BaseURL     string
	Revocations *token.Revocations
	Oracle      entitlement.Oracle
	Library     EntitlementLister
	Assets      database.Assets
	Files       *storage.AssetStore
	Events      EventRecorder
	Abuse       *ratelimit.AbuseCounter
	Clock       clock.Clock
}

// AccessGuard turns a presented token into a StreamGrant or a denial.
type AccessGuard struct {
	cfg AccessGuardConfig
}

func NewAccessGuard(cfg AccessGuardConfig) *AccessGuard {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Revocations == nil {
		cfg.Revocations = token.NewRevocations()
	}
	return &AccessGuard{cfg: cfg}
}

// Authorize checks, in order: identity, slug shape, token, entitlement,
// asset resolution and the requested range. Every call is recorded once.
func (g *AccessGuard) Authorize(ctx context.Context, req AccessRequest) (*StreamGrant, error) {
	grant, outcome, err := g.authorize(ctx, req)
	g.record(ctx, req, outcome)
	return grant, err
}

func (g *AccessGuard) authorize(ctx context.Context, req AccessRequest) (*StreamGrant, string, error) {
	p := req.Principal
	if !p.Authenticated() {
		return nil, OutcomeUnauthenticated, ErrUnauthenticated
	}
	if !token.ValidSlug(req.Slug) {
		return nil, OutcomeNotFound, ErrNotFound
	}

	now := g.cfg.Clock.Now()
	tok := req.Token
	tok.Slug = req.Slug
	if !g.cfg.StreamCodec.Verify(tok, p.Fingerprint(), now) || g.cfg.Revocations.IsRevoked(p.ID, req.Slug, now) {
		return nil, OutcomeInvalidToken, ErrInvalidToken
	}

	if outcome, err := g.checkEntitlement(ctx, p, req.Slug); err != nil {
		return nil, outcome, err
	}

	asset, err := g.resolve(ctx, req.Slug)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, OutcomeNotFound, err
		}
		return nil, OutcomeError, err
	}

	var br stream.ByteRange
	if req.Window != nil {
		br, err = stream.Window(req.Window.Index, req.Window.Size, asset.Size)
	} else {
		br, err = stream.ParseRange(req.RangeHeader, asset.Size)
	}
	if err != nil {
		return nil, OutcomeRangeUnsatisfied, &RangeError{Size: asset.Size}
	}

	return &StreamGrant{Asset: asset, Range: br, PrincipalID: p.ID}, OutcomeGranted, nil
}

// checkEntitlement fails closed: an oracle error denies access.
func (g *AccessGuard) checkEntitlement(ctx context.Context, p auth.Principal, slug string) (string, error) {
	allowed, err := g.cfg.Oracle.HasAccess(ctx, p.ID, slug)
	if err != nil {
		slog.Error("entitlement check failed", "principal_id", p.ID, "slug", slug, "error", err)
		return OutcomeForbidden, ErrForbidden
	}
	if !allowed {
		return OutcomeForbidden, ErrForbidden
	}
	return "", nil
}

// resolve maps a slug to its registered, readable file. Only exact
// registry matches are served.
func (g *AccessGuard) resolve(ctx context.Context, slug string) (stream.Asset, error) {
	a, err := g.cfg.Assets.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, database.ErrAssetNotFound) {
			return stream.Asset{}, ErrNotFound
		}
		return stream.Asset{}, errors.Join(ErrStorageIO, err)
	}

	info, err := g.cfg.Files.Stat(a.Filename)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("asset unreadable", "slug", slug, "error", err)
		} else {
			slog.Warn("registered asset missing on disk", "slug", slug, "filename", a.Filename)
		}
		return stream.Asset{}, ErrNotFound
	}
	path, err := g.cfg.Files.Path(a.Filename)
	if err != nil {
		return stream.Asset{}, ErrNotFound
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = stream.ContentTypeFor(a.Filename)
	}
	return stream.Asset{
		Slug:        a.Slug,
		Path:        path,
		ContentType: contentType,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
	}, nil
}

func (g *AccessGuard) record(ctx context.Context, req AccessRequest, outcome string) {
	if g.cfg.Events != nil {
		g.cfg.Events.Record(database.AccessEvent{
			Kind:        accesslog.KindAccess,
			PrincipalID: req.Principal.ID,
			Slug:        req.Slug,
			Outcome:     outcome,
			IP:          req.IP,
			UserAgent:   req.UserAgent,
		})
	}

	if outcome == OutcomeGranted || outcome == OutcomeError || g.cfg.Abuse == nil {
		return
	}
	key := req.IP
	if key == "" {
		key = req.Principal.ID
	}
	g.cfg.Abuse.Fail(ctx, key)
}
