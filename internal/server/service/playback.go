package service

import (
	"context"
	"errors"
	"net/url"
	"time"

	"vidvault/internal/server/auth"
	"vidvault/internal/server/token"
)

// PlaybackURLs are the signed URLs handed to a player.
type PlaybackURLs struct {
	Slug            string    `json:"slug"`
	PageURL         string    `json:"page_url"`
	PageExpiresAt   time.Time `json:"page_expires_at"`
	StreamURL       string    `json:"stream_url"`
	StreamExpiresAt time.Time `json:"stream_expires_at"`
}

// StreamURL is a freshly minted stream URL.
type StreamURL struct {
	URL       string    `json:"stream_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LibraryEntry is one playable asset in a principal's library.
type LibraryEntry struct {
	PlaybackURLs
	Size            int64      `json:"size"`
	ContentType     string     `json:"content_type"`
	AccessExpiresAt *time.Time `json:"access_expires_at,omitempty"`
}

// IssuePlayback mints a page URL and a stream URL for an entitled principal.
func (g *AccessGuard) IssuePlayback(ctx context.Context, p auth.Principal, slug string) (*PlaybackURLs, error) {
	if err := g.preflight(ctx, p, slug); err != nil {
		return nil, err
	}
	return g.playbackURLs(slug, p)
}

// Library lists every asset the principal is entitled to and that can be
// served now, each with fresh playback URLs. Revoked and unresolvable
// entitlements are left out.
func (g *AccessGuard) Library(ctx context.Context, p auth.Principal) ([]*LibraryEntry, error) {
	if !p.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if g.cfg.Library == nil {
		return []*LibraryEntry{}, nil
	}

	grants, err := g.cfg.Library.ListForPrincipal(ctx, p.ID)
	if err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}

	now := g.cfg.Clock.Now()
	entries := make([]*LibraryEntry, 0, len(grants))
	for _, e := range grants {
		if !token.ValidSlug(e.Slug) || g.cfg.Revocations.IsRevoked(p.ID, e.Slug, now) {
			continue
		}
		asset, err := g.resolve(ctx, e.Slug)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		urls, err := g.playbackURLs(e.Slug, p)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &LibraryEntry{
			PlaybackURLs:    *urls,
			Size:            asset.Size,
			ContentType:     asset.ContentType,
			AccessExpiresAt: e.ExpiresAt,
		})
	}
	return entries, nil
}

func (g *AccessGuard) playbackURLs(slug string, p auth.Principal) (*PlaybackURLs, error) {
	page, err := g.cfg.PageCodec.Mint(slug, g.cfg.PageTTL, p.Fingerprint())
	if err != nil {
		return nil, err
	}
	streamURL, err := g.mintStream(slug, p)
	if err != nil {
		return nil, err
	}

	return &PlaybackURLs{
		Slug:            slug,
		PageURL:         g.cfg.BaseURL + "/watch/" + slug + "?" + page.Query().Encode(),
		PageExpiresAt:   page.ExpiresAt,
		StreamURL:       streamURL.URL,
		StreamExpiresAt: streamURL.ExpiresAt,
	}, nil
}

// RefreshStream exchanges a valid page token for a new stream URL. The
// entitlement is checked again.
func (g *AccessGuard) RefreshStream(ctx context.Context, p auth.Principal, slug string, pageToken token.AccessToken) (*StreamURL, error) {
	if !p.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if !token.ValidSlug(slug) {
		return nil, ErrNotFound
	}

	now := g.cfg.Clock.Now()
	pageToken.Slug = slug
	if !g.cfg.PageCodec.Verify(pageToken, p.Fingerprint(), now) || g.cfg.Revocations.IsRevoked(p.ID, slug, now) {
		g.record(ctx, AccessRequest{Principal: p, Slug: slug}, OutcomeInvalidToken)
		return nil, ErrInvalidToken
	}
	if err := g.preflight(ctx, p, slug); err != nil {
		return nil, err
	}
	return g.mintStream(slug, p)
}

// preflight runs the non-token checks of Authorize.
func (g *AccessGuard) preflight(ctx context.Context, p auth.Principal, slug string) error {
	req := AccessRequest{Principal: p, Slug: slug}
	if !p.Authenticated() {
		g.record(ctx, req, OutcomeUnauthenticated)
		return ErrUnauthenticated
	}
	if !token.ValidSlug(slug) {
		g.record(ctx, req, OutcomeNotFound)
		return ErrNotFound
	}
	if outcome, err := g.checkEntitlement(ctx, p, slug); err != nil {
		g.record(ctx, req, outcome)
		return err
	}
	if _, err := g.resolve(ctx, slug); err != nil {
		if errors.Is(err, ErrNotFound) {
			g.record(ctx, req, OutcomeNotFound)
		}
		return err
	}
	return nil
}

func (g *AccessGuard) mintStream(slug string, p auth.Principal) (*StreamURL, error) {
	tok, err := g.cfg.StreamCodec.Mint(slug, g.cfg.StreamTTL, p.Fingerprint())
	if err != nil {
		return nil, err
	}
	return &StreamURL{
		URL:       g.cfg.BaseURL + "/secure-videos/" + url.PathEscape(slug) + "/?" + tok.Query().Encode(),
		ExpiresAt: tok.ExpiresAt,
	}, nil
}
