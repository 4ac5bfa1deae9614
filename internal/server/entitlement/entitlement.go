// Package entitlement answers whether a principal may watch a slug.
package entitlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"vidvault/internal/server/kv"

	"golang.org/x/sync/singleflight"
)

const DefaultCacheTTL = 15 * time.Minute

// Oracle decides access. Implementations must not return true on error.
type Oracle interface {
	HasAccess(ctx context.Context, principalID, slug string) (bool, error)
}

// Cached memoizes an Oracle's answers in a kv.Store. Concurrent misses for
// the same pair share one upstream call. Errors are never cached.
type Cached struct {
	next  Oracle
	store kv.Store
	ttl   time.Duration
	group singleflight.Group
}

func NewCached(next Oracle, store kv.Store, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{next: next, store: store, ttl: ttl}
}

func cacheKey(principalID, slug string) string {
	return "ent:" + principalID + ":" + slug
}

func (c *Cached) HasAccess(ctx context.Context, principalID, slug string) (bool, error) {
	key := cacheKey(principalID, slug)

	if v, ok, err := c.store.Get(ctx, key); err == nil && ok {
		return string(v) == "1", nil
	} else if err != nil {
		slog.Warn("entitlement cache read failed", "error", err)
	}

	res, err, _ := c.group.Do(key, func() (interface{}, error) {
		allowed, err := c.next.HasAccess(ctx, principalID, slug)
		if err != nil {
			return false, err
		}
		val := []byte("0")
		if allowed {
			val = []byte("1")
		}
		if err := c.store.Set(ctx, key, val, c.ttl); err != nil {
			slog.Warn("entitlement cache write failed", "error", err)
		}
		return allowed, nil
	})
	if err != nil {
		return false, fmt.Errorf("entitlement lookup failed: %w", err)
	}
	return res.(bool), nil
}

// Invalidate drops the cached answer for the pair.
func (c *Cached) Invalidate(ctx context.Context, principalID, slug string) error {
	return c.store.Delete(ctx, cacheKey(principalID, slug))
}
