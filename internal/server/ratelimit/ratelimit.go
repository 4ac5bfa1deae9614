// Package ratelimit bounds how often one principal may hit the streaming
// and upload endpoints, and counts denied attempts for abuse reporting.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"vidvault/internal/clock"
	"vidvault/internal/server/kv"
)

const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute

	DefaultAbuseThreshold = 10
	DefaultAbuseWindow    = time.Hour
)

// Limiter is a fixed-window request counter keyed by caller identity.
type Limiter struct {
	store  kv.Store
	limit  int64
	window time.Duration
	clock  clock.Clock
}

// New creates a limiter admitting limit requests per window. Non-positive
// values fall back to 60 per minute.
func New(store kv.Store, limit int, window time.Duration, clk clock.Clock) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Limiter{store: store, limit: int64(limit), window: window, clock: clk}
}

// Allow counts one request for id and reports whether it is within the
// limit. A failing store admits the request.
func (l *Limiter) Allow(ctx context.Context, id string) bool {
	start := l.clock.Now().Truncate(l.window)
	key := "rl:" + id + ":" + strconv.FormatInt(start.Unix(), 10)

	n, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		slog.Warn("rate limit store unavailable, admitting request", "id", id, "error", err)
		return true
	}
	return n <= l.limit
}

// Limit returns the configured requests per window.
func (l *Limiter) Limit() int { return int(l.limit) }

// AbuseCounter tracks denied access attempts per key (IP or principal).
// Crossing the threshold is logged; nothing is blocked.
type AbuseCounter struct {
	store     kv.Store
	threshold int64
	window    time.Duration
}

func NewAbuseCounter(store kv.Store, threshold int, window time.Duration) *AbuseCounter {
	if threshold <= 0 {
		threshold = DefaultAbuseThreshold
	}
	if window <= 0 {
		window = DefaultAbuseWindow
	}
	return &AbuseCounter{store: store, threshold: int64(threshold), window: window}
}

// Fail records one denied attempt for key and returns the count in the
// current window and whether it exceeds the threshold.
func (a *AbuseCounter) Fail(ctx context.Context, key string) (int64, bool) {
	if key == "" {
		return 0, false
	}
	n, err := a.store.Incr(ctx, "abuse:"+key, a.window)
	if err != nil {
		slog.Warn("abuse counter unavailable", "key", key, "error", err)
		return 0, false
	}

	suspicious := n > a.threshold
	if n == a.threshold+1 {
		slog.Warn("suspicious access pattern",
			"key", key,
			"failures", n,
			"window", a.window,
		)
	}
	return n, suspicious
}
