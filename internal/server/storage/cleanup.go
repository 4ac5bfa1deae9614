package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vidvault/internal/clock"
	"vidvault/internal/server/database"
)

// Sweeper drops expired in-memory state and returns how many entries it
// removed.
type Sweeper func(now time.Time) int

// CleanupOptions configures the sweep.
type CleanupOptions struct {
	Interval   time.Duration
	SessionTTL time.Duration // unfinished sessions idle this long are removed
	Retention  time.Duration // completed sessions are kept this long
	Clock      clock.Clock
	// Assets, when set, has leftover temp files and backups older than
	// SessionTTL swept.
	Assets *AssetStore
}

// CleanupService periodically removes abandoned upload sessions with their
// chunk files, orphaned chunk directories, and expired in-memory entries.
type CleanupService struct {
	sessions database.Sessions
	chunks   *ChunkStore
	opts     CleanupOptions
	sweepers map[string]Sweeper
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(sessions database.Sessions, chunks *ChunkStore, opts CleanupOptions) *CleanupService {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &CleanupService{
		sessions: sessions,
		chunks:   chunks,
		opts:     opts,
		sweepers: make(map[string]Sweeper),
		done:     make(chan struct{}),
	}
}

// AddSweeper registers an extra sweep run on every cycle. Call before Start.
func (cs *CleanupService) AddSweeper(name string, fn Sweeper) {
	cs.sweepers[name] = fn
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started",
		"interval", cs.opts.Interval,
		"session_ttl", cs.opts.SessionTTL,
		"retention", cs.opts.Retention,
	)

	go func() {
		ticker := time.NewTicker(cs.opts.Interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				cs.runCleanup(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup(ctx context.Context) {
	now := cs.opts.Clock.Now()
	slog.Info("running cleanup cycle")

	cleaned, failed := cs.sweepSessions(ctx, now)
	orphans := cs.sweepOrphans(ctx, now)
	leftovers := cs.sweepAssets(now)

	for name, sweep := range cs.sweepers {
		if n := sweep(now); n > 0 {
			slog.Info("swept expired entries", "store", name, "removed", n)
		}
	}

	slog.Info("cleanup cycle complete",
		"sessions_cleaned", cleaned,
		"sessions_failed", failed,
		"orphan_dirs", orphans,
		"asset_leftovers", leftovers,
	)
}

func (cs *CleanupService) sweepSessions(ctx context.Context, now time.Time) (cleaned, failed int) {
	stale, err := cs.sessions.ListStale(ctx, now.Add(-cs.opts.SessionTTL), now.Add(-cs.opts.Retention))
	if err != nil {
		slog.Error("failed to list stale upload sessions", "error", err)
		return 0, 0
	}

	for _, s := range stale {
		if err := cs.chunks.RemoveUpload(s.ID); err != nil {
			slog.Error("failed to delete chunks",
				"upload_id", s.ID,
				"error", err,
			)
			failed++
			continue
		}

		if err := cs.sessions.Delete(ctx, s.ID); err != nil && !errors.Is(err, database.ErrSessionNotFound) {
			slog.Error("failed to delete upload session",
				"upload_id", s.ID,
				"error", err,
			)
			failed++
			continue
		}

		cleaned++
		slog.Info("cleaned up upload session",
			"upload_id", s.ID,
			"status", s.Status,
			"filename", s.OriginalFilename,
			"last_activity", s.UpdatedAt,
		)
	}
	return cleaned, failed
}

func (cs *CleanupService) sweepAssets(now time.Time) int {
	if cs.opts.Assets == nil {
		return 0
	}
	n, err := cs.opts.Assets.SweepStale(now.Add(-cs.opts.SessionTTL))
	if err != nil {
		slog.Error("failed to sweep asset directory", "error", err)
	}
	return n
}

// sweepOrphans removes chunk directories older than the session TTL that no
// session refers to.
func (cs *CleanupService) sweepOrphans(ctx context.Context, now time.Time) int {
	dirs, err := cs.chunks.ListUploads()
	if err != nil {
		slog.Error("failed to list chunk directories", "error", err)
		return 0
	}

	removed := 0
	cutoff := now.Add(-cs.opts.SessionTTL)
	for _, d := range dirs {
		if !d.ModTime.Before(cutoff) {
			continue
		}
		if _, err := cs.sessions.Get(ctx, d.ID); !errors.Is(err, database.ErrSessionNotFound) {
			continue
		}
		if err := cs.chunks.RemoveUpload(d.ID); err != nil {
			slog.Error("failed to remove orphan chunk directory", "upload_id", d.ID, "error", err)
			continue
		}
		removed++
	}
	return removed
}
