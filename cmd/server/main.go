package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vidvault/internal/clock"
	"vidvault/internal/server/accesslog"
	"vidvault/internal/server/api"
	"vidvault/internal/server/config"
	"vidvault/internal/server/database"
	"vidvault/internal/server/entitlement"
	"vidvault/internal/server/kv"
	"vidvault/internal/server/memstore"
	"vidvault/internal/server/ratelimit"
	"vidvault/internal/server/service"
	"vidvault/internal/server/storage"
	"vidvault/internal/server/stream"
	"vidvault/internal/server/token"

	"github.com/spf13/pflag"
)

// stores groups the repository implementations the server runs on.
type stores struct {
	assets       database.Assets
	sessions     database.Sessions
	events       database.AccessEvents
	entitlements database.Entitlements
	health       api.HealthChecker
	close        func()
}

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"assets_path", cfg.AssetsPath,
		"chunks_path", cfg.ChunksPath,
		"max_file_size", cfg.MaxFileSize,
		"stream_token_ttl", cfg.StreamTokenTTL,
		"rate_limit_per_minute", cfg.RateLimitPerMinute,
	)

	ctx := context.Background()
	clk := clock.Real()

	st, err := openStores(ctx, cfg, clk)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer st.close()

	// Initialize storage
	files := storage.NewAssetStore(cfg.AssetsPath)
	chunks := storage.NewChunkStore(cfg.ChunksPath)
	if err := files.EnsureDir(); err != nil {
		slog.Error("failed to initialize asset storage", "error", err)
		os.Exit(1)
	}
	if err := chunks.EnsureDir(); err != nil {
		slog.Error("failed to initialize chunk storage", "error", err)
		os.Exit(1)
	}
	slog.Info("file storage initialized", "assets", cfg.AssetsPath, "chunks", cfg.ChunksPath)

	// Tokens
	streamCodec, err := token.NewCodec([]byte(cfg.TokenSecret), token.PurposeStream, clk)
	if err != nil {
		slog.Error("failed to create stream token codec", "error", err)
		os.Exit(1)
	}
	pageCodec, err := token.NewCodec([]byte(cfg.TokenSecret), token.PurposePage, clk)
	if err != nil {
		slog.Error("failed to create page token codec", "error", err)
		os.Exit(1)
	}
	revocations := token.NewRevocations()

	// Counters and caches
	kvStore := kv.NewMemory(clk)
	limiter := ratelimit.New(kvStore, cfg.RateLimitPerMinute, time.Minute, clk)
	abuse := ratelimit.NewAbuseCounter(kvStore, cfg.AbuseThreshold, ratelimit.DefaultAbuseWindow)
	oracle := entitlement.NewCached(st.entitlements, kvStore, cfg.EntitlementCacheTTL)

	// Access log writer
	bgCtx, bgCancel := context.WithCancel(context.Background())
	events := accesslog.New(st.events, cfg.AccessLogBuffer, clk)
	events.Start(bgCtx)

	// Services
	guard := service.NewAccessGuard(service.AccessGuardConfig{
		StreamCodec: streamCodec,
		PageCodec:   pageCodec,
		StreamTTL:   cfg.StreamTokenTTL,
		PageTTL:     cfg.PageTokenTTL,
		BaseURL:     cfg.BaseURL,
		Revocations: revocations,
		Oracle:      oracle,
		Library:     st.entitlements,
		Assets:      st.assets,
		Files:       files,
		Events:      events,
		Abuse:       abuse,
		Clock:       clk,
	})
	uploads := service.NewUploadService(st.sessions, st.assets, files, chunks, cfg, clk)
	admin := service.NewAdminService(service.AdminConfig{
		Assets:       st.assets,
		Sessions:     st.sessions,
		Events:       st.events,
		Entitlements: st.entitlements,
		Files:        files,
		Cache:        oracle,
		Revocations:  revocations,
		RevokeFor:    max(cfg.StreamTokenTTL, cfg.PageTokenTTL),
		Clock:        clk,
	})
	streamer := stream.NewStreamer(cfg.RangeBufferSize, cfg.WindowBufferSize, events)

	// Start cleanup service
	cleanup := storage.NewCleanupService(st.sessions, chunks, storage.CleanupOptions{
		Interval:   cfg.CleanupInterval,
		SessionTTL: cfg.SessionTTL,
		Retention:  cfg.CompletedRetention,
		Clock:      clk,
		Assets:     files,
	})
	cleanup.AddSweeper("kv", func(time.Time) int { return kvStore.Sweep() })
	cleanup.AddSweeper("revocations", revocations.Cleanup)
	cleanup.Start(bgCtx)

	// Setup HTTP router
	handler := api.NewHandler(guard, streamer, uploads, admin, st.health)
	e := api.SetupRouter(handler, cfg, limiter)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop background workers; the access log flushes what it holds.
	bgCancel()
	cleanup.Wait()
	events.Wait()
	if n := events.Dropped(); n > 0 {
		slog.Warn("access events dropped", "count", n)
	}

	slog.Info("server exited cleanly")
}

// openStores connects to Postgres when DATABASE_URL is set and falls back
// to in-memory stores otherwise.
func openStores(ctx context.Context, cfg *config.Config, clk clock.Clock) (*stores, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory stores; state is lost on restart")
		return &stores{
			assets:       memstore.NewAssets(clk),
			sessions:     memstore.NewSessions(clk),
			events:       memstore.NewAccessEvents(),
			entitlements: memstore.NewEntitlements(clk),
			close:        func() {},
		}, nil
	}

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("database migrations complete")

	return &stores{
		assets:       database.NewAssetRepository(db),
		sessions:     database.NewSessionRepository(db),
		events:       database.NewAccessLogRepository(db),
		entitlements: database.NewEntitlementRepository(db),
		health:       db,
		close:        db.Close,
	}, nil
}
