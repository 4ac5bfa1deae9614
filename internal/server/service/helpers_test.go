package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vidvault/internal/clock"
	"vidvault/internal/server/auth"
	"vidvault/internal/server/config"
	"vidvault/internal/server/database"
	"vidvault/internal/server/entitlement"
	"vidvault/internal/server/kv"
	"vidvault/internal/server/memstore"
	"vidvault/internal/server/ratelimit"
	"vidvault/internal/server/storage"
	"vidvault/internal/server/token"
)

var testSecret = []byte("service-test-secret-0123456789")

type eventSink struct {
	mu     sync.Mutex
	events []database.AccessEvent
}

func (s *eventSink) Record(e database.AccessEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *eventSink) outcomes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Outcome
	}
	return out
}

type errOracle struct{}

func (errOracle) HasAccess(context.Context, string, string) (bool, error) {
	return false, errors.New("billing unavailable")
}

type testEnv struct {
	clock        *clock.FakeClock
	cfg          *config.Config
	assets       *memstore.Assets
	sessions     *memstore.Sessions
	events       *memstore.AccessEvents
	entitlements *memstore.Entitlements
	cache        *entitlement.Cached
	kv           *kv.Memory
	files        *storage.AssetStore
	chunks       *storage.ChunkStore
	revocations  *token.Revocations
	streamCodec  *token.Codec
	pageCodec    *token.Codec
	sink         *eventSink
	abuse        *ratelimit.AbuseCounter
	guard        *AccessGuard
	uploads      *UploadService
	admin        *AdminService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		clock: clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		sink:  &eventSink{},
	}

	env.cfg = config.Default()
	env.cfg.TokenSecret = string(testSecret)
	env.cfg.JWTSecret = "jwt"
	env.cfg.AssetsPath = filepath.Join(t.TempDir(), "assets")
	env.cfg.ChunksPath = filepath.Join(t.TempDir(), "chunks")
	env.cfg.MaxChunkSize = 1 << 20
	env.cfg.MaxFileSize = 64 << 20
	env.cfg.BaseURL = "https://media.test"

	env.assets = memstore.NewAssets(env.clock)
	env.sessions = memstore.NewSessions(env.clock)
	env.events = memstore.NewAccessEvents()
	env.entitlements = memstore.NewEntitlements(env.clock)
	env.kv = kv.NewMemory(env.clock)
	env.cache = entitlement.NewCached(env.entitlements, env.kv, time.Minute)
	env.revocations = token.NewRevocations()
	env.abuse = ratelimit.NewAbuseCounter(env.kv, 3, time.Hour)

	env.files = storage.NewAssetStore(env.cfg.AssetsPath)
	env.chunks = storage.NewChunkStore(env.cfg.ChunksPath)
	if err := env.files.EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	if err := env.chunks.EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	var err error
	if env.streamCodec, err = token.NewCodec(testSecret, token.PurposeStream, env.clock); err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	if env.pageCodec, err = token.NewCodec(testSecret, token.PurposePage, env.clock); err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	env.guard = NewAccessGuard(AccessGuardConfig{
		StreamCodec: env.streamCodec,
		PageCodec:   env.pageCodec,
		StreamTTL:   time.Hour,
		PageTTL:     24 * time.Hour,
		BaseURL:     env.cfg.BaseURL,
		Revocations: env.revocations,
		Oracle:      env.cache,
		Library:     env.entitlements,
		Assets:      env.assets,
		Files:       env.files,
		Events:      env.sink,
		Abuse:       env.abuse,
		Clock:       env.clock,
	})
	env.uploads = NewUploadService(env.sessions, env.assets, env.files, env.chunks, env.cfg, env.clock)
	env.admin = NewAdminService(AdminConfig{
		Assets:       env.assets,
		Sessions:     env.sessions,
		Events:       env.events,
		Entitlements: env.entitlements,
		Files:        env.files,
		Cache:        env.cache,
		Revocations:  env.revocations,
		RevokeFor:    24 * time.Hour,
		Clock:        env.clock,
	})
	return env
}

// publish writes content as a registered asset.
func (env *testEnv) publish(t *testing.T, slug string, content []byte) {
	t.Helper()
	filename := slug + ".mp4"
	if err := os.WriteFile(filepath.Join(env.cfg.AssetsPath, filename), content, 0644); err != nil {
		t.Fatalf("failed to write asset: %v", err)
	}
	err := env.assets.Upsert(context.Background(), &database.Asset{
		Slug:        slug,
		Filename:    filename,
		Size:        int64(len(content)),
		ContentType: "video/mp4",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func (env *testEnv) grant(t *testing.T, principalID, slug string) {
	t.Helper()
	err := env.admin.Grant(context.Background(), &database.Entitlement{PrincipalID: principalID, Slug: slug, Status: "completed"})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
}

func (env *testEnv) mint(t *testing.T, p auth.Principal, slug string) token.AccessToken {
	t.Helper()
	tok, err := env.streamCodec.Mint(slug, time.Hour, p.Fingerprint())
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return tok
}

// readAsset returns the published bytes for slug.
func (env *testEnv) readAsset(t *testing.T, slug string) []byte {
	t.Helper()
	a, err := env.assets.GetBySlug(context.Background(), slug)
	if err != nil {
		t.Fatalf("GetBySlug(%s): %v", slug, err)
	}
	data, err := os.ReadFile(filepath.Join(env.cfg.AssetsPath, a.Filename))
	if err != nil {
		t.Fatalf("failed to read asset: %v", err)
	}
	return data
}

var viewer = auth.Principal{ID: "user-1", SessionID: "session-1", Role: auth.RoleViewer}
