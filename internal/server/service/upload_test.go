package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"vidvault/internal/server/database"
)

// splitChunks cuts content into n nearly equal parts.
func splitChunks(content []byte, n int) [][]byte {
	size := (len(content) + n - 1) / n
	parts := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if end > len(content) {
			end = len(content)
		}
		parts = append(parts, content[start:end])
	}
	return parts
}

func testContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func (env *testEnv) initUpload(t *testing.T, filename string, content []byte, chunks int, replace string) string {
	t.Helper()
	res, err := env.uploads.Init(context.Background(), InitRequest{
		Filename:    filename,
		TotalChunks: chunks,
		TotalSize:   int64(len(content)),
		ReplaceSlug: replace,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return res.UploadID
}

// stageChunk writes a chunk as a previous process would have, without
// triggering assembly.
func (env *testEnv) stageChunk(t *testing.T, uploadID string, index int, data []byte) {
	t.Helper()
	if _, err := env.chunks.Write(uploadID, index, bytes.NewReader(data), env.cfg.MaxChunkSize); err != nil {
		t.Fatalf("chunks.Write: %v", err)
	}
	if err := env.sessions.MarkChunk(context.Background(), uploadID, index); err != nil {
		t.Fatalf("MarkChunk: %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"normal.mp4", "normal.mp4"},
		{"../../../etc/passwd", "passwd"},
		{"/absolute/path/clip.webm", "clip.webm"},
		{"C:\\Users\\me\\clip.mov", "clip.mov"},
		{"  spaced.mp4  ", "spaced.mp4"},
		{"", ""},
		{".", ""},
		{"/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := sanitizeFilename(tt.input); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}

	long := strings.Repeat("a", 300) + ".mp4"
	if got := sanitizeFilename(long); len(got) != 255 || !strings.HasSuffix(got, ".mp4") {
		t.Errorf("expected 255 chars ending in .mp4, got %d chars %q", len(got), got[len(got)-4:])
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"My Great Video!", "my-great-video"},
		{"lesson_01 (final)", "lesson-01-final"},
		{"--already-slugged--", "already-slugged"},
		{"!!!", "video"},
		{"", "video"},
		{strings.Repeat("a", 150), strings.Repeat("a", 100)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := slugify(tt.input); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestUploadService_Init(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "existing", []byte("old"))

	tests := []struct {
		name    string
		req     InitRequest
		wantErr error
	}{
		{"executable", InitRequest{Filename: "clip.exe", TotalChunks: 1, TotalSize: 10}, ErrDisallowedType},
		{"no extension", InitRequest{Filename: "clip", TotalChunks: 1, TotalSize: 10}, ErrDisallowedType},
		{"empty name", InitRequest{Filename: "", TotalChunks: 1, TotalSize: 10}, ErrDisallowedType},
		{"zero chunks", InitRequest{Filename: "clip.mp4", TotalChunks: 0, TotalSize: 10}, ErrInvalidUpload},
		{"zero size", InitRequest{Filename: "clip.mp4", TotalChunks: 1, TotalSize: 0}, ErrInvalidUpload},
		{"too many chunks", InitRequest{Filename: "clip.mp4", TotalChunks: 10001, TotalSize: 1 << 20}, ErrInvalidUpload},
		{"more chunks than bytes", InitRequest{Filename: "clip.mp4", TotalChunks: 5, TotalSize: 3}, ErrInvalidUpload},
		{"too large", InitRequest{Filename: "clip.mp4", TotalChunks: 1, TotalSize: 64<<20 + 1}, ErrFileTooLarge},
		{"replace unknown slug", InitRequest{Filename: "clip.mp4", TotalChunks: 1, TotalSize: 10, ReplaceSlug: "missing"}, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.uploads.Init(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("valid", func(t *testing.T) {
		res, err := env.uploads.Init(context.Background(), InitRequest{
			Filename:    "../Course Intro.MP4",
			TotalChunks: 3,
			TotalSize:   300,
			ReplaceSlug: "existing",
		})
		if err != nil {
			t.Fatalf("Init: %v", err)
		}
		if res.Filename != "Course Intro.MP4" {
			t.Errorf("expected sanitized filename, got %q", res.Filename)
		}
		if res.MaxChunkSize != env.cfg.MaxChunkSize {
			t.Errorf("expected max chunk size %d, got %d", env.cfg.MaxChunkSize, res.MaxChunkSize)
		}
		if !res.ExpiresAt.Equal(env.clock.Now().Add(env.cfg.SessionTTL)) {
			t.Errorf("unexpected expiry %v", res.ExpiresAt)
		}
		if _, err := os.Stat(filepath.Join(env.cfg.ChunksPath, res.UploadID)); err != nil {
			t.Errorf("chunk directory not prepared: %v", err)
		}
	})
}

func TestUploadService_RetriedChunkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	content := testContent(10_000)
	parts := splitChunks(content, 10)
	id := env.initUpload(t, "retry.mp4", content, 10, "")

	var last *ChunkResult
	send := func(i int) {
		res, err := env.uploads.PutChunk(ctx, id, i, bytes.NewReader(parts[i]))
		if err != nil {
			t.Fatalf("PutChunk(%d): %v", i, err)
		}
		last = res
	}
	for i := 0; i < 6; i++ {
		send(i)
	}
	send(3)
	if last.Received != 6 {
		t.Errorf("expected 6 chunks received after retry, got %d", last.Received)
	}
	for i := 6; i < 10; i++ {
		send(i)
	}

	if last.Assembly == nil {
		t.Fatal("expected final chunk to assemble the upload")
	}
	if last.Assembly.Slug != "retry" || last.Assembly.Size != int64(len(content)) {
		t.Errorf("unexpected assembly: %+v", last.Assembly)
	}
	if !bytes.Equal(env.readAsset(t, "retry"), content) {
		t.Error("assembled file differs from uploaded content")
	}
	if _, err := os.Stat(filepath.Join(env.cfg.ChunksPath, id)); !os.IsNotExist(err) {
		t.Errorf("expected chunks removed after assembly, got %v", err)
	}

	if _, err := env.uploads.PutChunk(ctx, id, 9, bytes.NewReader(parts[9])); !errors.Is(err, ErrUploadClosed) {
		t.Errorf("expected ErrUploadClosed after completion, got %v", err)
	}
}

func TestUploadService_OutOfOrderChunks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	content := testContent(4000)
	parts := splitChunks(content, 4)
	id := env.initUpload(t, "shuffled.webm", content, 4, "")

	var last *ChunkResult
	for _, i := range []int{3, 1, 0, 2} {
		res, err := env.uploads.PutChunk(ctx, id, i, bytes.NewReader(parts[i]))
		if err != nil {
			t.Fatalf("PutChunk(%d): %v", i, err)
		}
		last = res
	}
	if last.Assembly == nil {
		t.Fatal("expected assembly once every chunk arrived")
	}
	if !bytes.Equal(env.readAsset(t, "shuffled"), content) {
		t.Error("chunks were not assembled in index order")
	}
}

func TestUploadService_MissingChunk(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	content := testContent(10_000)
	parts := splitChunks(content, 10)
	id := env.initUpload(t, "gap.mp4", content, 10, "")

	for i, part := range parts {
		if i == 4 {
			continue
		}
		env.stageChunk(t, id, i, part)
	}

	_, err := env.uploads.Complete(ctx, id)
	var missing *MissingChunkError
	if !errors.As(err, &missing) || missing.Index != 4 {
		t.Fatalf("expected missing chunk 4, got %v", err)
	}
	if !errors.Is(err, ErrMissingChunk) {
		t.Error("MissingChunkError should match ErrMissingChunk")
	}

	if exists, _ := env.assets.SlugExists(ctx, "gap"); exists {
		t.Error("incomplete upload was registered")
	}
	names, _ := env.files.ListFiles()
	if len(names) != 0 {
		t.Errorf("expected nothing published, got %v", names)
	}

	sess, _ := env.sessions.Get(ctx, id)
	if sess.Status != database.SessionOpen {
		t.Errorf("expected session released to open, got %s", sess.Status)
	}

	res, err := env.uploads.PutChunk(ctx, id, 4, bytes.NewReader(parts[4]))
	if err != nil {
		t.Fatalf("PutChunk(4): %v", err)
	}
	if res.Assembly == nil || !bytes.Equal(env.readAsset(t, "gap"), content) {
		t.Error("expected the late chunk to complete the upload")
	}
}

func TestUploadService_ConcurrentComplete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	content := testContent(50_000)
	parts := splitChunks(content, 5)
	id := env.initUpload(t, "race.mp4", content, 5, "")
	for i, part := range parts {
		env.stageChunk(t, id, i, part)
	}

	// Two services over the same stores stand in for two server processes.
	other := NewUploadService(env.sessions, env.assets, env.files, env.chunks, env.cfg, env.clock)
	services := []*UploadService{env.uploads, other}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		fresh   int
		dupes   int
		busy    int
		badErrs []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(svc *UploadService) {
			defer wg.Done()
			res, err := svc.Complete(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrAssemblyInProgress):
				busy++
			case err != nil:
				badErrs = append(badErrs, err)
			case res.Duplicate:
				dupes++
			default:
				fresh++
			}
		}(services[i%2])
	}
	wg.Wait()

	if len(badErrs) > 0 {
		t.Fatalf("unexpected errors: %v", badErrs)
	}
	if fresh != 1 {
		t.Errorf("expected exactly one assembly, got %d (dupes %d, busy %d)", fresh, dupes, busy)
	}
	if !bytes.Equal(env.readAsset(t, "race"), content) {
		t.Error("concurrent completion corrupted the asset")
	}
	names, _ := env.files.ListFiles()
	if len(names) != 1 {
		t.Errorf("expected one published file, got %v", names)
	}
}

func TestUploadService_DuplicateComplete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	content := testContent(300)
	id := env.initUpload(t, "twice.mp4", content, 1, "")

	res, err := env.uploads.PutChunk(ctx, id, 0, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	first := res.Assembly
	if first == nil || first.Duplicate {
		t.Fatalf("expected a fresh assembly, got %+v", first)
	}

	again, err := env.uploads.Complete(ctx, id)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !again.Duplicate {
		t.Error("expected Duplicate on second completion")
	}
	if again.Slug != first.Slug || again.ContentHash != first.ContentHash || again.Size != first.Size {
		t.Errorf("expected stored result %+v, got %+v", first, again)
	}
}

func TestUploadService_SlugCollision(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.publish(t, "lesson", []byte("first"))

	content := testContent(100)
	id := env.initUpload(t, "Lesson.mp4", content, 1, "")
	res, err := env.uploads.PutChunk(ctx, id, 0, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if res.Assembly.Slug != "lesson-1" || res.Assembly.Filename != "lesson-1.mp4" {
		t.Errorf("expected lesson-1, got %+v", res.Assembly)
	}
	if string(env.readAsset(t, "lesson")) != "first" {
		t.Error("existing asset was overwritten")
	}
}

// barrierAssets holds the first n SlugExists callers until all of them have
// asked, so each decides from the registry as it was before any published.
type barrierAssets struct {
	database.Assets
	mu      sync.Mutex
	waiting int
	n       int
	release chan struct{}
}

func newBarrierAssets(next database.Assets, n int) *barrierAssets {
	return &barrierAssets{Assets: next, n: n, release: make(chan struct{})}
}

func (b *barrierAssets) SlugExists(ctx context.Context, slug string) (bool, error) {
	taken, err := b.Assets.SlugExists(ctx, slug)

	b.mu.Lock()
	gated := b.waiting < b.n
	if gated {
		b.waiting++
		if b.waiting == b.n {
			close(b.release)
		}
	}
	b.mu.Unlock()

	if gated {
		<-b.release
	}
	return taken, err
}

// blindAssets never reports a slug as taken, standing in for a registry
// read that lost a race with another writer.
type blindAssets struct {
	database.Assets
}

func (blindAssets) SlugExists(context.Context, string) (bool, error) {
	return false, nil
}

func TestUploadService_ConcurrentSameName(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	gated := newBarrierAssets(env.assets, 2)
	services := []*UploadService{
		NewUploadService(env.sessions, gated, env.files, env.chunks, env.cfg, env.clock),
		NewUploadService(env.sessions, gated, env.files, env.chunks, env.cfg, env.clock),
	}

	contents := [][]byte{bytes.Repeat([]byte("A"), 4096), bytes.Repeat([]byte("B"), 4096)}
	ids := make([]string, len(contents))
	for i, c := range contents {
		ids[i] = env.initUpload(t, "intro.mp4", c, 1, "")
		env.stageChunk(t, ids[i], 0, c)
	}

	results := make([]*AssemblyResult, len(ids))
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, svc := range services {
		wg.Add(1)
		go func(i int, svc *UploadService) {
			defer wg.Done()
			results[i], errs[i] = svc.Complete(ctx, ids[i])
		}(i, svc)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Complete(%d): %v", i, err)
		}
	}
	slugs := map[string]bool{results[0].Slug: true, results[1].Slug: true}
	if !slugs["intro"] || !slugs["intro-1"] {
		t.Fatalf("expected slugs intro and intro-1, got %s and %s", results[0].Slug, results[1].Slug)
	}
	for i, res := range results {
		if res.Duplicate {
			t.Errorf("upload %d reported as duplicate", i)
		}
		if !bytes.Equal(env.readAsset(t, res.Slug), contents[i]) {
			t.Errorf("asset %s does not hold upload %d's bytes", res.Slug, i)
		}
	}

	names, _ := env.files.ListFiles()
	if len(names) != 2 {
		t.Errorf("expected two published files, got %v", names)
	}
	assets, _ := env.assets.List(ctx)
	if len(assets) != 2 {
		t.Errorf("expected two registered assets, got %d", len(assets))
	}
}

func TestUploadService_RegisteredSlugIsNotTakenOver(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	// Registered under another extension, so the file name itself is free.
	if err := env.assets.Upsert(ctx, &database.Asset{Slug: "intro", Filename: "intro.webm", Size: 3}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	env.uploads = NewUploadService(env.sessions, blindAssets{env.assets}, env.files, env.chunks, env.cfg, env.clock)

	content := testContent(500)
	id := env.initUpload(t, "intro.mp4", content, 1, "")
	res, err := env.uploads.PutChunk(ctx, id, 0, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if res.Assembly.Slug != "intro-1" {
		t.Errorf("expected intro-1, got %s", res.Assembly.Slug)
	}

	a, err := env.assets.GetBySlug(ctx, "intro")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if a.Filename != "intro.webm" {
		t.Errorf("registered asset changed: %+v", a)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.AssetsPath, "intro.mp4")); !os.IsNotExist(err) {
		t.Errorf("expected the losing file to be removed, stat err = %v", err)
	}
}

func TestUploadService_UnregisteredFileIsKept(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	stray := filepath.Join(env.cfg.AssetsPath, "stray.mp4")
	if err := os.WriteFile(stray, []byte("unregistered"), 0644); err != nil {
		t.Fatalf("failed to write stray file: %v", err)
	}

	content := testContent(200)
	id := env.initUpload(t, "stray.mp4", content, 1, "")
	res, err := env.uploads.PutChunk(ctx, id, 0, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("PutChunk: %v", err)
	}
	if res.Assembly.Slug != "stray-1" {
		t.Errorf("expected stray-1, got %s", res.Assembly.Slug)
	}
	data, _ := os.ReadFile(stray)
	if string(data) != "unregistered" {
		t.Errorf("unregistered file was overwritten: %q", data)
	}
}

func TestUploadService_Replace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.publish(t, "intro", []byte("old cut"))

	content := testContent(2048)
	id := env.initUpload(t, "intro-v2.webm", content, 2, "intro")
	parts := splitChunks(content, 2)
	for i, part := range parts {
		if _, err := env.uploads.PutChunk(ctx, id, i, bytes.NewReader(part)); err != nil {
			t.Fatalf("PutChunk(%d): %v", i, err)
		}
	}

	asset, err := env.assets.GetBySlug(ctx, "intro")
	if err != nil {
		t.Fatalf("GetBySlug: %v", err)
	}
	if asset.Filename != "intro.webm" || asset.ContentType != "video/webm" {
		t.Errorf("unexpected replacement asset: %+v", asset)
	}
	if !bytes.Equal(env.readAsset(t, "intro"), content) {
		t.Error("replacement content differs")
	}

	names, _ := env.files.ListFiles()
	if len(names) != 1 || names[0] != "intro.webm" {
		t.Errorf("expected only intro.webm on disk, got %v", names)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.AssetsPath, "intro.mp4.bak")); !os.IsNotExist(err) {
		t.Errorf("expected no backup left behind, got %v", err)
	}
}

func TestUploadService_SizeMismatchReleasesClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id := env.initUpload(t, "short.mp4", testContent(100), 2, "")

	env.stageChunk(t, id, 0, testContent(30))
	env.stageChunk(t, id, 1, testContent(30))

	if _, err := env.uploads.Complete(ctx, id); !errors.Is(err, ErrAssemblyFailed) {
		t.Fatalf("expected ErrAssemblyFailed, got %v", err)
	}

	sess, _ := env.sessions.Get(ctx, id)
	if sess.Status != database.SessionOpen {
		t.Errorf("expected claim released, got %s", sess.Status)
	}
	entries, _ := os.ReadDir(env.cfg.AssetsPath)
	if len(entries) != 0 {
		t.Errorf("expected no files left in assets dir, got %d", len(entries))
	}
}

func TestUploadService_ChunkErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	id := env.initUpload(t, "errors.mp4", testContent(4<<20), 4, "")

	tests := []struct {
		name     string
		uploadID string
		index    int
		body     []byte
		wantErr  error
	}{
		{"oversize chunk", id, 0, make([]byte, env.cfg.MaxChunkSize+1), ErrFileTooLarge},
		{"negative index", id, -1, []byte("x"), ErrInvalidUpload},
		{"index past end", id, 4, []byte("x"), ErrInvalidUpload},
		{"unknown upload", "00000000-0000-0000-0000-000000000000", 0, []byte("x"), ErrUploadNotFound},
		{"malformed upload id", "../../etc", 0, []byte("x"), ErrUploadNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.uploads.PutChunk(ctx, tt.uploadID, tt.index, bytes.NewReader(tt.body))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if env.chunks.Has(id, 0) {
		t.Error("oversize chunk should not be stored")
	}
}

func TestUploadService_Abandon(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	content := testContent(200)
	id := env.initUpload(t, "gone.mp4", content, 2, "")
	env.stageChunk(t, id, 0, content[:100])

	if err := env.uploads.Abandon(ctx, id); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.ChunksPath, id)); !os.IsNotExist(err) {
		t.Errorf("expected chunk directory removed, got %v", err)
	}
	if _, err := env.uploads.PutChunk(ctx, id, 1, bytes.NewReader(content[100:])); !errors.Is(err, ErrUploadNotFound) {
		t.Errorf("expected ErrUploadNotFound, got %v", err)
	}
	if err := env.uploads.Abandon(ctx, id); !errors.Is(err, ErrUploadNotFound) {
		t.Errorf("expected ErrUploadNotFound on second abandon, got %v", err)
	}
}

func TestUploadService_SlugExhausted(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.publish(t, "busy", []byte("0"))
	for i := 1; i <= maxSlugSuffix; i++ {
		env.publish(t, fmt.Sprintf("busy-%d", i), []byte("0"))
	}

	content := testContent(10)
	id := env.initUpload(t, "busy.mp4", content, 1, "")
	if _, err := env.uploads.PutChunk(ctx, id, 0, bytes.NewReader(content)); !errors.Is(err, ErrSlugExhausted) {
		t.Errorf("expected ErrSlugExhausted, got %v", err)
	}
}
