package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer implements the upload endpoints in memory.
type fakeServer struct {
	mu          sync.Mutex
	token       string
	totalChunks int
	totalSize   int64
	filename    string
	replace     string
	chunks      map[int][]byte
	failures    map[int]int // chunk index -> remaining 500s
	rejectChunk int         // answer this index with 400; -1 disables
	attempts    map[int]int
	abandoned   bool
	completed   bool
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{
		token:       "jwt-token",
		chunks:      make(map[int][]byte),
		failures:    make(map[int]int),
		attempts:    make(map[int]int),
		rejectChunk: -1,
	}
	srv := httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(srv.Close)
	return fs, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+fs.token {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "access denied"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/uploads":
		var req initRequest
		json.NewDecoder(r.Body).Decode(&req)
		fs.totalChunks, fs.totalSize, fs.filename, fs.replace = req.TotalChunks, req.TotalSize, req.Filename, req.ReplaceSlug
		writeJSON(w, http.StatusCreated, map[string]any{"upload_id": "up-1", "max_chunk_size": 16 << 20})

	case r.Method == http.MethodPut && len(parts) == 5 && parts[3] == "chunks":
		index, _ := strconv.Atoi(parts[4])
		fs.attempts[index]++
		if index == fs.rejectChunk {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid upload parameters"})
			return
		}
		if fs.failures[index] > 0 {
			fs.failures[index]--
			io.Copy(io.Discard, r.Body)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			return
		}
		data, _ := io.ReadAll(r.Body)
		fs.chunks[index] = data
		resp := map[string]any{"index": index, "received": len(fs.chunks)}
		if len(fs.chunks) == fs.totalChunks {
			fs.completed = true
			resp["assembly"] = fs.result(false)
		}
		writeJSON(w, http.StatusOK, resp)

	case r.Method == http.MethodPost && len(parts) == 4 && parts[3] == "complete":
		writeJSON(w, http.StatusOK, fs.result(fs.completed))

	case r.Method == http.MethodDelete && len(parts) == 3:
		fs.abandoned = true
		writeJSON(w, http.StatusOK, map[string]string{"message": "upload abandoned"})

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (fs *fakeServer) result(duplicate bool) Result {
	return Result{UploadID: "up-1", Filename: "clip.mp4", Slug: "clip", Size: fs.totalSize, Duplicate: duplicate}
}

func (fs *fakeServer) assembled() []byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	indexes := make([]int, 0, len(fs.chunks))
	for i := range fs.chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	var buf bytes.Buffer
	for _, i := range indexes {
		buf.Write(fs.chunks[i])
	}
	return buf.Bytes()
}

func (fs *fakeServer) attemptsFor(index int) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.attempts[index]
}

func (fs *fakeServer) wasAbandoned() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.abandoned
}

func writeMedia(t *testing.T, size int) ParsedPath {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 241)
	}
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return ParsedPath{FullPath: path, Name: "clip.mp4", Size: int64(size)}
}

func newTestUploader(srv *httptest.Server, progress func(Progress)) *Uploader {
	return NewUploader(Options{
		BaseURL:    srv.URL + "/",
		Token:      "jwt-token",
		RetryDelay: time.Millisecond,
		Tuner:      NewTuner(MinChunkSize),
		Progress:   progress,
	})
}

func TestUploader_Upload(t *testing.T) {
	fs, srv := newFakeServer(t)
	file := writeMedia(t, 2*MinChunkSize+500)

	var reports []Progress
	u := newTestUploader(srv, func(p Progress) { reports = append(reports, p) })

	res, err := u.Upload(context.Background(), file, "old-clip")
	require.NoError(t, err)
	assert.Equal(t, "clip", res.Slug)
	assert.False(t, res.Duplicate)

	fs.mu.Lock()
	assert.Equal(t, 3, fs.totalChunks)
	assert.Equal(t, file.Size, fs.totalSize)
	assert.Equal(t, "old-clip", fs.replace)
	fs.mu.Unlock()

	original, err := os.ReadFile(file.FullPath)
	require.NoError(t, err)
	assert.Equal(t, original, fs.assembled())

	require.Len(t, reports, 3)
	assert.Equal(t, file.Size, reports[2].Sent)
	assert.Equal(t, 3, reports[2].Chunks)
}

func TestUploader_RetriesTransientFailures(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.failures[1] = 2
	file := writeMedia(t, 2*MinChunkSize)

	res, err := newTestUploader(srv, nil).Upload(context.Background(), file, "")
	require.NoError(t, err)
	assert.Equal(t, "clip", res.Slug)
	assert.Equal(t, 3, fs.attemptsFor(1))

	original, _ := os.ReadFile(file.FullPath)
	assert.Equal(t, original, fs.assembled())
}

func TestUploader_GivesUpAndAbandons(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.failures[0] = 10
	file := writeMedia(t, 100)

	_, err := newTestUploader(srv, nil).Upload(context.Background(), file, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 4 attempts")
	assert.Equal(t, 4, fs.attemptsFor(0))
	assert.True(t, fs.wasAbandoned())
}

func TestUploader_ClientErrorsAreNotRetried(t *testing.T) {
	fs, srv := newFakeServer(t)
	fs.rejectChunk = 0
	file := writeMedia(t, 100)

	_, err := newTestUploader(srv, nil).Upload(context.Background(), file, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, 1, fs.attemptsFor(0))
	assert.True(t, fs.wasAbandoned())
}

func TestUploader_Unauthorized(t *testing.T) {
	_, srv := newFakeServer(t)
	u := NewUploader(Options{BaseURL: srv.URL, Token: "wrong"})

	_, err := u.Upload(context.Background(), writeMedia(t, 10), "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "access denied", apiErr.Message)
}

func TestAPIError(t *testing.T) {
	index := 4
	err := &APIError{Status: http.StatusConflict, Message: "missing chunk", Index: &index}
	assert.Equal(t, "server returned 409: missing chunk (chunk 4)", err.Error())
	assert.False(t, err.Temporary())
	assert.True(t, (&APIError{Status: http.StatusBadGateway}).Temporary())
	assert.True(t, (&APIError{Status: http.StatusTooManyRequests}).Temporary())
}
