package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"vidvault/internal/clock"
	"vidvault/internal/server/config"
	"vidvault/internal/server/database"
	"vidvault/internal/server/storage"

	"github.com/google/uuid"
)

// allowedExtensions are the media types accepted for upload.
var allowedExtensions = map[string]bool{
	".mp4": true, ".m4v": true, ".webm": true,
	".mov": true, ".ogv": true, ".ogg": true,
}

// InitRequest opens a chunked upload.
type InitRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"total_chunks"`
	TotalSize   int64  `json:"total_size"`
	ReplaceSlug string `json:"replace_slug,omitempty"`
}

// InitResult is returned when an upload session is created.
type InitResult struct {
	UploadID     string    `json:"upload_id"`
	Filename     string    `json:"filename"`
	TotalChunks  int       `json:"total_chunks"`
	MaxChunkSize int64     `json:"max_chunk_size"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ChunkResult acknowledges one chunk. Assembly is set when the chunk
// completed the upload.
type ChunkResult struct {
	UploadID    string          `json:"upload_id"`
	Index       int             `json:"index"`
	Bytes       int64           `json:"bytes"`
	Received    int             `json:"received"`
	TotalChunks int             `json:"total_chunks"`
	Assembly    *AssemblyResult `json:"assembly,omitempty"`
}

// AssemblyResult describes a published asset.
type AssemblyResult struct {
	UploadID    string `json:"upload_id"`
	Filename    string `json:"filename"`
	Slug        string `json:"slug"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
	Duplicate   bool   `json:"duplicate"`
}

// UploadService accepts chunked uploads and assembles them into assets.
type UploadService struct {
	sessions  database.Sessions
	assets    database.Assets
	files     *storage.AssetStore
	chunks    *storage.ChunkStore
	cfg       *config.Config
	clock     clock.Clock
	locks     *keyedMutex // per upload id
	slugLocks *keyedMutex // per replaced slug
}

// NewUploadService creates a new upload service.
func NewUploadService(sessions database.Sessions, assets database.Assets, files *storage.AssetStore, chunks *storage.ChunkStore, cfg *config.Config, clk clock.Clock) *UploadService {
	if clk == nil {
		clk = clock.Real()
	}
	return &UploadService{
		sessions:  sessions,
		assets:    assets,
		files:     files,
		chunks:    chunks,
		cfg:       cfg,
		clock:     clk,
		locks:     newKeyedMutex(),
		slugLocks: newKeyedMutex(),
	}
}

// Init validates the declared file and opens an upload session.
func (s *UploadService) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	filename := sanitizeFilename(req.Filename)
	if !allowedExtensions[strings.ToLower(filepath.Ext(filename))] {
		return nil, ErrDisallowedType
	}
	if req.TotalChunks <= 0 || req.TotalChunks > s.cfg.MaxChunks || req.TotalSize <= 0 {
		return nil, ErrInvalidUpload
	}
	if req.TotalSize > s.cfg.MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if int64(req.TotalChunks) > req.TotalSize {
		return nil, ErrInvalidUpload
	}
	if req.ReplaceSlug != "" {
		if _, err := s.assets.GetBySlug(ctx, req.ReplaceSlug); err != nil {
			if errors.Is(err, database.ErrAssetNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to look up replaced asset: %w", err)
		}
	}

	now := s.clock.Now().UTC()
	sess := &database.UploadSession{
		ID:               uuid.NewString(),
		OriginalFilename: filename,
		TotalChunks:      req.TotalChunks,
		TotalSize:        req.TotalSize,
		ReplaceSlug:      req.ReplaceSlug,
		CreatedAt:        now,
	}

	if err := s.chunks.Prepare(sess.ID); err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		s.chunks.RemoveUpload(sess.ID)
		return nil, fmt.Errorf("failed to create upload session: %w", err)
	}

	slog.Info("upload session opened",
		"upload_id", sess.ID,
		"filename", filename,
		"total_chunks", req.TotalChunks,
		"total_size", req.TotalSize,
		"replace_slug", req.ReplaceSlug,
	)

	return &InitResult{
		UploadID:     sess.ID,
		Filename:     filename,
		TotalChunks:  req.TotalChunks,
		MaxChunkSize: s.cfg.MaxChunkSize,
		ExpiresAt:    now.Add(s.cfg.SessionTTL),
	}, nil
}

// PutChunk stores chunk index of an upload. Re-sending a chunk replaces it.
// When the chunk leaves no index missing, the upload is assembled before
// PutChunk returns.
func (s *UploadService) PutChunk(ctx context.Context, uploadID string, index int, body io.Reader) (*ChunkResult, error) {
	unlock := s.locks.Lock(uploadID)
	defer unlock()

	sess, err := s.openSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= sess.TotalChunks {
		return nil, fmt.Errorf("%w: chunk index %d out of range [0,%d)", ErrInvalidUpload, index, sess.TotalChunks)
	}

	n, err := s.chunks.Write(uploadID, index, body, s.cfg.MaxChunkSize)
	if err != nil {
		if errors.Is(err, storage.ErrChunkTooLarge) {
			return nil, ErrFileTooLarge
		}
		slog.Error("failed to store chunk", "upload_id", uploadID, "index", index, "error", err)
		return nil, errors.Join(ErrStorageIO, err)
	}
	if err := s.sessions.MarkChunk(ctx, uploadID, index); err != nil {
		return nil, fmt.Errorf("failed to record chunk: %w", err)
	}
	if !sess.HasChunk(index) {
		sess.ReceivedChunks = append(sess.ReceivedChunks, int32(index))
	}

	res := &ChunkResult{
		UploadID:    uploadID,
		Index:       index,
		Bytes:       n,
		Received:    len(sess.ReceivedChunks),
		TotalChunks: sess.TotalChunks,
	}

	if res.Received == sess.TotalChunks {
		assembly, err := s.completeLocked(ctx, uploadID)
		if err != nil {
			return nil, err
		}
		res.Assembly = assembly
	}
	return res, nil
}

// Complete assembles an upload. Calling it again after success returns the
// same result with Duplicate set.
func (s *UploadService) Complete(ctx context.Context, uploadID string) (*AssemblyResult, error) {
	unlock := s.locks.Lock(uploadID)
	defer unlock()
	return s.completeLocked(ctx, uploadID)
}

// Abandon discards an unfinished upload and its chunks.
func (s *UploadService) Abandon(ctx context.Context, uploadID string) error {
	unlock := s.locks.Lock(uploadID)
	defer unlock()

	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return ErrUploadNotFound
		}
		return err
	}
	if sess.Status == database.SessionAssembling {
		return ErrAssemblyInProgress
	}

	if err := s.chunks.RemoveUpload(uploadID); err != nil {
		slog.Error("failed to remove chunks", "upload_id", uploadID, "error", err)
	}
	if err := s.sessions.Delete(ctx, uploadID); err != nil && !errors.Is(err, database.ErrSessionNotFound) {
		return fmt.Errorf("failed to delete upload session: %w", err)
	}

	slog.Info("upload abandoned", "upload_id", uploadID, "filename", sess.OriginalFilename)
	return nil
}

func (s *UploadService) openSession(ctx context.Context, uploadID string) (*database.UploadSession, error) {
	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, ErrUploadNotFound
		}
		return nil, err
	}
	switch sess.Status {
	case database.SessionAssembling:
		return nil, ErrAssemblyInProgress
	case database.SessionCompleted:
		return nil, ErrUploadClosed
	}
	return sess, nil
}

// sanitizeFilename strips directory components and limits length.
func sanitizeFilename(name string) string {
	// Normalize Windows-style backslashes to forward slashes before
	// calling filepath.Base, which is platform-specific.
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))

	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:255-len(ext)] + ext
	}
	if name == "" || name == "." || name == "/" {
		return ""
	}
	return name
}
