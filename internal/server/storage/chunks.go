package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidUploadID = errors.New("invalid upload id")
	ErrChunkTooLarge   = errors.New("chunk exceeds maximum size")
)

// ChunkStore keeps in-flight upload chunks at {base}/{upload_id}/{index}.part.
// Its directory is scratch space and is never served.
type ChunkStore struct {
	basePath string
}

func NewChunkStore(basePath string) *ChunkStore {
	return &ChunkStore{basePath: basePath}
}

func (s *ChunkStore) EnsureDir() error {
	if err := os.MkdirAll(s.basePath, 0750); err != nil {
		return fmt.Errorf("failed to create chunk directory %s: %w", s.basePath, err)
	}
	return nil
}

func (s *ChunkStore) dir(uploadID string) (string, error) {
	id, err := uuid.Parse(uploadID)
	if err != nil {
		return "", ErrInvalidUploadID
	}
	return filepath.Join(s.basePath, id.String()), nil
}

func (s *ChunkStore) chunkPath(uploadID string, index int) (string, error) {
	dir, err := s.dir(uploadID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, strconv.Itoa(index)+".part"), nil
}

// Prepare creates the chunk directory for an upload.
func (s *ChunkStore) Prepare(uploadID string) error {
	dir, err := s.dir(uploadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}
	return nil
}

// Write stores one chunk, reading at most limit bytes from r. The chunk is
// written to a temp file and renamed into place, so a retried chunk
// replaces the previous copy whole.
func (s *ChunkStore) Write(uploadID string, index int, r io.Reader, limit int64) (int64, error) {
	dst, err := s.chunkPath(uploadID, index)
	if err != nil {
		return 0, err
	}
	if err := s.Prepare(uploadID); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".chunk-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create chunk file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, limit+1))
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write chunk: %w", err)
	}
	if n > limit {
		tmp.Close()
		return 0, ErrChunkTooLarge
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close chunk file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("failed to store chunk: %w", err)
	}
	return n, nil
}

// Has reports whether the chunk file exists.
func (s *ChunkStore) Has(uploadID string, index int) bool {
	p, err := s.chunkPath(uploadID, index)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Open opens a chunk for reading.
func (s *ChunkStore) Open(uploadID string, index int) (*os.File, error) {
	p, err := s.chunkPath(uploadID, index)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// RemoveUpload deletes every chunk of an upload.
func (s *ChunkStore) RemoveUpload(uploadID string) error {
	dir, err := s.dir(uploadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove chunks of %s: %w", uploadID, err)
	}
	return nil
}

// UploadDir describes one upload directory on disk.
type UploadDir struct {
	ID      string
	ModTime time.Time
}

// ListUploads returns the upload directories present on disk. Entries that
// are not upload ids are ignored.
func (s *ChunkStore) ListUploads() ([]UploadDir, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.basePath, err)
	}

	var dirs []UploadDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, UploadDir{ID: e.Name(), ModTime: info.ModTime()})
	}
	return dirs, nil
}
