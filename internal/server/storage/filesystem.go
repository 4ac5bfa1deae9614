package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrNameTaken   = errors.New("file name already in use")
)

const (
	backupSuffix = ".bak"
	tempPrefix   = ".incoming-"
)

// AssetStore holds published media files in a single flat directory that
// must live outside any web root. Files are addressed by base name only.
type AssetStore struct {
	basePath string
}

// NewAssetStore creates a store rooted at basePath.
func NewAssetStore(basePath string) *AssetStore {
	return &AssetStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (s *AssetStore) EnsureDir() error {
	if err := os.MkdirAll(s.basePath, 0750); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", s.basePath, err)
	}
	return nil
}

// BasePath returns the root directory.
func (s *AssetStore) BasePath() string { return s.basePath }

// Path returns the absolute path for a stored file name.
func (s *AssetStore) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.basePath, name), nil
}

// Stat returns file info for name. A directory is reported as not existing.
func (s *AssetStore) Stat(name string) (os.FileInfo, error) {
	p, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return info, nil
}

// CreateTemp opens a hidden temporary file inside the store so that a
// later Publish is a same-filesystem rename.
func (s *AssetStore) CreateTemp() (*os.File, error) {
	f, err := os.CreateTemp(s.basePath, tempPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	return f, nil
}

// Backup keeps a copy of an existing file as name.bak by hard link, so name
// stays readable until Publish renames a new file over it. It reports
// false when there was nothing to back up.
func (s *AssetStore) Backup(name string) (bool, error) {
	p, err := s.Path(name)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p + backupSuffix); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to clear old backup of %s: %w", name, err)
	}
	if err := os.Link(p, p+backupSuffix); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to back up %s: %w", name, err)
	}
	// SweepStale ages backups from now, not from the file's last write.
	now := time.Now()
	os.Chtimes(p+backupSuffix, now, now)
	return true, nil
}

// Restore moves name.bak back over name.
func (s *AssetStore) Restore(name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Rename(p+backupSuffix, p); err != nil {
		return fmt.Errorf("failed to restore backup of %s: %w", name, err)
	}
	return nil
}

// DropBackup removes name.bak if present.
func (s *AssetStore) DropBackup(name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p + backupSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove backup of %s: %w", name, err)
	}
	return nil
}

// Publish renames a temp file created by CreateTemp to name.
func (s *AssetStore) Publish(tempPath, name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if filepath.Dir(tempPath) != filepath.Clean(s.basePath) {
		return fmt.Errorf("%w: temp file outside store", ErrInvalidName)
	}
	if err := os.Rename(tempPath, p); err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

// PublishNew links a temp file created by CreateTemp to name, failing with
// ErrNameTaken if name exists. The temp file stays; the caller removes it.
func (s *AssetStore) PublishNew(tempPath, name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if filepath.Dir(tempPath) != filepath.Clean(s.basePath) {
		return fmt.Errorf("%w: temp file outside store", ErrInvalidName)
	}
	if err := os.Link(tempPath, p); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", name, ErrNameTaken)
		}
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return nil
}

// Delete removes a stored file.
func (s *AssetStore) Delete(name string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file %s: %w", name, err)
	}
	return nil
}

// SweepStale removes temp files last modified before cutoff, left by
// assemblies that never finished. A stale backup is dropped when its file
// is in place and moved back otherwise. It returns how many entries it
// handled.
func (s *AssetStore) SweepStale(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", s.basePath, err)
	}

	handled := 0
	for _, e := range entries {
		name := e.Name()
		isTemp := strings.HasPrefix(name, tempPrefix)
		isBackup := strings.HasSuffix(name, backupSuffix)
		if !e.Type().IsRegular() || (!isTemp && !isBackup) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		p := filepath.Join(s.basePath, name)
		if isTemp {
			if err := os.Remove(p); err == nil {
				handled++
			}
			continue
		}

		original := strings.TrimSuffix(p, backupSuffix)
		if _, err := os.Stat(original); err == nil {
			err = os.Remove(p)
			if err == nil {
				handled++
			}
			continue
		}
		if err := os.Rename(p, original); err == nil {
			handled++
		}
	}
	return handled, nil
}

// ListFiles returns the names of published files, skipping hidden temp
// files, backups and directories.
func (s *AssetStore) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.basePath, err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, backupSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
