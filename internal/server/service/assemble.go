package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"vidvault/internal/server/database"
	"vidvault/internal/server/storage"
	"vidvault/internal/server/stream"

	"github.com/zeebo/blake3"
)

const (
	maxSlugSuffix = 99
	maxSlugBase   = 100
	copyBufSize   = 1 << 20
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases name, collapses non-alphanumeric runs to one hyphen
// and trims hyphens from both ends.
func slugify(name string) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugBase {
		s = strings.TrimRight(s[:maxSlugBase], "-")
	}
	if s == "" {
		s = "video"
	}
	return s
}

// completeLocked must be called with the upload's lock held.
func (s *UploadService) completeLocked(ctx context.Context, uploadID string) (*AssemblyResult, error) {
	sess, err := s.sessions.Get(ctx, uploadID)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, ErrUploadNotFound
		}
		return nil, err
	}
	if sess.Status == database.SessionCompleted {
		return completedResult(sess), nil
	}

	if err := s.sessions.Claim(ctx, uploadID); err != nil {
		if !errors.Is(err, database.ErrSessionNotOpen) {
			return nil, fmt.Errorf("failed to claim upload: %w", err)
		}
		// Lost the race to another process; report what it did.
		current, getErr := s.sessions.Get(ctx, uploadID)
		if getErr == nil && current.Status == database.SessionCompleted {
			return completedResult(current), nil
		}
		return nil, ErrAssemblyInProgress
	}

	result, err := s.assemble(ctx, sess)
	if err != nil {
		if relErr := s.sessions.Release(ctx, uploadID); relErr != nil {
			slog.Error("failed to release upload claim", "upload_id", uploadID, "error", relErr)
		}
		slog.Warn("upload assembly failed", "upload_id", uploadID, "error", err)
		return nil, err
	}
	return result, nil
}

func completedResult(sess *database.UploadSession) *AssemblyResult {
	return &AssemblyResult{
		UploadID:    sess.ID,
		Filename:    sess.ResultFilename,
		Slug:        sess.ResultSlug,
		Size:        sess.ResultSize,
		ContentHash: sess.ResultHash,
		Duplicate:   true,
	}
}

// assemble concatenates the chunks into a temp file, publishes it and
// registers it. A new upload takes the first free slug derived from its
// filename; a replacement keeps the previous file as a backup until the new
// one is registered.
func (s *UploadService) assemble(ctx context.Context, sess *database.UploadSession) (*AssemblyResult, error) {
	for i := 0; i < sess.TotalChunks; i++ {
		if !sess.HasChunk(i) || !s.chunks.Has(sess.ID, i) {
			return nil, &MissingChunkError{Index: i}
		}
	}

	var existing *database.Asset
	if sess.ReplaceSlug != "" {
		a, err := s.assets.GetBySlug(ctx, sess.ReplaceSlug)
		if err != nil {
			if errors.Is(err, database.ErrAssetNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		existing = a
	}

	tmp, err := s.files.CreateTemp()
	if err != nil {
		return nil, errors.Join(ErrStorageIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, hash, err := s.concatenate(ctx, sess, tmp)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	if size != sess.TotalSize {
		return nil, fmt.Errorf("%w: assembled %d bytes, declared %d", ErrAssemblyFailed, size, sess.TotalSize)
	}

	ext := strings.ToLower(filepath.Ext(sess.OriginalFilename))
	asset := &database.Asset{
		Size:        size,
		ContentHash: hash,
	}
	if existing != nil {
		err = s.publishReplacement(ctx, tmpPath, existing, ext, asset)
	} else {
		base := slugify(strings.TrimSuffix(sess.OriginalFilename, filepath.Ext(sess.OriginalFilename)))
		err = s.publishNew(ctx, tmpPath, base, ext, asset)
	}
	if err != nil {
		return nil, err
	}

	result := &database.UploadSession{
		ResultSlug:     asset.Slug,
		ResultFilename: asset.Filename,
		ResultSize:     size,
		ResultHash:     hash,
	}
	if err := s.sessions.MarkCompleted(ctx, sess.ID, result); err != nil {
		// The asset is live; only the session bookkeeping is behind.
		slog.Error("failed to mark upload completed", "upload_id", sess.ID, "error", err)
	}
	if err := s.chunks.RemoveUpload(sess.ID); err != nil {
		slog.Warn("failed to remove chunks", "upload_id", sess.ID, "error", err)
	}

	slog.Info("upload assembled",
		"upload_id", sess.ID,
		"slug", asset.Slug,
		"filename", asset.Filename,
		"size", size,
		"content_hash", hash,
		"replaced", existing != nil,
	)

	return &AssemblyResult{
		UploadID:    sess.ID,
		Filename:    asset.Filename,
		Slug:        asset.Slug,
		Size:        size,
		ContentHash: hash,
	}, nil
}

// publishNew claims the first free slug derived from base. The file is
// linked in only when its name is unused and the slug is registered
// insert-only, so concurrent uploads of one name end up on distinct slugs
// and never displace a published asset.
func (s *UploadService) publishNew(ctx context.Context, tmpPath, base, ext string, asset *database.Asset) error {
	for i := 0; i <= maxSlugSuffix; i++ {
		candidate := base
		if i > 0 {
			candidate = base + "-" + strconv.Itoa(i)
		}
		taken, err := s.assets.SlugExists(ctx, candidate)
		if err != nil {
			return fmt.Errorf("failed to check slug: %w", err)
		}
		if taken {
			continue
		}

		filename := candidate + ext
		if err := s.files.PublishNew(tmpPath, filename); err != nil {
			// Includes unregistered files left under the same name.
			if errors.Is(err, storage.ErrNameTaken) {
				continue
			}
			return errors.Join(ErrAssemblyFailed, err)
		}

		asset.Slug = candidate
		asset.Filename = filename
		asset.ContentType = stream.ContentTypeFor(filename)
		err = s.assets.Create(ctx, asset)
		if err == nil {
			return nil
		}
		// The file under filename is the one just linked.
		if delErr := s.files.Delete(filename); delErr != nil {
			slog.Error("failed to remove unregistered file", "filename", filename, "error", delErr)
		}
		if !errors.Is(err, database.ErrSlugTaken) {
			return errors.Join(ErrAssemblyFailed, err)
		}
	}
	return ErrSlugExhausted
}

// publishReplacement swaps the file registered under existing.Slug for the
// temp file. Replacements of one slug are serialized.
func (s *UploadService) publishReplacement(ctx context.Context, tmpPath string, existing *database.Asset, ext string, asset *database.Asset) error {
	unlock := s.slugLocks.Lock(existing.Slug)
	defer unlock()

	current, err := s.assets.GetBySlug(ctx, existing.Slug)
	if err != nil {
		if errors.Is(err, database.ErrAssetNotFound) {
			return ErrNotFound
		}
		return err
	}
	previous := current.Filename
	filename := existing.Slug + ext

	backedUp, err := s.files.Backup(filename)
	if err != nil {
		return errors.Join(ErrAssemblyFailed, err)
	}
	rollback := func() {
		if backedUp {
			if err := s.files.Restore(filename); err != nil {
				slog.Error("failed to restore backup", "filename", filename, "error", err)
			}
		} else {
			s.files.Delete(filename)
		}
	}

	if err := s.files.Publish(tmpPath, filename); err != nil {
		rollback()
		return errors.Join(ErrAssemblyFailed, err)
	}

	asset.Slug = existing.Slug
	asset.Filename = filename
	asset.ContentType = stream.ContentTypeFor(filename)
	if err := s.assets.Upsert(ctx, asset); err != nil {
		rollback()
		return errors.Join(ErrAssemblyFailed, err)
	}

	if err := s.files.DropBackup(filename); err != nil {
		slog.Warn("failed to remove backup", "filename", filename, "error", err)
	}
	if previous != filename {
		if err := s.files.Delete(previous); err != nil {
			slog.Warn("failed to remove replaced file", "filename", previous, "error", err)
		}
	}
	return nil
}

// concatenate copies chunks in index order into dst with a bounded buffer
// and returns the byte count and BLAKE3 digest.
func (s *UploadService) concatenate(ctx context.Context, sess *database.UploadSession, dst *os.File) (int64, string, error) {
	hasher := blake3.New()
	w := io.MultiWriter(dst, hasher)
	buf := make([]byte, copyBufSize)

	var total int64
	for i := 0; i < sess.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return 0, "", err
		}
		f, err := s.chunks.Open(sess.ID, i)
		if err != nil {
			if os.IsNotExist(err) {
				return 0, "", &MissingChunkError{Index: i}
			}
			return 0, "", errors.Join(ErrAssemblyFailed, err)
		}
		n, err := io.CopyBuffer(w, struct{ io.Reader }{f}, buf)
		f.Close()
		if err != nil {
			return 0, "", fmt.Errorf("%w: chunk %d: %v", ErrAssemblyFailed, i, err)
		}
		total += n
		if total > sess.TotalSize {
			return 0, "", fmt.Errorf("%w: chunks exceed declared size", ErrAssemblyFailed)
		}
	}

	if err := dst.Sync(); err != nil {
		return 0, "", errors.Join(ErrAssemblyFailed, err)
	}
	return total, hex.EncodeToString(hasher.Sum(nil)), nil
}
