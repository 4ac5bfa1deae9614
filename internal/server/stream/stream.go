// Package stream writes authorized media bytes to HTTP clients with range
// support and headers that discourage caching, framing and download.
package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRangeBuffer  = 8 << 10
	DefaultWindowBuffer = 1 << 20
)

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".ogg":  "video/ogg",
	".ogv":  "video/ogg",
	".mov":  "video/quicktime",
}

// ContentTypeFor maps a media file name to its MIME type.
func ContentTypeFor(filename string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Asset is a resolved, readable media file.
type Asset struct {
	Slug        string
	Path        string
	ContentType string
	Size        int64
	ModTime     time.Time
}

// ViewRecorder receives completed views.
type ViewRecorder interface {
	RecordView(principalID, slug string, bytesSent int64)
}

// Streamer copies asset bytes to a response.
type Streamer struct {
	rangeBuffer  int
	windowBuffer int
	views        ViewRecorder
}

// NewStreamer creates a streamer. Zero buffer sizes use the defaults; views
// may be nil.
func NewStreamer(rangeBuffer, windowBuffer int, views ViewRecorder) *Streamer {
	if rangeBuffer <= 0 {
		rangeBuffer = DefaultRangeBuffer
	}
	if windowBuffer <= 0 {
		windowBuffer = DefaultWindowBuffer
	}
	return &Streamer{rangeBuffer: rangeBuffer, windowBuffer: windowBuffer, views: views}
}

// Stream answers a Range or full-file request for asset.
func (s *Streamer) Stream(ctx context.Context, w http.ResponseWriter, method string, asset Asset, br ByteRange, principalID string) (int64, error) {
	return s.send(ctx, w, method, asset, br, principalID, s.rangeBuffer)
}

// StreamWindow answers a fixed-window request, using the larger window
// buffer.
func (s *Streamer) StreamWindow(ctx context.Context, w http.ResponseWriter, asset Asset, br ByteRange, principalID string) (int64, error) {
	return s.send(ctx, w, http.MethodGet, asset, br, principalID, s.windowBuffer)
}

func (s *Streamer) send(ctx context.Context, w http.ResponseWriter, method string, asset Asset, br ByteRange, principalID string, bufSize int) (int64, error) {
	f, err := os.Open(asset.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to open asset: %w", err)
	}
	defer f.Close()

	// The file may have been replaced since it was resolved; headers must
	// describe the bytes of the handle being sent.
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat asset: %w", err)
	}
	if size := info.Size(); size != asset.Size {
		if br.Partial {
			if br.Start >= size {
				return 0, &RangeError{Size: size}
			}
			br.End = min(br.End, size-1)
		} else {
			br = Full(size)
		}
		asset.Size = size
	}

	h := w.Header()
	SetPrivateHeaders(h, asset.ContentType, filepath.Ext(asset.Path))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(br.Length(), 10))

	status := http.StatusOK
	if br.Partial {
		status = http.StatusPartialContent
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.Start, br.End, asset.Size))
	}
	w.WriteHeader(status)

	if method == http.MethodHead {
		return 0, nil
	}

	var sent int64
	if br.Partial {
		sent, err = copyRange(ctx, w, f, br, bufSize)
	} else {
		// Whole-file sends go through io.CopyN so the server can use sendfile.
		sent, err = io.CopyN(w, f, br.Length())
	}
	if err != nil {
		slog.Warn("stream aborted",
			"slug", asset.Slug,
			"principal_id", principalID,
			"bytes_sent", sent,
			"error", err,
		)
		return sent, err
	}

	if s.views != nil {
		s.views.RecordView(principalID, asset.Slug, sent)
	}
	return sent, nil
}

// copyRange writes br from f in bufSize steps, stopping when ctx ends.
func copyRange(ctx context.Context, w io.Writer, f *os.File, br ByteRange, bufSize int) (int64, error) {
	if _, err := f.Seek(br.Start, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek: %w", err)
	}

	buf := make([]byte, bufSize)
	remaining := br.Length()
	var sent int64
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		n, err := f.Read(buf[:min(int64(len(buf)), remaining)])
		if n > 0 {
			written, werr := w.Write(buf[:n])
			sent += int64(written)
			remaining -= int64(written)
			if werr != nil {
				return sent, werr
			}
		}
		if err == io.EOF {
			if remaining > 0 {
				return sent, io.ErrUnexpectedEOF
			}
			break
		}
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// SetPrivateHeaders applies the no-store, no-frame, inline-only headers
// used on every media response.
func SetPrivateHeaders(h http.Header, contentType, ext string) {
	if ext == "" {
		ext = ".mp4"
	}
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "private, no-store, no-cache, must-revalidate, max-age=0")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Content-Disposition", `inline; filename="stream`+strings.ToLower(ext)+`"`)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "SAMEORIGIN")
	h.Set("Content-Security-Policy", "default-src 'self'; media-src 'self'; script-src 'self'; object-src 'none'; frame-ancestors 'self'")
	h.Set("X-Download-Options", "noopen")
	h.Set("Cross-Origin-Resource-Policy", "same-origin")
	h.Set("X-Permitted-Cross-Domain-Policies", "none")
}
