package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultRetries    = 3
	DefaultRetryDelay = time.Second
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
	Index   *int // set when the server reports a missing chunk
}

func (e *APIError) Error() string {
	if e.Index != nil {
		return fmt.Sprintf("server returned %d: %s (chunk %d)", e.Status, e.Message, *e.Index)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// Result describes an asset the server published.
type Result struct {
	UploadID    string `json:"upload_id"`
	Filename    string `json:"filename"`
	Slug        string `json:"slug"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
	Duplicate   bool   `json:"duplicate"`
}

// Progress is reported after every stored chunk.
type Progress struct {
	Filename  string
	Chunk     int
	Chunks    int
	Sent      int64
	Total     int64
	ChunkSize int64
}

// Options configures an Uploader.
type Options struct {
	BaseURL    string
	Token      string // principal JWT
	HTTPClient *http.Client
	Retries    int           // attempts per chunk after the first; 0 selects DefaultRetries
	RetryDelay time.Duration // wait before a retry; 0 selects DefaultRetryDelay
	Tuner      *Tuner
	Progress   func(Progress)
}

// Uploader sends files with the server's init, chunk, complete protocol.
type Uploader struct {
	opts Options
}

func NewUploader(opts Options) *Uploader {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Tuner == nil {
		opts.Tuner = NewTuner(0)
	}
	return &Uploader{opts: opts}
}

type initRequest struct {
	Filename    string `json:"filename"`
	TotalChunks int    `json:"total_chunks"`
	TotalSize   int64  `json:"total_size"`
	ReplaceSlug string `json:"replace_slug,omitempty"`
}

type initResponse struct {
	UploadID     string `json:"upload_id"`
	MaxChunkSize int64  `json:"max_chunk_size"`
}

type chunkResponse struct {
	Received int     `json:"received"`
	Assembly *Result `json:"assembly"`
}

// Upload sends one file. When replaceSlug is set the file replaces that
// asset. An upload that cannot finish is abandoned on the server.
func (u *Uploader) Upload(ctx context.Context, file ParsedPath, replaceSlug string) (*Result, error) {
	f, err := os.Open(file.FullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", file.FullPath, err)
	}
	defer f.Close()

	chunkSize := u.opts.Tuner.ChunkSize()
	chunks := PlanChunks(file.Size, chunkSize)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%s is empty", file.Name)
	}

	var session initResponse
	err = u.call(ctx, http.MethodPost, "/api/uploads", initRequest{
		Filename:    file.Name,
		TotalChunks: len(chunks),
		TotalSize:   file.Size,
		ReplaceSlug: replaceSlug,
	}, &session)
	if err != nil {
		return nil, fmt.Errorf("failed to start upload: %w", err)
	}
	if session.MaxChunkSize > 0 && chunkSize > session.MaxChunkSize {
		u.abandon(session.UploadID)
		return nil, fmt.Errorf("chunk size %d exceeds server limit %d", chunkSize, session.MaxChunkSize)
	}

	result, err := u.sendChunks(ctx, f, file, session.UploadID, chunks, chunkSize)
	if err != nil {
		u.abandon(session.UploadID)
		return nil, err
	}
	return result, nil
}

func (u *Uploader) sendChunks(ctx context.Context, f *os.File, file ParsedPath, uploadID string, chunks []Chunk, chunkSize int64) (*Result, error) {
	var sent int64
	for _, c := range chunks {
		resp, err := u.putChunk(ctx, f, uploadID, c)
		if err != nil {
			return nil, fmt.Errorf("chunk %d/%d: %w", c.Index+1, len(chunks), err)
		}
		sent += c.Length
		if u.opts.Progress != nil {
			u.opts.Progress(Progress{
				Filename:  file.Name,
				Chunk:     c.Index + 1,
				Chunks:    len(chunks),
				Sent:      sent,
				Total:     file.Size,
				ChunkSize: chunkSize,
			})
		}
		if resp.Assembly != nil {
			return resp.Assembly, nil
		}
	}

	var result Result
	if err := u.call(ctx, http.MethodPost, "/api/uploads/"+uploadID+"/complete", nil, &result); err != nil {
		return nil, fmt.Errorf("failed to complete upload: %w", err)
	}
	return &result, nil
}

// putChunk sends one chunk, retrying transient failures.
func (u *Uploader) putChunk(ctx context.Context, f *os.File, uploadID string, c Chunk) (*chunkResponse, error) {
	path := "/api/uploads/" + uploadID + "/chunks/" + strconv.Itoa(c.Index)

	var lastErr error
	for attempt := 0; attempt <= u.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(u.opts.RetryDelay):
			}
		}

		start := time.Now()
		var resp chunkResponse
		err := u.send(ctx, http.MethodPut, path, io.NewSectionReader(f, c.Offset, c.Length), "application/octet-stream", &resp)
		if err == nil {
			u.opts.Tuner.Observe(time.Since(start))
			return &resp, nil
		}

		lastErr = err
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		u.opts.Tuner.Failed()
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", u.opts.Retries+1, lastErr)
}

func (u *Uploader) abandon(uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	u.call(ctx, http.MethodDelete, "/api/uploads/"+uploadID, nil, nil)
}

// call sends a JSON request body (or none) and decodes a JSON response.
func (u *Uploader) call(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
		contentType = "application/json"
	}
	return u.send(ctx, method, path, r, contentType, out)
}

func (u *Uploader) send(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u.opts.BaseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if u.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.opts.Token)
	}

	resp, err := u.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
			Index *int   `json:"index"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: payload.Error, Index: payload.Index}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
