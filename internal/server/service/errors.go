package service

import (
	"errors"
	"fmt"

	"vidvault/internal/server/stream"
)

// Access errors. Callers outside the service answer all of these with the
// same generic message.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidToken    = errors.New("invalid or expired access token")
	ErrForbidden       = errors.New("no entitlement for asset")
	ErrNotFound        = errors.New("asset not found")
	ErrRateLimited     = errors.New("rate limit exceeded")
)

// Upload errors.
var (
	ErrDisallowedType     = errors.New("file type not allowed")
	ErrInvalidUpload      = errors.New("invalid upload parameters")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrUploadNotFound     = errors.New("upload not found")
	ErrUploadClosed       = errors.New("upload already completed")
	ErrAssemblyInProgress = errors.New("upload is being assembled")
	ErrMissingChunk       = errors.New("missing chunk")
	ErrAssemblyFailed     = errors.New("assembly failed")
	ErrSlugExhausted      = errors.New("no free slug for file name")
	ErrStorageIO          = errors.New("storage error")
)

// Admin errors.
var (
	ErrAmbiguousRepair = errors.New("more than one file matches slug")
	ErrNothingToRepair = errors.New("asset is healthy")
	ErrInvalidRequest  = errors.New("invalid request")
)

// MissingChunkError names the first missing chunk index.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.Index)
}

func (e *MissingChunkError) Is(target error) bool {
	return target == ErrMissingChunk
}

// RangeError is an unsatisfiable range against an asset of Size bytes.
type RangeError = stream.RangeError
