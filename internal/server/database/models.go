package database

import "time"

// Session statuses. A session moves open -> assembling -> completed, and
// back to open if assembly fails.
const (
	SessionOpen       = "open"
	SessionAssembling = "assembling"
	SessionCompleted  = "completed"
)

// Asset is a published media file registered under a slug.
type Asset struct {
	Slug        string
	Filename    string // base name inside the assets directory
	Size        int64
	ContentType string
	ContentHash string // BLAKE3, hex
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UploadSession tracks one chunked upload from init to completion.
type UploadSession struct {
	ID               string
	OriginalFilename string
	TotalChunks      int
	TotalSize        int64
	ReplaceSlug      string
	ReceivedChunks   []int32
	Status           string
	ResultSlug       string
	ResultFilename   string
	ResultSize       int64
	ResultHash       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasChunk reports whether index has been recorded as received.
func (s *UploadSession) HasChunk(index int) bool {
	for _, i := range s.ReceivedChunks {
		if int(i) == index {
			return true
		}
	}
	return false
}

// AccessEvent is one access-log row.
type AccessEvent struct {
	Kind        string
	PrincipalID string
	Slug        string
	Outcome     string
	IP          string
	UserAgent   string
	BytesSent   int64
	At          time.Time
}

// ViewStats aggregates successful views.
type ViewStats struct {
	Slug          string
	TotalViews    int64
	UniqueViewers int64
	BytesSent     int64
	LastViewed    *time.Time
}

// Entitlement grants a principal access to a slug.
type Entitlement struct {
	PrincipalID string
	Slug        string
	Status      string
	ExpiresAt   *time.Time // nil never expires
	CreatedAt   time.Time
}
