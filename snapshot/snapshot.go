// Package snapshot serializes a cache's entry map for durable storage.
//
// A stored snapshot is a frame: magic bytes, a length-prefixed protobuf
// header and a JSON body that is zstd-compressed once it grows past
// CompressionThreshold. The header carries a BLAKE3 digest of the body so
// truncated or tampered state is detected on load.
package snapshot

import (
	"encoding/json"
	"time"
)

// Version is the current snapshot format version.
const Version = 1

// Snapshot is the full state of one cache.
type Snapshot struct {
	Version int              `json:"version"`
	SavedAt int64            `json:"saved_at"`
	Entries map[string]Entry `json:"entries"`
}

// Entry is one persisted cache entry. Times are Unix milliseconds.
type Entry struct {
	Data           json.RawMessage `json:"data"`
	CreatedAt      int64           `json:"created_at"`
	ExpiresAt      int64           `json:"expires_at"`
	AccessCount    int             `json:"access_count"`
	LastAccessedAt int64           `json:"last_accessed_at"`
}

// New returns an empty snapshot stamped with savedAt.
func New(savedAt time.Time) *Snapshot {
	return &Snapshot{
		Version: Version,
		SavedAt: Millis(savedAt),
		Entries: make(map[string]Entry),
	}
}

// Millis converts t to Unix milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts Unix milliseconds to a time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
