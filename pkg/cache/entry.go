package cache

import (
	"net/http"
	"time"
)

// CacheEntry represents a cached forge response.
type CacheEntry struct {
	// Data is the response body
	Data []byte `json:"data"`

	// ETag for conditional requests (If-None-Match)
	ETag string `json:"etag"`

	// LastModified from the Last-Modified header, used when no ETag is sent
	LastModified time.Time `json:"last_modified"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers are the response headers, pagination links included
	Headers http.Header `json:"headers"`

	// CachedAt is when we cached this response
	CachedAt time.Time `json:"cached_at"`
}

// Age returns how long ago the entry was stored.
func (e *CacheEntry) Age() time.Duration {
	return time.Since(e.CachedAt)
}

// Revalidatable reports whether the entry carries a validator the forge can
// answer with 304.
func (e *CacheEntry) Revalidatable() bool {
	return e.ETag != "" || !e.LastModified.IsZero()
}
