// Package cache holds anonymized Canvas responses with TTL expiry, ETag
// revalidation, single-flight fetches and family invalidation.
//
// Entries only ever contain payloads that already went through the
// anonymization filter; nothing in this package sees raw upstream data.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by stores for a missing key.
var ErrNotFound = errors.New("cache entry not found")

// Entry is a cached, anonymized response. Entries handed out by the cache are
// shared between callers and must be treated as read-only.
type Entry struct {
	ETag      string        `json:"etag,omitempty"`
	FetchedAt time.Time     `json:"fetched_at"`
	TTL       time.Duration `json:"ttl"`
	// Scope names the privacy mode and salt the body was produced under.
	Scope string          `json:"scope,omitempty"`
	Body  json.RawMessage `json:"body"`
}

// Fresh reports whether the entry may be served without contacting upstream.
// A zero or negative TTL is never fresh.
func (e *Entry) Fresh(now time.Time) bool {
	if e == nil || e.TTL <= 0 {
		return false
	}
	return now.Sub(e.FetchedAt) < e.TTL
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key, fresh or not, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Entry, error)
	// Set stores entry under key, replacing any previous entry.
	Set(ctx context.Context, key Key, entry *Entry) error
	// DeleteFamily removes every entry whose path is family or lies below it.
	DeleteFamily(ctx context.Context, family string) error
}

// FetchFunc loads a fresh entry from upstream. stale is the expired entry for
// the same key, if any, so the fetch can revalidate with its ETag.
type FetchFunc func(ctx context.Context, stale *Entry) (*Entry, error)
