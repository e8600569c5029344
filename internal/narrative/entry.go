// Package narrative caches a synthesised per-user narrative with an
// explicit freshness window.
//
// Entries are Fresh while their age is at most the TTL and Stale after.
// Stale entries are never served but also never deleted; they are replaced
// by the next successful refresh. A refresh runs as a background job and at
// most one refresh per user is in flight at a time.
package narrative

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by repositories when a user has no entry.
var ErrNotFound = errors.New("narrative not found")

// NarrativeEntry is the single live narrative of a user.
type NarrativeEntry struct {
	UserID      string    `json:"user_id"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FreshnessState describes an entry relative to the TTL.
type FreshnessState string

const (
	Fresh  FreshnessState = "fresh"
	Stale  FreshnessState = "stale"
	Absent FreshnessState = "absent"
)

// Repository persists one entry per user. Put replaces the existing entry
// atomically; concurrent Puts for a user resolve last-writer-wins.
type Repository interface {
	Get(ctx context.Context, userID string) (*NarrativeEntry, error)
	Put(ctx context.Context, entry NarrativeEntry) error
	Delete(ctx context.Context, userID string) error
}

// NewRepository returns a Postgres repository when databaseURL is set,
// otherwise an in-memory one.
func NewRepository(ctx context.Context, databaseURL string) (Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryRepository(), nil
	}
	return NewPostgresRepository(ctx, databaseURL)
}
