// Package memorystore adapts vector databases to the memory store used by
// the context orchestrator.
//
// Every operation is scoped to the user bound to the context through
// identity.WithJobContext. A context without identity fails closed with
// identity.ErrMissingIdentity: no empty results, no cross-user reads.
package memorystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Store errors.
var (
	// ErrEmptyQuery is returned when a search query is blank.
	ErrEmptyQuery = errors.New("query cannot be empty")

	// ErrEmptyContent is returned when adding a blank memory.
	ErrEmptyContent = errors.New("memory content cannot be empty")

	// ErrInvalidLimit is returned for non-positive limits.
	ErrInvalidLimit = errors.New("limit must be positive")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the embedder returned an error.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Reserved metadata keys written by the stores.
const (
	metaUserID    = "user_id"
	metaClientID  = "client_id"
	metaCreatedAt = "created_at"
)

const maxQueryLength = 10000

// MemoryRecord is a single stored fact about a user. Records are read-only
// to consumers.
type MemoryRecord struct {
	ID        string
	Content   string
	Score     *float32
	CreatedAt time.Time
	Metadata  map[string]interface{}
}

// Store is the memory backend consumed by the orchestrator.
type Store interface {
	// Search returns up to limit records for the bound user ordered by
	// relevance. filters restricts by exact metadata match.
	Search(ctx context.Context, query string, limit int, filters map[string]string) ([]MemoryRecord, error)

	// GetAll returns up to limit of the bound user's records, newest first.
	GetAll(ctx context.Context, limit int) ([]MemoryRecord, error)

	// Add stores text for the bound user and returns the new record id.
	Add(ctx context.Context, text string, metadata map[string]interface{}) (string, error)
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

func validateSearch(query string, limit int) error {
	if query == "" {
		return ErrEmptyQuery
	}
	if len(query) > maxQueryLength {
		return fmt.Errorf("query exceeds maximum length of %d characters", maxQueryLength)
	}
	if limit <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, limit)
	}
	return nil
}

// sortNewestFirst orders records by CreatedAt descending, ties by id.
func sortNewestFirst(records []MemoryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

func parseCreatedAt(v interface{}) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
