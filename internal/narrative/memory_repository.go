package narrative

import (
	"context"
	"sync"
)

// MemoryRepository is an in-process repository for tests and single-node
// use.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]NarrativeEntry
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]NarrativeEntry)}
}

// Get implements Repository.
func (r *MemoryRepository) Get(_ context.Context, userID string) (*NarrativeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

// Put implements Repository.
func (r *MemoryRepository) Put(_ context.Context, entry NarrativeEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.UserID] = entry
	return nil
}

// Delete implements Repository.
func (r *MemoryRepository) Delete(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, userID)
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
