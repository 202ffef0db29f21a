package memory

import (
	"context"
	"sync"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

// AdminLogStore is an in-memory implementation of storage.AdminLogStore.
type AdminLogStore struct {
	mu      sync.RWMutex
	entries []domain.AdminAction
}

// NewAdminLogStore creates a new in-memory admin log store.
func NewAdminLogStore() *AdminLogStore {
	return &AdminLogStore{}
}

// Compile-time interface check.
var _ storage.AdminLogStore = (*AdminLogStore)(nil)

// Insert appends an audit entry.
func (s *AdminLogStore) Insert(_ context.Context, a *domain.AdminAction) error {
	if a == nil || a.Action == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *a)
	return nil
}

// ListRecent retrieves the newest entries first.
func (s *AdminLogStore) ListRecent(_ context.Context, limit int) ([]*domain.AdminAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.AdminAction, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		entryCopy := s.entries[i]
		result = append(result, &entryCopy)
	}
	return truncate(result, limit), nil
}
