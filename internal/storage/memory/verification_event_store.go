package memory

import (
	"context"
	"sort"
	"sync"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

// VerificationEventStore is an in-memory implementation of storage.VerificationEventStore.
type VerificationEventStore struct {
	mu   sync.RWMutex
	data map[string]*domain.VerificationEvent // keyed by event_id
}

// NewVerificationEventStore creates a new in-memory verification event store.
func NewVerificationEventStore() *VerificationEventStore {
	return &VerificationEventStore{
		data: make(map[string]*domain.VerificationEvent),
	}
}

// Compile-time interface check.
var _ storage.VerificationEventStore = (*VerificationEventStore)(nil)

// InsertBulk adds events atomically. Fails entire batch on any duplicate.
func (s *VerificationEventStore) InsertBulk(_ context.Context, events []*domain.VerificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.EventID == "" {
			return storage.ErrInvalidInput
		}
		if _, exists := s.data[e.EventID]; exists {
			return storage.ErrDuplicateKey
		}
		if _, dup := seen[e.EventID]; dup {
			return storage.ErrDuplicateKey
		}
		seen[e.EventID] = struct{}{}
	}

	for _, e := range events {
		eventCopy := *e
		s.data[e.EventID] = &eventCopy
	}
	return nil
}

// GetByTransactionID retrieves a transaction's events ordered by occurred_at ASC.
func (s *VerificationEventStore) GetByTransactionID(_ context.Context, transactionID string) ([]*domain.VerificationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.VerificationEvent
	for _, e := range s.data {
		if e.TransactionID == transactionID {
			eventCopy := *e
			result = append(result, &eventCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return result[i].EventID < result[j].EventID
		}
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}
