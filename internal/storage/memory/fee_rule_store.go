package memory

import (
	"context"
	"sort"
	"sync"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

// FeeRuleStore is an in-memory implementation of storage.FeeRuleStore.
type FeeRuleStore struct {
	mu     sync.RWMutex
	data   map[int64]*domain.FeeRule
	nextID int64
}

// NewFeeRuleStore creates a new in-memory fee rule store.
func NewFeeRuleStore() *FeeRuleStore {
	return &FeeRuleStore{
		data:   make(map[int64]*domain.FeeRule),
		nextID: 1,
	}
}

// Compile-time interface check.
var _ storage.FeeRuleStore = (*FeeRuleStore)(nil)

// Insert adds a rule and assigns its ID. Returns ErrOverlappingRule on intersection.
func (s *FeeRuleStore) Insert(_ context.Context, rule *domain.FeeRule) error {
	if rule == nil || rule.Currency == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data {
		if existing.Currency == rule.Currency && existing.Overlaps(rule) {
			return storage.ErrOverlappingRule
		}
	}

	rule.ID = s.nextID
	s.nextID++
	ruleCopy := *rule
	s.data[rule.ID] = &ruleCopy
	return nil
}

// ListByCurrency retrieves a currency's rules ordered by range start ASC.
func (s *FeeRuleStore) ListByCurrency(_ context.Context, currency domain.CurrencyCode) ([]*domain.FeeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FeeRule
	for _, r := range s.data {
		if r.Currency == currency {
			ruleCopy := *r
			result = append(result, &ruleCopy)
		}
	}
	sortRules(result)
	return result, nil
}

// ListAll retrieves all rules ordered by currency, range start.
func (s *FeeRuleStore) ListAll(_ context.Context) ([]*domain.FeeRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.FeeRule, 0, len(s.data))
	for _, r := range s.data {
		ruleCopy := *r
		result = append(result, &ruleCopy)
	}
	sortRules(result)
	return result, nil
}

// Delete removes a rule. Returns ErrNotFound if not exists.
func (s *FeeRuleStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[id]; !exists {
		return storage.ErrNotFound
	}
	delete(s.data, id)
	return nil
}

func sortRules(rules []*domain.FeeRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Currency != rules[j].Currency {
			return rules[i].Currency < rules[j].Currency
		}
		return rules[i].Start.LessThan(rules[j].Start)
	})
}
