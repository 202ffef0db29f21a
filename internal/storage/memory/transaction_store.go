package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cashbridge/internal/domain"
	"cashbridge/internal/storage"
)

type txRecord struct {
	tx      *domain.ExchangeTransaction
	claimed bool
}

// TransactionStore is an in-memory implementation of storage.TransactionStore.
type TransactionStore struct {
	mu     sync.RWMutex
	data   map[string]*txRecord // keyed by transaction_id
	totals map[string]decimal.Decimal
	stats  map[string]map[domain.CurrencyCode]*domain.CurrencyStats
}

// NewTransactionStore creates a new in-memory transaction store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		data:   make(map[string]*txRecord),
		totals: make(map[string]decimal.Decimal),
		stats:  make(map[string]map[domain.CurrencyCode]*domain.CurrencyStats),
	}
}

// Compile-time interface check.
var _ storage.TransactionStore = (*TransactionStore)(nil)

// Insert adds a new pending transaction. Returns ErrDuplicateKey if transaction_id exists.
func (s *TransactionStore) Insert(_ context.Context, tx *domain.ExchangeTransaction) error {
	if tx == nil || tx.TransactionID == "" || tx.UserID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[tx.TransactionID]; exists {
		return storage.ErrDuplicateKey
	}

	s.data[tx.TransactionID] = &txRecord{tx: tx.Clone()}
	return nil
}

// GetByID retrieves a transaction by its ID. Returns ErrNotFound if not exists.
func (s *TransactionStore) GetByID(_ context.Context, transactionID string) (*domain.ExchangeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.data[transactionID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return rec.tx.Clone(), nil
}

// ListByUser retrieves a user's transactions, newest first.
func (s *TransactionStore) ListByUser(_ context.Context, userID string, limit int) ([]*domain.ExchangeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ExchangeTransaction
	for _, rec := range s.data {
		if rec.tx.UserID == userID {
			result = append(result, rec.tx.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].TransactionID > result[j].TransactionID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return truncate(result, limit), nil
}

// ListByStatus retrieves transactions in a status, oldest first.
func (s *TransactionStore) ListByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.ExchangeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ExchangeTransaction
	for _, rec := range s.data {
		if rec.tx.Status == status {
			result = append(result, rec.tx.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].TransactionID < result[j].TransactionID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return truncate(result, limit), nil
}

// MarkVerified moves pending -> verified and takes the settlement claim.
func (s *TransactionStore) MarkVerified(_ context.Context, transactionID, receiptIdentifier string, method domain.VerificationMethod, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.expect(transactionID, domain.StatusPending)
	if err != nil {
		return err
	}

	verifiedAt := at
	rec.tx.Status = domain.StatusVerified
	rec.tx.ReceiptIdentifier = receiptIdentifier
	rec.tx.VerificationMethod = method
	rec.tx.VerifiedAt = &verifiedAt
	rec.tx.UpdatedAt = at
	rec.claimed = true
	return nil
}

// ClaimSettlement takes the settlement claim on a verified row.
func (s *TransactionStore) ClaimSettlement(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.expect(transactionID, domain.StatusVerified)
	if err != nil {
		return err
	}
	if rec.claimed {
		return storage.ErrSettlementClaimed
	}
	rec.claimed = true
	return nil
}

// ReleaseSettlement drops the settlement claim so the row can be retried.
func (s *TransactionStore) ReleaseSettlement(_ context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.expect(transactionID, domain.StatusVerified)
	if err != nil {
		return err
	}
	rec.claimed = false
	return nil
}

// MarkCompleted moves verified -> completed and credits the user's totals.
func (s *TransactionStore) MarkCompleted(_ context.Context, transactionID, settlementRef string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.expect(transactionID, domain.StatusVerified)
	if err != nil {
		return err
	}

	s.complete(rec, at)
	rec.tx.SettlementRef = settlementRef
	return nil
}

// AdminConfirm moves pending -> completed and credits the user's totals.
func (s *TransactionStore) AdminConfirm(_ context.Context, transactionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.expect(transactionID, domain.StatusPending)
	if err != nil {
		return err
	}

	s.complete(rec, at)
	rec.tx.VerificationMethod = domain.MethodAdmin
	return nil
}

// MarkFailed moves from -> failed with a step tag.
func (s *TransactionStore) MarkFailed(_ context.Context, transactionID string, from domain.Status, step domain.Step, detail string, at time.Time) error {
	if !domain.CanTransition(from, domain.StatusFailed) {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.expect(transactionID, from)
	if err != nil {
		return err
	}

	rec.tx.Status = domain.StatusFailed
	rec.tx.FailureStep = step
	rec.tx.ErrorDetail = detail
	rec.tx.UpdatedAt = at
	rec.claimed = false
	return nil
}

// GetUserStats returns aggregate totals. Unknown users get zero totals.
func (s *TransactionStore) GetUserStats(_ context.Context, userID string) (*domain.UserStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &domain.UserStats{UserID: userID, TotalExchanged: s.totals[userID]}
	for _, cs := range s.stats[userID] {
		out.ByCurrency = append(out.ByCurrency, *cs)
	}
	sort.Slice(out.ByCurrency, func(i, j int) bool {
		return out.ByCurrency[i].Currency < out.ByCurrency[j].Currency
	})
	return out, nil
}

// Summary returns ledger-wide counts and completed volume.
func (s *TransactionStore) Summary(_ context.Context) (*domain.LedgerSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := &domain.LedgerSummary{
		CountByStatus:     make(map[domain.Status]int64),
		CompletedByCrypto: make(map[domain.CurrencyCode]decimal.Decimal),
	}
	for _, rec := range s.data {
		out.CountByStatus[rec.tx.Status]++
		if rec.tx.Status == domain.StatusCompleted {
			out.CompletedUSD = out.CompletedUSD.Add(rec.tx.AmountUSD)
			out.CompletedByCrypto[rec.tx.Currency] = out.CompletedByCrypto[rec.tx.Currency].Add(rec.tx.AmountCrypto)
		}
	}
	return out, nil
}

// expect returns the record if it is in status want. Caller holds s.mu.
func (s *TransactionStore) expect(transactionID string, want domain.Status) (*txRecord, error) {
	rec, exists := s.data[transactionID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	if rec.tx.Status != want {
		return nil, storage.ErrStatusConflict
	}
	return rec, nil
}

// complete sets completed fields and credits totals. Caller holds s.mu.
func (s *TransactionStore) complete(rec *txRecord, at time.Time) {
	completedAt := at
	rec.tx.Status = domain.StatusCompleted
	rec.tx.CompletedAt = &completedAt
	rec.tx.UpdatedAt = at
	rec.claimed = false

	userID := rec.tx.UserID
	s.totals[userID] = s.totals[userID].Add(rec.tx.AmountUSD)

	byCurrency, ok := s.stats[userID]
	if !ok {
		byCurrency = make(map[domain.CurrencyCode]*domain.CurrencyStats)
		s.stats[userID] = byCurrency
	}
	cs, ok := byCurrency[rec.tx.Currency]
	if !ok {
		cs = &domain.CurrencyStats{Currency: rec.tx.Currency}
		byCurrency[rec.tx.Currency] = cs
	}
	cs.TransactionCount++
	cs.TotalAmountUSD = cs.TotalAmountUSD.Add(rec.tx.AmountUSD)
	cs.TotalAmountCrypto = cs.TotalAmountCrypto.Add(rec.tx.AmountCrypto)
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
