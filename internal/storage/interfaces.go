package storage

import (
	"context"
	"time"

	"cashbridge/internal/domain"
)

// TransactionStore provides access to the exchange ledger.
//
// Every state-changing method is a conditional update on the current status.
// A row that is not in the expected status yields ErrStatusConflict; a missing
// row yields ErrNotFound. Completion credits the user's totals in the same
// database transaction as the status change.
type TransactionStore interface {
	// Insert adds a new pending transaction. Returns ErrDuplicateKey if transaction_id exists.
	Insert(ctx context.Context, tx *domain.ExchangeTransaction) error

	// GetByID retrieves a transaction by its ID. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, transactionID string) (*domain.ExchangeTransaction, error)

	// ListByUser retrieves a user's transactions, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.ExchangeTransaction, error)

	// ListByStatus retrieves transactions in a status, oldest first.
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.ExchangeTransaction, error)

	// MarkVerified moves pending -> verified and takes the settlement claim.
	MarkVerified(ctx context.Context, transactionID, receiptIdentifier string, method domain.VerificationMethod, at time.Time) error

	// ClaimSettlement takes the settlement claim on a verified row.
	// Returns ErrSettlementClaimed if another caller holds it.
	ClaimSettlement(ctx context.Context, transactionID string) error

	// ReleaseSettlement drops the settlement claim so the row can be retried.
	ReleaseSettlement(ctx context.Context, transactionID string) error

	// MarkCompleted moves verified -> completed, stores the settlement
	// reference and credits the user's totals.
	MarkCompleted(ctx context.Context, transactionID, settlementRef string, at time.Time) error

	// AdminConfirm moves pending -> completed and credits the user's totals.
	AdminConfirm(ctx context.Context, transactionID string, at time.Time) error

	// MarkFailed moves from (pending or verified) -> failed with a step tag.
	MarkFailed(ctx context.Context, transactionID string, from domain.Status, step domain.Step, detail string, at time.Time) error

	// GetUserStats returns aggregate totals. Unknown users get zero totals.
	GetUserStats(ctx context.Context, userID string) (*domain.UserStats, error)

	// Summary returns ledger-wide counts and completed volume.
	Summary(ctx context.Context) (*domain.LedgerSummary, error)
}

// FeeRuleStore provides access to fee_rules storage.
type FeeRuleStore interface {
	// Insert adds a rule and assigns its ID. Returns ErrOverlappingRule if the
	// range intersects an existing rule of the same currency.
	Insert(ctx context.Context, rule *domain.FeeRule) error

	// ListByCurrency retrieves a currency's rules ordered by range start ASC.
	ListByCurrency(ctx context.Context, currency domain.CurrencyCode) ([]*domain.FeeRule, error)

	// ListAll retrieves all rules ordered by currency, range start.
	ListAll(ctx context.Context) ([]*domain.FeeRule, error)

	// Delete removes a rule. Returns ErrNotFound if not exists.
	Delete(ctx context.Context, id int64) error
}

// VerificationEventStore provides access to the append-only verification_events log.
type VerificationEventStore interface {
	// InsertBulk adds events. Fails entire batch on duplicate event_id.
	InsertBulk(ctx context.Context, events []*domain.VerificationEvent) error

	// GetByTransactionID retrieves a transaction's events ordered by occurred_at ASC.
	GetByTransactionID(ctx context.Context, transactionID string) ([]*domain.VerificationEvent, error)
}

// AdminLogStore provides access to admin_logs storage.
type AdminLogStore interface {
	// Insert appends an audit entry.
	Insert(ctx context.Context, a *domain.AdminAction) error

	// ListRecent retrieves the newest entries first.
	ListRecent(ctx context.Context, limit int) ([]*domain.AdminAction, error)
}
