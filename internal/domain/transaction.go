package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CryptoPrecision is the number of decimal places kept for crypto amounts.
const CryptoPrecision int32 = 8

// ExchangeTransaction is one fiat-to-crypto conversion request and its outcome.
// Amounts are frozen at creation; only lifecycle fields change afterwards.
type ExchangeTransaction struct {
	TransactionID string
	UserID        string

	AmountUSD     decimal.Decimal // gross fiat amount the user pays
	ExchangeRate  decimal.Decimal // USD price per coin at submission
	FeePercentage decimal.Decimal
	FeeAmount     decimal.Decimal // AmountUSD * FeePercentage / 100
	NetAmountUSD  decimal.Decimal // AmountUSD - FeeAmount
	AmountCrypto  decimal.Decimal // NetAmountUSD / ExchangeRate, 8 dp
	Currency      CurrencyCode
	WalletAddress string

	Status             Status
	ReceiptIdentifier  string
	VerificationMethod VerificationMethod
	SettlementRef      string
	FailureStep        Step
	ErrorDetail        string

	CreatedAt   time.Time
	VerifiedAt  *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy.
func (t *ExchangeTransaction) Clone() *ExchangeTransaction {
	c := *t
	if t.VerifiedAt != nil {
		v := *t.VerifiedAt
		c.VerifiedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// FeeRule is a price-range-scoped fee percentage for one currency.
// The range is half-open: Start <= amount < End.
type FeeRule struct {
	ID            int64
	Currency      CurrencyCode
	Start         decimal.Decimal
	End           decimal.Decimal
	FeePercentage decimal.Decimal
	CreatedAt     time.Time
}

// Contains reports whether amount falls in [Start, End).
func (r *FeeRule) Contains(amount decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(r.Start) && amount.LessThan(r.End)
}

// Overlaps reports whether the two half-open ranges intersect.
func (r *FeeRule) Overlaps(other *FeeRule) bool {
	return r.Start.LessThan(other.End) && other.Start.LessThan(r.End)
}

// Validate checks band bounds and percentage.
func (r *FeeRule) Validate() error {
	if r.Start.IsNegative() {
		return ErrInvalidFeeRule.Wrapf("range start %s is negative", r.Start)
	}
	if !r.Start.LessThan(r.End) {
		return ErrInvalidFeeRule.Wrapf("range start %s must be below end %s", r.Start, r.End)
	}
	if r.FeePercentage.IsNegative() || r.FeePercentage.GreaterThan(decimal.NewFromInt(100)) {
		return ErrInvalidFeeRule.Wrapf("fee percentage %s outside [0, 100]", r.FeePercentage)
	}
	return nil
}

// UserStats is the per-user aggregate maintained on completion.
type UserStats struct {
	UserID         string
	TotalExchanged decimal.Decimal
	ByCurrency     []CurrencyStats
}

// CurrencyStats is the per-user, per-currency aggregate.
type CurrencyStats struct {
	Currency          CurrencyCode
	TransactionCount  int64
	TotalAmountUSD    decimal.Decimal
	TotalAmountCrypto decimal.Decimal
}

// LedgerSummary is the admin view of the ledger.
type LedgerSummary struct {
	CountByStatus     map[Status]int64
	CompletedUSD      decimal.Decimal
	CompletedByCrypto map[CurrencyCode]decimal.Decimal
}

// AdminAction is an audit entry for privileged changes.
type AdminAction struct {
	AdminID   string
	Action    string
	Target    string
	Detail    string
	CreatedAt time.Time
}
