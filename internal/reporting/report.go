package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

// Report is a ledger reconciliation snapshot.
type Report struct {
	GeneratedAt time.Time

	// Ledger-wide totals
	Summary LedgerSection

	// Rows for the requested statuses, sorted by status then created_at.
	Transactions []TransactionRow

	// Reconciliation findings over Transactions
	Integrity IntegritySection
}

// LedgerSection mirrors domain.LedgerSummary with stable ordering.
type LedgerSection struct {
	StatusCounts      []StatusCountRow
	CompletedUSD      decimal.Decimal
	CompletedByCrypto []CurrencyVolumeRow
	FeeRevenueUSD     decimal.Decimal // fees of completed rows in Transactions
}

// StatusCountRow is one status and its row count.
type StatusCountRow struct {
	Status string
	Count  int64
}

// CurrencyVolumeRow is the completed crypto volume of one currency.
type CurrencyVolumeRow struct {
	Currency string
	Amount   decimal.Decimal
}

// TransactionRow is one exported ledger row.
type TransactionRow struct {
	TransactionID      string
	UserID             string
	Status             string
	Currency           string
	AmountUSD          decimal.Decimal
	FeePercentage      decimal.Decimal
	FeeAmount          decimal.Decimal
	NetAmountUSD       decimal.Decimal
	ExchangeRate       decimal.Decimal
	AmountCrypto       decimal.Decimal
	WalletAddress      string
	VerificationMethod string
	SettlementRef      string
	FailureStep        string
	CreatedAt          time.Time
	CompletedAt        *time.Time
}

// IntegritySection lists rows that do not reconcile.
type IntegritySection struct {
	Errors        []string
	StaleVerified []string // verified rows older than the stale threshold
	AllPassed     bool
}
