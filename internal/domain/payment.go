package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptResult is what the receipt inspector extracted from a rendered page.
type ReceiptResult struct {
	Identifier string
	URL        string
}

// CandidateEmail is one parsed payment notification from the mailbox.
type CandidateEmail struct {
	MessageID          string
	Subject            string
	Amount             decimal.Decimal
	SenderName         string
	CounterpartyHandle string
	Identifier         string
	Timestamp          time.Time
	// Verified is set when Identifier equals the identifier the scan was asked for.
	Verified bool
}

// VerificationRequest is the client's claim that it paid for a transaction.
type VerificationRequest struct {
	TransactionID      string
	ReceiptURL         string
	ClaimedAmount      decimal.Decimal
	CounterpartyHandle string
}

// VerificationAttempt is the cross-verification evidence gathered for one
// request. It is never persisted as a row of its own.
type VerificationAttempt struct {
	ReceiptIdentifier  string
	MailboxIdentifier  string
	ClaimedAmount      decimal.Decimal
	EmailAmount        decimal.Decimal
	CounterpartyHandle string
	EmailTimestamp     time.Time
}

// Dispatch is the custody service's acknowledgement of a payout.
type Dispatch struct {
	Reference string
	Status    string
}

// SettlementResult is the outcome of verify-and-settle returned to the caller.
type SettlementResult struct {
	TransactionID string
	Success       bool
	Status        Status
	SettlementRef string
	Step          Step
	Reason        string
	// Retryable is set when the row stayed verified and settlement may be retried.
	Retryable bool
}

// VerificationEvent is an append-only record of one pipeline step outcome.
type VerificationEvent struct {
	EventID       string
	TransactionID string
	Step          Step
	Outcome       string // "ok" or an ErrorKind
	Detail        string
	DurationMs    int64
	OccurredAt    time.Time
}

// Event outcomes besides error kinds.
const (
	OutcomeOK = "ok"
)

// StatusChange is published whenever a transaction changes status.
type StatusChange struct {
	TransactionID string
	UserID        string
	Status        Status
	SettlementRef string
	Step          Step
	Reason        string
	At            time.Time
}
