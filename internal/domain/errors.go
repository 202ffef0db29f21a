package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how a caller should react to them.
type ErrorKind string

const (
	// KindInvalidInput is a client error with no side effect.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindExternalService covers receipt, mailbox and custody outages. Retryable.
	KindExternalService ErrorKind = "external_service_failure"
	// KindVerificationMismatch means identifier, amount or time checks failed.
	KindVerificationMismatch ErrorKind = "verification_mismatch"
	// KindInsufficientFunds means the custody wallet cannot cover the payout yet.
	KindInsufficientFunds ErrorKind = "insufficient_funds"
	// KindStateConflict means the transaction is not in a state that allows the call.
	KindStateConflict ErrorKind = "transaction_state_conflict"
	// KindSettlementFailed means dispatch was attempted and rejected.
	KindSettlementFailed ErrorKind = "settlement_failed"
	// KindSystem is anything unexpected caught at the pipeline boundary.
	KindSystem ErrorKind = "system_error"
)

// String returns the string representation of ErrorKind.
func (k ErrorKind) String() string {
	return string(k)
}

// Error is a classified failure. Sentinel values carry Kind and Code only;
// At and Wrap derive copies with the pipeline step and underlying cause.
type Error struct {
	Kind ErrorKind
	Code string
	Step Step
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Step != "" {
		msg = fmt.Sprintf("%s: %s", e.Step, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Code, so derived copies satisfy
// errors.Is against their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// At returns a copy of e tagged with step.
func (e *Error) At(step Step) *Error {
	c := *e
	c.Step = step
	return &c
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

// Wrapf is Wrap with a formatted cause.
func (e *Error) Wrapf(format string, args ...any) *Error {
	return e.Wrap(fmt.Errorf(format, args...))
}

// Sentinel errors.
var (
	ErrMissingField         = &Error{Kind: KindInvalidInput, Code: "missing required field"}
	ErrInvalidAmount        = &Error{Kind: KindInvalidInput, Code: "invalid amount"}
	ErrBelowMinimumAmount   = &Error{Kind: KindInvalidInput, Code: "amount below minimum"}
	ErrUnsupportedCurrency  = &Error{Kind: KindInvalidInput, Code: "unsupported currency"}
	ErrInvalidWalletAddress = &Error{Kind: KindInvalidInput, Code: "invalid wallet address"}
	ErrInvalidPrice         = &Error{Kind: KindInvalidInput, Code: "invalid price"}
	ErrPriceOutOfRange      = &Error{Kind: KindInvalidInput, Code: "price deviates from market"}
	ErrInvalidFeeRule       = &Error{Kind: KindInvalidInput, Code: "invalid fee rule"}
	ErrOverlappingFeeRule   = &Error{Kind: KindInvalidInput, Code: "fee rule overlaps existing range"}
	ErrInvalidReceiptURL    = &Error{Kind: KindInvalidInput, Code: "invalid receipt url"}

	ErrIdentifierNotFound        = &Error{Kind: KindExternalService, Code: "identifier not found"}
	ErrReceiptVerificationFailed = &Error{Kind: KindExternalService, Code: "receipt verification failed"}
	ErrMailboxUnavailable        = &Error{Kind: KindExternalService, Code: "mailbox unavailable"}
	ErrCustodyUnavailable        = &Error{Kind: KindExternalService, Code: "custody service unavailable"}
	ErrPriceUnavailable          = &Error{Kind: KindExternalService, Code: "price unavailable"}

	ErrNoPaymentEmail    = &Error{Kind: KindVerificationMismatch, Code: "no matching payment email"}
	ErrPaymentMismatch   = &Error{Kind: KindVerificationMismatch, Code: "payment details mismatch"}
	ErrPaymentTooOld     = &Error{Kind: KindVerificationMismatch, Code: "payment too old"}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds, Code: "exchange temporarily low on funds"}
	ErrSettlementFailed  = &Error{Kind: KindSettlementFailed, Code: "settlement failed"}
	ErrSystem            = &Error{Kind: KindSystem, Code: "system error"}

	ErrTransactionNotPending       = &Error{Kind: KindStateConflict, Code: "transaction not pending or missing"}
	ErrTransactionAlreadyFinalized = &Error{Kind: KindStateConflict, Code: "transaction already finalized"}
	ErrTransactionNotVerified      = &Error{Kind: KindStateConflict, Code: "transaction not verified"}
	ErrVerificationInProgress      = &Error{Kind: KindStateConflict, Code: "verification already in progress"}
)

// KindOf returns the kind of the first *Error in err's chain.
// Unclassified errors are reported as KindSystem.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindSystem
}

// StepOf returns the step tag of the first *Error in err's chain that has one.
func StepOf(err error) Step {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return ""
		}
		if de.Step != "" {
			return de.Step
		}
		err = de.Err
	}
	return ""
}

// Reason returns the short client-facing description of err.
func Reason(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrSystem.Code
}
