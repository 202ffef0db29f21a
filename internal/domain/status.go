package domain

// Status is the lifecycle state of an exchange transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// String returns the string representation of Status.
func (s Status) String() string {
	return string(s)
}

// IsValid checks if the status is a valid value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
//
//	pending  -> verified | completed (admin) | failed
//	verified -> completed | failed
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusVerified || to == StatusCompleted || to == StatusFailed
	case StatusVerified:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Step identifies a stage of the verification pipeline.
type Step string

const (
	StepTransactionLookup Step = "transaction_lookup"
	StepWebVerification   Step = "web_verification"
	StepEmailVerification Step = "email_verification"
	StepCrossVerification Step = "cross_verification"
	StepTimeVerification  Step = "time_verification"
	StepStateTransition   Step = "state_transition"
	StepBalanceCheck      Step = "balance_check"
	StepSettlement        Step = "settlement"
	StepAdminConfirmation Step = "admin_confirmation"
	StepUnexpected        Step = "unexpected"
)

// String returns the string representation of Step.
func (s Step) String() string {
	return string(s)
}

// VerificationMethod records how a transaction reached completion.
type VerificationMethod string

const (
	MethodDualChannel VerificationMethod = "receipt_and_email"
	MethodAdmin       VerificationMethod = "admin_override"
)
