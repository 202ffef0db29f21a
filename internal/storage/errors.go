package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when attempting to insert a record
	// with a key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStatusConflict is returned when a conditional status update finds
	// the row in a different status than expected.
	ErrStatusConflict = errors.New("status conflict")

	// ErrSettlementClaimed is returned when another caller already holds
	// the settlement claim on a verified row.
	ErrSettlementClaimed = errors.New("settlement already claimed")

	// ErrOverlappingRule is returned when a fee rule range intersects an
	// existing rule for the same currency.
	ErrOverlappingRule = errors.New("overlapping fee rule")
)
