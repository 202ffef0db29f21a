package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesDerivedCopies(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := ErrMailboxUnavailable.Wrap(cause).At(StepEmailVerification)

	assert.ErrorIs(t, err, ErrMailboxUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrReceiptVerificationFailed)
	assert.Equal(t, "email_verification: mailbox unavailable: dial tcp: timeout", err.Error())

	// Sentinel itself is not mutated.
	assert.Nil(t, ErrMailboxUnavailable.Err)
	assert.Empty(t, ErrMailboxUnavailable.Step)
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("verify: %w", ErrInsufficientFunds.At(StepBalanceCheck))

	assert.Equal(t, KindInsufficientFunds, KindOf(wrapped))
	assert.Equal(t, KindSystem, KindOf(errors.New("boom")))
	assert.Equal(t, KindSettlementFailed, KindOf(ErrSettlementFailed.Wrap(ErrCustodyUnavailable)))
}

func TestStepOf(t *testing.T) {
	inner := ErrIdentifierNotFound.At(StepWebVerification)
	outer := ErrReceiptVerificationFailed.Wrap(inner)

	assert.Equal(t, StepWebVerification, StepOf(outer))
	assert.Equal(t, Step(""), StepOf(errors.New("plain")))
	assert.Equal(t, "receipt verification failed", Reason(outer))
	assert.Equal(t, "system error", Reason(errors.New("plain")))
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusVerified, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusVerified, StatusCompleted, true},
		{StatusVerified, StatusFailed, true},
		{StatusVerified, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusCompleted, StatusCompleted, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusVerified.IsTerminal())
	assert.False(t, Status("settled").IsValid())
}
