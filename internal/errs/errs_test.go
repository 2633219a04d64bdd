package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelsMatchByKind(t *testing.T) {
	err := NotFound("case %s not found", "abc")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "case abc not found", Message(err))
}

func TestWrappedErrorsKeepKind(t *testing.T) {
	err := fmt.Errorf("report: %w", LeaseExpired("lease on %s expired", "c1"))

	assert.ErrorIs(t, err, ErrLeaseExpired)
	assert.Equal(t, KindLeaseExpired, KindOf(err))
	assert.False(t, Retryable(err))
}

func TestInternalUnwrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal(cause, "save case")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrInternal)
	assert.True(t, Retryable(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestForeignErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.True(t, Retryable(err))
}

func TestIdempotencyConflictRetryability(t *testing.T) {
	mismatch := IdempotencyConflict("different body")
	inFlight := IdempotencyInProgress("k1")

	assert.ErrorIs(t, mismatch, ErrIdempotencyConflict)
	assert.ErrorIs(t, inFlight, ErrIdempotencyConflict)
	assert.False(t, Retryable(mismatch))
	assert.True(t, Retryable(inFlight))
}
