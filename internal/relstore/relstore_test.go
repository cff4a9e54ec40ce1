package relstore

import (
	"errors"
	"testing"
)

type fakeSQLStateErr string

func (e fakeSQLStateErr) Error() string    { return string(e) }
func (e fakeSQLStateErr) SQLState() string { return string(e) }

func TestIsRetryable_SerializationFailure(t *testing.T) {
	if !isRetryable(fakeSQLStateErr(pgSerializationFailure)) {
		t.Error("40001 should be retryable")
	}
}

func TestIsRetryable_DeadlockDetected(t *testing.T) {
	if !isRetryable(fakeSQLStateErr(pgDeadlockDetected)) {
		t.Error("40P01 should be retryable")
	}
}

func TestIsRetryable_OtherCodeIsNotRetryable(t *testing.T) {
	if isRetryable(fakeSQLStateErr("23505")) {
		t.Error("a unique-violation code should not be retryable")
	}
}

func TestIsRetryable_NonSQLStateErrorIsNotRetryable(t *testing.T) {
	if isRetryable(errors.New("connection reset")) {
		t.Error("an error without SQLState() should not be retryable")
	}
}
