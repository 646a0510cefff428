package service

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"account-security/internal/hashing"
)

func TestAccountLockedErrorMatchesSentinel(t *testing.T) {
	until := time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC)
	err := fmt.Errorf("login: %w", &AccountLockedError{Until: until})

	assert.ErrorIs(t, err, ErrAccountLocked)

	var locked *AccountLockedError
	if assert.ErrorAs(t, err, &locked) {
		assert.Equal(t, until, locked.Until)
	}
	assert.Contains(t, err.Error(), "2025-03-01T12:15:00Z")
}

func TestInternalErrorIsOpaque(t *testing.T) {
	cause := errors.New("connection refused")
	err := internalError("find account", cause)

	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsExpected(err))
	assert.Equal(t, CodeInternal, Code(err))
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidInput, CodeValidation},
		{ErrDuplicateEmail, CodeDuplicateEmail},
		{ErrDuplicateUsername, CodeDuplicateUsername},
		{ErrInvalidCredentials, CodeInvalidCredentials},
		{&AccountLockedError{}, CodeAccountLocked},
		{ErrAccountNotActivated, CodeNotActivated},
		{ErrAccountNotFound, CodeNotFound},
		{ErrNotRegistered, CodeNotFound},
		{ErrNoActiveOtp, CodeNoActiveOtp},
		{ErrOtpMismatch, CodeOtpMismatch},
		{fmt.Errorf("hash: %w", hashing.ErrDecoding), CodeDecoding},
		{errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "%v", tt.err)
	}
}

func TestIsExpected(t *testing.T) {
	assert.True(t, IsExpected(ErrNoActiveOtp))
	assert.True(t, IsExpected(&AccountLockedError{}))
	assert.False(t, IsExpected(nil))
	assert.False(t, IsExpected(errors.New("boom")))
}
