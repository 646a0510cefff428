package service

import (
	"errors"
	"fmt"
	"time"

	"account-security/internal/hashing"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrDuplicateEmail      = errors.New("email already registered")
	ErrDuplicateUsername   = errors.New("username already taken")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrAccountLocked       = errors.New("account locked")
	ErrAccountNotActivated = errors.New("account not activated")
	ErrAccountNotFound     = errors.New("account not found")
	ErrNotRegistered       = errors.New("email not registered")
	ErrNoActiveOtp         = errors.New("no active otp")
	ErrOtpMismatch         = errors.New("otp does not match")
	// ErrDecoding aliases the hasher's sentinel so callers need only this package.
	ErrDecoding = hashing.ErrDecoding
	ErrInternal = errors.New("internal error")
)

// AccountLockedError carries the time the lock lapses.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// InternalError wraps unexpected failures (store outages, entropy failures).
// Its message is for logs only.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func (e *InternalError) Is(target error) bool {
	return target == ErrInternal
}

func internalError(op string, err error) error {
	return &InternalError{Op: op, Err: err}
}

// Stable error codes surfaced to callers.
const (
	CodeValidation         = "ERR-1000-001"
	CodeInternal           = "ERR-1000-002"
	CodeNotActivated       = "ERR-1000-003"
	CodeNotFound           = "ERR-1000-004"
	CodeInvalidCredentials = "ERR-1000-005"
	CodeAccountLocked      = "ERR-1000-006"
	CodeDuplicateEmail     = "ERR-1000-007"
	CodeDuplicateUsername  = "ERR-1000-008"
	CodeNoActiveOtp        = "ERR-1000-009"
	CodeOtpMismatch        = "ERR-1000-010"
	CodeDecoding           = "ERR-1000-011"
	CodeUnknown            = "ERR-1000-999"
)

var codeBySentinel = []struct {
	err  error
	code string
}{
	{ErrInvalidInput, CodeValidation},
	{ErrDuplicateEmail, CodeDuplicateEmail},
	{ErrDuplicateUsername, CodeDuplicateUsername},
	{ErrInvalidCredentials, CodeInvalidCredentials},
	{ErrAccountLocked, CodeAccountLocked},
	{ErrAccountNotActivated, CodeNotActivated},
	{ErrAccountNotFound, CodeNotFound},
	{ErrNotRegistered, CodeNotFound},
	{ErrNoActiveOtp, CodeNoActiveOtp},
	{ErrOtpMismatch, CodeOtpMismatch},
	{ErrDecoding, CodeDecoding},
	{ErrInternal, CodeInternal},
}

// Code maps an error to its stable code. Nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codeBySentinel {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// IsExpected reports whether err belongs to the taxonomy rather than being an internal failure.
func IsExpected(err error) bool {
	c := Code(err)
	return c != "" && c != CodeInternal && c != CodeUnknown
}
