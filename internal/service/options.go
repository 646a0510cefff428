package service

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"account-security/internal/models"
	"account-security/internal/repository"
)

const (
	defaultConflictRetries = 3
	conflictBackoff        = 5 * time.Millisecond
)

type options struct {
	now             func() time.Time
	conflictRetries uint64
	generateCode    func() (string, error)
}

type Option func(*options)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithConflictRetries bounds how often an operation re-reads after a concurrent update.
func WithConflictRetries(n uint64) Option {
	return func(o *options) { o.conflictRetries = n }
}

// WithCodeGenerator overrides OTP generation.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(o *options) { o.generateCode = gen }
}

func buildOptions(opts []Option) options {
	o := options{
		now:             func() time.Time { return time.Now().UTC() },
		conflictRetries: defaultConflictRetries,
		generateCode:    GenerateOtpCode,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// withConflictRetry re-runs fn from a fresh read when a conditional update loses a race.
func withConflictRetry(ctx context.Context, op string, retries uint64, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(retries, retry.NewConstant(conflictBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, repository.ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, repository.ErrConflict) {
		return internalError(op, err)
	}
	return err
}

// saveAccount leaves ErrConflict unwrapped so withConflictRetry can see it.
func saveAccount(ctx context.Context, accounts repository.AccountRepository, account *models.Account) error {
	err := accounts.Update(ctx, account)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrConflict):
		return err
	default:
		return internalError("update account", err)
	}
}
