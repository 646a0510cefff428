package repository

import (
	"context"
	"errors"
	"time"

	"account-security/internal/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrDuplicateUsername = errors.New("username already taken")
	// ErrConflict is returned by conditional updates when the stored version moved on.
	ErrConflict = errors.New("concurrent modification")
	// ErrCorruptRecord means a stored OTP record exists but cannot be read back,
	// e.g. its code was sealed under a key this process does not hold.
	ErrCorruptRecord = errors.New("corrupt OTP record")
)

// AccountRepository stores accounts. Implementations enforce email and username
// uniqueness and apply Update only when the stored Version equals account.Version.
type AccountRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.Account, error)
	FindByUsername(ctx context.Context, username string) (*models.Account, error)
	List(ctx context.Context) ([]*models.Account, error)
	// Insert persists a new account and sets Version to 1.
	Insert(ctx context.Context, account *models.Account) error
	// Update writes the account if its Version is current and increments Version.
	Update(ctx context.Context, account *models.Account) error
	HealthCheck(ctx context.Context) error
}

// OTPRepository stores at most one OTP record per email.
type OTPRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.OtpRecord, error)
	// Insert creates or replaces the record for record.Email.
	Insert(ctx context.Context, record *models.OtpRecord) error
	Update(ctx context.Context, record *models.OtpRecord) error
	// Consume marks the record generated at generatedOn as used. It reports false
	// when the record is gone, was regenerated, or was already consumed.
	Consume(ctx context.Context, email string, generatedOn, at time.Time) (bool, error)
	HealthCheck(ctx context.Context) error
}

// CodeSealer protects OTP codes at rest. Seal output must be storable as text.
type CodeSealer interface {
	Seal(ctx context.Context, code string) (string, error)
	Open(ctx context.Context, sealed string) (string, error)
}

// PlainCodes stores codes unchanged.
type PlainCodes struct{}

func (PlainCodes) Seal(_ context.Context, code string) (string, error)   { return code, nil }
func (PlainCodes) Open(_ context.Context, sealed string) (string, error) { return sealed, nil }
