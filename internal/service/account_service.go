package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"account-security/internal/hashing"
	"account-security/internal/metrics"
	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

// RegisterRequest carries the plaintext registration fields. Password must already
// be decoded from any transport encryption.
type RegisterRequest struct {
	Name     string `validate:"required,max=100,plaintext"`
	Username string `validate:"required,max=50,plaintext"`
	Email    string `validate:"required,email,max=254"`
	Phone    string `validate:"omitempty,max=20,plaintext"`
	Password string `validate:"required"`
}

// AccountService owns registration, login with lockout, and password reset.
type AccountService struct {
	accounts repository.AccountRepository
	hasher   hashing.Hasher
	logger   *zap.Logger
	opts     options

	// dummySalt feeds a throwaway hash for unknown emails so response time
	// does not reveal whether an account exists.
	dummySalt string
}

func NewAccountService(
	accounts repository.AccountRepository,
	hasher hashing.Hasher,
	logger *zap.Logger,
	opts ...Option,
) (*AccountService, error) {
	if accounts == nil {
		return nil, errors.New("account repository is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dummySalt, err := hasher.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate dummy salt: %w", err)
	}

	return &AccountService{
		accounts:  accounts,
		hasher:    hasher,
		logger:    logger.Named("account_service"),
		opts:      buildOptions(opts),
		dummySalt: dummySalt,
	}, nil
}

// Register creates an inactive account. Uniqueness is checked up front for a clear
// error and enforced again by the store on insert.
func (s *AccountService) Register(ctx context.Context, req RegisterRequest) (*models.Account, error) {
	account, err := s.register(ctx, req)
	switch {
	case err == nil:
		metrics.RecordRegistration(metrics.OutcomeSuccess)
	case errors.Is(err, ErrDuplicateEmail), errors.Is(err, ErrDuplicateUsername):
		metrics.RecordRegistration(metrics.OutcomeDuplicate)
	default:
		metrics.RecordRegistration(metrics.OutcomeError)
	}
	return account, err
}

func (s *AccountService) register(ctx context.Context, req RegisterRequest) (*models.Account, error) {
	req.Email = util.NormalizeEmail(req.Email)
	req.Username = strings.TrimSpace(req.Username)
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)

	if err := validateRegistration(req); err != nil {
		return nil, err
	}

	if _, err := s.accounts.FindByEmail(ctx, req.Email); err == nil {
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, internalError("find account by email", err)
	}

	if _, err := s.accounts.FindByUsername(ctx, req.Username); err == nil {
		return nil, ErrDuplicateUsername
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, internalError("find account by username", err)
	}

	salt, err := s.hasher.GenerateSalt()
	if err != nil {
		return nil, internalError("generate salt", err)
	}
	hash, err := s.hasher.Hash(req.Password, salt)
	if err != nil {
		return nil, internalError("hash password", err)
	}

	now := s.opts.now()
	account := &models.Account{
		AccountID:    uuid.NewString(),
		Name:         req.Name,
		Username:     req.Username,
		Email:        req.Email,
		Phone:        req.Phone,
		PasswordHash: hash,
		Salt:         salt,
		IsAdmin:      true,
		Active:       false,
		Status:       models.StatusInactive,
		DeletedState: models.NotDeleted,
		CreatedOn:    now,
		UpdatedOn:    now,
	}

	if err := s.accounts.Insert(ctx, account); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			return nil, ErrDuplicateEmail
		case errors.Is(err, repository.ErrDuplicateUsername):
			return nil, ErrDuplicateUsername
		default:
			return nil, internalError("insert account", err)
		}
	}

	s.logger.Info("Account registered",
		util.String("account_id", account.AccountID),
		util.Email(account.Email),
	)
	return account, nil
}

func validateRegistration(req RegisterRequest) error {
	if err := validate.Struct(req); err != nil {
		return invalidInput(err)
	}
	return nil
}

// Login verifies a password and applies the lockout state machine.
func (s *AccountService) Login(ctx context.Context, email, password string) (*models.Account, error) {
	email = util.NormalizeEmail(email)

	var result *models.Account
	err := withConflictRetry(ctx, "login", s.opts.conflictRetries, func(ctx context.Context) error {
		account, err := s.login(ctx, email, password)
		result = account
		return err
	})

	metrics.RecordLogin(loginOutcome(err))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *AccountService) login(ctx context.Context, email, password string) (*models.Account, error) {
	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, internalError("find account by email", err)
	}
	if account == nil || account.IsDeleted() {
		_, _ = s.hasher.Hash(password, s.dummySalt)
		return nil, ErrInvalidCredentials
	}

	now := s.opts.now()
	lockCleared := false
	if account.IsLocked {
		if account.LockActive(now) {
			return nil, &AccountLockedError{Until: *account.LockedUntil}
		}
		if account.LockedUntil == nil {
			s.logger.Warn("Account locked without expiry, clearing lock",
				util.String("account_id", account.AccountID))
		}
		account.ClearLock()
		account.UpdatedOn = now
		lockCleared = true
	}

	match, err := s.hasher.Verify(password, account.Salt, account.PasswordHash)
	if err != nil {
		if errors.Is(err, hashing.ErrDecoding) {
			return nil, fmt.Errorf("account %s: %w", account.AccountID, ErrDecoding)
		}
		return nil, internalError("verify password", err)
	}

	if !match {
		lockedNow := account.RecordFailure(now)
		if err := saveAccount(ctx, s.accounts, account); err != nil {
			return nil, err
		}
		if lockedNow {
			metrics.RecordLockout()
			s.logger.Warn("Account locked after failed logins",
				util.String("account_id", account.AccountID),
				util.Time("locked_until", *account.LockedUntil),
			)
		}
		return nil, ErrInvalidCredentials
	}

	if !account.IsActivated() {
		if lockCleared {
			if err := saveAccount(ctx, s.accounts, account); err != nil {
				return nil, err
			}
		}
		return nil, ErrAccountNotActivated
	}

	account.RecordSuccess(now)
	if err := saveAccount(ctx, s.accounts, account); err != nil {
		return nil, err
	}

	s.logger.Info("Login succeeded", util.String("account_id", account.AccountID))
	return account, nil
}

func loginOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, ErrInvalidCredentials):
		return metrics.OutcomeInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return metrics.OutcomeLocked
	case errors.Is(err, ErrAccountNotActivated):
		return metrics.OutcomeNotActivated
	default:
		return metrics.OutcomeError
	}
}

// ResetPassword rehashes with the existing salt. Lockout state is left as is.
func (s *AccountService) ResetPassword(ctx context.Context, email, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	email = util.NormalizeEmail(email)

	return withConflictRetry(ctx, "reset password", s.opts.conflictRetries, func(ctx context.Context) error {
		account, err := s.accounts.FindByEmail(ctx, email)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && account.IsDeleted()) {
			return ErrAccountNotFound
		}
		if err != nil {
			return internalError("find account by email", err)
		}

		hash, err := s.hasher.Hash(newPassword, account.Salt)
		if err != nil {
			if errors.Is(err, hashing.ErrDecoding) {
				return fmt.Errorf("account %s: %w", account.AccountID, ErrDecoding)
			}
			return internalError("hash password", err)
		}

		account.PasswordHash = hash
		account.UpdatedOn = s.opts.now()
		if err := saveAccount(ctx, s.accounts, account); err != nil {
			return err
		}

		s.logger.Info("Password reset", util.String("account_id", account.AccountID))
		return nil
	})
}

// ListAccounts returns every account that is not deleted.
func (s *AccountService) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	all, err := s.accounts.List(ctx)
	if err != nil {
		return nil, internalError("list accounts", err)
	}
	out := make([]*models.Account, 0, len(all))
	for _, a := range all {
		if !a.IsDeleted() {
			out = append(out, a)
		}
	}
	return out, nil
}
