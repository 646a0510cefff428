package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"account-security/internal/metrics"
	"account-security/internal/models"
	"account-security/internal/notify"
	"account-security/internal/repository"
	"account-security/internal/util"
)

// PasswordResetter is satisfied by AccountService.
type PasswordResetter interface {
	ResetPassword(ctx context.Context, email, newPassword string) error
}

// OtpResult describes a dispatched code without revealing it.
type OtpResult struct {
	Purpose   models.OtpPurpose
	ValidUpto time.Time
	// Resent is true when a still-valid code was sent again instead of a new one.
	Resent bool
}

// OtpService owns the one-time-password lifecycle for activation and password reset.
type OtpService struct {
	accounts repository.AccountRepository
	otps     repository.OTPRepository
	notifier notify.Notifier
	resetter PasswordResetter
	logger   *zap.Logger
	opts     options
}

func NewOtpService(
	accounts repository.AccountRepository,
	otps repository.OTPRepository,
	notifier notify.Notifier,
	resetter PasswordResetter,
	logger *zap.Logger,
	opts ...Option,
) (*OtpService, error) {
	switch {
	case accounts == nil:
		return nil, errors.New("account repository is required")
	case otps == nil:
		return nil, errors.New("otp repository is required")
	case notifier == nil:
		return nil, errors.New("notifier is required")
	case resetter == nil:
		return nil, errors.New("password resetter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OtpService{
		accounts: accounts,
		otps:     otps,
		notifier: notifier,
		resetter: resetter,
		logger:   logger.Named("otp_service"),
		opts:     buildOptions(opts),
	}, nil
}

// RequestOtp sends a code for purpose. A live code for the same purpose is re-sent
// unchanged; otherwise a fresh code replaces whatever record exists.
func (s *OtpService) RequestOtp(ctx context.Context, email string, purpose models.OtpPurpose) (*OtpResult, error) {
	result, err := s.requestOtp(ctx, util.NormalizeEmail(email), purpose)
	switch {
	case err == nil && result.Resent:
		metrics.RecordOtpRequest(purpose.String(), metrics.OutcomeResent)
	case err == nil:
		metrics.RecordOtpRequest(purpose.String(), metrics.OutcomeGenerated)
	case errors.Is(err, ErrNotRegistered):
		metrics.RecordOtpRequest(purpose.String(), metrics.OutcomeNotRegistered)
	default:
		metrics.RecordOtpRequest(purpose.String(), metrics.OutcomeError)
	}
	return result, err
}

func (s *OtpService) requestOtp(ctx context.Context, email string, purpose models.OtpPurpose) (*OtpResult, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("%w: unknown otp purpose", ErrInvalidInput)
	}
	if err := s.requireAccount(ctx, email); err != nil {
		return nil, err
	}

	existing, err := s.otps.FindByEmail(ctx, email)
	corrupt := errors.Is(err, repository.ErrCorruptRecord)
	switch {
	case corrupt:
		s.logger.Warn("Stored OTP is unreadable, replacing it", util.Email(email), util.ErrorField(err))
		existing = nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return nil, internalError("find otp", err)
	}

	now := s.opts.now()
	record := existing
	resent := existing != nil && existing.IsLive(now) && existing.Purpose == purpose

	if !resent {
		code, err := s.opts.generateCode()
		if err != nil {
			return nil, internalError("generate otp", err)
		}
		record = models.NewOtpRecord(email, code, purpose, now)
		if err := s.store(ctx, record, existing != nil || corrupt); err != nil {
			return nil, err
		}
	}

	s.dispatch(ctx, record, now)

	s.logger.Info("OTP issued",
		util.Email(email),
		util.String("purpose", purpose.String()),
		util.Bool("resent", resent),
	)

	return &OtpResult{Purpose: record.Purpose, ValidUpto: record.ValidUpto, Resent: resent}, nil
}

func (s *OtpService) store(ctx context.Context, record *models.OtpRecord, replace bool) error {
	if replace {
		err := s.otps.Update(ctx, record)
		if err == nil {
			return nil
		}
		// the old record may have expired out of the store since it was read
		if !errors.Is(err, repository.ErrNotFound) {
			return internalError("update otp", err)
		}
	}
	if err := s.otps.Insert(ctx, record); err != nil {
		return internalError("insert otp", err)
	}
	return nil
}

// dispatch never fails the request: the code stays valid even if delivery does not happen.
func (s *OtpService) dispatch(ctx context.Context, record *models.OtpRecord, now time.Time) {
	remaining := record.ValidUpto.Sub(now)
	msg, err := notify.RenderOtp(record.Email, record.Purpose, record.Code, remaining)
	if err == nil {
		err = s.notifier.Send(ctx, msg)
	}
	if err != nil {
		metrics.RecordNotifyFailure()
		s.logger.Error("Failed to send OTP notification",
			util.Email(record.Email),
			util.String("purpose", record.Purpose.String()),
			util.ErrorField(err),
		)
	}
}

// VerifyOtp consumes a live code of any purpose and activates the account.
func (s *OtpService) VerifyOtp(ctx context.Context, email, code string) error {
	_, err := s.verify(ctx, util.NormalizeEmail(email), code, 0)
	return err
}

// CompletePasswordReset verifies a password-reset code and sets the new password.
func (s *OtpService) CompletePasswordReset(ctx context.Context, email, code, newPassword string) error {
	if newPassword == "" {
		return fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	email = util.NormalizeEmail(email)

	if _, err := s.verify(ctx, email, code, models.PurposePasswordReset); err != nil {
		return err
	}
	if err := s.resetter.ResetPassword(ctx, email, newPassword); err != nil {
		s.logger.Error("Password reset failed after OTP was consumed", util.Email(email), util.ErrorField(err))
		return err
	}
	return nil
}

// verify checks code against the live record. A zero purpose accepts any purpose.
func (s *OtpService) verify(ctx context.Context, email, code string, purpose models.OtpPurpose) (*models.OtpRecord, error) {
	record, err := s.verifyAndConsume(ctx, email, code, purpose)
	switch {
	case err == nil:
		metrics.RecordOtpVerification(metrics.OutcomeSuccess)
	case errors.Is(err, ErrNoActiveOtp):
		metrics.RecordOtpVerification(metrics.OutcomeNoActiveOtp)
	case errors.Is(err, ErrOtpMismatch):
		metrics.RecordOtpVerification(metrics.OutcomeMismatch)
	case errors.Is(err, ErrNotRegistered):
		metrics.RecordOtpVerification(metrics.OutcomeNotRegistered)
	default:
		metrics.RecordOtpVerification(metrics.OutcomeError)
	}
	return record, err
}

func (s *OtpService) verifyAndConsume(ctx context.Context, email, code string, purpose models.OtpPurpose) (*models.OtpRecord, error) {
	if err := s.requireAccount(ctx, email); err != nil {
		return nil, err
	}

	record, err := s.otps.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoActiveOtp
	}
	if errors.Is(err, repository.ErrCorruptRecord) {
		s.logger.Warn("Stored OTP is unreadable", util.Email(email), util.ErrorField(err))
		return nil, ErrNoActiveOtp
	}
	if err != nil {
		return nil, internalError("find otp", err)
	}

	now := s.opts.now()
	if !record.IsLive(now) || (purpose != 0 && record.Purpose != purpose) {
		return nil, ErrNoActiveOtp
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(record.Code)) != 1 {
		return nil, ErrOtpMismatch
	}

	// activation is idempotent, so a failure here leaves the code usable for a retry
	if err := s.activate(ctx, email); err != nil {
		return nil, err
	}

	consumed, err := s.otps.Consume(ctx, email, record.GeneratedOn, now)
	if err != nil {
		return nil, internalError("consume otp", err)
	}
	if !consumed {
		return nil, ErrNoActiveOtp
	}

	s.logger.Info("OTP verified",
		util.Email(email),
		util.String("purpose", record.Purpose.String()),
	)
	return record, nil
}

func (s *OtpService) activate(ctx context.Context, email string) error {
	return withConflictRetry(ctx, "activate account", s.opts.conflictRetries, func(ctx context.Context) error {
		account, err := s.accounts.FindByEmail(ctx, email)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotRegistered
		}
		if err != nil {
			return internalError("find account by email", err)
		}
		if account.IsActivated() {
			return nil
		}
		account.Activate(s.opts.now())
		return saveAccount(ctx, s.accounts, account)
	})
}

func (s *OtpService) requireAccount(ctx context.Context, email string) error {
	account, err := s.accounts.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && account.IsDeleted()) {
		return ErrNotRegistered
	}
	if err != nil {
		return internalError("find account by email", err)
	}
	return nil
}
