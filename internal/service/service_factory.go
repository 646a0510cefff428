package service

import (
	"fmt"

	"go.uber.org/zap"

	"account-security/internal/hashing"
	"account-security/internal/notify"
	"account-security/internal/repository"
)

// ServiceFactory builds the account and OTP services over one set of collaborators.
type ServiceFactory struct {
	accounts repository.AccountRepository
	otps     repository.OTPRepository
	hasher   hashing.Hasher
	notifier notify.Notifier
	logger   *zap.Logger
	opts     []Option

	accountService *AccountService
	otpService     *OtpService
}

func NewServiceFactory(
	accounts repository.AccountRepository,
	otps repository.OTPRepository,
	hasher hashing.Hasher,
	notifier notify.Notifier,
	logger *zap.Logger,
	opts ...Option,
) *ServiceFactory {
	return &ServiceFactory{
		accounts: accounts,
		otps:     otps,
		hasher:   hasher,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

// AccountService returns the shared account service, building it on first use.
func (f *ServiceFactory) AccountService() (*AccountService, error) {
	if f.accountService == nil {
		svc, err := NewAccountService(f.accounts, f.hasher, f.logger, f.opts...)
		if err != nil {
			return nil, fmt.Errorf("account service: %w", err)
		}
		f.accountService = svc
	}
	return f.accountService, nil
}

// OtpService returns the shared OTP service. It resets passwords through AccountService.
func (f *ServiceFactory) OtpService() (*OtpService, error) {
	if f.otpService == nil {
		accounts, err := f.AccountService()
		if err != nil {
			return nil, err
		}
		svc, err := NewOtpService(f.accounts, f.otps, f.notifier, accounts, f.logger, f.opts...)
		if err != nil {
			return nil, fmt.Errorf("otp service: %w", err)
		}
		f.otpService = svc
	}
	return f.otpService, nil
}
