package memory

import (
	"context"
	"sync"
	"time"

	"account-security/internal/models"
	"account-security/internal/repository"
)

type OTPRepository struct {
	mu      sync.Mutex
	records map[string]*models.OtpRecord
}

var _ repository.OTPRepository = (*OTPRepository)(nil)

func NewOTPRepository() *OTPRepository {
	return &OTPRepository{records: make(map[string]*models.OtpRecord)}
}

func (r *OTPRepository) FindByEmail(_ context.Context, email string) (*models.OtpRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *OTPRepository) Insert(_ context.Context, record *models.OtpRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.Email] = record.Clone()
	return nil
}

func (r *OTPRepository) Update(_ context.Context, record *models.OtpRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[record.Email]; !ok {
		return repository.ErrNotFound
	}
	r.records[record.Email] = record.Clone()
	return nil
}

func (r *OTPRepository) Consume(_ context.Context, email string, generatedOn, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[email]
	if !ok || !rec.GeneratedOn.Equal(generatedOn) || rec.ConsumedOn != nil {
		return false, nil
	}
	rec.ConsumedOn = &at
	return true, nil
}

func (r *OTPRepository) HealthCheck(context.Context) error { return nil }
