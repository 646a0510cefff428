package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

// otpRetention keeps records readable for a while after ValidUpto before the TTL drops them.
const otpRetention = time.Hour

const (
	selectOTPCQL = `SELECT code, purpose, generated_on, valid_upto, consumed_on FROM otp_records WHERE email = ?`
	upsertOTPCQL = `INSERT INTO otp_records (email, code, purpose, generated_on, valid_upto, consumed_on)
		VALUES (?, ?, ?, ?, ?, ?) USING TTL ?`
	updateOTPCQL = `UPDATE otp_records USING TTL ? SET code = ?, purpose = ?, generated_on = ?, valid_upto = ?, consumed_on = ?
		WHERE email = ? IF EXISTS`
	consumeOTPCQL = `UPDATE otp_records SET consumed_on = ? WHERE email = ? IF generated_on = ? AND consumed_on = null`
)

type OTPRepository struct {
	client *ScyllaClient
	sealer repository.CodeSealer
	now    func() time.Time
}

var _ repository.OTPRepository = (*OTPRepository)(nil)

func NewOTPRepository(client *ScyllaClient, sealer repository.CodeSealer) *OTPRepository {
	if sealer == nil {
		sealer = repository.PlainCodes{}
	}
	return &OTPRepository{client: client, sealer: sealer, now: time.Now}
}

func (r *OTPRepository) FindByEmail(ctx context.Context, email string) (*models.OtpRecord, error) {
	var (
		rec    = models.OtpRecord{Email: email}
		sealed string
	)
	err := r.client.ScanWithRetry(ctx, r.client.Query(ctx, selectOTPCQL, email),
		&sealed, &rec.Purpose, &rec.GeneratedOn, &rec.ValidUpto, &rec.ConsumedOn)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		util.Error("Failed to get OTP", util.Email(email), zap.Error(err))
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}

	code, err := r.sealer.Open(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", repository.ErrCorruptRecord, err)
	}
	rec.Code = code
	return &rec, nil
}

func (r *OTPRepository) Insert(ctx context.Context, record *models.OtpRecord) error {
	sealed, err := r.sealer.Seal(ctx, record.Code)
	if err != nil {
		return fmt.Errorf("failed to seal OTP: %w", err)
	}

	query := r.client.Query(ctx, upsertOTPCQL,
		record.Email, sealed, int(record.Purpose), record.GeneratedOn, record.ValidUpto, record.ConsumedOn,
		ttlSeconds(record.ValidUpto, r.now()))
	if err := r.client.ExecuteWithRetry(ctx, query, 2); err != nil {
		util.Error("Failed to store OTP", util.Email(record.Email), zap.Error(err))
		return fmt.Errorf("failed to store OTP: %w", err)
	}
	return nil
}

func (r *OTPRepository) Update(ctx context.Context, record *models.OtpRecord) error {
	sealed, err := r.sealer.Seal(ctx, record.Code)
	if err != nil {
		return fmt.Errorf("failed to seal OTP: %w", err)
	}

	applied, err := r.client.Query(ctx, updateOTPCQL,
		ttlSeconds(record.ValidUpto, r.now()),
		sealed, int(record.Purpose), record.GeneratedOn, record.ValidUpto, record.ConsumedOn,
		record.Email,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to update OTP: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

func (r *OTPRepository) Consume(ctx context.Context, email string, generatedOn, at time.Time) (bool, error) {
	applied, err := r.client.Query(ctx, consumeOTPCQL, at, email, generatedOn).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to consume OTP: %w", err)
	}
	return applied, nil
}

func (r *OTPRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// ttlSeconds is the row TTL so a record outlives ValidUpto by otpRetention.
func ttlSeconds(validUpto, now time.Time) int {
	ttl := int(validUpto.Add(otpRetention).Sub(now).Seconds())
	if ttl < 1 {
		return 1
	}
	return ttl
}
