package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

type OTPRepository struct {
	pool   poolIface
	sealer repository.CodeSealer
}

var _ repository.OTPRepository = (*OTPRepository)(nil)

func NewOTPRepository(pool poolIface, sealer repository.CodeSealer) *OTPRepository {
	if sealer == nil {
		sealer = repository.PlainCodes{}
	}
	return &OTPRepository{pool: pool, sealer: sealer}
}

func (r *OTPRepository) FindByEmail(ctx context.Context, email string) (*models.OtpRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		rec     = models.OtpRecord{Email: email}
		sealed  string
		purpose int16
	)
	err := r.pool.QueryRow(ctx, `
		SELECT code, purpose, generated_on, valid_upto, consumed_on
		FROM otp_records WHERE email = $1`, email,
	).Scan(&sealed, &purpose, &rec.GeneratedOn, &rec.ValidUpto, &rec.ConsumedOn)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query OTP: %w", err)
	}

	code, err := r.sealer.Open(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", repository.ErrCorruptRecord, err)
	}
	rec.Code = code
	rec.Purpose = models.OtpPurpose(purpose)
	return &rec, nil
}

// Insert upserts, replacing any earlier record for the same email.
func (r *OTPRepository) Insert(ctx context.Context, record *models.OtpRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sealed, err := r.sealer.Seal(ctx, record.Code)
	if err != nil {
		return fmt.Errorf("failed to seal OTP: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO otp_records (email, code, purpose, generated_on, valid_upto, consumed_on)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE SET
			code = EXCLUDED.code, purpose = EXCLUDED.purpose, generated_on = EXCLUDED.generated_on,
			valid_upto = EXCLUDED.valid_upto, consumed_on = EXCLUDED.consumed_on`,
		record.Email, sealed, int16(record.Purpose), record.GeneratedOn, record.ValidUpto, record.ConsumedOn,
	)
	if err != nil {
		util.Error("Failed to store OTP", util.Email(record.Email), zap.Error(err))
		return fmt.Errorf("failed to store OTP: %w", err)
	}
	return nil
}

func (r *OTPRepository) Update(ctx context.Context, record *models.OtpRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	sealed, err := r.sealer.Seal(ctx, record.Code)
	if err != nil {
		return fmt.Errorf("failed to seal OTP: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE otp_records SET code = $2, purpose = $3, generated_on = $4, valid_upto = $5, consumed_on = $6
		WHERE email = $1`,
		record.Email, sealed, int16(record.Purpose), record.GeneratedOn, record.ValidUpto, record.ConsumedOn,
	)
	if err != nil {
		return fmt.Errorf("failed to update OTP: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *OTPRepository) Consume(ctx context.Context, email string, generatedOn, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := r.pool.Exec(ctx, `
		UPDATE otp_records SET consumed_on = $3
		WHERE email = $1 AND generated_on = $2 AND consumed_on IS NULL`,
		email, generatedOn, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume OTP: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *OTPRepository) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.pool.Ping(ctx)
}
