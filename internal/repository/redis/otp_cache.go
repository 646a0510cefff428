package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"account-security/internal/client"
	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

const (
	otpPrefix = "otp:"
	// otpRetention keeps consumed and expired records around briefly after ValidUpto.
	otpRetention = time.Hour
	opTimeout    = 5 * time.Second
)

// consumeScript marks the record consumed only if it is the generation the caller
// verified and has not been consumed yet.
const consumeScript = `
if redis.call('HGET', KEYS[1], 'generated_on') ~= ARGV[1] then
  return 0
end
local consumed = redis.call('HGET', KEYS[1], 'consumed_on')
if consumed and consumed ~= '' then
  return 0
end
redis.call('HSET', KEYS[1], 'consumed_on', ARGV[2])
return 1
`

// OTPCache keeps one hash per email under otp:{email}.
type OTPCache struct {
	client *client.RedisClient
	sealer repository.CodeSealer
}

var _ repository.OTPRepository = (*OTPCache)(nil)

func NewOTPCache(c *client.RedisClient, sealer repository.CodeSealer) *OTPCache {
	if sealer == nil {
		sealer = repository.PlainCodes{}
	}
	return &OTPCache{client: c, sealer: sealer}
}

func otpKey(email string) string { return otpPrefix + email }

func (c *OTPCache) FindByEmail(ctx context.Context, email string) (*models.OtpRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	fields, err := c.client.HGetAll(ctx, otpKey(email))
	if err != nil {
		util.Error("Failed to read OTP from cache", util.Email(email), zap.Error(err))
		return nil, fmt.Errorf("failed to read OTP from cache: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}

	rec, err := c.decode(ctx, email, fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", repository.ErrCorruptRecord, err)
	}
	return rec, nil
}

func (c *OTPCache) Insert(ctx context.Context, record *models.OtpRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.write(ctx, record)
}

func (c *OTPCache) Update(ctx context.Context, record *models.OtpRecord) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	exists, err := c.client.Exists(ctx, otpKey(record.Email))
	if err != nil {
		return fmt.Errorf("failed to check OTP in cache: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return c.write(ctx, record)
}

func (c *OTPCache) write(ctx context.Context, record *models.OtpRecord) error {
	sealed, err := c.sealer.Seal(ctx, record.Code)
	if err != nil {
		return fmt.Errorf("failed to seal OTP: %w", err)
	}

	consumed := ""
	if record.ConsumedOn != nil {
		consumed = strconv.FormatInt(record.ConsumedOn.UnixNano(), 10)
	}

	key := otpKey(record.Email)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"code", sealed,
		"purpose", int(record.Purpose),
		"generated_on", strconv.FormatInt(record.GeneratedOn.UnixNano(), 10),
		"valid_upto", strconv.FormatInt(record.ValidUpto.UnixNano(), 10),
		"consumed_on", consumed,
	)
	pipe.ExpireAt(ctx, key, record.ValidUpto.Add(otpRetention))
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store OTP in cache", util.Email(record.Email), zap.Error(err))
		return fmt.Errorf("failed to store OTP in cache: %w", err)
	}

	util.Debug("OTP cached", util.Email(record.Email), util.Time("valid_upto", record.ValidUpto))
	return nil
}

func (c *OTPCache) Consume(ctx context.Context, email string, generatedOn, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := c.client.Eval(ctx, consumeScript, []string{otpKey(email)},
		strconv.FormatInt(generatedOn.UnixNano(), 10),
		strconv.FormatInt(at.UnixNano(), 10),
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume OTP: %w", err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected consume result %T", res)
	}
	return n == 1, nil
}

func (c *OTPCache) HealthCheck(ctx context.Context) error {
	return c.client.HealthCheck(ctx)
}

func (c *OTPCache) decode(ctx context.Context, email string, f map[string]string) (*models.OtpRecord, error) {
	code, err := c.sealer.Open(ctx, f["code"])
	if err != nil {
		return nil, err
	}
	purpose, err := strconv.Atoi(f["purpose"])
	if err != nil {
		return nil, fmt.Errorf("purpose: %w", err)
	}
	generated, err := parseNanos(f["generated_on"])
	if err != nil {
		return nil, fmt.Errorf("generated_on: %w", err)
	}
	validUpto, err := parseNanos(f["valid_upto"])
	if err != nil {
		return nil, fmt.Errorf("valid_upto: %w", err)
	}

	rec := &models.OtpRecord{
		Email:       email,
		Code:        code,
		Purpose:     models.OtpPurpose(purpose),
		GeneratedOn: generated,
		ValidUpto:   validUpto,
	}
	if v := f["consumed_on"]; v != "" {
		consumed, err := parseNanos(v)
		if err != nil {
			return nil, fmt.Errorf("consumed_on: %w", err)
		}
		rec.ConsumedOn = &consumed
	}
	return rec, nil
}

func parseNanos(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
