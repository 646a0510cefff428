package redis

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-security/internal/client"
	"account-security/internal/config"
	"account-security/internal/encryption"
	"account-security/internal/models"
	"account-security/internal/repository"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)

func newCache(t *testing.T, sealer repository.CodeSealer) (*OTPCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(t0)
	c := client.NewRedisClientFromOptions(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewOTPCache(c, sealer), mr
}

func TestOTPCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache, mr := newCache(t, nil)

	rec := models.NewOtpRecord("jane@x.com", "012345", models.PurposePasswordReset, t0)
	require.NoError(t, cache.Insert(ctx, rec))

	got, err := cache.FindByEmail(ctx, "jane@x.com")
	require.NoError(t, err)
	assert.Equal(t, "012345", got.Code)
	assert.Equal(t, models.PurposePasswordReset, got.Purpose)
	assert.True(t, got.GeneratedOn.Equal(t0), "nanosecond precision is kept")
	assert.True(t, got.ValidUpto.Equal(rec.ValidUpto))
	assert.Nil(t, got.ConsumedOn)

	assert.Equal(t, "012345", mr.HGet("otp:jane@x.com", "code"))
	assert.True(t, mr.TTL("otp:jane@x.com") > 0)
}

func TestOTPCacheMissing(t *testing.T) {
	cache, _ := newCache(t, nil)

	_, err := cache.FindByEmail(context.Background(), "nobody@x.com")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	err = cache.Update(context.Background(), models.NewOtpRecord("nobody@x.com", "1", models.PurposeActivation, t0))
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestOTPCacheUpdateReplacesRecord(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t, nil)

	require.NoError(t, cache.Insert(ctx, models.NewOtpRecord("jane@x.com", "111111", models.PurposeActivation, t0)))
	consumed := t0.Add(time.Minute)
	ok, err := cache.Consume(ctx, "jane@x.com", t0, consumed)
	require.NoError(t, err)
	require.True(t, ok)

	later := t0.Add(20 * time.Minute)
	require.NoError(t, cache.Update(ctx, models.NewOtpRecord("jane@x.com", "222222", models.PurposeActivation, later)))

	got, err := cache.FindByEmail(ctx, "jane@x.com")
	require.NoError(t, err)
	assert.Equal(t, "222222", got.Code)
	assert.Nil(t, got.ConsumedOn, "regeneration clears consumption")
}

func TestOTPCacheConsume(t *testing.T) {
	ctx := context.Background()
	cache, _ := newCache(t, nil)
	require.NoError(t, cache.Insert(ctx, models.NewOtpRecord("jane@x.com", "111111", models.PurposeActivation, t0)))

	ok, err := cache.Consume(ctx, "jane@x.com", t0.Add(time.Nanosecond), t0)
	require.NoError(t, err)
	assert.False(t, ok, "different generation")

	at := t0.Add(time.Minute)
	ok, err = cache.Consume(ctx, "jane@x.com", t0, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.Consume(ctx, "jane@x.com", t0, at)
	require.NoError(t, err)
	assert.False(t, ok, "already consumed")

	got, err := cache.FindByEmail(ctx, "jane@x.com")
	require.NoError(t, err)
	require.NotNil(t, got.ConsumedOn)
	assert.True(t, got.ConsumedOn.Equal(at))

	ok, err = cache.Consume(ctx, "nobody@x.com", t0, at)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOTPCacheSealsCodes(t *testing.T) {
	ctx := context.Background()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{3}, 32))
	em, err := encryption.NewEncryptionManager(config.KMSConfig{LocalKey: key}, nil)
	require.NoError(t, err)

	cache, mr := newCache(t, em)
	require.NoError(t, cache.Insert(ctx, models.NewOtpRecord("jane@x.com", "424242", models.PurposeActivation, t0)))

	assert.NotEqual(t, "424242", mr.HGet("otp:jane@x.com", "code"))

	got, err := cache.FindByEmail(ctx, "jane@x.com")
	require.NoError(t, err)
	assert.Equal(t, "424242", got.Code)
}

func TestOTPCacheHealthCheck(t *testing.T) {
	cache, _ := newCache(t, nil)
	assert.NoError(t, cache.HealthCheck(context.Background()))
}

func TestOTPCacheForeignKeyIsCorrupt(t *testing.T) {
	ctx := context.Background()
	keyA := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 32))
	keyB := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{2}, 32))
	emA, err := encryption.NewEncryptionManager(config.KMSConfig{LocalKey: keyA}, nil)
	require.NoError(t, err)
	emB, err := encryption.NewEncryptionManager(config.KMSConfig{LocalKey: keyB}, nil)
	require.NoError(t, err)

	cache, mr := newCache(t, emA)
	require.NoError(t, cache.Insert(ctx, models.NewOtpRecord("jane@x.com", "012345", models.PurposeActivation, t0)))

	// a replica or restart holding a different key reads the same hash
	other := NewOTPCache(client.NewRedisClientFromOptions(&goredis.Options{Addr: mr.Addr()}), emB)
	_, err = other.FindByEmail(ctx, "jane@x.com")
	assert.ErrorIs(t, err, repository.ErrCorruptRecord)

	require.NoError(t, other.Update(ctx, models.NewOtpRecord("jane@x.com", "654321", models.PurposeActivation, t0)))
	got, err := other.FindByEmail(ctx, "jane@x.com")
	require.NoError(t, err)
	assert.Equal(t, "654321", got.Code)
}
