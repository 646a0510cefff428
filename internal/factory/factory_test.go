package factory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-security/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server:      config.ServerConfig{CORSOrigins: []string{"*"}},
		Hashing: config.HashingConfig{
			Algorithm:         "argon2id",
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Argon2KeyLength:   16,
		},
		Storage:   config.StorageConfig{Accounts: "memory", OTP: "memory"},
		JWT:       config.JWTConfig{Secret: "factory-test-secret", Issuer: "test", Audience: "test", Validity: time.Hour},
		Bucketing: config.BucketingConfig{AccountBuckets: 4},
		Notifier:  config.NotifierConfig{Kind: "log"},
	}
}

func TestNewWithMemoryStores(t *testing.T) {
	f, err := New(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer f.Close()

	assert.Nil(t, f.TLSManager())
	assert.NoError(t, f.HealthCheck(context.Background()))

	router, err := f.Router()
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	body := `{"name":"Ada","username":"ada","email":"ada@example.com","password":"s3cret!"}`
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	families, err := f.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Accounts = "sqlite"

	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "STORAGE_ACCOUNTS")
}

func TestNewRejectsUnknownHashAlgorithm(t *testing.T) {
	cfg := memoryConfig()
	cfg.Hashing.Algorithm = "md5"

	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "hasher")
}

func TestCloseIsIdempotent(t *testing.T) {
	f, err := New(context.Background(), memoryConfig())
	require.NoError(t, err)

	assert.NoError(t, f.Close())
	assert.NoError(t, f.Close())
	f.WaitForClose()
}
