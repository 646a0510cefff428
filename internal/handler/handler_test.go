package handler

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"account-security/internal/config"
	"account-security/internal/encryption"
	"account-security/internal/hashing"
	"account-security/internal/models"
	"account-security/internal/notify"
	"account-security/internal/repository/memory"
	"account-security/internal/service"
	"account-security/internal/token"
)

const transportKey = "0123456789abcdef0123456789abcdef"

type outbox struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (o *outbox) Send(_ context.Context, msg notify.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg)
	return nil
}

func sequentialCodes() func() (string, error) {
	var mu sync.Mutex
	n := 100000
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%06d", n), nil
	}
}

type testServer struct {
	handler http.Handler
	outbox  *outbox
	issuer  *token.Issuer
	healthy error
}

func newTestServer(t *testing.T, decoder PasswordDecoder) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	hasher, err := hashing.NewArgon2Hasher(hashing.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, KeyLength: 16})
	require.NoError(t, err)

	ts := &testServer{outbox: &outbox{}}
	factory := service.NewServiceFactory(memory.NewAccountRepository(), memory.NewOTPRepository(), hasher, ts.outbox, logger,
		service.WithCodeGenerator(sequentialCodes()))
	accounts, err := factory.AccountService()
	require.NoError(t, err)
	otps, err := factory.OtpService()
	require.NoError(t, err)

	issuer, err := token.NewIssuer(config.JWTConfig{Secret: "test", Issuer: "account-security", Audience: "clients", Validity: time.Hour})
	require.NoError(t, err)

	ts.issuer = issuer
	h := NewAccountHandler(accounts, otps, issuer, decoder, logger)
	health := func(context.Context) error { return ts.healthy }
	ts.handler = NewRouter(h, health, prometheus.NewRegistry(), config.ServerConfig{CORSOrigins: []string{"*"}}, logger)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, bearer string) (int, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var resp APIResponse
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	}
	return rec.Code, resp
}

var jane = map[string]string{
	"name":     "Jane Doe",
	"username": "jdoe",
	"email":    "jane@x.com",
	"phone":    "+15551234",
	"password": "pw1!@#AB",
}

func TestAccountLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)

	code, resp := ts.do(t, http.MethodPost, "/api/v1/accounts/register", jane, "")
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, resp.Status)
	assert.Len(t, resp.Txn, 17)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/accounts/register", jane, "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, service.CodeDuplicateEmail, resp.ErrorCode)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/accounts/login", map[string]string{"email": "jane@x.com", "password": "pw1!@#AB"}, "")
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, service.CodeNotActivated, resp.ErrorCode)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/accounts/otp", map[string]string{"email": "jane@x.com"}, "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, ts.outbox.sent, 1)
	assert.Contains(t, ts.outbox.sent[0].Body, "100001")

	code, resp = ts.do(t, http.MethodPost, "/api/v1/accounts/otp/verify", map[string]string{"email": "jane@x.com", "code": "999999"}, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, service.CodeOtpMismatch, resp.ErrorCode)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/accounts/otp/verify", map[string]string{"email": "jane@x.com", "code": "100001"}, "")
	require.Equal(t, http.StatusOK, code)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/accounts/login", map[string]string{"email": "jane@x.com", "password": "pw1!@#AB"}, "")
	require.Equal(t, http.StatusOK, code)
	body, ok := resp.Response.(map[string]interface{})
	require.True(t, ok)
	bearer, _ := body["token"].(string)
	require.NotEmpty(t, bearer)

	code, _ = ts.do(t, http.MethodGet, "/api/v1/accounts", nil, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, resp = ts.do(t, http.MethodGet, "/api/v1/accounts", nil, bearer)
	require.Equal(t, http.StatusOK, code)
	list, ok := resp.Response.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 1)
	first := list[0].(map[string]interface{})
	assert.Equal(t, "jdoe", first["username"])
	assert.NotContains(t, first, "passwordHash")
}

func TestLoginLockout(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/api/v1/accounts/register", jane, "")

	wrong := map[string]string{"email": "jane@x.com", "password": "nope"}
	for i := 0; i < 3; i++ {
		code, resp := ts.do(t, http.MethodPost, "/api/v1/accounts/login", wrong, "")
		assert.Equal(t, http.StatusUnauthorized, code)
		assert.Equal(t, service.CodeInvalidCredentials, resp.ErrorCode)
	}

	right := map[string]string{"email": "jane@x.com", "password": "pw1!@#AB"}
	code, resp := ts.do(t, http.MethodPost, "/api/v1/accounts/login", right, "")
	assert.Equal(t, http.StatusLocked, code, "even the right password is refused while locked")
	assert.Equal(t, service.CodeAccountLocked, resp.ErrorCode)
	assert.Contains(t, resp.ErrorMessage, "Account locked until")
}

func TestUnknownEmailLooksLikeWrongPassword(t *testing.T) {
	ts := newTestServer(t, nil)
	code, resp := ts.do(t, http.MethodPost, "/api/v1/accounts/login", map[string]string{"email": "ghost@x.com", "password": "x"}, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, service.CodeInvalidCredentials, resp.ErrorCode)
}

func TestPasswordResetFlow(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/api/v1/accounts/register", jane, "")

	code, resp := ts.do(t, http.MethodPost, "/api/v1/accounts/otp", map[string]string{"email": "nobody@x.com", "purpose": "password_reset"}, "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, service.CodeNotFound, resp.ErrorCode)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/accounts/otp", map[string]string{"email": "jane@x.com", "purpose": "password_reset"}, "")
	require.Equal(t, http.StatusOK, code)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/accounts/password/reset",
		map[string]string{"email": "jane@x.com", "code": "100001", "newPassword": "n3w-Secret"}, "")
	require.Equal(t, http.StatusOK, code)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/accounts/password/reset",
		map[string]string{"email": "jane@x.com", "code": "100001", "newPassword": "again"}, "")
	assert.Equal(t, http.StatusGone, code, "codes are single use")
	assert.Equal(t, service.CodeNoActiveOtp, resp.ErrorCode)

	code, _ = ts.do(t, http.MethodPost, "/api/v1/accounts/login", map[string]string{"email": "jane@x.com", "password": "n3w-Secret"}, "")
	assert.Equal(t, http.StatusOK, code)
}

func TestBadRequests(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/accounts/login", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	code, resp := ts.do(t, http.MethodPost, "/api/v1/accounts/otp", map[string]string{"email": "jane@x.com", "purpose": "bogus"}, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, service.CodeValidation, resp.ErrorCode)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/accounts/register", map[string]string{"email": "jane@x.com"}, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.ErrorMessage, "name failed required")

	badCodes := []string{"", "12345", "1234567", "12ab56"}
	for _, c := range badCodes {
		code, resp = ts.do(t, http.MethodPost, "/api/v1/accounts/otp/verify", map[string]string{"email": "jane@x.com", "code": c}, "")
		assert.Equal(t, http.StatusBadRequest, code, "code %q", c)
		assert.Equal(t, service.CodeValidation, resp.ErrorCode)
	}

	code, resp = ts.do(t, http.MethodPost, "/api/v1/accounts/password/reset",
		map[string]string{"email": "not-an-email", "code": "123456", "newPassword": "x"}, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.ErrorMessage, "email failed email")
}

func TestListAccountsRequiresAdmin(t *testing.T) {
	ts := newTestServer(t, nil)
	code, _ := ts.do(t, http.MethodPost, "/api/v1/accounts/register", jane, "")
	require.Equal(t, http.StatusCreated, code)

	member, _, err := ts.issuer.Issue(&models.Account{AccountID: "acct-2", Username: "member", Email: "m@x.com", IsAdmin: false})
	require.NoError(t, err)
	code, resp := ts.do(t, http.MethodGet, "/api/v1/accounts", nil, member)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "Admin role required", resp.ErrorMessage)

	admin, _, err := ts.issuer.Issue(&models.Account{AccountID: "acct-1", Username: "boss", Email: "b@x.com", IsAdmin: true})
	require.NoError(t, err)
	code, _ = ts.do(t, http.MethodGet, "/api/v1/accounts", nil, admin)
	assert.Equal(t, http.StatusOK, code)
}

func encryptForTransport(t *testing.T, plaintext string) string {
	t.Helper()
	block, err := aes.NewCipher([]byte(transportKey))
	require.NoError(t, err)

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append([]byte(plaintext), bytes.Repeat([]byte{byte(pad)}, pad)...)
	iv := bytes.Repeat([]byte{7}, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(append(iv, out...))
}

func TestTransportEncryptedPasswords(t *testing.T) {
	decoder, err := encryption.NewTransportDecoder(transportKey)
	require.NoError(t, err)
	ts := newTestServer(t, decoder)

	reg := map[string]string{}
	for k, v := range jane {
		reg[k] = v
	}
	reg["password"] = encryptForTransport(t, "a-long-password-over-one-block")
	code, _ := ts.do(t, http.MethodPost, "/api/v1/accounts/register", reg, "")
	require.Equal(t, http.StatusCreated, code)

	code, resp := ts.do(t, http.MethodPost, "/api/v1/accounts/login", map[string]string{"email": "jane@x.com", "password": "not-base64!"}, "")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, service.CodeDecoding, resp.ErrorCode)

	code, resp = ts.do(t, http.MethodPost, "/api/v1/accounts/login",
		map[string]string{"email": "jane@x.com", "password": encryptForTransport(t, "a-long-password-over-one-block")}, "")
	assert.Equal(t, http.StatusForbidden, code, "password matched, account not yet activated")
	assert.Equal(t, service.CodeNotActivated, resp.ErrorCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.healthy = errors.New("redis down")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTxnID(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 4, 5, 678_000_000, time.UTC)
	assert.Equal(t, "20250301120405678", txnID(ts))
}

func TestStatusForInternal(t *testing.T) {
	err := &service.InternalError{Op: "find", Err: errors.New("db down")}
	assert.Equal(t, http.StatusInternalServerError, statusFor(err))
	assert.Equal(t, "Internal server error", errorMessage(err, service.Code(err)))
}
