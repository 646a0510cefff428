// Package token issues and validates the bearer tokens handed out on login.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"account-security/internal/config"
	"account-security/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the account identity. sub is the account id.
type Claims struct {
	jwt.RegisteredClaims
	UniqueName string `json:"unique_name"`
	Email      string `json:"email"`
	IsAdmin    bool   `json:"is_admin,omitempty"`
}

type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	validity time.Duration
	now      func() time.Time
}

func NewIssuer(cfg config.JWTConfig) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	if cfg.Validity <= 0 {
		return nil, fmt.Errorf("jwt validity must be positive, got %s", cfg.Validity)
	}
	return &Issuer{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		validity: cfg.Validity,
		now:      time.Now,
	}, nil
}

// Issue signs an HS256 token for account and returns it with its expiry.
func (i *Issuer) Issue(account *models.Account) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.validity)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.AccountID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		UniqueName: account.Username,
		Email:      account.Email,
		IsAdmin:    account.IsAdmin,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// Parse validates signature, algorithm, issuer, audience and expiry.
func (i *Issuer) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
