package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltLength is the number of random bytes in a generated salt.
	SaltLength = 16

	AlgorithmArgon2id     = "argon2id"
	AlgorithmLegacySHA256 = "legacy-sha256"
)

// ErrDecoding is returned when a stored salt is not valid base64.
var ErrDecoding = errors.New("malformed salt encoding")

// Hasher derives a verifiable hash from a secret and a per-account salt.
// Hash must be a pure function of its inputs.
type Hasher interface {
	GenerateSalt() (string, error)
	Hash(secret, salt string) (string, error)
	Verify(secret, salt, expected string) (bool, error)
	Algorithm() string
}

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	KeyLength   uint32
}

// DefaultParams are the production work factors.
func DefaultParams() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Iterations:  4,
		Parallelism: 8,
		KeyLength:   16,
	}
}

func (p Argon2Params) validate() error {
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 || p.KeyLength == 0 {
		return fmt.Errorf("argon2 params must be non-zero: %+v", p)
	}
	return nil
}

type Argon2Hasher struct {
	params Argon2Params
}

func NewArgon2Hasher(params Argon2Params) (*Argon2Hasher, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return &Argon2Hasher{params: params}, nil
}

func (h *Argon2Hasher) Algorithm() string { return AlgorithmArgon2id }

func (h *Argon2Hasher) GenerateSalt() (string, error) {
	return generateSalt()
}

func (h *Argon2Hasher) Hash(secret, salt string) (string, error) {
	saltBytes, err := decodeSalt(salt)
	if err != nil {
		return "", err
	}

	key := argon2.IDKey(
		[]byte(secret),
		saltBytes,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)
	return base64.StdEncoding.EncodeToString(key), nil
}

func (h *Argon2Hasher) Verify(secret, salt, expected string) (bool, error) {
	return verify(h, secret, salt, expected)
}

// LegacySHA256Hasher reproduces single-pass SHA-256 over secret||salt.
// It exists only to read credentials written by older deployments.
type LegacySHA256Hasher struct{}

func NewLegacySHA256Hasher() *LegacySHA256Hasher { return &LegacySHA256Hasher{} }

func (LegacySHA256Hasher) Algorithm() string { return AlgorithmLegacySHA256 }

func (LegacySHA256Hasher) GenerateSalt() (string, error) {
	return generateSalt()
}

func (LegacySHA256Hasher) Hash(secret, salt string) (string, error) {
	if _, err := decodeSalt(salt); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(secret + salt))
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

func (h LegacySHA256Hasher) Verify(secret, salt, expected string) (bool, error) {
	return verify(h, secret, salt, expected)
}

// New returns the hasher for a configured algorithm name.
func New(algorithm string, params Argon2Params) (Hasher, error) {
	switch algorithm {
	case "", AlgorithmArgon2id:
		return NewArgon2Hasher(params)
	case AlgorithmLegacySHA256:
		return NewLegacySHA256Hasher(), nil
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", algorithm)
	}
}

func verify(h Hasher, secret, salt, expected string) (bool, error) {
	computed, err := h.Hash(secret, salt)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil
}

func generateSalt() (string, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

func decodeSalt(salt string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(salt)
	if err != nil || len(b) == 0 {
		return nil, ErrDecoding
	}
	return b, nil
}
