package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"account-security/internal/models"
)

var ten = big.NewInt(10)

// GenerateOtpCode draws OTPLength independent decimal digits from crypto/rand.
// Leading zeros are kept.
func GenerateOtpCode() (string, error) {
	var b strings.Builder
	b.Grow(models.OTPLength)
	for i := 0; i < models.OTPLength; i++ {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("failed to read random digit: %w", err)
		}
		b.WriteByte(byte('0' + d.Int64()))
	}
	return b.String(), nil
}
