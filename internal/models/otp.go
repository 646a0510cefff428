package models

import (
	"fmt"
	"time"
)

const (
	// OTPLength is the number of decimal digits in a code.
	OTPLength = 6
	// OTPValidity is the time-to-live of a generated code.
	OTPValidity = 15 * time.Minute
)

type OtpPurpose int

const (
	PurposeActivation    OtpPurpose = 1
	PurposePasswordReset OtpPurpose = 2
)

func (p OtpPurpose) String() string {
	switch p {
	case PurposeActivation:
		return "activation"
	case PurposePasswordReset:
		return "password_reset"
	default:
		return "unknown"
	}
}

func (p OtpPurpose) Valid() bool {
	return p == PurposeActivation || p == PurposePasswordReset
}

// ParseOtpPurpose accepts the names produced by String.
func ParseOtpPurpose(s string) (OtpPurpose, error) {
	switch s {
	case "activation", "account_activate":
		return PurposeActivation, nil
	case "password_reset", "forgot_password":
		return PurposePasswordReset, nil
	default:
		return 0, fmt.Errorf("unknown otp purpose %q", s)
	}
}

type OtpRecord struct {
	Email       string     `json:"email" db:"email"`
	Code        string     `json:"-" db:"code"`
	Purpose     OtpPurpose `json:"purpose" db:"purpose"`
	GeneratedOn time.Time  `json:"generated_on" db:"generated_on"`
	ValidUpto   time.Time  `json:"valid_upto" db:"valid_upto"`
	ConsumedOn  *time.Time `json:"consumed_on,omitempty" db:"consumed_on"`
}

// NewOtpRecord stamps a fresh code valid for OTPValidity from now.
func NewOtpRecord(email, code string, purpose OtpPurpose, now time.Time) *OtpRecord {
	return &OtpRecord{
		Email:       email,
		Code:        code,
		Purpose:     purpose,
		GeneratedOn: now,
		ValidUpto:   now.Add(OTPValidity),
	}
}

// IsLive reports whether the code can still be verified: unconsumed and now <= ValidUpto.
func (r *OtpRecord) IsLive(now time.Time) bool {
	return r.ConsumedOn == nil && !now.After(r.ValidUpto)
}

func (r *OtpRecord) Clone() *OtpRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ConsumedOn != nil {
		t := *r.ConsumedOn
		c.ConsumedOn = &t
	}
	return &c
}
