package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"account-security/internal/service"
	"account-security/internal/util"
)

// APIResponse is the envelope every endpoint returns.
type APIResponse struct {
	Status         bool        `json:"status"`
	StatusCode     int         `json:"statusCode"`
	Response       interface{} `json:"response,omitempty"`
	SuccessMessage string      `json:"successMessage,omitempty"`
	ErrorMessage   string      `json:"errorMessage,omitempty"`
	ErrorCode      string      `json:"errorCode,omitempty"`
	Txn            string      `json:"txn"`
}

// txnID is the UTC time with millisecond precision, digits only.
func txnID(now time.Time) string {
	return strings.Replace(now.UTC().Format("20060102150405.000"), ".", "", 1)
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func respondOK(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}, message string) {
	writeJSON(w, logger, statusCode, APIResponse{
		Status:         true,
		StatusCode:     statusCode,
		Response:       data,
		SuccessMessage: message,
		Txn:            txnID(time.Now()),
	})
}

// respondError maps err onto the envelope. Internal failures get a generic message
// and are logged in full.
func respondError(w http.ResponseWriter, logger *zap.Logger, err error) {
	statusCode := statusFor(err)
	code := service.Code(err)
	message := errorMessage(err, code)

	if service.IsExpected(err) {
		logger.Debug("Request rejected", util.String("error_code", code), util.ErrorField(err))
	} else {
		logger.Error("Request failed", util.String("error_code", code), util.ErrorField(err))
	}

	var locked *service.AccountLockedError
	if errors.As(err, &locked) {
		if secs := int(time.Until(locked.Until).Seconds()); secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}

	writeJSON(w, logger, statusCode, APIResponse{
		Status:       false,
		StatusCode:   statusCode,
		ErrorMessage: message,
		ErrorCode:    code,
		Txn:          txnID(time.Now()),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrDecoding):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrOtpMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, service.ErrAccountNotActivated):
		return http.StatusForbidden
	case errors.Is(err, service.ErrAccountNotFound), errors.Is(err, service.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDuplicateEmail), errors.Is(err, service.ErrDuplicateUsername):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoActiveOtp):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

var messageByCode = map[string]string{
	service.CodeValidation:         "Invalid request",
	service.CodeNotActivated:       "Account is not activated",
	service.CodeNotFound:           "Email is not registered",
	service.CodeInvalidCredentials: "Invalid email or password",
	service.CodeDuplicateEmail:     "Email already registered",
	service.CodeDuplicateUsername:  "Username already taken",
	service.CodeNoActiveOtp:        "No active OTP, request a new one",
	service.CodeOtpMismatch:        "Invalid OTP",
	service.CodeDecoding:           "Unable to decode credentials",
}

func errorMessage(err error, code string) string {
	var locked *service.AccountLockedError
	if errors.As(err, &locked) {
		return "Account locked until " + locked.Until.UTC().Format(time.RFC3339)
	}
	if code == service.CodeValidation {
		// validation messages name the offending field only
		return err.Error()
	}
	if msg, ok := messageByCode[code]; ok {
		return msg
	}
	return "Internal server error"
}
