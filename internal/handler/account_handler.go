package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/service"
	"account-security/internal/token"
	"account-security/internal/util"
)

const maxBodyBytes = 1 << 16

var validate = newValidator()

// newValidator reports JSON field names in validation errors.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

// PasswordDecoder reverses transport encryption of password fields.
// *encryption.TransportDecoder implements it.
type PasswordDecoder interface {
	Decrypt(payload string) (string, error)
}

// AccountHandler exposes the account and OTP services over HTTP.
type AccountHandler struct {
	accounts *service.AccountService
	otps     *service.OtpService
	tokens   *token.Issuer
	decoder  PasswordDecoder
	logger   *zap.Logger
}

// NewAccountHandler builds the handler. decoder may be nil when passwords arrive in plaintext.
func NewAccountHandler(
	accounts *service.AccountService,
	otps *service.OtpService,
	tokens *token.Issuer,
	decoder PasswordDecoder,
	logger *zap.Logger,
) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		otps:     otps,
		tokens:   tokens,
		decoder:  decoder,
		logger:   logger.Named("account_handler"),
	}
}

func (h *AccountHandler) RegisterRoutes(router chi.Router) {
	router.Route("/accounts", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/otp", h.RequestOtp)
		r.Post("/otp/verify", h.VerifyOtp)
		r.Post("/password/reset", h.ResetPassword)

		r.Group(func(r chi.Router) {
			r.Use(RequireToken(h.tokens, h.logger))
			r.Use(RequireAdmin(h.logger))
			r.Get("/", h.ListAccounts)
		})
	})
}

type registerRequest struct {
	Name     string `json:"name" validate:"required"`
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Phone    string `json:"phone"`
	Password string `json:"password" validate:"required"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type otpRequest struct {
	Email   string `json:"email" validate:"required,email"`
	Purpose string `json:"purpose"`
}

type verifyRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,numeric,len=6"`
}

type resetRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Code        string `json:"code" validate:"required,numeric,len=6"`
	NewPassword string `json:"newPassword" validate:"required"`
}

type accountView struct {
	AccountID   string     `json:"accountId"`
	Name        string     `json:"name"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Phone       string     `json:"phone,omitempty"`
	IsAdmin     bool       `json:"isAdmin"`
	Active      bool       `json:"active"`
	Status      string     `json:"status"`
	CreatedOn   time.Time  `json:"createdOn"`
	LastLoginOn *time.Time `json:"lastLoginOn,omitempty"`
}

func viewOf(a *models.Account) accountView {
	return accountView{
		AccountID:   a.AccountID,
		Name:        a.Name,
		Username:    a.Username,
		Email:       a.Email,
		Phone:       a.Phone,
		IsAdmin:     a.IsAdmin,
		Active:      a.Active,
		Status:      a.Status.String(),
		CreatedOn:   a.CreatedOn,
		LastLoginOn: a.LastLoginOn,
	}
}

type loginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Account   accountView `json:"account"`
}

type otpResponse struct {
	Purpose   string    `json:"purpose"`
	ValidUpto time.Time `json:"validUpto"`
	Resent    bool      `json:"resent"`
}

func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	password, err := h.password(req.Password)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	account, err := h.accounts.Register(r.Context(), service.RegisterRequest{
		Name:     req.Name,
		Username: req.Username,
		Email:    req.Email,
		Phone:    req.Phone,
		Password: password,
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	respondOK(w, h.logger, http.StatusCreated, viewOf(account), "Account registered, verify the OTP to activate it")
}

func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	password, err := h.password(req.Password)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	account, err := h.accounts.Login(r.Context(), req.Email, password)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	signed, expires, err := h.tokens.Issue(account)
	if err != nil {
		respondError(w, h.logger, fmt.Errorf("%w: %v", service.ErrInternal, err))
		return
	}

	respondOK(w, h.logger, http.StatusOK, loginResponse{Token: signed, ExpiresAt: expires, Account: viewOf(account)}, "Login successful")
}

func (h *AccountHandler) RequestOtp(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	purpose := models.PurposeActivation
	if req.Purpose != "" {
		p, err := models.ParseOtpPurpose(req.Purpose)
		if err != nil {
			respondError(w, h.logger, fmt.Errorf("%w: %v", service.ErrInvalidInput, err))
			return
		}
		purpose = p
	}

	result, err := h.otps.RequestOtp(r.Context(), req.Email, purpose)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	respondOK(w, h.logger, http.StatusOK, otpResponse{
		Purpose:   result.Purpose.String(),
		ValidUpto: result.ValidUpto,
		Resent:    result.Resent,
	}, "OTP sent")
}

func (h *AccountHandler) VerifyOtp(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	if err := h.otps.VerifyOtp(r.Context(), req.Email, req.Code); err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondOK(w, h.logger, http.StatusOK, nil, "OTP verified, account activated")
}

func (h *AccountHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := h.decode(w, r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}
	password, err := h.password(req.NewPassword)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	if err := h.otps.CompletePasswordReset(r.Context(), req.Email, req.Code, password); err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondOK(w, h.logger, http.StatusOK, nil, "Password reset")
}

func (h *AccountHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.ListAccounts(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, viewOf(a))
	}

	if claims, ok := ClaimsFrom(r.Context()); ok {
		h.logger.Debug("Accounts listed", util.String("by", claims.Subject), util.Int("count", len(views)))
	}
	respondOK(w, h.logger, http.StatusOK, views, "")
}

func (h *AccountHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed request body", service.ErrInvalidInput)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %s", service.ErrInvalidInput, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return nil
}

func (h *AccountHandler) password(value string) (string, error) {
	if h.decoder == nil || value == "" {
		return value, nil
	}
	plain, err := h.decoder.Decrypt(value)
	if err != nil {
		return "", fmt.Errorf("password: %w", service.ErrDecoding)
	}
	return plain, nil
}
