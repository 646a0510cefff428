package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"account-security/internal/token"
	"account-security/internal/util"
)

type claimsKey struct{}

// ClaimsFrom returns the token claims RequireToken stored on the request context.
func ClaimsFrom(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*token.Claims)
	return c, ok
}

// RequireToken rejects requests without a valid bearer token.
func RequireToken(issuer *token.Issuer, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				unauthorized(w, logger)
				return
			}
			claims, err := issuer.Parse(raw)
			if err != nil {
				logger.Debug("Rejected bearer token", util.ErrorField(err))
				unauthorized(w, logger)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// RequireAdmin must run after RequireToken. It refuses tokens without the admin claim.
func RequireAdmin(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				unauthorized(w, logger)
				return
			}
			if !claims.IsAdmin {
				logger.Warn("Non-admin token refused", util.String("subject", claims.Subject), util.String("path", r.URL.Path))
				writeJSON(w, logger, http.StatusForbidden, APIResponse{
					StatusCode:   http.StatusForbidden,
					ErrorMessage: "Admin role required",
					Txn:          txnID(time.Now()),
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, logger *zap.Logger) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="accounts"`)
	writeJSON(w, logger, http.StatusUnauthorized, APIResponse{
		StatusCode:   http.StatusUnauthorized,
		ErrorMessage: "Missing or invalid token",
		Txn:          txnID(time.Now()),
	})
}

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired) // 426
			w.Write([]byte(`{"error":"https required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
