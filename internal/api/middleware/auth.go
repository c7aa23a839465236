// Package middleware holds the HTTP middleware of the admin API.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Markmu/sector-strength-sub001/internal/api/shared"
	"github.com/Markmu/sector-strength-sub001/internal/auth"
	"github.com/Markmu/sector-strength-sub001/internal/platform/logger"
)

// TokenValidator checks an admin bearer token.
type TokenValidator interface {
	RequireAdmin(ctx context.Context, token string) (*auth.Claims, error)
}

// AuthMiddleware rejects requests without a valid admin token.
type AuthMiddleware struct {
	tokens TokenValidator
}

// NewAuthMiddleware returns an AuthMiddleware validating with tokens.
func NewAuthMiddleware(tokens TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Authenticate validates the bearer token and stores the admin subject in
// the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Authorization header required")
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid authorization format")
			return
		}

		claims, err := m.tokens.RequireAdmin(r.Context(), token)
		switch {
		case err == nil:
		case errors.Is(err, auth.ErrExpiredToken):
			shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, "Token expired", err)
			return
		case errors.Is(err, auth.ErrForbidden):
			shared.RespondWithErrorAndLog(w, r, http.StatusForbidden, "Admin role required", err,
				shared.WithElevatedLogLevel())
			return
		case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrMissingToken):
			shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, "Invalid token", err,
				shared.WithElevatedLogLevel())
			return
		default:
			shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Authentication error", err)
			return
		}

		ctx := shared.WithSubject(r.Context(), claims.Subject)
		ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With("admin", claims.Subject))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
