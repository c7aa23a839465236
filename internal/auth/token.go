// Package auth issues and validates the HS256 tokens that guard the admin
// API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Markmu/sector-strength-sub001/internal/config"
	"github.com/Markmu/sector-strength-sub001/internal/platform/logger"
)

// RoleAdmin is the only role the admin API accepts.
const RoleAdmin = "admin"

const minSecretLength = 32

var (
	// ErrInvalidToken covers malformed tokens, bad signatures and claims
	// this service did not issue.
	ErrInvalidToken = errors.New("invalid authentication token")

	// ErrExpiredToken is returned for a token past its expiry.
	ErrExpiredToken = errors.New("authentication token has expired")

	// ErrMissingToken is returned when no bearer token was sent.
	ErrMissingToken = errors.New("authentication token is missing")

	// ErrForbidden is returned for a valid token without the admin role.
	ErrForbidden = errors.New("insufficient role")
)

// Claims are the validated contents of a token.
type Claims struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
	ID        string    `json:"jti"`
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies admin tokens with a shared secret.
type TokenService struct {
	key       []byte
	lifetime  time.Duration
	clockSkew time.Duration
	now       func() time.Time
}

// NewTokenService builds a TokenService from cfg.
func NewTokenService(cfg config.AuthConfig) (*TokenService, error) {
	return newTokenService(cfg.JWTSecret, time.Duration(cfg.TokenLifetimeMinutes)*time.Minute, time.Now)
}

func newTokenService(secret string, lifetime time.Duration, now func() time.Time) (*TokenService, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", minSecretLength)
	}
	if lifetime <= 0 {
		return nil, errors.New("token lifetime must be positive")
	}
	return &TokenService{
		key:       []byte(secret),
		lifetime:  lifetime,
		clockSkew: 2 * time.Minute,
		now:       now,
	}, nil
}

// Issue signs a token for subject with role, valid for the configured
// lifetime or ttl when positive.
func (s *TokenService) Issue(ctx context.Context, subject, role string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token subject is required")
	}
	if ttl <= 0 {
		ttl = s.lifetime
	}
	now := s.now()
	claims := tokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		logger.FromContext(ctx).Error("failed to sign token", "error", err, "subject", subject)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate verifies signature and expiry and returns the claims.
func (s *TokenService) Validate(ctx context.Context, token string) (*Claims, error) {
	log := logger.FromContext(ctx)
	if token == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(s.clockSkew),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			log.Debug("token expired")
			return nil, ErrExpiredToken
		}
		log.Debug("token rejected", "error", err)
		return nil, ErrInvalidToken
	}

	c, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	out := &Claims{Subject: c.Subject, Role: c.Role, ID: c.ID}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

// RequireAdmin validates token and checks its role.
func (s *TokenService) RequireAdmin(ctx context.Context, token string) (*Claims, error) {
	c, err := s.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if c.Role != RoleAdmin {
		return nil, ErrForbidden
	}
	return c, nil
}
