package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"thrive/internal/apperr"
	"thrive/internal/config"
	"thrive/internal/logger"
	"thrive/internal/redis"
	"thrive/internal/storage"
)

const (
	DefaultTokenTTL = 7 * 24 * time.Hour
	DefaultIssuer   = "thrive"

	redisRevokedPrefix = "auth:revoked:"
)

// UserChecker reports whether a token subject still exists.
type UserChecker interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

// Service issues, validates, and revokes user authentication tokens.
type Service struct {
	db             *storage.DB
	cache          *redis.Client
	users          UserChecker
	log            *zap.Logger
	secret         []byte
	issuer         string
	tokenTTL       time.Duration
	now            func() time.Time
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service from the auth config section.
func NewService(db *storage.DB, cache *redis.Client, users UserChecker, cfg config.AuthConfig, log *zap.Logger) *Service {
	ttl := time.Duration(cfg.TokenTTL) * time.Hour
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Service{
		db:             db,
		cache:          cache,
		users:          users,
		log:            logger.OrNop(log),
		secret:         []byte(cfg.JWTSecret),
		issuer:         issuer,
		tokenTTL:       ttl,
		now:            func() time.Time { return time.Now().UTC() },
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// IssueToken signs a new token for the user.
func (s *Service) IssueToken(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", apperr.Validation("invalid user id")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    s.issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// ValidateToken verifies signature, expiry and revocation, returning the user id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (int64, error) {
	if authToken == "" {
		return 0, apperr.Unauthorized("token required")
	}
	claims, err := s.parse(authToken)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, apperr.Unauthorized("token expired")
		}
		return 0, apperr.Unauthorized("invalid token")
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 || claims.ID == "" {
		return 0, apperr.Unauthorized("invalid token")
	}

	revoked, err := s.isRevoked(ctx, claims.ID)
	if err != nil {
		return 0, err
	}
	if revoked {
		return 0, apperr.Unauthorized("token revoked")
	}

	if s.users != nil {
		exists, err := s.users.Exists(ctx, userID)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, apperr.Unauthorized("user no longer exists")
		}
	}
	return userID, nil
}

// RevokeToken blocks the token's jti until the token would have expired.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	claims, err := s.parse(authToken)
	if err != nil {
		// expired or foreign tokens are already unusable
		return nil
	}
	userID, _ := strconv.ParseInt(claims.Subject, 10, 64)
	expiresAt := s.now().Add(s.tokenTTL)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time.UTC()
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO revoked_tokens (jti, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`),
		claims.ID, userID, expiresAt, s.now(),
	)
	if err != nil && !storage.IsUniqueViolation(err) {
		return apperr.Storage("revoke token", err)
	}

	if s.cache != nil {
		ttl := expiresAt.Sub(s.now())
		if ttl > 0 {
			if err := s.cache.Set(ctx, redisRevokedPrefix+claims.ID, userID, ttl); err != nil {
				s.log.Warn("cache revoked token", zap.String("jti", claims.ID), zap.Error(err))
			}
		}
	}
	return nil
}

func (s *Service) parse(authToken string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(authToken, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Service) isRevoked(ctx context.Context, jti string) (bool, error) {
	if s.cache != nil {
		hit, err := s.cache.Exists(ctx, redisRevokedPrefix+jti)
		if err != nil {
			s.log.Warn("revocation cache lookup", zap.Error(err))
		} else if hit {
			return true, nil
		}
	}
	var revoked bool
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti = ?)`), jti,
	).Scan(&revoked); err != nil {
		return false, apperr.Storage("lookup revoked token", err)
	}
	return revoked, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
