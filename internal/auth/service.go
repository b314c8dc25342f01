package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kaichat/internal/cache"
)

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

const tokenKeyPrefix = "auth:token:"

// Service issues, validates, and revokes bearer tokens. Tokens live in the cache and expire
// with it, so a Redis-backed cache shares them across instances.
type Service struct {
	cache      cache.Cache
	enabled    bool
	tokenTTL   time.Duration
	cookieName string
	headerName string
}

// NewService constructs an auth service. When enabled is false the middleware lets every request
// through and ownership checks always pass.
func NewService(c cache.Cache, enabled bool, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		cache:      c,
		enabled:    enabled,
		tokenTTL:   ttl,
		cookieName: "auth_token",
		headerName: "Authorization",
	}
}

// Enabled reports whether requests must carry a token.
func (s *Service) Enabled() bool {
	return s != nil && s.enabled
}

// IssueToken mints a new random token for the user.
func (s *Service) IssueToken(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("invalid user id")
	}
	token := uuid.NewString()
	if err := s.cache.Set(ctx, tokenKeyPrefix+token, userID, s.tokenTTL); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

// ValidateToken returns the id of the user owning the token.
func (s *Service) ValidateToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrTokenRequired
	}
	userID, err := s.cache.Get(ctx, tokenKeyPrefix+token)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	return userID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.cache.Del(ctx, tokenKeyPrefix+token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
