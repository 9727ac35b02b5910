package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/pkg/config"
	"github.com/lgulliver/conduit/pkg/types"
	"github.com/lgulliver/conduit/pkg/utils"
	"github.com/rs/zerolog/log"
)

// ErrNotConfigured is returned when no signing secret is configured
var ErrNotConfigured = errors.New("auth: jwt secret is not configured")

// Service verifies caller tokens. Identity itself is owned by an upstream
// issuer; this service only checks the signature and extracts the owner.
type Service struct {
	config *config.AuthConfig
}

// NewService creates a new auth service
func NewService(config *config.AuthConfig) *Service {
	return &Service{config: config}
}

// ValidateToken verifies an HS256 token and returns the caller
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*types.Principal, error) {
	if s.config.JWTSecret == "" {
		return nil, ErrNotConfigured
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, apperr.Unauthorized("missing token")
	}

	subject, email, err := utils.ValidateJWT(tokenString, s.config.JWTSecret)
	if err != nil {
		log.Debug().Err(err).Msg("token rejected")
		return nil, apperr.Wrap(err, http.StatusUnauthorized, apperr.CodeUnauthorized, "invalid token")
	}

	return &types.Principal{OwnerID: subject, Email: email}, nil
}

// IssueToken signs a token for the given owner. It exists for development
// and tests; production tokens come from the identity provider.
func (s *Service) IssueToken(ownerID, email string) (string, time.Time, error) {
	if s.config.JWTSecret == "" {
		return "", time.Time{}, ErrNotConfigured
	}
	expiration := s.config.JWTExpiration
	if expiration <= 0 {
		expiration = time.Hour
	}
	token, err := utils.GenerateJWT(ownerID, email, s.config.JWTSecret, expiration)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, time.Now().Add(expiration), nil
}
