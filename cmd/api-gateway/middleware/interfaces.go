package middleware

import (
	"context"

	"github.com/lgulliver/conduit/pkg/types"
)

// AuthServiceInterface defines the contract for authentication services
type AuthServiceInterface interface {
	ValidateToken(ctx context.Context, token string) (*types.Principal, error)
}
