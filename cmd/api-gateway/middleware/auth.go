package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/conduit/internal/apperr"
	guard "github.com/lgulliver/conduit/internal/middleware"
	"github.com/lgulliver/conduit/pkg/types"
)

const principalKey = "principal"

// AuthMiddleware accepts a bearer token or, failing that, the session cookie.
// The mode used is recorded so the origin guard can tell browser requests apart.
func AuthMiddleware(authService AuthServiceInterface, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for JWT token in Authorization header
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			if !strings.HasPrefix(authHeader, "Bearer ") {
				guard.AbortWithError(c, apperr.Unauthorized("unsupported authorization scheme"))
				return
			}
			principal, err := authService.ValidateToken(c.Request.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				guard.AbortWithError(c, unauthorized(err))
				return
			}
			c.Set(principalKey, principal)
			c.Set(guard.AuthModeKey, guard.AuthModeBearer)
			c.Next()
			return
		}

		// Fall back to the browser session cookie
		if cookieName != "" {
			if token, err := c.Cookie(cookieName); err == nil && token != "" {
				principal, err := authService.ValidateToken(c.Request.Context(), token)
				if err != nil {
					guard.AbortWithError(c, unauthorized(err))
					return
				}
				c.Set(principalKey, principal)
				c.Set(guard.AuthModeKey, guard.AuthModeCookie)
				c.Next()
				return
			}
		}

		guard.AbortWithError(c, apperr.Unauthorized("authentication required"))
	}
}

// GetPrincipalFromContext extracts the authenticated caller from gin context
func GetPrincipalFromContext(c *gin.Context) (*types.Principal, bool) {
	principal, exists := c.Get(principalKey)
	if !exists {
		return nil, false
	}
	typed, ok := principal.(*types.Principal)
	return typed, ok
}

// Token failures that are not already structured must not leak as 500s
func unauthorized(err error) error {
	if apperr.HasCode(err, apperr.CodeUnauthorized) {
		return err
	}
	return apperr.Wrap(err, http.StatusUnauthorized, apperr.CodeUnauthorized, "invalid token")
}
