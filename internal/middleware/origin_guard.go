package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/internal/policy"
	"github.com/rs/zerolog/log"
)

// Context keys and values shared with the authentication middleware
const (
	AuthModeKey    = "auth_mode"
	AuthModeBearer = "bearer"
	AuthModeCookie = "cookie"
)

// CSRFHeader must be sent with the value "1" on cookie-authenticated mutations
const CSRFHeader = "X-Conduit-CSRF"

// OriginGuardMiddleware protects cookie-authenticated mutations against
// cross-site requests. Bearer-authenticated requests and safe methods pass.
// publicURL is the server's own origin; when empty it is derived from the request.
func OriginGuardMiddleware(p *policy.Policy, publicURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(AuthModeKey) != AuthModeCookie || isSafeMethod(c.Request.Method) {
			c.Next()
			return
		}

		if err := p.CheckOrigin(c.GetHeader("Origin"), requestOrigin(c.Request, publicURL)); err != nil {
			log.Warn().
				Str("origin", c.GetHeader("Origin")).
				Str("path", c.Request.URL.Path).
				Msg("cross-origin mutation rejected")
			AbortWithError(c, err)
			return
		}

		if c.GetHeader(CSRFHeader) != "1" {
			AbortWithError(c, apperr.Forbidden(apperr.CodeCSRFRequired, CSRFHeader+": 1 header is required"))
			return
		}

		c.Next()
	}
}

// AbortWithError writes err as a JSON error envelope and stops the chain
func AbortWithError(c *gin.Context, err error) {
	status, body := apperr.Response(err)
	c.AbortWithStatusJSON(status, body)
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func requestOrigin(r *http.Request, publicURL string) string {
	if publicURL != "" {
		return publicURL
	}
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
