package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/internal/policy"
	"github.com/lgulliver/conduit/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGuardRouter(t *testing.T, allowedOrigins, publicURL string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	p, err := policy.Parse(config.UploadConfig{Bucket: "uploads", AllowedOrigins: allowedOrigins})
	require.NoError(t, err)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(AuthModeKey, c.GetHeader("X-Test-Auth-Mode"))
		c.Next()
	})
	router.Use(OriginGuardMiddleware(p, publicURL))
	router.POST("/mutate", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	router.GET("/read", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return router
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body apperr.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error.Code
}

func TestOriginGuard_CookieMutations(t *testing.T) {
	router := setupGuardRouter(t, "https://files.example.com", "")

	tests := []struct {
		name   string
		origin string
		csrf   string
		status int
		code   string
	}{
		{"allowed", "https://files.example.com", "1", http.StatusOK, ""},
		{"missing origin", "", "1", http.StatusForbidden, apperr.CodeOriginRequired},
		{"disallowed origin", "https://evil.example.com", "1", http.StatusForbidden, apperr.CodeOriginNotAllowed},
		{"null origin", "null", "1", http.StatusForbidden, apperr.CodeOriginInvalid},
		{"malformed origin", "not a url", "1", http.StatusForbidden, apperr.CodeOriginInvalid},
		{"javascript origin", "javascript:alert(1)", "1", http.StatusForbidden, apperr.CodeOriginInvalid},
		{"missing csrf", "https://files.example.com", "", http.StatusForbidden, apperr.CodeCSRFRequired},
		{"non canonical csrf", "https://files.example.com", "true", http.StatusForbidden, apperr.CodeCSRFRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/mutate", nil)
			req.Header.Set("X-Test-Auth-Mode", AuthModeCookie)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.csrf != "" {
				req.Header.Set(CSRFHeader, tt.csrf)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, w))
			}
		})
	}
}

func TestOriginGuard_BearerSkipsChecks(t *testing.T) {
	router := setupGuardRouter(t, "https://files.example.com", "")

	req := httptest.NewRequest(http.MethodPost, "/mutate", nil)
	req.Header.Set("X-Test-Auth-Mode", AuthModeBearer)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOriginGuard_SafeMethodsPass(t *testing.T) {
	router := setupGuardRouter(t, "https://files.example.com", "")

	req := httptest.NewRequest(http.MethodGet, "/read", nil)
	req.Header.Set("X-Test-Auth-Mode", AuthModeCookie)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOriginGuard_DefaultsToOwnOrigin(t *testing.T) {
	router := setupGuardRouter(t, "", "https://files.example.com")

	for origin, status := range map[string]int{
		"https://files.example.com": http.StatusOK,
		"https://other.example.com": http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodPost, "/mutate", nil)
		req.Header.Set("X-Test-Auth-Mode", AuthModeCookie)
		req.Header.Set("Origin", origin)
		req.Header.Set(CSRFHeader, "1")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, status, w.Code, origin)
	}
}

func TestOriginGuard_DerivesOriginFromRequest(t *testing.T) {
	router := setupGuardRouter(t, "", "")

	req := httptest.NewRequest(http.MethodPost, "http://localhost:8080/mutate", nil)
	req.Header.Set("X-Test-Auth-Mode", AuthModeCookie)
	req.Header.Set("Origin", "http://localhost:8080")
	req.Header.Set(CSRFHeader, "1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
