package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	guard "github.com/lgulliver/conduit/internal/middleware"
	"github.com/lgulliver/conduit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

const testCookie = "conduit_session"

// MockAuthService mocks the auth service for testing
type MockAuthService struct {
	mock.Mock
}

func (m *MockAuthService) ValidateToken(ctx context.Context, token string) (*types.Principal, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Principal), args.Error(1)
}

type captured struct {
	called    bool
	principal *types.Principal
	mode      string
}

func setupRouter(authService AuthServiceInterface) (*gin.Engine, *captured) {
	gin.SetMode(gin.TestMode)
	got := &captured{}

	router := gin.New()
	router.Use(AuthMiddleware(authService, testCookie))
	router.GET("/test", func(c *gin.Context) {
		got.called = true
		got.principal, _ = GetPrincipalFromContext(c)
		got.mode = c.GetString(guard.AuthModeKey)
		c.JSON(http.StatusOK, gin.H{"status": "success"})
	})
	return router, got
}

func TestAuthMiddleware_ValidBearerToken(t *testing.T) {
	mockAuth := new(MockAuthService)
	principal := &types.Principal{OwnerID: "user-a", Email: "a@example.com"}
	mockAuth.On("ValidateToken", mock.Anything, "valid-token").Return(principal, nil)

	router, got := setupRouter(mockAuth)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer valid-token")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, got.called)
	assert.Equal(t, principal, got.principal)
	assert.Equal(t, guard.AuthModeBearer, got.mode)
	mockAuth.AssertExpectations(t)
}

func TestAuthMiddleware_InvalidBearerToken(t *testing.T) {
	mockAuth := new(MockAuthService)
	mockAuth.On("ValidateToken", mock.Anything, "invalid-token").Return(nil, errors.New("invalid token"))

	router, got := setupRouter(mockAuth)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer invalid-token")
	// A bad bearer token is not rescued by a valid cookie
	req.AddCookie(&http.Cookie{Name: testCookie, Value: "cookie-token"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"code":"unauthorized"`)
	assert.False(t, got.called)
	mockAuth.AssertNotCalled(t, "ValidateToken", mock.Anything, "cookie-token")
}

func TestAuthMiddleware_UnsupportedScheme(t *testing.T) {
	mockAuth := new(MockAuthService)

	router, _ := setupRouter(mockAuth)
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	mockAuth.AssertNotCalled(t, "ValidateToken", mock.Anything, mock.Anything)
}

func TestAuthMiddleware_ValidCookie(t *testing.T) {
	mockAuth := new(MockAuthService)
	principal := &types.Principal{OwnerID: "user-a"}
	mockAuth.On("ValidateToken", mock.Anything, "cookie-token").Return(principal, nil)

	router, got := setupRouter(mockAuth)
	req := httptest.NewRequest("GET", "/test", nil)
	req.AddCookie(&http.Cookie{Name: testCookie, Value: "cookie-token"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, principal, got.principal)
	assert.Equal(t, guard.AuthModeCookie, got.mode)
}

func TestAuthMiddleware_InvalidCookie(t *testing.T) {
	mockAuth := new(MockAuthService)
	mockAuth.On("ValidateToken", mock.Anything, "stale").Return(nil, errors.New("expired"))

	router, got := setupRouter(mockAuth)
	req := httptest.NewRequest("GET", "/test", nil)
	req.AddCookie(&http.Cookie{Name: testCookie, Value: "stale"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, got.called)
}

func TestAuthMiddleware_NoCredentials(t *testing.T) {
	mockAuth := new(MockAuthService)

	router, got := setupRouter(mockAuth)
	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, got.called)
	mockAuth.AssertNotCalled(t, "ValidateToken", mock.Anything, mock.Anything)
}

func TestGetPrincipalFromContext_Missing(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	principal, ok := GetPrincipalFromContext(c)
	assert.False(t, ok)
	assert.Nil(t, principal)
}
