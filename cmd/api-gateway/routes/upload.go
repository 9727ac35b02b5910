package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/conduit/cmd/api-gateway/middleware"
	apitypes "github.com/lgulliver/conduit/cmd/api-gateway/types"
	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/internal/upload"
	"github.com/rs/zerolog/log"
)

// UploadRoutes sets up the upload control-plane routes. auth must run before
// guard so that the guard can see how the caller authenticated.
func UploadRoutes(api *gin.RouterGroup, uploadService UploadServiceInterface, auth, guard gin.HandlerFunc) {
	uploads := api.Group("/upload")
	uploads.Use(auth, guard)
	{
		uploads.POST("/init", handleInitUpload(uploadService))
		uploads.POST("/sign-part", handleSignPart(uploadService))
		uploads.POST("/complete", handleCompleteUpload(uploadService))
		uploads.POST("/abort", handleAbortUpload(uploadService))
		uploads.GET("/session/:sessionId", handleGetUploadSession(uploadService))
	}

	api.GET("/session/info", auth, handleSessionInfo(uploadService))
}

func handleInitUpload(uploadService UploadServiceInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerFromContext(c)
		if !ok {
			return
		}
		var req upload.InitRequest
		if !bindJSON(c, &req) {
			return
		}

		resp, err := uploadService.Init(c.Request.Context(), owner, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleSignPart(uploadService UploadServiceInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerFromContext(c)
		if !ok {
			return
		}
		var req upload.SignPartRequest
		if !bindJSON(c, &req) {
			return
		}

		resp, err := uploadService.SignPart(c.Request.Context(), owner, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func handleCompleteUpload(uploadService UploadServiceInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerFromContext(c)
		if !ok {
			return
		}
		var req upload.CompleteRequest
		if !bindJSON(c, &req) {
			return
		}

		result, err := uploadService.Complete(c.Request.Context(), owner, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func handleAbortUpload(uploadService UploadServiceInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerFromContext(c)
		if !ok {
			return
		}
		var req upload.AbortRequest
		if !bindJSON(c, &req) {
			return
		}

		aborted, err := uploadService.Abort(c.Request.Context(), owner, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, apitypes.SessionResponse{Session: aborted})
	}
}

func handleGetUploadSession(uploadService UploadServiceInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := ownerFromContext(c)
		if !ok {
			return
		}

		current, err := uploadService.Session(c.Request.Context(), owner, c.Param("sessionId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, apitypes.SessionResponse{Session: current})
	}
}

func handleSessionInfo(uploadService UploadServiceInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.GetPrincipalFromContext(c)
		if !ok {
			respondError(c, apperr.Unauthorized("authentication required"))
			return
		}
		c.JSON(http.StatusOK, apitypes.SessionInfoResponse{
			Owner:  principal.OwnerID,
			Email:  principal.Email,
			Limits: apitypes.UploadLimits{Upload: uploadService.Limits()},
		})
	}
}

func ownerFromContext(c *gin.Context) (string, bool) {
	principal, ok := middleware.GetPrincipalFromContext(c)
	if !ok {
		respondError(c, apperr.Unauthorized("authentication required"))
		return "", false
	}
	return principal.OwnerID, true
}

func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		respondError(c, apperr.Validation("invalid request body").WithDetails("reason", err.Error()))
		return false
	}
	return true
}

func respondError(c *gin.Context, err error) {
	status, body := apperr.Response(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("path", c.Request.URL.Path).
			Str("code", body.Error.Code).
			Msg("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}
