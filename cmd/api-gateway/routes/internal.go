package routes

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	apitypes "github.com/lgulliver/conduit/cmd/api-gateway/types"
	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/internal/session"
	"github.com/lgulliver/conduit/pkg/types"
)

// InternalTokenHeader carries the shared secret for the internal session routes
const InternalTokenHeader = "X-Internal-Token"

// InternalSessionRoutes exposes the session store to trusted callers. The
// routes are only mounted when a token is configured.
func InternalSessionRoutes(router *gin.Engine, store SessionStoreInterface, token string) {
	if token == "" {
		return
	}

	internal := router.Group("/internal/upload-sessions/:owner")
	internal.Use(internalTokenMiddleware(token))
	{
		internal.POST("/create", handleInternalCreate(store))
		internal.POST("/get", handleInternalGet(store))
		internal.POST("/record-signed-part", handleInternalRecordSignedPart(store))
		internal.POST("/complete", handleInternalComplete(store))
		internal.POST("/abort", handleInternalAbort(store))
		internal.POST("/gc-expired", handleInternalPrune(store))
	}
}

func internalTokenMiddleware(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		provided := []byte(c.GetHeader(InternalTokenHeader))
		if subtle.ConstantTimeCompare(provided, expected) != 1 {
			respondError(c, apperr.Unauthorized("invalid internal token"))
			return
		}
		c.Next()
	}
}

func handleInternalCreate(store SessionStoreInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req apitypes.CreateSessionRequest
		if !bindJSON(c, &req) {
			return
		}
		created, err := store.Create(c.Request.Context(), c.Param("owner"), req.Session, req.MaxConcurrentUploads)
		respondSession(c, created, err)
	}
}

func handleInternalGet(store SessionStoreInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req apitypes.GetSessionRequest
		if !bindJSON(c, &req) {
			return
		}
		found, err := store.Get(c.Request.Context(), c.Param("owner"), req.SessionID, req.RequireActive)
		respondSession(c, found, err)
	}
}

func handleInternalRecordSignedPart(store SessionStoreInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req session.SignedPartInput
		if !bindJSON(c, &req) {
			return
		}
		updated, err := store.RecordSignedPart(c.Request.Context(), c.Param("owner"), req)
		respondSession(c, updated, err)
	}
}

func handleInternalComplete(store SessionStoreInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req apitypes.SessionTransitionRequest
		if !bindJSON(c, &req) {
			return
		}
		completed, err := store.Complete(c.Request.Context(), c.Param("owner"), req.SessionID, req.UploadID)
		respondSession(c, completed, err)
	}
}

func handleInternalAbort(store SessionStoreInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req apitypes.SessionTransitionRequest
		if !bindJSON(c, &req) {
			return
		}
		aborted, err := store.Abort(c.Request.Context(), c.Param("owner"), req.SessionID, req.UploadID)
		respondSession(c, aborted, err)
	}
}

func handleInternalPrune(store SessionStoreInterface) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := store.PruneExpired(c.Request.Context(), c.Param("owner"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func respondSession(c *gin.Context, s *types.UploadSession, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, apitypes.SessionResponse{Session: s})
}
