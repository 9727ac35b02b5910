package types

import (
	"time"

	"github.com/lgulliver/conduit/internal/policy"
	pkgtypes "github.com/lgulliver/conduit/pkg/types"
)

// HealthResponse is returned by the health check
type HealthResponse struct {
	Status  string    `json:"status"`
	Service string    `json:"service"`
	Time    time.Time `json:"time"`
}

// SessionResponse wraps a single upload session
type SessionResponse struct {
	Session *pkgtypes.UploadSession `json:"session"`
}

// UploadLimits groups the limits clients need before starting an upload
type UploadLimits struct {
	Upload policy.Limits `json:"upload"`
}

// SessionInfoResponse describes the caller and their limits
type SessionInfoResponse struct {
	Owner  string       `json:"owner"`
	Email  string       `json:"email,omitempty"`
	Limits UploadLimits `json:"limits"`
}

// CreateSessionRequest is the internal session-store create call
type CreateSessionRequest struct {
	Session              *pkgtypes.UploadSession `json:"session" binding:"required"`
	MaxConcurrentUploads int                     `json:"maxConcurrentUploads"`
}

// GetSessionRequest is the internal session-store get call
type GetSessionRequest struct {
	SessionID     string `json:"sessionId" binding:"required"`
	RequireActive bool   `json:"requireActive"`
}

// SessionTransitionRequest is the internal complete and abort call
type SessionTransitionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	UploadID  string `json:"uploadId" binding:"required"`
}
