package routes

import (
	"context"

	"github.com/lgulliver/conduit/internal/completion"
	"github.com/lgulliver/conduit/internal/policy"
	"github.com/lgulliver/conduit/internal/session"
	"github.com/lgulliver/conduit/internal/upload"
	"github.com/lgulliver/conduit/pkg/types"
)

// UploadServiceInterface defines the contract for the upload orchestrator
type UploadServiceInterface interface {
	Init(ctx context.Context, ownerID string, req upload.InitRequest) (*upload.InitResponse, error)
	SignPart(ctx context.Context, ownerID string, req upload.SignPartRequest) (*upload.SignPartResponse, error)
	Complete(ctx context.Context, ownerID string, req upload.CompleteRequest) (*completion.Result, error)
	Abort(ctx context.Context, ownerID string, req upload.AbortRequest) (*types.UploadSession, error)
	Session(ctx context.Context, ownerID, sessionID string) (*types.UploadSession, error)
	Limits() policy.Limits
}

// SessionStoreInterface defines the session-store contract exposed internally
type SessionStoreInterface interface {
	Create(ctx context.Context, ownerID string, session *types.UploadSession, maxConcurrent int) (*types.UploadSession, error)
	Get(ctx context.Context, ownerID, sessionID string, requireActive bool) (*types.UploadSession, error)
	RecordSignedPart(ctx context.Context, ownerID string, in session.SignedPartInput) (*types.UploadSession, error)
	Complete(ctx context.Context, ownerID, sessionID, uploadID string) (*types.UploadSession, error)
	Abort(ctx context.Context, ownerID, sessionID, uploadID string) (*types.UploadSession, error)
	PruneExpired(ctx context.Context, ownerID string) (*session.PruneResult, error)
}
