// Package upload orchestrates direct-to-storage multipart uploads: it admits
// new uploads against policy, issues part URLs and drives completion.
package upload

import (
	"context"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/internal/completion"
	"github.com/lgulliver/conduit/internal/policy"
	"github.com/lgulliver/conduit/internal/session"
	"github.com/lgulliver/conduit/internal/signer"
	"github.com/lgulliver/conduit/internal/storage"
	"github.com/lgulliver/conduit/pkg/types"
	"github.com/lgulliver/conduit/pkg/utils"
	"github.com/rs/zerolog/log"
)

// InitRequest declares a new upload
type InitRequest struct {
	Filename     string  `json:"filename"`
	Prefix       string  `json:"prefix"`
	DeclaredSize int64   `json:"declaredSize"`
	ContentType  string  `json:"contentType"`
	SHA256       *string `json:"sha256"`
}

// InitResponse tells the client how to upload the parts
type InitResponse struct {
	SessionID      string    `json:"sessionId"`
	UploadID       string    `json:"uploadId"`
	ObjectKey      string    `json:"objectKey"`
	Bucket         string    `json:"bucket"`
	PartSizeBytes  int64     `json:"partSizeBytes"`
	PartsNeeded    int       `json:"partsNeeded"`
	MaxParts       int       `json:"maxParts"`
	ExpiresAt      time.Time `json:"expiresAt"`
	SignPartTTLSec int64     `json:"signPartTtlSec"`
	AllowedExt     []string  `json:"allowedExt"`
}

// SignPartRequest asks for a URL for one part
type SignPartRequest struct {
	SessionID     string  `json:"sessionId" binding:"required"`
	UploadID      string  `json:"uploadId" binding:"required"`
	PartNumber    int     `json:"partNumber"`
	ContentLength int64   `json:"contentLength"`
	ContentMD5    *string `json:"contentMd5"`
}

// SignPartResponse is a signed part URL
type SignPartResponse struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	PartNumber int               `json:"partNumber"`
}

// CompleteRequest lists the uploaded parts
type CompleteRequest struct {
	SessionID string                `json:"sessionId" binding:"required"`
	UploadID  string                `json:"uploadId" binding:"required"`
	Parts     []types.CompletedPart `json:"parts"`
	FinalSize *int64                `json:"finalSize"`
}

// AbortRequest cancels an upload
type AbortRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	UploadID  string `json:"uploadId" binding:"required"`
}

// Service is the upload orchestrator
type Service struct {
	Policy    *policy.Policy
	Storage   storage.MultipartStorage
	Sessions  *session.Store
	signer    *signer.Signer
	validator *completion.Validator
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source used for session timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService wires the orchestrator together
func NewService(p *policy.Policy, store storage.MultipartStorage, sessions *session.Store, opts ...Option) *Service {
	s := &Service{
		Policy:   p,
		Storage:  store,
		Sessions: sessions,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.signer = signer.New(store, signer.WithClock(s.now))
	s.validator = completion.NewValidator(store, sessions, p)
	return s
}

// Init admits a new upload, starts the storage multipart upload and opens
// an active session for it
func (s *Service) Init(ctx context.Context, ownerID string, req InitRequest) (*InitResponse, error) {
	owner, err := session.NormalizeOwner(ownerID)
	if err != nil {
		return nil, err
	}

	accepted, err := s.Policy.Evaluate(policy.Candidate{
		Filename:     req.Filename,
		Prefix:       req.Prefix,
		DeclaredSize: req.DeclaredSize,
		ContentType:  req.ContentType,
	})
	if err != nil {
		log.Debug().Err(err).Str("owner_id", owner).Str("filename", req.Filename).Msg("upload rejected by policy")
		return nil, err
	}

	checksum, err := normalizeSHA256(req.SHA256)
	if err != nil {
		return nil, err
	}

	uploadID, err := s.Storage.CreateMultipartUpload(ctx, s.Policy.Bucket, accepted.ObjectKey, accepted.ContentType)
	if err != nil {
		log.Error().Err(err).Str("object_key", accepted.ObjectKey).Msg("failed to create multipart upload")
		return nil, apperr.Storage(err, "failed to start multipart upload")
	}

	now := s.now().UTC()
	record := &types.UploadSession{
		SessionID:     uuid.NewString(),
		OwnerID:       owner,
		Bucket:        s.Policy.Bucket,
		UploadID:      uploadID,
		ObjectKey:     accepted.ObjectKey,
		Filename:      accepted.Filename,
		ContentType:   accepted.ContentType,
		DeclaredSize:  req.DeclaredSize,
		SHA256:        checksum,
		Prefix:        accepted.Prefix,
		MaxParts:      accepted.MaxParts,
		MaxFileBytes:  accepted.MaxFileBytes,
		PartSizeBytes: accepted.PartSizeBytes,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.Policy.SessionTTL),
		Status:        types.StatusInit,
	}

	created, err := s.Sessions.Create(ctx, owner, record, s.Policy.MaxConcurrentUploads)
	if err != nil {
		s.abortStorage(context.WithoutCancel(ctx), record)
		return nil, err
	}

	log.Info().
		Str("session_id", created.SessionID).
		Str("owner_id", owner).
		Str("object_key", created.ObjectKey).
		Str("declared_size", utils.FormatBytes(created.DeclaredSize)).
		Int("parts_needed", accepted.PartsNeeded).
		Msg("upload initialized")

	return &InitResponse{
		SessionID:      created.SessionID,
		UploadID:       created.UploadID,
		ObjectKey:      created.ObjectKey,
		Bucket:         created.Bucket,
		PartSizeBytes:  created.PartSizeBytes,
		PartsNeeded:    accepted.PartsNeeded,
		MaxParts:       created.MaxParts,
		ExpiresAt:      created.ExpiresAt,
		SignPartTTLSec: int64(s.Policy.SignPartTTL / time.Second),
		AllowedExt:     s.allowedExt(),
	}, nil
}

// SignPart issues a URL for one part of an active session and records it
func (s *Service) SignPart(ctx context.Context, ownerID string, req SignPartRequest) (*SignPartResponse, error) {
	current, err := s.Sessions.Get(ctx, ownerID, req.SessionID, false)
	if err != nil {
		return nil, err
	}
	if err := session.CheckUpload(current, req.UploadID); err != nil {
		return nil, err
	}
	if req.PartNumber < 1 || req.PartNumber > current.MaxParts {
		return nil, apperr.BadRequest(apperr.CodeInvalidPartNumber, "part number is out of range").
			WithDetails("partNumber", req.PartNumber, "maxParts", current.MaxParts)
	}
	if req.ContentLength > current.PartSizeBytes {
		return nil, apperr.BadRequest(apperr.CodeInvalidPartSize, "part is larger than the part size").
			WithDetails("contentLength", req.ContentLength, "partSizeBytes", current.PartSizeBytes)
	}

	contentMD5 := ""
	if req.ContentMD5 != nil {
		contentMD5 = strings.TrimSpace(*req.ContentMD5)
	}

	signed, err := s.signer.Sign(ctx, signer.Request{
		Bucket:        current.Bucket,
		ObjectKey:     current.ObjectKey,
		UploadID:      current.UploadID,
		PartNumber:    req.PartNumber,
		Expires:       s.Policy.SignPartTTL,
		ContentType:   current.ContentType,
		ContentLength: req.ContentLength,
		ContentMD5:    contentMD5,
	})
	if err != nil {
		return nil, err
	}

	var recordedMD5 *string
	if contentMD5 != "" {
		recordedMD5 = &contentMD5
	}
	if _, err := s.Sessions.RecordSignedPart(ctx, ownerID, session.SignedPartInput{
		SessionID:     req.SessionID,
		UploadID:      req.UploadID,
		PartNumber:    req.PartNumber,
		ContentLength: req.ContentLength,
		ContentMD5:    recordedMD5,
	}); err != nil {
		return nil, err
	}

	return &SignPartResponse{
		URL:        signed.URL,
		Method:     signed.Method,
		Headers:    signed.Headers,
		ExpiresAt:  signed.ExpiresAt,
		PartNumber: req.PartNumber,
	}, nil
}

// Complete assembles and validates the upload
func (s *Service) Complete(ctx context.Context, ownerID string, req CompleteRequest) (*completion.Result, error) {
	current, err := s.Sessions.Get(ctx, ownerID, req.SessionID, false)
	if err != nil {
		return nil, err
	}
	if err := session.CheckUpload(current, req.UploadID); err != nil {
		return nil, err
	}
	return s.validator.Complete(ctx, ownerID, current, completion.Input{
		Parts:     req.Parts,
		FinalSize: req.FinalSize,
	})
}

// Abort cancels the session and then discards the storage multipart upload.
// Aborting twice succeeds.
func (s *Service) Abort(ctx context.Context, ownerID string, req AbortRequest) (*types.UploadSession, error) {
	aborted, err := s.Sessions.Abort(ctx, ownerID, req.SessionID, req.UploadID)
	if err != nil {
		return nil, err
	}
	s.abortStorage(ctx, aborted)
	return aborted, nil
}

// Session returns the caller's session
func (s *Service) Session(ctx context.Context, ownerID, sessionID string) (*types.UploadSession, error) {
	return s.Sessions.Get(ctx, ownerID, sessionID, false)
}

// Limits returns the client-facing upload limits
func (s *Service) Limits() policy.Limits {
	return s.Policy.Limits()
}

func (s *Service) abortStorage(ctx context.Context, record *types.UploadSession) {
	if err := s.Storage.AbortMultipartUpload(ctx, record.Bucket, record.ObjectKey, record.UploadID); err != nil {
		log.Warn().Err(err).
			Str("upload_id", record.UploadID).
			Str("object_key", record.ObjectKey).
			Msg("failed to abort storage multipart upload")
	}
}

func (s *Service) allowedExt() []string {
	out := make([]string, 0, len(s.Policy.AllowedExt))
	for ext := range s.Policy.AllowedExt {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

func normalizeSHA256(raw *string) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	value := strings.ToLower(strings.TrimSpace(*raw))
	if value == "" {
		return nil, nil
	}
	if decoded, err := hex.DecodeString(value); err != nil || len(decoded) != 32 {
		return nil, apperr.Validation("sha256 must be 64 hexadecimal characters")
	}
	return &value, nil
}
