// Package signer issues time-limited URLs that let a client upload one part
// of a multipart upload directly to storage.
package signer

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/internal/storage"
	"github.com/rs/zerolog/log"
)

// MaxPartNumber is the highest part number S3-compatible stores accept
const MaxPartNumber = 10000

// Request describes the part URL to issue
type Request struct {
	Bucket        string
	ObjectKey     string
	UploadID      string
	PartNumber    int
	Expires       time.Duration
	ContentType   string
	ContentLength int64
	ContentMD5    string
}

// SignedPart is a presigned part upload. Headers must be sent verbatim.
type SignedPart struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// Signer validates part requests and delegates signing to storage
type Signer struct {
	presigner storage.Presigner
	now       func() time.Time
}

// Option configures a Signer
type Option func(*Signer)

// WithClock overrides the time source used for ExpiresAt
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// New creates a signer over the given presigner
func New(presigner storage.Presigner, opts ...Option) *Signer {
	s := &Signer{presigner: presigner, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign produces a URL for uploading a single part. Content-Type and, when
// given, Content-MD5 are bound into the signature. Content-Length is not.
func (s *Signer) Sign(ctx context.Context, req Request) (*SignedPart, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	issuedAt := s.now()
	presigned, err := s.presigner.PresignUploadPart(ctx, storage.PresignPartInput{
		Bucket:      req.Bucket,
		Key:         req.ObjectKey,
		UploadID:    req.UploadID,
		PartNumber:  req.PartNumber,
		Expires:     req.Expires,
		ContentType: req.ContentType,
		ContentMD5:  req.ContentMD5,
	})
	if err != nil {
		return nil, apperr.Storage(err, "failed to sign upload part")
	}

	headers := map[string]string{"content-type": req.ContentType}
	if req.ContentMD5 != "" {
		headers["content-md5"] = req.ContentMD5
	}

	log.Debug().
		Str("object_key", req.ObjectKey).
		Int("part_number", req.PartNumber).
		Dur("expires", req.Expires).
		Msg("signed upload part")

	return &SignedPart{
		URL:       presigned.URL,
		Method:    presigned.Method,
		Headers:   headers,
		ExpiresAt: issuedAt.Add(req.Expires).UTC(),
	}, nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Bucket) == "" {
		return apperr.New(http.StatusInternalServerError, apperr.CodeSigningConfigInvalid, "signing bucket is not configured")
	}
	if !hasSegment(req.ObjectKey) {
		return apperr.BadRequest(apperr.CodeInvalidUploadKey, "object key is invalid")
	}
	if strings.TrimSpace(req.UploadID) == "" {
		return apperr.Validation("uploadId is required")
	}
	if req.PartNumber < 1 || req.PartNumber > MaxPartNumber {
		return apperr.BadRequest(apperr.CodeInvalidPartNumber, "part number is out of range").
			WithDetails("partNumber", req.PartNumber, "max", MaxPartNumber)
	}
	if req.ContentLength <= 0 {
		return apperr.Validation("contentLength must be positive")
	}
	if req.Expires <= 0 {
		return apperr.Validation("expiry must be positive")
	}
	if req.ContentMD5 != "" && !validMD5(req.ContentMD5) {
		return apperr.BadRequest(apperr.CodeInvalidContentMD5, "contentMd5 must be the base64 encoding of a 16-byte digest")
	}
	return nil
}

func hasSegment(key string) bool {
	for _, segment := range strings.Split(key, "/") {
		if strings.TrimSpace(segment) != "" {
			return true
		}
	}
	return false
}

func validMD5(value string) bool {
	raw, err := base64.StdEncoding.DecodeString(value)
	return err == nil && len(raw) == 16
}
