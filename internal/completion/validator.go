// Package completion finalizes multipart uploads. It checks the client's part
// list, asks storage to assemble the object and then re-validates what was
// actually stored before the session is allowed to complete.
package completion

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/internal/policy"
	"github.com/lgulliver/conduit/internal/storage"
	"github.com/lgulliver/conduit/pkg/types"
	"github.com/rs/zerolog/log"
)

// SessionStore is the part of the session store the validator drives
type SessionStore interface {
	Get(ctx context.Context, ownerID, sessionID string, requireActive bool) (*types.UploadSession, error)
	Complete(ctx context.Context, ownerID, sessionID, uploadID string) (*types.UploadSession, error)
	Abort(ctx context.Context, ownerID, sessionID, uploadID string) (*types.UploadSession, error)
}

// Input is the client's completion claim
type Input struct {
	Parts     []types.CompletedPart
	FinalSize *int64
}

// Result describes an object that passed validation
type Result struct {
	Key              string               `json:"key"`
	ETag             string               `json:"etag"`
	Size             int64                `json:"size"`
	ContentType      string               `json:"contentType"`
	SniffedType      string               `json:"sniffedType,omitempty"`
	OriginalFilename string               `json:"originalFilename"`
	Session          *types.UploadSession `json:"session"`
}

// Validator completes sessions. After any call either the object exists and
// the session is completed, or neither holds.
type Validator struct {
	storage  storage.ObjectStore
	sessions SessionStore
	policy   *policy.Policy
}

// NewValidator creates a completion validator
func NewValidator(store storage.ObjectStore, sessions SessionStore, p *policy.Policy) *Validator {
	return &Validator{storage: store, sessions: sessions, policy: p}
}

// Complete validates the part list, assembles the object and checks it
func (v *Validator) Complete(ctx context.Context, ownerID string, session *types.UploadSession, in Input) (*Result, error) {
	if err := CheckParts(session, in.Parts); err != nil {
		return nil, err
	}

	assembled, err := v.storage.CompleteMultipartUpload(ctx, session.Bucket, session.ObjectKey, session.UploadID, in.Parts)
	if err != nil {
		assembled, err = v.recoverAssembled(ctx, session, in.Parts, err)
	}
	if err != nil {
		log.Error().Err(err).
			Str("session_id", session.SessionID).
			Str("object_key", session.ObjectKey).
			Msg("failed to assemble multipart upload")
		return nil, apperr.Storage(err, "failed to complete multipart upload")
	}

	// Assembly responses do not reliably carry the size, so always stat.
	info, err := v.storage.HeadObject(ctx, session.Bucket, session.ObjectKey)
	if err != nil {
		return nil, v.reject(ctx, ownerID, session, apperr.Storage(err, "failed to inspect assembled object"))
	}

	if info.Size != session.DeclaredSize {
		return nil, v.reject(ctx, ownerID, session, sizeMismatch(session.DeclaredSize, info.Size))
	}
	if in.FinalSize != nil && info.Size != *in.FinalSize {
		return nil, v.reject(ctx, ownerID, session, sizeMismatch(*in.FinalSize, info.Size))
	}

	head, err := v.storage.ReadRange(ctx, session.Bucket, session.ObjectKey, 0, SniffLength)
	if err != nil {
		return nil, v.reject(ctx, ownerID, session, apperr.Storage(err, "failed to read assembled object"))
	}
	declared := policy.CanonicalMIME(session.ContentType)
	sniffed := Sniff(head)
	if err := v.checkContentType(declared, sniffed); err != nil {
		return nil, v.reject(ctx, ownerID, session, err)
	}

	completed, err := v.sessions.Complete(ctx, ownerID, session.SessionID, session.UploadID)
	if err != nil {
		// The object may only survive if some other attempt completed the session.
		cleanupCtx := context.WithoutCancel(ctx)
		if !v.completedElsewhere(cleanupCtx, ownerID, session, err) {
			v.deleteObject(cleanupCtx, session)
		}
		return nil, err
	}

	etag := info.ETag
	if etag == "" && assembled != nil {
		etag = assembled.ETag
	}

	log.Info().
		Str("session_id", session.SessionID).
		Str("object_key", session.ObjectKey).
		Int64("size", info.Size).
		Str("sniffed_type", sniffed).
		Msg("upload completed")

	return &Result{
		Key:              session.ObjectKey,
		ETag:             etag,
		Size:             info.Size,
		ContentType:      declared,
		SniffedType:      sniffed,
		OriginalFilename: session.Filename,
		Session:          completed,
	}, nil
}

// CheckParts validates a client part list against the session
func CheckParts(session *types.UploadSession, parts []types.CompletedPart) error {
	previous := 0
	seen := make(map[int]struct{}, len(parts))
	for i, part := range parts {
		if part.PartNumber < 1 || part.PartNumber > session.MaxParts {
			return apperr.BadRequest(apperr.CodeInvalidPartNumber, "part number is out of range").
				WithDetails("index", i, "partNumber", part.PartNumber, "maxParts", session.MaxParts)
		}
		if part.ETag == "" {
			return apperr.Validation("part etag is required").WithDetails("index", i, "partNumber", part.PartNumber)
		}
		if _, dup := seen[part.PartNumber]; dup {
			return apperr.BadRequest(apperr.CodeDuplicatePart, "part number appears more than once").
				WithDetails("partNumber", part.PartNumber)
		}
		if part.PartNumber < previous {
			return apperr.BadRequest(apperr.CodeInvalidPartOrder, "parts must be in ascending order").
				WithDetails("index", i, "partNumber", part.PartNumber)
		}
		seen[part.PartNumber] = struct{}{}
		previous = part.PartNumber
	}

	if needed := session.PartsNeeded(); len(parts) != needed {
		return apperr.BadRequest(apperr.CodePartCountMismatch, "part count does not match the declared size").
			WithDetails("partsNeeded", needed, "partsReceived", len(parts))
	}
	return nil
}

func (v *Validator) checkContentType(declared, sniffed string) error {
	if !Compatible(declared, sniffed) {
		return apperr.BadRequest(apperr.CodeMagicMismatch, "file contents do not match the declared content type").
			WithDetails("declared", declared, "sniffed", sniffed)
	}
	if sniffed != "" && v.policy.MIMEBlocked(sniffed) {
		return apperr.BadRequest(apperr.CodeMagicBlocked, "detected file type is blocked").
			WithDetails("sniffed", sniffed)
	}
	if v.policy.MIMEBlocked(declared) {
		return apperr.BadRequest(apperr.CodeContentTypeBlocked, "content type is blocked").
			WithDetails("contentType", declared)
	}
	if len(v.policy.AllowedMIME) > 0 {
		allowed := v.policy.MIMEAllowed(declared) || (sniffed != "" && v.policy.MIMEAllowed(sniffed))
		if !allowed {
			return apperr.BadRequest(apperr.CodeContentTypeNotAllowed, "content type is not allowed").
				WithDetails("declared", declared, "sniffed", sniffed)
		}
	}
	return nil
}

// reject force-aborts the session and then deletes the object, returning
// cause unchanged. The object is kept when the session turns out to be
// completed by a concurrent attempt. Cleanup failures are logged only.
func (v *Validator) reject(ctx context.Context, ownerID string, session *types.UploadSession, cause error) error {
	ctx = context.WithoutCancel(ctx)
	_, err := v.sessions.Abort(ctx, ownerID, session.SessionID, session.UploadID)
	if err != nil {
		log.Warn().Err(err).
			Str("session_id", session.SessionID).
			Msg("failed to abort session after rejected upload")
	}
	if err == nil || !v.completedElsewhere(ctx, ownerID, session, err) {
		v.deleteObject(ctx, session)
	}

	code := ""
	if e, ok := apperr.As(cause); ok {
		code = e.Code
	}
	log.Warn().
		Str("session_id", session.SessionID).
		Str("object_key", session.ObjectKey).
		Str("code", code).
		Msg("assembled upload rejected")
	return cause
}

// completedElsewhere reports whether the session was completed by another
// attempt, given the error this attempt got from the session store. When the
// state cannot be read the object is kept.
func (v *Validator) completedElsewhere(ctx context.Context, ownerID string, session *types.UploadSession, cause error) bool {
	if apperr.HasCode(cause, apperr.CodeAlreadyCompleted) {
		return true
	}

	current, err := v.sessions.Get(ctx, ownerID, session.SessionID, false)
	switch {
	case err == nil:
		return current.Status == types.StatusCompleted
	case apperr.HasCode(err, apperr.CodeSessionNotFound):
		return false
	case apperr.HasCode(err, apperr.CodeSessionExpired):
		e, _ := apperr.As(err)
		return e.Details["status"] == string(types.StatusCompleted)
	default:
		log.Warn().Err(err).
			Str("session_id", session.SessionID).
			Str("object_key", session.ObjectKey).
			Msg("could not read session state, keeping object")
		return true
	}
}

// recoverAssembled handles an assembly call that failed after storage had
// already built the object, as happens on timeouts and retries. The object is
// accepted only when it has the declared size and, if storage reports an
// ETag, the multipart ETag these parts produce.
func (v *Validator) recoverAssembled(ctx context.Context, session *types.UploadSession, parts []types.CompletedPart, cause error) (*storage.ObjectInfo, error) {
	info, err := v.storage.HeadObject(ctx, session.Bucket, session.ObjectKey)
	if err != nil || info.Size != session.DeclaredSize {
		return nil, cause
	}
	if info.ETag != "" {
		expected, ok := multipartETag(parts)
		if !ok || strings.Trim(info.ETag, `"`) != expected {
			return nil, cause
		}
	}

	log.Warn().Err(cause).
		Str("session_id", session.SessionID).
		Str("object_key", session.ObjectKey).
		Msg("assembly reported failure but object is in place")
	return info, nil
}

// multipartETag computes the S3 ETag of an object assembled from parts
func multipartETag(parts []types.CompletedPart) (string, bool) {
	hasher := md5.New()
	for _, part := range parts {
		digest, err := hex.DecodeString(strings.Trim(part.ETag, `"`))
		if err != nil || len(digest) != md5.Size {
			return "", false
		}
		hasher.Write(digest)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(hasher.Sum(nil)), len(parts)), true
}

func (v *Validator) deleteObject(ctx context.Context, session *types.UploadSession) {
	err := v.storage.DeleteObject(ctx, session.Bucket, session.ObjectKey)
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		log.Warn().Err(err).
			Str("object_key", session.ObjectKey).
			Msg("failed to delete rejected object")
	}
}

func sizeMismatch(expected, actual int64) error {
	return apperr.New(http.StatusBadRequest, apperr.CodeSizeMismatch, "assembled object size does not match").
		WithDetails("expected", expected, "actual", actual)
}
