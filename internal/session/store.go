package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/pkg/types"
	"github.com/rs/zerolog/log"
)

// DefaultRetention is how long dead sessions are kept before being pruned
const DefaultRetention = 24 * time.Hour

// Store serializes all session operations per owner. Operations for one
// owner run one at a time; operations for different owners run in parallel.
type Store struct {
	backend   Backend
	now       func() time.Time
	retention time.Duration

	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithRetention overrides how long dead sessions are retained
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// NewStore creates a session store over the given backend
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		now:       time.Now,
		retention: DefaultRetention,
		locks:     make(map[string]*ownerLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeOwner trims surrounding whitespace. Case is significant.
func NormalizeOwner(ownerID string) (string, error) {
	owner := strings.TrimSpace(ownerID)
	if owner == "" {
		return "", apperr.BadRequest(apperr.CodeOwnerRequired, "owner id is required")
	}
	return owner, nil
}

// SignedPartInput describes one issued part URL
type SignedPartInput struct {
	SessionID     string  `json:"sessionId"`
	UploadID      string  `json:"uploadId"`
	PartNumber    int     `json:"partNumber"`
	ContentLength int64   `json:"contentLength"`
	ContentMD5    *string `json:"contentMd5"`
}

// Create stores a new active session after the uniqueness and admission checks
func (s *Store) Create(ctx context.Context, ownerID string, session *types.UploadSession, maxConcurrent int) (*types.UploadSession, error) {
	if session == nil {
		return nil, apperr.Validation("session record is required")
	}
	if err := validateRecord(session); err != nil {
		return nil, err
	}

	var created *types.UploadSession
	err := s.withOwner(ctx, ownerID, func(owner string, sessions map[string]*types.UploadSession, now time.Time) error {
		record := session.Clone()
		recordOwner := strings.TrimSpace(record.OwnerID)
		if recordOwner == "" {
			recordOwner = owner
		}
		if recordOwner != owner {
			return apperr.Conflict(apperr.CodeOwnerMismatch, "session owner does not match").
				WithDetails("sessionId", record.SessionID)
		}
		record.OwnerID = owner

		if _, exists := sessions[record.SessionID]; exists {
			return apperr.Conflict(apperr.CodeSessionExists, "upload session already exists").
				WithDetails("sessionId", record.SessionID)
		}

		active := 0
		for _, existing := range sessions {
			if !isLive(existing, now) || existing.Status != types.StatusActive {
				continue
			}
			if existing.ObjectKey == record.ObjectKey {
				return apperr.Conflict(apperr.CodeObjectKeyInUse, "another upload to this key is in progress").
					WithDetails("objectKey", record.ObjectKey, "sessionId", existing.SessionID)
			}
			active++
		}

		if maxConcurrent > 0 && active >= maxConcurrent {
			return apperr.TooManyRequests(apperr.CodeConcurrencyLimit, "too many concurrent uploads").
				WithDetails("activeCount", active, "limit", maxConcurrent)
		}

		if record.Status == "" {
			record.Status = types.StatusInit
		}
		if record.Status != types.StatusInit && record.Status != types.StatusActive {
			return apperr.Conflict(apperr.CodeInvalidState, "session must be created in init or active state").
				WithDetails("status", string(record.Status))
		}

		record.Status = types.StatusActive
		if record.SignedParts == nil {
			record.SignedParts = types.SignedParts{}
		}
		if err := s.backend.Put(ctx, owner, record); err != nil {
			return fmt.Errorf("failed to store session: %w", err)
		}

		log.Info().
			Str("session_id", record.SessionID).
			Str("owner_id", owner).
			Str("object_key", record.ObjectKey).
			Time("expires_at", record.ExpiresAt).
			Msg("upload session created")

		created = record.Clone()
		return nil
	})
	return created, err
}

// Get returns a live session. With requireActive it also rejects sessions
// that are no longer active.
func (s *Store) Get(ctx context.Context, ownerID, sessionID string, requireActive bool) (*types.UploadSession, error) {
	var found *types.UploadSession
	err := s.withOwner(ctx, ownerID, func(owner string, sessions map[string]*types.UploadSession, now time.Time) error {
		session, err := loadLive(sessions, sessionID, now)
		if err != nil {
			return err
		}
		if requireActive && session.Status != types.StatusActive {
			return notActive(session)
		}
		found = session.Clone()
		return nil
	})
	return found, err
}

// RecordSignedPart upserts the advisory signing record for one part
func (s *Store) RecordSignedPart(ctx context.Context, ownerID string, in SignedPartInput) (*types.UploadSession, error) {
	if in.PartNumber < 1 {
		return nil, apperr.BadRequest(apperr.CodeInvalidPartNumber, "part number must be positive")
	}
	if in.ContentLength <= 0 {
		return nil, apperr.Validation("content length must be positive")
	}

	var updated *types.UploadSession
	err := s.withOwner(ctx, ownerID, func(owner string, sessions map[string]*types.UploadSession, now time.Time) error {
		session, err := loadLive(sessions, in.SessionID, now)
		if err != nil {
			return err
		}
		if err := CheckUpload(session, in.UploadID); err != nil {
			return err
		}

		if session.SignedParts == nil {
			session.SignedParts = types.SignedParts{}
		}
		session.SignedParts.Put(types.SignedPartRecord{
			PartNumber:    in.PartNumber,
			IssuedAt:      now,
			ContentLength: in.ContentLength,
			ContentMD5:    in.ContentMD5,
		})
		if err := s.backend.Put(ctx, owner, session); err != nil {
			return fmt.Errorf("failed to record signed part: %w", err)
		}
		updated = session.Clone()
		return nil
	})
	return updated, err
}

// Complete marks an active session completed
func (s *Store) Complete(ctx context.Context, ownerID, sessionID, uploadID string) (*types.UploadSession, error) {
	var completed *types.UploadSession
	err := s.withOwner(ctx, ownerID, func(owner string, sessions map[string]*types.UploadSession, now time.Time) error {
		session, err := loadLive(sessions, sessionID, now)
		if err != nil {
			return err
		}
		if err := CheckUpload(session, uploadID); err != nil {
			return err
		}

		session.Status = types.StatusCompleted
		session.CompletedAt = &now
		if err := s.backend.Put(ctx, owner, session); err != nil {
			return fmt.Errorf("failed to complete session: %w", err)
		}

		log.Info().
			Str("session_id", session.SessionID).
			Str("owner_id", owner).
			Str("object_key", session.ObjectKey).
			Msg("upload session completed")

		completed = session.Clone()
		return nil
	})
	return completed, err
}

// Abort marks an active session aborted. Aborting an aborted session is a no-op.
func (s *Store) Abort(ctx context.Context, ownerID, sessionID, uploadID string) (*types.UploadSession, error) {
	var aborted *types.UploadSession
	err := s.withOwner(ctx, ownerID, func(owner string, sessions map[string]*types.UploadSession, now time.Time) error {
		session, err := loadLive(sessions, sessionID, now)
		if err != nil {
			return err
		}
		if session.UploadID != uploadID {
			return mismatch(session)
		}

		switch session.Status {
		case types.StatusCompleted:
			return apperr.Conflict(apperr.CodeAlreadyCompleted, "upload session is already completed").
				WithDetails("sessionId", session.SessionID)
		case types.StatusAborted:
			aborted = session.Clone()
			return nil
		case types.StatusActive:
		default:
			return notActive(session)
		}

		session.Status = types.StatusAborted
		session.AbortedAt = &now
		if err := s.backend.Put(ctx, owner, session); err != nil {
			return fmt.Errorf("failed to abort session: %w", err)
		}

		log.Info().
			Str("session_id", session.SessionID).
			Str("owner_id", owner).
			Msg("upload session aborted")

		aborted = session.Clone()
		return nil
	})
	return aborted, err
}

// PruneResult reports what an expiry pass changed
type PruneResult struct {
	Expired int `json:"expired"`
	Removed int `json:"removed"`
}

// PruneExpired runs the lazy-expiry pass on its own
func (s *Store) PruneExpired(ctx context.Context, ownerID string) (*PruneResult, error) {
	owner, err := NormalizeOwner(ownerID)
	if err != nil {
		return nil, err
	}

	lock := s.acquire(owner)
	defer s.release(owner, lock)

	_, result, err := s.expire(ctx, owner, s.now())
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) withOwner(ctx context.Context, ownerID string, fn func(owner string, sessions map[string]*types.UploadSession, now time.Time) error) error {
	owner, err := NormalizeOwner(ownerID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.acquire(owner)
	defer s.release(owner, lock)

	now := s.now()
	sessions, _, err := s.expire(ctx, owner, now)
	if err != nil {
		return err
	}
	return fn(owner, sessions, now)
}

func (s *Store) acquire(owner string) *ownerLock {
	s.mu.Lock()
	lock, ok := s.locks[owner]
	if !ok {
		lock = &ownerLock{}
		s.locks[owner] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (s *Store) release(owner string, lock *ownerLock) {
	lock.mu.Unlock()

	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, owner)
	}
	s.mu.Unlock()
}

// expire flips overdue active sessions to expired and deletes dead sessions
// past the retention window. It returns the owner's remaining sessions.
func (s *Store) expire(ctx context.Context, owner string, now time.Time) (map[string]*types.UploadSession, *PruneResult, error) {
	list, err := s.backend.List(ctx, owner)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make(map[string]*types.UploadSession, len(list))
	var flipped []*types.UploadSession
	var removed []string

	for _, session := range list {
		overdue := !now.Before(session.ExpiresAt)
		if overdue && (session.Status == types.StatusActive || session.Status == types.StatusInit) {
			session.Status = types.StatusExpired
			flipped = append(flipped, session)
			sessions[session.SessionID] = session
			continue
		}
		if session.Status.Terminal() && !now.Before(session.ExpiresAt.Add(s.retention)) {
			removed = append(removed, session.SessionID)
			continue
		}
		sessions[session.SessionID] = session
	}

	if len(flipped) > 0 {
		if err := s.backend.Put(ctx, owner, flipped...); err != nil {
			return nil, nil, fmt.Errorf("failed to expire sessions: %w", err)
		}
	}
	if len(removed) > 0 {
		if err := s.backend.Delete(ctx, owner, removed...); err != nil {
			return nil, nil, fmt.Errorf("failed to prune sessions: %w", err)
		}
	}
	if len(flipped) > 0 || len(removed) > 0 {
		log.Debug().
			Str("owner_id", owner).
			Int("expired", len(flipped)).
			Int("removed", len(removed)).
			Msg("expired upload sessions")
	}

	return sessions, &PruneResult{Expired: len(flipped), Removed: len(removed)}, nil
}

func isLive(session *types.UploadSession, now time.Time) bool {
	return session.Status != types.StatusExpired && now.Before(session.ExpiresAt)
}

func loadLive(sessions map[string]*types.UploadSession, sessionID string, now time.Time) (*types.UploadSession, error) {
	session, ok := sessions[sessionID]
	if !ok {
		return nil, apperr.NotFound(apperr.CodeSessionNotFound, "upload session not found").
			WithDetails("sessionId", sessionID)
	}
	if !isLive(session, now) {
		return nil, apperr.Gone(apperr.CodeSessionExpired, "upload session has expired").
			WithDetails("sessionId", sessionID, "status", string(session.Status))
	}
	return session, nil
}

// CheckUpload verifies that a session belongs to uploadID and is still active.
// A wrong upload id is reported before an inactive status.
func CheckUpload(session *types.UploadSession, uploadID string) error {
	if session.UploadID != uploadID {
		return mismatch(session)
	}
	if session.Status != types.StatusActive {
		return notActive(session)
	}
	return nil
}

func mismatch(session *types.UploadSession) error {
	return apperr.Conflict(apperr.CodeSessionMismatch, "upload id does not match session").
		WithDetails("sessionId", session.SessionID)
}

func notActive(session *types.UploadSession) error {
	return apperr.Conflict(apperr.CodeSessionNotActive, "upload session is not active").
		WithDetails("sessionId", session.SessionID, "status", string(session.Status))
}

func validateRecord(s *types.UploadSession) error {
	switch {
	case strings.TrimSpace(s.SessionID) == "":
		return apperr.Validation("sessionId is required")
	case s.UploadID == "":
		return apperr.Validation("uploadId is required")
	case s.ObjectKey == "":
		return apperr.Validation("objectKey is required")
	case s.Bucket == "":
		return apperr.Validation("bucket is required")
	case s.DeclaredSize <= 0:
		return apperr.Validation("declaredSize must be positive")
	case s.PartSizeBytes <= 0:
		return apperr.Validation("partSizeBytes must be positive")
	case s.MaxParts <= 0:
		return apperr.Validation("maxParts must be positive")
	case s.MaxFileBytes < 0:
		return apperr.Validation("maxFileBytes must not be negative")
	case !s.ExpiresAt.After(s.CreatedAt):
		return apperr.Validation("expiresAt must be after createdAt")
	case s.Status != "" && !s.Status.Valid():
		return apperr.Validation("status is invalid")
	}
	return nil
}
