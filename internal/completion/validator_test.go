package completion

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/internal/policy"
	"github.com/lgulliver/conduit/internal/session"
	"github.com/lgulliver/conduit/internal/storage"
	"github.com/lgulliver/conduit/pkg/config"
	"github.com/lgulliver/conduit/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testOwner    = "user-a"
	testBucket   = "uploads"
	testPartSize = 1024
	docxMIME     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

type fixture struct {
	validator *Validator
	local     *storage.LocalStorage
	store     *session.Store
}

func newFixture(t *testing.T, cfg config.UploadConfig) *fixture {
	t.Helper()
	cfg.Bucket = testBucket
	cfg.PartSizeBytes = "1024"
	p, err := policy.Parse(cfg)
	require.NoError(t, err)

	local, err := storage.NewLocalStorage(t.TempDir(), "http://localhost:8080", "secret")
	require.NoError(t, err)
	store := session.NewStore(session.NewMemoryBackend())

	return &fixture{
		validator: NewValidator(local, store, p),
		local:     local,
		store:     store,
	}
}

func (f *fixture) createSession(t *testing.T, key, contentType string, declaredSize int64) *types.UploadSession {
	t.Helper()
	ctx := context.Background()
	uploadID, err := f.local.CreateMultipartUpload(ctx, testBucket, key, contentType)
	require.NoError(t, err)

	now := time.Now()
	created, err := f.store.Create(ctx, testOwner, &types.UploadSession{
		SessionID:     "session-" + key,
		Bucket:        testBucket,
		UploadID:      uploadID,
		ObjectKey:     key,
		Filename:      key,
		ContentType:   contentType,
		DeclaredSize:  declaredSize,
		MaxParts:      policy.StorageMaxParts,
		PartSizeBytes: testPartSize,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}, 0)
	require.NoError(t, err)
	return created
}

func (f *fixture) uploadParts(t *testing.T, s *types.UploadSession, data []byte, partSize int) []types.CompletedPart {
	t.Helper()
	var parts []types.CompletedPart
	for i, n := 0, 1; i < len(data); i, n = i+partSize, n+1 {
		end := i + partSize
		if end > len(data) {
			end = len(data)
		}
		etag, err := f.local.PutPart(context.Background(), s.Bucket, s.ObjectKey, s.UploadID, n, bytes.NewReader(data[i:end]), "")
		require.NoError(t, err)
		parts = append(parts, types.CompletedPart{PartNumber: n, ETag: etag})
	}
	return parts
}

func payload(magic []byte, size int) []byte {
	data := bytes.Repeat([]byte{7}, size)
	copy(data, magic)
	return data
}

func assertCode(t *testing.T, err error, code string, status int) {
	t.Helper()
	e, ok := apperr.As(err)
	require.True(t, ok, "expected apperr.Error, got %v", err)
	assert.Equal(t, code, e.Code)
	assert.Equal(t, status, e.Status)
}

func (f *fixture) assertCleanedUp(t *testing.T, s *types.UploadSession) {
	t.Helper()
	_, err := f.local.HeadObject(context.Background(), s.Bucket, s.ObjectKey)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	got, err := f.store.Get(context.Background(), testOwner, s.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAborted, got.Status)
}

func TestComplete_Success(t *testing.T) {
	f := newFixture(t, config.UploadConfig{})
	s := f.createSession(t, "docs/report.pdf", "application/pdf", 2000)
	parts := f.uploadParts(t, s, payload([]byte("%PDF-1.7"), 2000), testPartSize)
	finalSize := int64(2000)

	result, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts, FinalSize: &finalSize})
	require.NoError(t, err)

	assert.Equal(t, "docs/report.pdf", result.Key)
	assert.Equal(t, int64(2000), result.Size)
	assert.Equal(t, "application/pdf", result.ContentType)
	assert.Equal(t, "application/pdf", result.SniffedType)
	assert.Equal(t, "docs/report.pdf", result.OriginalFilename)
	assert.NotEmpty(t, result.ETag)
	assert.Equal(t, types.StatusCompleted, result.Session.Status)
	assert.NotNil(t, result.Session.CompletedAt)

	info, err := f.local.HeadObject(context.Background(), testBucket, "docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), info.Size)
}

func TestCheckParts(t *testing.T) {
	s := &types.UploadSession{DeclaredSize: 10 * 1024, PartSizeBytes: 5 * 1024, MaxParts: 3}

	tests := []struct {
		name  string
		parts []types.CompletedPart
		code  string
	}{
		{"unsorted", []types.CompletedPart{{PartNumber: 2, ETag: "b"}, {PartNumber: 1, ETag: "a"}}, apperr.CodeInvalidPartOrder},
		{"duplicate", []types.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 1, ETag: "a"}}, apperr.CodeDuplicatePart},
		{"too few", []types.CompletedPart{{PartNumber: 1, ETag: "a"}}, apperr.CodePartCountMismatch},
		{"too many", []types.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}, {PartNumber: 3, ETag: "c"}}, apperr.CodePartCountMismatch},
		{"above max parts", []types.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 4, ETag: "b"}}, apperr.CodeInvalidPartNumber},
		{"zero part", []types.CompletedPart{{PartNumber: 0, ETag: "a"}, {PartNumber: 1, ETag: "b"}}, apperr.CodeInvalidPartNumber},
		{"empty etag", []types.CompletedPart{{PartNumber: 1, ETag: ""}, {PartNumber: 2, ETag: "b"}}, apperr.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertCode(t, CheckParts(s, tt.parts), tt.code, http.StatusBadRequest)
		})
	}

	assert.NoError(t, CheckParts(s, []types.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}}))
	assert.NoError(t, CheckParts(s, []types.CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 3, ETag: "c"}}))
}

func TestComplete_PreCheckFailureLeavesSessionActive(t *testing.T) {
	f := newFixture(t, config.UploadConfig{})
	s := f.createSession(t, "a.bin", "application/octet-stream", 2048)
	parts := f.uploadParts(t, s, payload(nil, 2048), testPartSize)

	_, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: []types.CompletedPart{parts[1], parts[0]}})
	assertCode(t, err, apperr.CodeInvalidPartOrder, http.StatusBadRequest)

	got, err := f.store.Get(context.Background(), testOwner, s.SessionID, true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, got.Status)
}

func TestComplete_SizeMismatch(t *testing.T) {
	f := newFixture(t, config.UploadConfig{})
	// Two parts are needed, but the client sends more bytes than it declared.
	s := f.createSession(t, "big.bin", "application/octet-stream", 2000)
	parts := f.uploadParts(t, s, payload(nil, 2048), testPartSize)

	_, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts})
	assertCode(t, err, apperr.CodeSizeMismatch, http.StatusBadRequest)
	f.assertCleanedUp(t, s)
}

func TestComplete_FinalSizeMismatch(t *testing.T) {
	f := newFixture(t, config.UploadConfig{})
	s := f.createSession(t, "a.bin", "application/octet-stream", 2000)
	parts := f.uploadParts(t, s, payload(nil, 2000), testPartSize)
	finalSize := int64(1999)

	_, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts, FinalSize: &finalSize})
	assertCode(t, err, apperr.CodeSizeMismatch, http.StatusBadRequest)
	f.assertCleanedUp(t, s)
}

func TestComplete_MagicMismatch(t *testing.T) {
	f := newFixture(t, config.UploadConfig{})
	s := f.createSession(t, "fake.pdf", "application/pdf", 1000)
	parts := f.uploadParts(t, s, payload([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, 1000), testPartSize)

	_, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts})
	assertCode(t, err, apperr.CodeMagicMismatch, http.StatusBadRequest)
	f.assertCleanedUp(t, s)
}

func TestComplete_ZipContainerAccepted(t *testing.T) {
	f := newFixture(t, config.UploadConfig{AllowedMIME: docxMIME})
	s := f.createSession(t, "document.docx", docxMIME, 1024)
	parts := f.uploadParts(t, s, payload([]byte("PK\x03\x04"), 1024), testPartSize)

	result, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts})
	require.NoError(t, err)
	assert.Equal(t, "application/zip", result.SniffedType)
	assert.Equal(t, docxMIME, result.ContentType)
}

func TestComplete_ZipMagicBlocked(t *testing.T) {
	f := newFixture(t, config.UploadConfig{AllowedMIME: docxMIME, BlockedMIME: "application/zip"})
	s := f.createSession(t, "document.docx", docxMIME, 1024)
	parts := f.uploadParts(t, s, payload([]byte("PK\x03\x04"), 1024), testPartSize)

	_, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts})
	assertCode(t, err, apperr.CodeMagicBlocked, http.StatusBadRequest)
	f.assertCleanedUp(t, s)
}

func TestComplete_DeclaredTypeBlocked(t *testing.T) {
	f := newFixture(t, config.UploadConfig{BlockedMIME: "text/html"})
	s := f.createSession(t, "page.html", "text/html", 100)
	parts := f.uploadParts(t, s, payload([]byte("<html>"), 100), testPartSize)

	_, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts})
	assertCode(t, err, apperr.CodeContentTypeBlocked, http.StatusBadRequest)
	f.assertCleanedUp(t, s)
}

func TestComplete_NeitherTypeAllowed(t *testing.T) {
	f := newFixture(t, config.UploadConfig{AllowedMIME: "image/png"})
	s := f.createSession(t, "notes.txt", "text/plain", 100)
	parts := f.uploadParts(t, s, payload([]byte("hello"), 100), testPartSize)

	_, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts})
	assertCode(t, err, apperr.CodeContentTypeNotAllowed, http.StatusBadRequest)
	f.assertCleanedUp(t, s)
}

type MockObjectStore struct {
	mock.Mock
}

func (m *MockObjectStore) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	args := m.Called(ctx, bucket, key, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockObjectStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []types.CompletedPart) (*storage.ObjectInfo, error) {
	args := m.Called(ctx, bucket, key, uploadID, parts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.ObjectInfo), args.Error(1)
}

func (m *MockObjectStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	return m.Called(ctx, bucket, key, uploadID).Error(0)
}

func (m *MockObjectStore) HeadObject(ctx context.Context, bucket, key string) (*storage.ObjectInfo, error) {
	args := m.Called(ctx, bucket, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.ObjectInfo), args.Error(1)
}

func (m *MockObjectStore) ReadRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	args := m.Called(ctx, bucket, key, offset, length)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockObjectStore) DeleteObject(ctx context.Context, bucket, key string) error {
	return m.Called(ctx, bucket, key).Error(0)
}

type MockSessionStore struct {
	mock.Mock
}

func (m *MockSessionStore) Get(ctx context.Context, ownerID, sessionID string, requireActive bool) (*types.UploadSession, error) {
	args := m.Called(ctx, ownerID, sessionID, requireActive)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.UploadSession), args.Error(1)
}

func (m *MockSessionStore) Complete(ctx context.Context, ownerID, sessionID, uploadID string) (*types.UploadSession, error) {
	args := m.Called(ctx, ownerID, sessionID, uploadID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.UploadSession), args.Error(1)
}

func (m *MockSessionStore) Abort(ctx context.Context, ownerID, sessionID, uploadID string) (*types.UploadSession, error) {
	args := m.Called(ctx, ownerID, sessionID, uploadID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.UploadSession), args.Error(1)
}

func mockSession() *types.UploadSession {
	return &types.UploadSession{
		SessionID:     "s1",
		OwnerID:       testOwner,
		Bucket:        testBucket,
		UploadID:      "u1",
		ObjectKey:     "a.pdf",
		Filename:      "a.pdf",
		ContentType:   "application/pdf",
		DeclaredSize:  100,
		MaxParts:      10,
		PartSizeBytes: testPartSize,
		Status:        types.StatusActive,
	}
}

func mockPolicy(t *testing.T) *policy.Policy {
	p, err := policy.Parse(config.UploadConfig{Bucket: testBucket})
	require.NoError(t, err)
	return p
}

var oneParts = []types.CompletedPart{{PartNumber: 1, ETag: "etag-1"}}

func TestComplete_StorageFailureKeepsSession(t *testing.T) {
	objects := new(MockObjectStore)
	sessions := new(MockSessionStore)
	s := mockSession()
	objects.On("CompleteMultipartUpload", mock.Anything, testBucket, "a.pdf", "u1", oneParts).
		Return(nil, errors.New("connection reset"))
	objects.On("HeadObject", mock.Anything, testBucket, "a.pdf").Return(nil, storage.ErrObjectNotFound)

	_, err := NewValidator(objects, sessions, mockPolicy(t)).Complete(context.Background(), testOwner, s, Input{Parts: oneParts})
	assertCode(t, err, apperr.CodeStorage, http.StatusBadGateway)

	sessions.AssertNotCalled(t, "Abort", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	objects.AssertNotCalled(t, "DeleteObject", mock.Anything, mock.Anything, mock.Anything)
}

func TestComplete_CleanupFailureDoesNotMaskRejection(t *testing.T) {
	objects := new(MockObjectStore)
	sessions := new(MockSessionStore)
	s := mockSession()
	objects.On("CompleteMultipartUpload", mock.Anything, testBucket, "a.pdf", "u1", oneParts).
		Return(&storage.ObjectInfo{Key: "a.pdf"}, nil)
	objects.On("HeadObject", mock.Anything, testBucket, "a.pdf").
		Return(&storage.ObjectInfo{Key: "a.pdf", Size: 99}, nil)
	objects.On("DeleteObject", mock.Anything, testBucket, "a.pdf").Return(errors.New("delete failed"))
	sessions.On("Abort", mock.Anything, testOwner, "s1", "u1").Return(nil, errors.New("abort failed"))
	sessions.On("Get", mock.Anything, testOwner, "s1", false).Return(s, nil)

	_, err := NewValidator(objects, sessions, mockPolicy(t)).Complete(context.Background(), testOwner, s, Input{Parts: oneParts})
	assertCode(t, err, apperr.CodeSizeMismatch, http.StatusBadRequest)

	objects.AssertExpectations(t)
	sessions.AssertExpectations(t)
}

func TestComplete_SessionCompleteFailureDeletesObject(t *testing.T) {
	objects := new(MockObjectStore)
	sessions := new(MockSessionStore)
	s := mockSession()
	objects.On("CompleteMultipartUpload", mock.Anything, testBucket, "a.pdf", "u1", oneParts).
		Return(&storage.ObjectInfo{Key: "a.pdf"}, nil)
	objects.On("HeadObject", mock.Anything, testBucket, "a.pdf").
		Return(&storage.ObjectInfo{Key: "a.pdf", Size: 100, ETag: "final"}, nil)
	objects.On("ReadRange", mock.Anything, testBucket, "a.pdf", int64(0), int64(SniffLength)).
		Return([]byte("%PDF-1.4"), nil)
	objects.On("DeleteObject", mock.Anything, testBucket, "a.pdf").Return(nil)
	expired := apperr.Gone(apperr.CodeSessionExpired, "upload session has expired")
	sessions.On("Complete", mock.Anything, testOwner, "s1", "u1").Return(nil, expired)
	sessions.On("Get", mock.Anything, testOwner, "s1", false).Return(nil, expired)

	_, err := NewValidator(objects, sessions, mockPolicy(t)).Complete(context.Background(), testOwner, s, Input{Parts: oneParts})
	assert.Same(t, expired, err)

	objects.AssertCalled(t, "DeleteObject", mock.Anything, testBucket, "a.pdf")
}

func TestComplete_UsesHeadETag(t *testing.T) {
	objects := new(MockObjectStore)
	sessions := new(MockSessionStore)
	s := mockSession()
	completed := s.Clone()
	completed.Status = types.StatusCompleted

	objects.On("CompleteMultipartUpload", mock.Anything, testBucket, "a.pdf", "u1", oneParts).
		Return(&storage.ObjectInfo{Key: "a.pdf", ETag: "assembled"}, nil)
	objects.On("HeadObject", mock.Anything, testBucket, "a.pdf").
		Return(&storage.ObjectInfo{Key: "a.pdf", Size: 100, ETag: "head"}, nil)
	objects.On("ReadRange", mock.Anything, testBucket, "a.pdf", int64(0), int64(SniffLength)).
		Return([]byte("%PDF-1.4"), nil)
	sessions.On("Complete", mock.Anything, testOwner, "s1", "u1").Return(completed, nil)

	result, err := NewValidator(objects, sessions, mockPolicy(t)).Complete(context.Background(), testOwner, s, Input{Parts: oneParts})
	require.NoError(t, err)
	assert.Equal(t, "head", result.ETag)
	assert.Equal(t, types.StatusCompleted, result.Session.Status)
	objects.AssertNotCalled(t, "DeleteObject", mock.Anything, mock.Anything, mock.Anything)
}

func TestComplete_RepeatedCompletionKeepsObject(t *testing.T) {
	f := newFixture(t, config.UploadConfig{})
	s := f.createSession(t, "docs/report.pdf", "application/pdf", 2000)
	parts := f.uploadParts(t, s, payload([]byte("%PDF-1.7"), 2000), testPartSize)

	_, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts})
	require.NoError(t, err)

	// A second request that read the session while it was still active.
	_, err = f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts})
	assertCode(t, err, apperr.CodeSessionNotActive, http.StatusConflict)

	info, err := f.local.HeadObject(context.Background(), testBucket, "docs/report.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), info.Size)

	got, err := f.store.Get(context.Background(), testOwner, s.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
}

func TestComplete_RejectionAfterCompletionKeepsObject(t *testing.T) {
	f := newFixture(t, config.UploadConfig{})
	s := f.createSession(t, "a.bin", "application/octet-stream", 2000)
	parts := f.uploadParts(t, s, payload(nil, 2000), testPartSize)

	_, err := f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts})
	require.NoError(t, err)

	finalSize := int64(1999)
	_, err = f.validator.Complete(context.Background(), testOwner, s, Input{Parts: parts, FinalSize: &finalSize})
	assertCode(t, err, apperr.CodeSizeMismatch, http.StatusBadRequest)

	_, err = f.local.HeadObject(context.Background(), testBucket, "a.bin")
	require.NoError(t, err)

	got, err := f.store.Get(context.Background(), testOwner, s.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
}

func TestComplete_ConcurrentCompletionKeepsObject(t *testing.T) {
	objects := new(MockObjectStore)
	sessions := new(MockSessionStore)
	s := mockSession()
	completed := s.Clone()
	completed.Status = types.StatusCompleted

	objects.On("CompleteMultipartUpload", mock.Anything, testBucket, "a.pdf", "u1", oneParts).
		Return(&storage.ObjectInfo{Key: "a.pdf"}, nil)
	objects.On("HeadObject", mock.Anything, testBucket, "a.pdf").
		Return(&storage.ObjectInfo{Key: "a.pdf", Size: 100}, nil)
	objects.On("ReadRange", mock.Anything, testBucket, "a.pdf", int64(0), int64(SniffLength)).
		Return([]byte("%PDF-1.4"), nil)
	notActive := apperr.Conflict(apperr.CodeSessionNotActive, "upload session is not active")
	sessions.On("Complete", mock.Anything, testOwner, "s1", "u1").Return(nil, notActive)
	sessions.On("Get", mock.Anything, testOwner, "s1", false).Return(completed, nil)

	_, err := NewValidator(objects, sessions, mockPolicy(t)).Complete(context.Background(), testOwner, s, Input{Parts: oneParts})
	assert.Same(t, notActive, err)

	objects.AssertNotCalled(t, "DeleteObject", mock.Anything, mock.Anything, mock.Anything)
}

func TestComplete_ExpiredCompletedSessionKeepsObject(t *testing.T) {
	objects := new(MockObjectStore)
	sessions := new(MockSessionStore)
	s := mockSession()

	objects.On("CompleteMultipartUpload", mock.Anything, testBucket, "a.pdf", "u1", oneParts).
		Return(&storage.ObjectInfo{Key: "a.pdf"}, nil)
	objects.On("HeadObject", mock.Anything, testBucket, "a.pdf").
		Return(&storage.ObjectInfo{Key: "a.pdf", Size: 99}, nil)
	expired := apperr.Gone(apperr.CodeSessionExpired, "upload session has expired").
		WithDetails("sessionId", "s1", "status", string(types.StatusCompleted))
	sessions.On("Abort", mock.Anything, testOwner, "s1", "u1").Return(nil, expired)
	sessions.On("Get", mock.Anything, testOwner, "s1", false).Return(nil, expired)

	_, err := NewValidator(objects, sessions, mockPolicy(t)).Complete(context.Background(), testOwner, s, Input{Parts: oneParts})
	assertCode(t, err, apperr.CodeSizeMismatch, http.StatusBadRequest)

	objects.AssertNotCalled(t, "DeleteObject", mock.Anything, mock.Anything, mock.Anything)
}

func TestComplete_RecoversAssembledObject(t *testing.T) {
	objects := new(MockObjectStore)
	sessions := new(MockSessionStore)
	s := mockSession()
	completed := s.Clone()
	completed.Status = types.StatusCompleted
	parts := []types.CompletedPart{
		{PartNumber: 1, ETag: `"5d41402abc4b2a76b9719d911017c592"`},
		{PartNumber: 2, ETag: "7d793037a0760186574b0282f2f435e7"},
	}
	s.PartSizeBytes = 50

	objects.On("CompleteMultipartUpload", mock.Anything, testBucket, "a.pdf", "u1", parts).
		Return(nil, errors.New("request timeout"))
	objects.On("HeadObject", mock.Anything, testBucket, "a.pdf").
		Return(&storage.ObjectInfo{Key: "a.pdf", Size: 100, ETag: `"065947336a2f2a95ba8899f3675c3be6-2"`}, nil)
	objects.On("ReadRange", mock.Anything, testBucket, "a.pdf", int64(0), int64(SniffLength)).
		Return([]byte("%PDF-1.4"), nil)
	sessions.On("Complete", mock.Anything, testOwner, "s1", "u1").Return(completed, nil)

	result, err := NewValidator(objects, sessions, mockPolicy(t)).Complete(context.Background(), testOwner, s, Input{Parts: parts})
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.Size)
	assert.Equal(t, types.StatusCompleted, result.Session.Status)
}

func TestComplete_UnrecoverableStorageFailure(t *testing.T) {
	objects := new(MockObjectStore)
	sessions := new(MockSessionStore)
	s := mockSession()

	objects.On("CompleteMultipartUpload", mock.Anything, testBucket, "a.pdf", "u1", oneParts).
		Return(nil, errors.New("request timeout"))
	objects.On("HeadObject", mock.Anything, testBucket, "a.pdf").
		Return(&storage.ObjectInfo{Key: "a.pdf", Size: 100, ETag: `"065947336a2f2a95ba8899f3675c3be6-2"`}, nil)

	_, err := NewValidator(objects, sessions, mockPolicy(t)).Complete(context.Background(), testOwner, s, Input{Parts: oneParts})
	assertCode(t, err, apperr.CodeStorage, http.StatusBadGateway)

	objects.AssertNotCalled(t, "DeleteObject", mock.Anything, mock.Anything, mock.Anything)
	sessions.AssertNotCalled(t, "Abort", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMultipartETag(t *testing.T) {
	etag, ok := multipartETag([]types.CompletedPart{
		{PartNumber: 1, ETag: "5d41402abc4b2a76b9719d911017c592"},
		{PartNumber: 2, ETag: `"7d793037a0760186574b0282f2f435e7"`},
	})
	require.True(t, ok)
	assert.Equal(t, "065947336a2f2a95ba8899f3675c3be6-2", etag)

	_, ok = multipartETag([]types.CompletedPart{{PartNumber: 1, ETag: "etag-1"}})
	assert.False(t, ok)
}
