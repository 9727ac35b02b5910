package storage

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/lgulliver/conduit/pkg/types"
)

// ErrObjectNotFound is returned when an object or multipart upload does not exist
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Bucket       string    `json:"bucket"`
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	ContentType  string    `json:"contentType,omitempty"`
	LastModified time.Time `json:"lastModified,omitempty"`
}

// PresignPartInput describes one part URL to sign
type PresignPartInput struct {
	Bucket      string
	Key         string
	UploadID    string
	PartNumber  int
	Expires     time.Duration
	ContentType string
	ContentMD5  string
}

// PresignedRequest is a signed request the client performs directly against storage
type PresignedRequest struct {
	URL     string
	Method  string
	Headers http.Header
}

// ObjectStore is the multipart surface of an object storage backend
type ObjectStore interface {
	// CreateMultipartUpload starts a multipart upload and returns its upload id
	CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error)

	// CompleteMultipartUpload assembles the listed parts into the final object
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []types.CompletedPart) (*ObjectInfo, error)

	// AbortMultipartUpload discards an unfinished multipart upload
	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error

	// HeadObject returns metadata for an assembled object
	HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// ReadRange returns up to length bytes starting at offset
	ReadRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error)

	// DeleteObject removes an object; deleting a missing object is not an error
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Presigner issues time-limited URLs for uploading a single part
type Presigner interface {
	PresignUploadPart(ctx context.Context, in PresignPartInput) (*PresignedRequest, error)
}

// MultipartStorage is a backend that both stores objects and signs part uploads
type MultipartStorage interface {
	ObjectStore
	Presigner
}
