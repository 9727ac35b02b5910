package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lgulliver/conduit/pkg/config"
	"github.com/lgulliver/conduit/pkg/types"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// MinioStorage implements MultipartStorage with the MinIO client
type MinioStorage struct {
	core *minio.Core
}

// NewMinioStorage connects to a MinIO (or other S3-compatible) endpoint
func NewMinioStorage(cfg *config.StorageConfig) (*MinioStorage, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio storage requires an endpoint")
	}
	endpoint := cfg.Endpoint
	secure := cfg.UseSSL
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		endpoint = u.Host
		secure = u.Scheme == "https"
	}

	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	}
	if cfg.UsePathStyle {
		opts.BucketLookup = minio.BucketLookupPath
	}

	core, err := minio.NewCore(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	log.Info().
		Str("endpoint", endpoint).
		Bool("secure", secure).
		Msg("minio storage initialized")

	return &MinioStorage{core: core}, nil
}

func (m *MinioStorage) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	uploadID, err := m.core.NewMultipartUpload(ctx, bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}
	return uploadID, nil
}

func (m *MinioStorage) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []types.CompletedPart) (*ObjectInfo, error) {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	info, err := m.core.CompleteMultipartUpload(ctx, bucket, key, uploadID, completed, minio.PutObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return &ObjectInfo{Bucket: bucket, Key: key, Size: info.Size, ETag: info.ETag}, nil
}

func (m *MinioStorage) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := m.core.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		if isMinioNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}

func (m *MinioStorage) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	stat, err := m.core.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return &ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         stat.Size,
		ETag:         stat.ETag,
		ContentType:  stat.ContentType,
		LastModified: stat.LastModified,
	}, nil
}

func (m *MinioStorage) ReadRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(offset, offset+length-1); err != nil {
		return nil, fmt.Errorf("invalid range: %w", err)
	}

	obj, _, _, err := m.core.GetObject(ctx, bucket, key, opts)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, length))
	if err != nil {
		if minio.ToErrorResponse(err).Code == "InvalidRange" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

func (m *MinioStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := m.core.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// PresignUploadPart signs a part PUT with Content-Type and Content-MD5 as signed headers
func (m *MinioStorage) PresignUploadPart(ctx context.Context, in PresignPartInput) (*PresignedRequest, error) {
	params := url.Values{}
	params.Set("uploadId", in.UploadID)
	params.Set("partNumber", strconv.Itoa(in.PartNumber))

	headers := http.Header{}
	headers.Set("Content-Type", in.ContentType)
	if in.ContentMD5 != "" {
		headers.Set("Content-MD5", in.ContentMD5)
	}

	u, err := m.core.PresignHeader(ctx, http.MethodPut, in.Bucket, in.Key, in.Expires, params, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload part: %w", err)
	}
	return &PresignedRequest{URL: u.String(), Method: http.MethodPut, Headers: headers}, nil
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchUpload" || strings.EqualFold(code, "NotFound")
}
