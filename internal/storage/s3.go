package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/lgulliver/conduit/pkg/config"
	"github.com/lgulliver/conduit/pkg/types"
	"github.com/rs/zerolog/log"
)

// S3Storage implements MultipartStorage against S3 or an S3-compatible endpoint
type S3Storage struct {
	client    *s3.Client
	presigner *s3.PresignClient
}

// NewS3Storage builds an S3 client from the storage configuration
func NewS3Storage(ctx context.Context, cfg *config.StorageConfig) (*S3Storage, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	log.Info().
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Bool("path_style", cfg.UsePathStyle).
		Msg("s3 storage initialized")

	return NewS3StorageFromClient(client), nil
}

// NewS3StorageFromClient wraps an existing S3 client
func NewS3StorageFromClient(client *s3.Client) *S3Storage {
	return &S3Storage{
		client:    client,
		presigner: s3.NewPresignClient(client),
	}
}

func (s *S3Storage) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *S3Storage) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []types.CompletedPart) (*ObjectInfo, error) {
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, s3types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	// CompleteMultipartUpload does not report the size; callers use HeadObject
	return &ObjectInfo{Bucket: bucket, Key: key, ETag: aws.ToString(out.ETag)}, nil
}

func (s *S3Storage) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}

func (s *S3Storage) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to head object: %w", err)
	}

	info := &ObjectInfo{
		Bucket:      bucket,
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

func (s *S3Storage) ReadRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return nil, nil
		}
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	defer out.Body.Close()

	return io.ReadAll(io.LimitReader(out.Body, length))
}

func (s *S3Storage) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// PresignUploadPart signs an UploadPart request. Content-Type and, when given,
// Content-MD5 are signed headers; the content length is left unsigned.
func (s *S3Storage) PresignUploadPart(ctx context.Context, in PresignPartInput) (*PresignedRequest, error) {
	input := &s3.UploadPartInput{
		Bucket:     aws.String(in.Bucket),
		Key:        aws.String(in.Key),
		UploadId:   aws.String(in.UploadID),
		PartNumber: aws.Int32(int32(in.PartNumber)),
	}
	if in.ContentMD5 != "" {
		input.ContentMD5 = aws.String(in.ContentMD5)
	}

	req, err := s.presigner.PresignUploadPart(ctx, input,
		s3.WithPresignExpires(in.Expires),
		func(po *s3.PresignOptions) {
			po.ClientOptions = append(po.ClientOptions, func(o *s3.Options) {
				o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
				o.APIOptions = append(o.APIOptions, smithyhttp.AddHeaderValue("Content-Type", in.ContentType))
			})
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload part: %w", err)
	}

	headers := http.Header{}
	for name, values := range req.SignedHeader {
		switch strings.ToLower(name) {
		case "content-type", "content-md5":
			for _, v := range values {
				headers.Add(name, v)
			}
		}
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", in.ContentType)
	}

	return &PresignedRequest{URL: req.URL, Method: req.Method, Headers: headers}, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchUpload":
			return true
		}
	}
	var nsk *s3types.NoSuchKey
	var nsu *s3types.NoSuchUpload
	return errors.As(err, &nsk) || errors.As(err, &nsu)
}
