package storage

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/conduit/pkg/types"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSignatureInvalid is returned when a local part URL fails verification
	ErrSignatureInvalid = errors.New("signature does not match")
	// ErrSignatureExpired is returned when a local part URL is past its expiry
	ErrSignatureExpired = errors.New("signature has expired")
	// ErrBadDigest is returned when a part body does not match its Content-MD5
	ErrBadDigest = errors.New("content-md5 does not match body")
	// ErrInvalidPart is returned when a completion names a missing or mismatched part
	ErrInvalidPart = errors.New("invalid part")
)

// LocalUploadPath is the route local signed part URLs point at
const LocalUploadPath = "/local-upload"

// LocalStorage implements MultipartStorage on the local filesystem. Part URLs
// it signs point back at this service, so it is meant for development and tests.
type LocalStorage struct {
	basePath  string
	publicURL string
	secret    []byte
	now       func() time.Time
	mutex     sync.RWMutex
}

type multipartMeta struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath, publicURL, secret string) (*LocalStorage, error) {
	for _, dir := range []string{basePath, filepath.Join(basePath, "objects"), filepath.Join(basePath, "multipart")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Error().Err(err).Str("path", dir).Msg("failed to create storage directory")
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	if secret == "" {
		return nil, fmt.Errorf("local storage requires a signing secret")
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
		secret:    []byte(secret),
		now:       time.Now,
	}, nil
}

// CreateMultipartUpload starts a multipart upload backed by a staging directory
func (ls *LocalStorage) CreateMultipartUpload(ctx context.Context, bucket, key, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := ls.objectPath(bucket, key); err != nil {
		return "", err
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	uploadID := uuid.New().String()
	dir := ls.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	meta := multipartMeta{Bucket: bucket, Key: key, ContentType: contentType, CreatedAt: ls.now().UTC()}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode upload metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write upload metadata: %w", err)
	}

	log.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Str("upload_id", uploadID).
		Msg("multipart upload created")

	return uploadID, nil
}

// PutPart stores one part body and returns its ETag
func (ls *LocalStorage) PutPart(ctx context.Context, bucket, key, uploadID string, partNumber int, body io.Reader, contentMD5 string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if partNumber < 1 {
		return "", ErrInvalidPart
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	meta, err := ls.loadMeta(uploadID)
	if err != nil {
		return "", err
	}
	if meta.Bucket != bucket || meta.Key != key {
		return "", ErrObjectNotFound
	}

	partPath := ls.partPath(uploadID, partNumber)
	tempPath := partPath + ".tmp." + strconv.FormatInt(time.Now().UnixNano(), 10)
	tempFile, err := os.Create(tempPath)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(tempFile, hasher), body)
	if err != nil {
		return "", fmt.Errorf("failed to write part: %w", err)
	}
	sum := hasher.Sum(nil)
	if contentMD5 != "" && contentMD5 != base64.StdEncoding.EncodeToString(sum) {
		return "", ErrBadDigest
	}
	if err := tempFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync part: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, partPath); err != nil {
		return "", fmt.Errorf("failed to move part into place: %w", err)
	}

	etag := hex.EncodeToString(sum)
	log.Debug().
		Str("upload_id", uploadID).
		Int("part_number", partNumber).
		Int64("bytes_written", written).
		Str("etag", etag).
		Msg("part stored")

	return etag, nil
}

// CompleteMultipartUpload concatenates the parts in order into the final object
func (ls *LocalStorage) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []types.CompletedPart) (*ObjectInfo, error) {
	startTime := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	meta, err := ls.loadMeta(uploadID)
	if err != nil {
		return nil, err
	}
	if meta.Bucket != bucket || meta.Key != key {
		return nil, ErrObjectNotFound
	}
	objectPath, err := ls.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(objectPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := objectPath + ".tmp." + strconv.FormatInt(time.Now().UnixNano(), 10)
	out, err := os.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		out.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	etagHasher := md5.New()
	var size int64
	for _, part := range parts {
		n, digest, err := ls.appendPart(out, uploadID, part)
		if err != nil {
			return nil, err
		}
		size += n
		etagHasher.Write(digest)
	}
	if err := out.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync object: %w", err)
	}
	out.Close()

	if err := os.Rename(tempPath, objectPath); err != nil {
		return nil, fmt.Errorf("failed to move object into place: %w", err)
	}
	if err := os.RemoveAll(ls.uploadDir(uploadID)); err != nil {
		log.Warn().Err(err).Str("upload_id", uploadID).Msg("failed to remove multipart staging directory")
	}

	info := &ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         size,
		ETag:         fmt.Sprintf("%s-%d", hex.EncodeToString(etagHasher.Sum(nil)), len(parts)),
		ContentType:  meta.ContentType,
		LastModified: ls.now().UTC(),
	}

	log.Info().
		Str("bucket", bucket).
		Str("key", key).
		Int("parts", len(parts)).
		Int64("size", size).
		Dur("duration", time.Since(startTime)).
		Msg("multipart upload completed")

	return info, nil
}

func (ls *LocalStorage) appendPart(out io.Writer, uploadID string, part types.CompletedPart) (int64, []byte, error) {
	f, err := os.Open(ls.partPath(uploadID, part.PartNumber))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil, fmt.Errorf("%w: part %d was not uploaded", ErrInvalidPart, part.PartNumber)
		}
		return 0, nil, fmt.Errorf("failed to open part: %w", err)
	}
	defer f.Close()

	hasher := md5.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return 0, nil, fmt.Errorf("failed to read part: %w", err)
	}
	digest := hasher.Sum(nil)
	if strings.Trim(part.ETag, `"`) != hex.EncodeToString(digest) {
		return 0, nil, fmt.Errorf("%w: etag mismatch for part %d", ErrInvalidPart, part.PartNumber)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, nil, fmt.Errorf("failed to rewind part: %w", err)
	}
	n, err := io.Copy(out, f)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to append part: %w", err)
	}
	return n, digest, nil
}

// AbortMultipartUpload removes the staging directory. Unknown uploads are ignored.
func (ls *LocalStorage) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := uuid.Parse(uploadID); err != nil {
		return ErrObjectNotFound
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if err := os.RemoveAll(ls.uploadDir(uploadID)); err != nil {
		return fmt.Errorf("failed to abort upload: %w", err)
	}
	log.Debug().Str("upload_id", uploadID).Msg("multipart upload aborted")
	return nil
}

// HeadObject returns the size of a stored object
func (ls *LocalStorage) HeadObject(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := ls.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	return &ObjectInfo{Bucket: bucket, Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// ReadRange reads up to length bytes starting at offset
func (ls *LocalStorage) ReadRange(ctx context.Context, bucket, key string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := ls.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek: %w", err)
	}
	return io.ReadAll(io.LimitReader(f, length))
}

// DeleteObject removes an object from the local filesystem
func (ls *LocalStorage) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := ls.objectPath(bucket, key)
	if err != nil {
		return err
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("key", key).Msg("object already deleted or does not exist")
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	log.Info().Str("bucket", bucket).Str("key", key).Msg("object deleted")
	return nil
}

// PresignUploadPart returns an HMAC-signed URL served by the local upload route
func (ls *LocalStorage) PresignUploadPart(ctx context.Context, in PresignPartInput) (*PresignedRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	expires := ls.now().Add(in.Expires).Unix()
	req := PartRequest{
		Bucket:      in.Bucket,
		Key:         in.Key,
		UploadID:    in.UploadID,
		PartNumber:  in.PartNumber,
		Expires:     expires,
		ContentType: in.ContentType,
		ContentMD5:  in.ContentMD5,
	}

	query := url.Values{}
	query.Set("key", in.Key)
	query.Set("uploadId", in.UploadID)
	query.Set("partNumber", strconv.Itoa(in.PartNumber))
	query.Set("expires", strconv.FormatInt(expires, 10))
	query.Set("signature", ls.sign(req))

	headers := http.Header{}
	headers.Set("Content-Type", in.ContentType)
	if in.ContentMD5 != "" {
		headers.Set("Content-MD5", in.ContentMD5)
	}

	return &PresignedRequest{
		URL:     fmt.Sprintf("%s%s/%s?%s", ls.publicURL, LocalUploadPath, url.PathEscape(in.Bucket), query.Encode()),
		Method:  http.MethodPut,
		Headers: headers,
	}, nil
}

// PartRequest is an incoming part upload against a local signed URL
type PartRequest struct {
	Bucket      string
	Key         string
	UploadID    string
	PartNumber  int
	Expires     int64
	Signature   string
	ContentType string
	ContentMD5  string
}

// ParsePartRequest extracts the signed fields from an incoming request
func ParsePartRequest(r *http.Request, bucket string) (PartRequest, error) {
	q := r.URL.Query()
	partNumber, err := strconv.Atoi(q.Get("partNumber"))
	if err != nil {
		return PartRequest{}, fmt.Errorf("%w: bad partNumber", ErrSignatureInvalid)
	}
	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return PartRequest{}, fmt.Errorf("%w: bad expires", ErrSignatureInvalid)
	}
	return PartRequest{
		Bucket:      bucket,
		Key:         q.Get("key"),
		UploadID:    q.Get("uploadId"),
		PartNumber:  partNumber,
		Expires:     expires,
		Signature:   q.Get("signature"),
		ContentType: r.Header.Get("Content-Type"),
		ContentMD5:  r.Header.Get("Content-MD5"),
	}, nil
}

// VerifyPart checks the signature and expiry of an incoming part upload.
// The body length is not part of the signature.
func (ls *LocalStorage) VerifyPart(req PartRequest) error {
	expected := ls.sign(req)
	if !hmac.Equal([]byte(expected), []byte(req.Signature)) {
		return ErrSignatureInvalid
	}
	if ls.now().Unix() > req.Expires {
		return ErrSignatureExpired
	}
	return nil
}

func (ls *LocalStorage) sign(req PartRequest) string {
	canonical := strings.Join([]string{
		http.MethodPut,
		req.Bucket,
		req.Key,
		req.UploadID,
		strconv.Itoa(req.PartNumber),
		strconv.FormatInt(req.Expires, 10),
		req.ContentType,
		req.ContentMD5,
	}, "\n")
	mac := hmac.New(sha256.New, ls.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// objectPath maps a bucket and key to a single file. Keys are path-escaped
// so that distinct keys never collapse onto the same file.
func (ls *LocalStorage) objectPath(bucket, key string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name: %q", bucket)
	}
	if key == "" || key == "." || key == ".." {
		return "", fmt.Errorf("invalid object key: %q", key)
	}
	return filepath.Join(ls.basePath, "objects", bucket, url.PathEscape(key)), nil
}

func (ls *LocalStorage) uploadDir(uploadID string) string {
	return filepath.Join(ls.basePath, "multipart", uploadID)
}

func (ls *LocalStorage) partPath(uploadID string, partNumber int) string {
	return filepath.Join(ls.uploadDir(uploadID), fmt.Sprintf("part-%05d", partNumber))
}

func (ls *LocalStorage) loadMeta(uploadID string) (*multipartMeta, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return nil, fmt.Errorf("%w: upload %s", ErrObjectNotFound, uploadID)
	}
	data, err := os.ReadFile(filepath.Join(ls.uploadDir(uploadID), "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: upload %s", ErrObjectNotFound, uploadID)
		}
		return nil, fmt.Errorf("failed to read upload metadata: %w", err)
	}
	var meta multipartMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode upload metadata: %w", err)
	}
	return &meta, nil
}
