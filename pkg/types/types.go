package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SessionStatus is the lifecycle state of an upload session
type SessionStatus string

const (
	StatusInit      SessionStatus = "init"
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
	StatusAborted   SessionStatus = "aborted"
	StatusExpired   SessionStatus = "expired"
)

// Valid reports whether s is one of the known statuses
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusInit, StatusActive, StatusCompleted, StatusAborted, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusExpired
}

// UnmarshalJSON rejects unknown status strings
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status := SessionStatus(raw)
	if !status.Valid() {
		return fmt.Errorf("unknown session status %q", raw)
	}
	*s = status
	return nil
}

// SignedPartRecord is the advisory log entry written each time a part URL is issued
type SignedPartRecord struct {
	PartNumber    int       `json:"partNumber"`
	IssuedAt      time.Time `json:"issuedAt"`
	ContentLength int64     `json:"contentLength"`
	ContentMD5    *string   `json:"contentMd5"`
}

// SignedParts maps decimal part numbers to their latest signing record
type SignedParts map[string]SignedPartRecord

// Value implements the driver.Valuer interface for GORM
func (p SignedParts) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface for GORM
func (p *SignedParts) Scan(value interface{}) error {
	if value == nil {
		*p = SignedParts{}
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into SignedParts", value)
	}

	return json.Unmarshal(bytes, p)
}

// Put records a signing event for the given part, replacing any earlier one
func (p SignedParts) Put(record SignedPartRecord) {
	p[strconv.Itoa(record.PartNumber)] = record
}

// UploadSession tracks one in-flight multipart upload for one owner
type UploadSession struct {
	SessionID     string        `json:"sessionId" gorm:"primaryKey;size:64"`
	OwnerID       string        `json:"ownerId" gorm:"primaryKey;size:255"`
	Bucket        string        `json:"bucket" gorm:"not null"`
	UploadID      string        `json:"uploadId" gorm:"not null"`
	ObjectKey     string        `json:"objectKey" gorm:"not null;index"`
	Filename      string        `json:"filename" gorm:"not null"`
	ContentType   string        `json:"contentType"`
	DeclaredSize  int64         `json:"declaredSize" gorm:"not null"`
	SHA256        *string       `json:"sha256" gorm:"column:sha256"`
	Prefix        string        `json:"prefix"`
	MaxParts      int           `json:"maxParts" gorm:"not null"`
	MaxFileBytes  int64         `json:"maxFileBytes"`
	PartSizeBytes int64         `json:"partSizeBytes" gorm:"not null"`
	CreatedAt     time.Time     `json:"createdAt"`
	ExpiresAt     time.Time     `json:"expiresAt" gorm:"index"`
	Status        SessionStatus `json:"status" gorm:"size:16;index"`
	CompletedAt   *time.Time    `json:"completedAt"`
	AbortedAt     *time.Time    `json:"abortedAt"`
	SignedParts   SignedParts   `json:"signedParts" gorm:"type:text"`
}

// TableName sets the gorm table name
func (UploadSession) TableName() string {
	return "upload_sessions"
}

// PartsNeeded returns how many parts the declared size splits into
func (s *UploadSession) PartsNeeded() int {
	return PartsFor(s.DeclaredSize, s.PartSizeBytes)
}

// Clone returns a deep copy so callers never share state with a store
func (s *UploadSession) Clone() *UploadSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.SHA256 != nil {
		v := *s.SHA256
		out.SHA256 = &v
	}
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		out.CompletedAt = &v
	}
	if s.AbortedAt != nil {
		v := *s.AbortedAt
		out.AbortedAt = &v
	}
	out.SignedParts = make(SignedParts, len(s.SignedParts))
	for k, rec := range s.SignedParts {
		if rec.ContentMD5 != nil {
			md5 := *rec.ContentMD5
			rec.ContentMD5 = &md5
		}
		out.SignedParts[k] = rec
	}
	return &out
}

// PartsFor computes ceil(size/partSize), never less than one
func PartsFor(size, partSize int64) int {
	if partSize <= 0 || size <= 0 {
		return 1
	}
	n := size / partSize
	if size%partSize != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return int(n)
}

// CompletedPart identifies one uploaded part by number and storage ETag
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// Principal is an authenticated caller. OwnerID is opaque to the upload
// control plane and is used verbatim, apart from trimming, as the session owner.
type Principal struct {
	OwnerID string `json:"owner"`
	Email   string `json:"email,omitempty"`
}
