package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/pkg/config"
)

// StorageMaxParts is the multipart part-count ceiling imposed by S3-compatible stores
const StorageMaxParts = 10000

// Policy is the parsed, immutable upload policy
type Policy struct {
	Bucket               string
	MaxFileBytes         int64
	MaxParts             int
	PartSizeBytes        int64
	MaxConcurrentUploads int
	SessionTTL           time.Duration
	SignPartTTL          time.Duration
	AllowedMIME          map[string]struct{}
	BlockedMIME          map[string]struct{}
	AllowedExt           map[string]struct{}
	BlockedExt           map[string]struct{}
	PrefixAllowlist      []string
	AllowedOrigins       []string
}

// Parse validates the raw upload configuration and returns the policy.
// Any malformed value fails with upload_config_invalid naming the variable.
func Parse(cfg config.UploadConfig) (*Policy, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, apperr.ConfigInvalid("UPLOAD_BUCKET", "UPLOAD_BUCKET is required")
	}

	maxFileBytes, err := parseInt("UPLOAD_MAX_FILE_BYTES", cfg.MaxFileBytes, 0, false)
	if err != nil {
		return nil, err
	}
	maxParts, err := parseInt("UPLOAD_MAX_PARTS", cfg.MaxParts, StorageMaxParts, false)
	if err != nil {
		return nil, err
	}
	if maxParts == 0 || maxParts > StorageMaxParts {
		maxParts = StorageMaxParts
	}
	partSize, err := parseInt("UPLOAD_PART_SIZE_BYTES", cfg.PartSizeBytes, 8<<20, true)
	if err != nil {
		return nil, err
	}
	maxConcurrent, err := parseInt("UPLOAD_MAX_CONCURRENT_PER_USER", cfg.MaxConcurrentPerUser, 0, false)
	if err != nil {
		return nil, err
	}
	sessionTTL, err := parseInt("UPLOAD_SESSION_TTL_SEC", cfg.SessionTTLSec, 3600, true)
	if err != nil {
		return nil, err
	}
	signTTL, err := parseInt("UPLOAD_SIGN_TTL_SEC", cfg.SignTTLSec, 900, true)
	if err != nil {
		return nil, err
	}

	p := &Policy{
		Bucket:               bucket,
		MaxFileBytes:         maxFileBytes,
		MaxParts:             int(maxParts),
		PartSizeBytes:        partSize,
		MaxConcurrentUploads: int(maxConcurrent),
		SessionTTL:           time.Duration(sessionTTL) * time.Second,
		SignPartTTL:          time.Duration(signTTL) * time.Second,
		AllowedMIME:          toSet(splitList(cfg.AllowedMIME), normalizeMIME),
		BlockedMIME:          toSet(splitList(cfg.BlockedMIME), normalizeMIME),
		AllowedExt:           toSet(splitList(cfg.AllowedExt), normalizeExt),
		BlockedExt:           toSet(splitList(cfg.BlockedExt), normalizeExt),
	}

	for _, prefix := range splitList(cfg.PrefixAllowlist) {
		normalized, err := normalizePrefix(prefix)
		if err != nil || normalized == "" {
			return nil, apperr.ConfigInvalid("UPLOAD_PREFIX_ALLOWLIST",
				fmt.Sprintf("UPLOAD_PREFIX_ALLOWLIST contains an invalid prefix %q", prefix))
		}
		p.PrefixAllowlist = append(p.PrefixAllowlist, normalized)
	}

	for _, origin := range splitList(cfg.AllowedOrigins) {
		normalized, ok := normalizeOrigin(origin)
		if !ok {
			return nil, apperr.ConfigInvalid("UPLOAD_ALLOWED_ORIGINS",
				fmt.Sprintf("UPLOAD_ALLOWED_ORIGINS contains an invalid origin %q", origin))
		}
		p.AllowedOrigins = append(p.AllowedOrigins, normalized)
	}

	return p, nil
}

// Limits is the client-facing summary of the policy
type Limits struct {
	MaxFileBytes         int64 `json:"maxFileBytes"`
	MaxParts             int   `json:"maxParts"`
	PartSizeBytes        int64 `json:"partSizeBytes"`
	MaxConcurrentPerUser int   `json:"maxConcurrentPerUser"`
	SessionTTLSec        int64 `json:"sessionTtlSec"`
	SignPartTTLSec       int64 `json:"signPartTtlSec"`
}

// Limits returns the values clients need to plan an upload
func (p *Policy) Limits() Limits {
	return Limits{
		MaxFileBytes:         p.MaxFileBytes,
		MaxParts:             p.MaxParts,
		PartSizeBytes:        p.PartSizeBytes,
		MaxConcurrentPerUser: p.MaxConcurrentUploads,
		SessionTTLSec:        int64(p.SessionTTL / time.Second),
		SignPartTTLSec:       int64(p.SignPartTTL / time.Second),
	}
}

// MIMEBlocked reports whether the canonical type is on the deny-list
func (p *Policy) MIMEBlocked(contentType string) bool {
	_, ok := p.BlockedMIME[normalizeMIME(contentType)]
	return ok
}

// MIMEAllowed reports whether the canonical type passes the allow-list.
// An empty allow-list admits everything.
func (p *Policy) MIMEAllowed(contentType string) bool {
	if len(p.AllowedMIME) == 0 {
		return true
	}
	_, ok := p.AllowedMIME[normalizeMIME(contentType)]
	return ok
}

func parseInt(name, raw string, def int64, positive bool) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 || (positive && v == 0) {
		kind := "a non-negative integer"
		if positive {
			kind = "a positive integer"
		}
		return 0, apperr.ConfigInvalid(name, fmt.Sprintf("%s must be %s, got %q", name, kind, raw))
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func toSet(items []string, normalize func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if n := normalize(item); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}
