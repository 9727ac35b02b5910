package policy

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/lgulliver/conduit/internal/apperr"
	"github.com/lgulliver/conduit/pkg/types"
)

const (
	maxFilenameLength  = 255
	defaultContentType = "application/octet-stream"
)

// Candidate is an upload as declared by the client at init time
type Candidate struct {
	Filename     string
	Prefix       string
	DeclaredSize int64
	ContentType  string
}

// Accepted is a candidate that passed every policy check
type Accepted struct {
	Filename      string
	Prefix        string
	ObjectKey     string
	ContentType   string
	PartsNeeded   int
	PartSizeBytes int64
	MaxParts      int
	MaxFileBytes  int64
}

// Evaluate runs the policy checks in order and stops at the first violation.
// It has no side effects; the same candidate always yields the same result.
func (p *Policy) Evaluate(c Candidate) (*Accepted, error) {
	if err := validateFilename(c.Filename); err != nil {
		return nil, err
	}

	prefix, err := normalizePrefix(c.Prefix)
	if err != nil {
		return nil, err
	}
	if len(p.PrefixAllowlist) > 0 && !p.prefixAllowed(prefix) {
		return nil, apperr.Forbidden(apperr.CodePrefixNotAllowed, "upload prefix is not allowed").
			WithDetails("prefix", prefix)
	}

	ext := strings.ToLower(path.Ext(c.Filename))
	if _, blocked := p.BlockedExt[ext]; ext != "" && blocked {
		return nil, apperr.BadRequest(apperr.CodeExtensionBlocked, "file extension is blocked").
			WithDetails("extension", ext)
	}
	if len(p.AllowedExt) > 0 {
		if _, ok := p.AllowedExt[ext]; !ok {
			return nil, apperr.BadRequest(apperr.CodeExtensionNotAllowed, "file extension is not allowed").
				WithDetails("extension", ext)
		}
	}

	contentType := normalizeMIME(c.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}
	if p.MIMEBlocked(contentType) {
		return nil, apperr.BadRequest(apperr.CodeContentTypeBlocked, "content type is blocked").
			WithDetails("contentType", contentType)
	}
	if !p.MIMEAllowed(contentType) {
		return nil, apperr.BadRequest(apperr.CodeContentTypeNotAllowed, "content type is not allowed").
			WithDetails("contentType", contentType)
	}

	if c.DeclaredSize <= 0 {
		return nil, apperr.Validation("declared size must be positive")
	}
	if p.MaxFileBytes > 0 && c.DeclaredSize > p.MaxFileBytes {
		return nil, apperr.TooLarge(apperr.CodeSizeLimit, "declared size exceeds the upload limit").
			WithDetails("declaredSize", c.DeclaredSize, "maxFileBytes", p.MaxFileBytes)
	}

	parts := types.PartsFor(c.DeclaredSize, p.PartSizeBytes)
	if parts > p.MaxParts {
		return nil, apperr.TooLarge(apperr.CodePartLimit, "upload needs more parts than allowed").
			WithDetails("partsNeeded", parts, "maxParts", p.MaxParts)
	}

	return &Accepted{
		Filename:      c.Filename,
		Prefix:        prefix,
		ObjectKey:     prefix + c.Filename,
		ContentType:   contentType,
		PartsNeeded:   parts,
		PartSizeBytes: p.PartSizeBytes,
		MaxParts:      p.MaxParts,
		MaxFileBytes:  p.MaxFileBytes,
	}, nil
}

// CheckOrigin validates a browser Origin header against the allowed origins.
// With no configured origins only requestOrigin (the server's own) is accepted.
func (p *Policy) CheckOrigin(origin, requestOrigin string) error {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return apperr.Forbidden(apperr.CodeOriginRequired, "origin header is required")
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return apperr.Forbidden(apperr.CodeOriginInvalid, "origin header is invalid")
	}

	allowed := p.AllowedOrigins
	if len(allowed) == 0 {
		if self, ok := normalizeOrigin(requestOrigin); ok {
			allowed = []string{self}
		}
	}
	for _, candidate := range allowed {
		if candidate == normalized {
			return nil
		}
	}
	return apperr.Forbidden(apperr.CodeOriginNotAllowed, "origin is not allowed").
		WithDetails("origin", normalized)
}

func (p *Policy) prefixAllowed(prefix string) bool {
	for _, allowed := range p.PrefixAllowlist {
		if strings.HasPrefix(prefix, allowed) {
			return true
		}
	}
	return false
}

func validateFilename(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return apperr.BadRequest(apperr.CodeInvalidFilename, "filename is required")
	case name == "." || name == "..":
		return apperr.BadRequest(apperr.CodeInvalidFilename, "filename is invalid")
	case strings.ContainsAny(name, "/\\"):
		return apperr.BadRequest(apperr.CodeInvalidFilename, "filename must not contain path separators")
	case !utf8.ValidString(name):
		return apperr.BadRequest(apperr.CodeInvalidFilename, "filename must be valid UTF-8")
	case utf8.RuneCountInString(name) > maxFilenameLength:
		return apperr.BadRequest(apperr.CodeInvalidFilename,
			fmt.Sprintf("filename must be at most %d characters", maxFilenameLength))
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return apperr.BadRequest(apperr.CodeInvalidFilename, "filename must not contain control characters")
		}
	}
	return nil
}

// normalizePrefix strips leading slashes and enforces a trailing one.
// Empty segments are kept as-is so distinct prefixes stay distinct keys.
func normalizePrefix(raw string) (string, error) {
	prefix := strings.TrimLeft(strings.TrimSpace(raw), "/")
	if prefix == "" {
		return "", nil
	}
	if strings.Contains(prefix, "\\") {
		return "", apperr.BadRequest(apperr.CodeInvalidPrefix, "prefix must not contain backslashes")
	}
	if strings.Contains(prefix, "..") {
		return "", apperr.BadRequest(apperr.CodeInvalidPrefix, "prefix must not contain ..")
	}
	for _, segment := range strings.Split(prefix, "/") {
		if segment == "." {
			return "", apperr.BadRequest(apperr.CodeInvalidPrefix, "prefix must not contain relative segments")
		}
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix, nil
}

func normalizeMIME(raw string) string {
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeExt(raw string) string {
	ext := strings.ToLower(strings.TrimSpace(raw))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func normalizeOrigin(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// CanonicalMIME lower-cases a content type and strips its parameters
func CanonicalMIME(raw string) string {
	return normalizeMIME(raw)
}
