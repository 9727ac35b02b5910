// Package apperr defines the structured errors returned across component
// boundaries. Each error carries a stable machine-readable code and the HTTP
// status it maps to.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	CodeValidation   = "validation_error"
	CodeUnauthorized = "unauthorized"
	CodeInternal     = "internal_error"
	CodeStorage      = "storage_error"

	CodeConfigInvalid        = "upload_config_invalid"
	CodeSigningConfigInvalid = "upload_signing_config_invalid"

	CodeInvalidFilename       = "invalid_filename"
	CodeInvalidPrefix         = "invalid_prefix"
	CodePrefixNotAllowed      = "upload_prefix_not_allowed"
	CodeExtensionBlocked      = "upload_extension_blocked"
	CodeExtensionNotAllowed   = "upload_extension_not_allowed"
	CodeContentTypeBlocked    = "upload_content_type_blocked"
	CodeContentTypeNotAllowed = "upload_content_type_not_allowed"
	CodeSizeLimit             = "upload_size_limit"
	CodePartLimit             = "upload_part_limit"

	CodeOwnerRequired     = "owner_required"
	CodeSessionNotFound   = "upload_session_not_found"
	CodeSessionExpired    = "upload_session_expired"
	CodeSessionExists     = "upload_session_exists"
	CodeObjectKeyInUse    = "upload_object_key_in_use"
	CodeInvalidState      = "upload_session_invalid_state"
	CodeSessionNotActive  = "upload_session_not_active"
	CodeSessionMismatch   = "upload_session_mismatch"
	CodeAlreadyCompleted  = "upload_session_already_completed"
	CodeOwnerMismatch     = "upload_session_owner_mismatch"
	CodeConcurrencyLimit  = "upload_concurrency_limit"

	CodeInvalidUploadKey  = "invalid_upload_key"
	CodeInvalidPartNumber = "invalid_part_number"
	CodeInvalidPartSize   = "invalid_part_size"
	CodeInvalidContentMD5 = "invalid_content_md5"
	CodeDuplicatePart     = "duplicate_part_number"
	CodeInvalidPartOrder  = "invalid_part_order"
	CodePartCountMismatch = "upload_part_count_mismatch"
	CodeSizeMismatch      = "upload_size_mismatch"
	CodeMagicMismatch     = "upload_magic_mismatch"
	CodeMagicBlocked      = "upload_magic_blocked"

	CodeOriginRequired   = "origin_required"
	CodeOriginNotAllowed = "origin_not_allowed"
	CodeOriginInvalid    = "origin_invalid"
	CodeCSRFRequired     = "csrf_required"

	CodeSignatureInvalid = "signature_invalid"
	CodeSignatureExpired = "signature_expired"
	CodeBadDigest        = "bad_digest"
	CodeUploadNotFound   = "upload_not_found"
)

// Error is a structured control-plane error
type Error struct {
	Code      string                 `json:"code"`
	Status    int                    `json:"httpStatus"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details"`
	Retryable bool                   `json:"retryable,omitempty"`
	cause     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails returns a copy of e carrying the given key/value pairs
func (e *Error) WithDetails(kv ...interface{}) *Error {
	out := *e
	out.Details = make(map[string]interface{}, len(e.Details)+len(kv)/2)
	for k, v := range e.Details {
		out.Details[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out.Details[key] = kv[i+1]
	}
	return &out
}

// New creates an error with the given status, code and message
func New(status int, code, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap creates an error that keeps cause reachable through errors.Is/As
func Wrap(cause error, status int, code, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, cause: cause}
}

// As extracts an *Error from err's chain
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// From converts any error into an *Error, mapping unknown errors to internal_error
func From(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(err, http.StatusInternalServerError, CodeInternal, "internal server error")
}

// Validation returns a 400 validation error
func Validation(message string) *Error {
	return New(http.StatusBadRequest, CodeValidation, message)
}

// BadRequest returns a 400 error with a specific code
func BadRequest(code, message string) *Error {
	return New(http.StatusBadRequest, code, message)
}

// TooLarge returns a 413 error
func TooLarge(code, message string) *Error {
	return New(http.StatusRequestEntityTooLarge, code, message)
}

// NotFound returns a 404 error
func NotFound(code, message string) *Error {
	return New(http.StatusNotFound, code, message)
}

// Gone returns a 410 error
func Gone(code, message string) *Error {
	return New(http.StatusGone, code, message)
}

// Conflict returns a 409 error
func Conflict(code, message string) *Error {
	return New(http.StatusConflict, code, message)
}

// Forbidden returns a 403 error
func Forbidden(code, message string) *Error {
	return New(http.StatusForbidden, code, message)
}

// Unauthorized returns a 401 error
func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

// TooManyRequests returns a retryable 429 error
func TooManyRequests(code, message string) *Error {
	e := New(http.StatusTooManyRequests, code, message)
	e.Retryable = true
	return e
}

// ConfigInvalid returns a 500 misconfiguration error naming the offending setting
func ConfigInvalid(setting, message string) *Error {
	return New(http.StatusInternalServerError, CodeConfigInvalid, message).WithDetails("setting", setting)
}

// Storage wraps a storage backend failure as a retryable 502
func Storage(cause error, message string) *Error {
	e := Wrap(cause, http.StatusBadGateway, CodeStorage, message)
	e.Retryable = true
	return e
}

// Envelope is the JSON body of every error response
type Envelope struct {
	Error *Error `json:"error"`
}

// Response converts err into its HTTP status and JSON body
func Response(err error) (int, Envelope) {
	e := From(err)
	if e.Details == nil {
		e = e.WithDetails()
	}
	return e.Status, Envelope{Error: e}
}
