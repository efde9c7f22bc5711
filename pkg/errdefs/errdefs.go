// Package errdefs defines the error kinds shared by every layer and the way
// they map onto the HTTP error envelope.
//
// Domain code returns errors built with the constructors below; the HTTP
// surface never inspects messages, only Kind and Code:
//
//	if errdefs.IsNotFound(err) { ... }
//	status, code := errdefs.Status(err), errdefs.Code(err)
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindDuplicated
	KindInvalid
	KindNotPermitted
	KindUnauthenticated
	KindForbidden
	KindUnavailable
	KindTimeout
	KindThrottled
	KindInternal
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindNotFound:        "not_found",
	KindDuplicated:      "duplicated",
	KindInvalid:         "invalid",
	KindNotPermitted:    "not_permitted",
	KindUnauthenticated: "unauthenticated",
	KindForbidden:       "forbidden",
	KindUnavailable:     "unavailable",
	KindTimeout:         "timeout",
	KindThrottled:       "throttled",
	KindInternal:        "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error codes carried in the envelope
const (
	CodeEntityNotFound        = "entity_not_found"
	CodeEntityDuplicated      = "entity_duplicated"
	CodeEntityFieldInvalid    = "entity_field_invalid"
	CodeValidationError       = "validation_error"
	CodeNegativeIndex         = "negative_index"
	CodeOperationNotPermitted = "operation_not_permitted"
	CodeAuthenticationFailed  = "authentication_failed"
	CodePermissionDenied      = "permission_denied"
	CodeBadOutputProfile      = "bad_output_profile"
	CodeFileUploadError       = "file_upload_error"
	CodeGatewayTimeout        = "gateway_timeout"
	CodeServiceUnavailable    = "service_unavailable"
	CodeTooManyRequests       = "too_many_requests"
	CodeInternalError         = "internal_error"

	CodeMapNoPinwheels      = "map_processing_no_pinwheels"
	CodeMapBadDimensions    = "map_processing_bad_dimensions"
	CodeMapMissingUpload    = "map_processing_missing_upload"
	CodeMapAliasDuplicated  = "map_processing_alias_duplicated"
	CodeMapProcessingFailed = "map_processing_error"
)

// Error is a classified error
type Error struct {
	Kind   Kind
	Code   string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind with an empty code, or the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrDuplicated      = &Error{Kind: KindDuplicated}
	ErrInvalid         = &Error{Kind: KindInvalid}
	ErrNotPermitted    = &Error{Kind: KindNotPermitted}
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrInternal        = &Error{Kind: KindInternal}
)

func newError(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Detail: fmt.Sprintf(format, args...)}
}

// NotFound reports a lookup miss
func NotFound(format string, args ...interface{}) error {
	return newError(KindNotFound, CodeEntityNotFound, format, args...)
}

// Duplicated reports a unique-constraint violation
func Duplicated(format string, args ...interface{}) error {
	return newError(KindDuplicated, CodeEntityDuplicated, format, args...)
}

// FieldInvalid reports a type, length or enum violation on a field
func FieldInvalid(field, format string, args ...interface{}) error {
	e := newError(KindInvalid, CodeEntityFieldInvalid, format, args...)
	e.Detail = field + ": " + e.Detail
	return e
}

// Validation reports a rejected request that is not tied to a single field
func Validation(format string, args ...interface{}) error {
	return newError(KindInvalid, CodeValidationError, format, args...)
}

// NegativeIndex reports a negative index or slice bound on an entity set
func NegativeIndex(index int) error {
	return newError(KindInvalid, CodeNegativeIndex, "negative index %d is not supported", index)
}

// NotPermitted reports an operation forbidden in the current state
func NotPermitted(format string, args ...interface{}) error {
	return newError(KindNotPermitted, CodeOperationNotPermitted, format, args...)
}

// AuthenticationFailed reports a bad or expired credential. The detail is
// always the same so callers cannot learn which check failed.
func AuthenticationFailed() error {
	return newError(KindUnauthenticated, CodeAuthenticationFailed, "authentication credentials were not provided or are invalid")
}

// PermissionDenied reports an insufficient access level
func PermissionDenied(format string, args ...interface{}) error {
	return newError(KindForbidden, CodePermissionDenied, format, args...)
}

// BadOutputProfile reports an unknown ?profile= value
func BadOutputProfile(profile string) error {
	return newError(KindInvalid, CodeBadOutputProfile, "unknown output profile %q", profile)
}

// FileUpload reports a rejected upload
func FileUpload(format string, args ...interface{}) error {
	return newError(KindInvalid, CodeFileUploadError, format, args...)
}

// MapProcessing reports a failed functional map processing step
func MapProcessing(code, format string, args ...interface{}) error {
	return newError(KindInvalid, code, format, args...)
}

// Timeout reports an exceeded per-request deadline
func Timeout(format string, args ...interface{}) error {
	return newError(KindTimeout, CodeGatewayTimeout, format, args...)
}

// Throttled reports a client that exceeded its request budget
func Throttled(format string, args ...interface{}) error {
	return newError(KindThrottled, CodeTooManyRequests, format, args...)
}

// Unavailable reports a collaborator that cannot be reached
func Unavailable(format string, args ...interface{}) error {
	return newError(KindUnavailable, CodeServiceUnavailable, format, args...)
}

// Internal wraps an unexpected failure
func Internal(err error, format string, args ...interface{}) error {
	e := newError(KindInternal, CodeInternalError, format, args...)
	e.Err = err
	return e
}

// Wrap attaches an underlying cause to a classified error
func Wrap(classified error, cause error) error {
	var e *Error
	if !errors.As(classified, &e) {
		return classified
	}
	copied := *e
	copied.Err = cause
	return &copied
}

// KindOf returns the kind of the first classified error in the chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Code returns the envelope code for err
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeInternalError
}

// Detail returns the client-facing detail for err. Unclassified errors never
// leak their message.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return "internal server error"
		}
		return e.Detail
	}
	return "internal server error"
}

// Status maps err to its HTTP status
func Status(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicated, KindInvalid:
		return http.StatusBadRequest
	case KindNotPermitted, KindForbidden:
		return http.StatusForbidden
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindThrottled:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsDuplicated(err error) bool      { return errors.Is(err, ErrDuplicated) }
func IsInvalid(err error) bool         { return errors.Is(err, ErrInvalid) }
func IsNotPermitted(err error) bool    { return errors.Is(err, ErrNotPermitted) }
func IsUnauthenticated(err error) bool { return errors.Is(err, ErrUnauthenticated) }
func IsForbidden(err error) bool       { return errors.Is(err, ErrForbidden) }
func IsInternal(err error) bool        { return errors.Is(err, ErrInternal) }
