// Package proxyerror defines the error taxonomy shared by the dispatcher,
// the request processor and the HTTP layer. Translators and middleware never
// branch on these kinds; they tag and propagate.
package proxyerror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a proxy error for recovery and HTTP mapping decisions.
type Kind string

const (
	KindInvalidRequest   Kind = "invalid_request"
	KindAuthentication   Kind = "authentication_failed"
	KindRateLimited      Kind = "rate_limited"
	KindUpstreamError    Kind = "upstream_transient"
	KindModelNotFound    Kind = "model_not_supported"
	KindBackendExhausted Kind = "backend_exhausted"
	KindEmptyResponse    Kind = "empty_response"
	KindInternal         Kind = "internal_error"
)

// Error is the single error type the request processor branches on.
type Error struct {
	Kind       Kind
	Code       string // machine-readable detail, e.g. "input_limit_exceeded"
	Message    string
	RetryAfter time.Duration // only for KindRateLimited
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the kind to the status surfaced to the client.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindModelNotFound:
		return http.StatusNotFound
	case KindBackendExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func InvalidRequest(code, format string, args ...any) *Error {
	return New(KindInvalidRequest, code, format, args...)
}

// As extracts a taxonomy error, remapping anything unknown to KindInternal
// with a redacted message.
func As(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
