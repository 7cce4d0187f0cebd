package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError is returned when a retryable failure survived the client's
// own retry budget. The dispatcher uses RetryAfter to schedule the next
// attempt or walk the failover plan.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error { return e.Err }

func (e *RetryableError) IsRetryable() bool { return true }

// StatusError is a terminal non-2xx result (4xx other than 429).
type StatusError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *StatusError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusCodeOf extracts the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// RetryAfterOf extracts the Retry-After hint carried by err, or 0.
func RetryAfterOf(err error) time.Duration {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
