package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrModelNotFound marks a 404 from an endpoint. Ollama answers this way for a
// model that has not been pulled.
var ErrModelNotFound = errors.New("model not found on endpoint")

// Error is a classified endpoint failure. Transient errors are retried and
// then fall back to the next endpoint; the rest stop the request.
type Error struct {
	// Status is the HTTP status, or 0 when no response arrived.
	Status    int
	Transient bool
	// RetryAfter is the server's requested wait before the next attempt.
	RetryAfter time.Duration
	err        error
}

func (e *Error) Error() string {
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &Error{Transient: true, err: err}
}

// NewFatalError wraps err as non-retryable.
func NewFatalError(err error) error {
	return &Error{err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && !e.Transient
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfter returns the wait requested by err, or 0.
func retryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// classifyHTTPError turns a non-200 response into an Error.
func classifyHTTPError(statusCode int, header http.Header, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	e := &Error{Status: statusCode}
	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500:
		e.Transient = true
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
		e.err = fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)
	case statusCode == http.StatusNotFound:
		e.err = fmt.Errorf("%w (status 404): %s", ErrModelNotFound, bodyStr)
	default:
		e.err = fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)
	}
	return e
}
