// internal/models/errors.go
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies endpoint failures. Kinds are mutually exclusive.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindServerError
	KindTimeout
	KindConnection
	KindInvalidRequest
	KindNotFound
	KindCircuitOpen
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection_error"
	case KindInvalidRequest:
		return "invalid_request"
	case KindNotFound:
		return "not_found"
	case KindCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind is transient
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindTimeout, KindConnection:
		return true
	default:
		return false
	}
}

// ErrCircuitOpen matches any *Error of kind KindCircuitOpen via errors.Is
var ErrCircuitOpen = errors.New("circuit open")

var errStreamClosed = errors.New("stream closed without completion")

// Error is a classified endpoint failure
type Error struct {
	Kind       ErrorKind
	Model      string
	StatusCode int
	// RetryAfter is the upstream hint for rate limits, or the time until an
	// open circuit admits a trial call.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.StatusCode)
	}
	if e.Kind == KindCircuitOpen || (e.Kind == KindRateLimited && e.RetryAfter > 0) {
		msg = fmt.Sprintf("%s, retry in %s", msg, e.RetryAfter.Round(time.Millisecond))
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Model != "" {
		return e.Model + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrCircuitOpen && e.Kind == KindCircuitOpen
}

// Retryable reports whether the call may succeed if repeated
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

func newError(kind ErrorKind, model string, err error) *Error {
	return &Error{Kind: kind, Model: model, Err: err}
}

// KindOf extracts the classification of err, or KindUnknown
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient classified failure
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// RetryAfter returns the upstream retry hint carried by err, if any
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter
	}
	return 0
}

// ClassifyStatus maps an HTTP status code to an error kind
func ClassifyStatus(code int) ErrorKind {
	switch {
	case code == 429:
		return KindRateLimited
	case code == 404:
		return KindNotFound
	case code == 408:
		return KindTimeout
	case code >= 500:
		return KindServerError
	case code >= 400:
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}
