package feed

import (
	"errors"
	"fmt"
	"time"
)

// TransientError is a retryable failure: network error, timeout or 5xx
type TransientError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient feed error: HTTP %d from %s", e.StatusCode, e.Endpoint)
	}
	return fmt.Sprintf("transient feed error from %s: %v", e.Endpoint, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError is returned for HTTP 429
type RateLimitedError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s (retry after %s)", e.Endpoint, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.Endpoint)
}

// FatalError is not retried: bad request, auth failure or malformed response
type FatalError struct {
	Endpoint   string
	StatusCode int
	Reason     string
	Err        error
}

func (e *FatalError) Error() string {
	msg := "fatal feed error"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: HTTP %d from %s", msg, e.StatusCode, e.Endpoint)
	} else if e.Endpoint != "" {
		msg = fmt.Sprintf("%s from %s", msg, e.Endpoint)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt
func IsRetryable(err error) bool {
	var transient *TransientError
	var limited *RateLimitedError
	return errors.As(err, &transient) || errors.As(err, &limited)
}

// IsFatal reports whether err will repeat on every attempt
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
