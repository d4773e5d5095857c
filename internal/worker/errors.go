package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"
)

type ErrorKind string

const (
	KindTimeout               ErrorKind = "timeout"
	KindRateLimited           ErrorKind = "rate_limited"
	KindServerError           ErrorKind = "server_error"
	KindClientError           ErrorKind = "client_error"
	KindUnknown               ErrorKind = "unknown"
	KindAllProvidersExhausted ErrorKind = "all_providers_exhausted"
)

var (
	ErrTimeout               = errors.New("worker timeout")
	ErrRateLimited           = errors.New("worker rate limited")
	ErrServerError           = errors.New("worker server error")
	ErrClientError           = errors.New("worker client error")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
)

var kindSentinels = map[ErrorKind]error{
	KindTimeout:               ErrTimeout,
	KindRateLimited:           ErrRateLimited,
	KindServerError:           ErrServerError,
	KindClientError:           ErrClientError,
	KindAllProvidersExhausted: ErrAllProvidersExhausted,
}

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// StatusError classifies an HTTP status code returned by a provider API.
func StatusError(provider string, status int, body string) *Error {
	kind := KindUnknown
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = KindTimeout
	case status >= 500:
		kind = KindServerError
	case status >= 400:
		kind = KindClientError
	}
	var err error
	if body != "" {
		err = errors.New(body)
	}
	return &Error{Kind: kind, Provider: provider, Status: status, Err: err}
}

// Classify returns the kind of a provider error. Errors that were not
// produced by a provider are classified by inspection.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	return KindUnknown
}

func retryable(kind ErrorKind) bool {
	switch kind {
	case KindTimeout, KindRateLimited, KindServerError:
		return true
	}
	return false
}

// Backoff returns the delay before the retry that follows attempt: base
// doubled once per earlier attempt, saturating at the largest duration.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	return d
}
