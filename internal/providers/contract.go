package providers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/modelrelay/modelrelay/internal/router"
)

// Result is a completed upstream call with actual token usage.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Caller is the interface every provider adapter implements.
type Caller interface {
	ID() string
	Call(ctx context.Context, model string, messages []router.Message, maxOutput int) (Result, error)
	ClassifyError(err error) *ClassifiedError
}

// ErrorClass buckets provider failures for retry decisions.
type ErrorClass string

const (
	// ErrTransient covers network failures, timeouts, and 5xx responses:
	// retry against the same target.
	ErrTransient ErrorClass = "transient"
	// ErrRateLimited is an upstream 429: retry, honoring any Retry-After hint.
	ErrRateLimited ErrorClass = "rate_limited"
	// ErrAuth is a credential failure (401/403): never retry, the next
	// attempt fails identically.
	ErrAuth ErrorClass = "auth"
	// ErrPermanent covers malformed requests and other 4xx: do not retry
	// this target.
	ErrPermanent ErrorClass = "permanent"
)

// ClassifiedError wraps a provider error with its retry class.
type ClassifiedError struct {
	Err        error
	Class      ErrorClass
	RetryAfter int // seconds; 0 = no hint
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt against the same target can
// succeed.
func (e *ClassifiedError) Retryable() bool {
	return e.Class == ErrTransient || e.Class == ErrRateLimited
}

// StatusError captures a non-2xx HTTP response from a provider.
// Adapters return it so ClassifyError can inspect status and body.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value: either delta-seconds or
// an HTTP-date. Unparseable values are ignored.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs > 0 {
			e.RetryAfterSecs = secs
		}
		return
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			e.RetryAfterSecs = int(d.Seconds() + 0.5)
		}
	}
}
