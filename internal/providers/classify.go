package providers

import (
	"context"
	"errors"
	"net"
)

// ClassifyHTTPError maps an adapter error to its retry class. Adapters share
// this for the status-code cases and layer provider-specific body inspection
// on top where needed.
func ClassifyHTTPError(err error) *ClassifiedError {
	var se *StatusError
	if errors.As(err, &se) {
		ce := &ClassifiedError{Err: err}
		switch {
		case se.StatusCode == 429:
			ce.Class = ErrRateLimited
			ce.RetryAfter = se.RetryAfterSecs
		case se.StatusCode == 401 || se.StatusCode == 403:
			ce.Class = ErrAuth
		case se.StatusCode >= 500:
			ce.Class = ErrTransient
		default:
			ce.Class = ErrPermanent
		}
		return ce
	}

	// Timeouts and connection failures are worth retrying. A cancelled
	// context is not: the caller gave up.
	if errors.Is(err, context.Canceled) {
		return &ClassifiedError{Err: err, Class: ErrPermanent}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Err: err, Class: ErrTransient}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &ClassifiedError{Err: err, Class: ErrTransient}
	}
	return &ClassifiedError{Err: err, Class: ErrPermanent}
}
