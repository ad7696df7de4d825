package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error classes. Callers test with errors.Is.
var (
	// ErrRetryable marks a failure that abandons the current unit for this
	// cycle but lets the run continue.
	ErrRetryable = errors.New("retryable host failure")
	// ErrFatal aborts the whole run.
	ErrFatal = errors.New("fatal host failure")
	// ErrNotFound marks a missing resource; the unit is skipped.
	ErrNotFound = errors.New("not found")
	// ErrCloneTimeout is returned when a clone exceeds its hard timeout.
	ErrCloneTimeout = errors.New("clone timed out")
)

// HostError is a non-2xx response from the code host.
type HostError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *HostError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("host responded %d", e.Status)
	}
	return fmt.Sprintf("host responded %d: %s", e.Status, e.Message)
}

// Is maps the status code onto the error classes.
func (e *HostError) Is(target error) bool {
	switch target {
	case ErrRetryable:
		return e.RateLimited() || e.Status >= http.StatusInternalServerError
	case ErrFatal:
		return e.Status == http.StatusUnauthorized ||
			e.Status == http.StatusBadRequest ||
			e.Status == http.StatusUnprocessableEntity
	case ErrNotFound:
		return e.Status == http.StatusNotFound || e.Status == http.StatusGone
	}
	return false
}

// RateLimited reports whether the host throttled the request.
func (e *HostError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusForbidden
}

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// retryAfter extracts a host-provided wait hint, if any.
func retryAfter(err error) time.Duration {
	var hostErr *HostError
	if errors.As(err, &hostErr) {
		return hostErr.RetryAfter
	}
	return 0
}
