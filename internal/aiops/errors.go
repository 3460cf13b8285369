package aiops

import (
	"errors"
	"fmt"
)

// Client errors.
var (
	// ErrUpstream is wrapped by every error reported by the service itself.
	ErrUpstream = errors.New("incident detail service error")
	// ErrUnavailable marks failures that may succeed when retried.
	ErrUnavailable       = errors.New("incident detail service unavailable")
	ErrMalformedResponse = fmt.Errorf("%w: malformed response", ErrUpstream)
)

// APIError is a failed call to the incident detail service.
type APIError struct {
	Operation string
	Status    int
	Code      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	switch {
	case e.Status > 0 && e.Code != "":
		return fmt.Sprintf("aiops %s: status %d code %s: %s", e.Operation, e.Status, e.Code, e.Message)
	case e.Status > 0:
		return fmt.Sprintf("aiops %s: status %d: %s", e.Operation, e.Status, e.Message)
	}
	return fmt.Sprintf("aiops %s: %s", e.Operation, e.Message)
}

// Unwrap lets errors.Is match ErrUpstream, and ErrUnavailable for retryable failures.
func (e *APIError) Unwrap() []error {
	if e.Retryable {
		return []error{ErrUpstream, ErrUnavailable}
	}
	return []error{ErrUpstream}
}

// IsRetryable reports whether the call may succeed later.
func (e *APIError) IsRetryable() bool { return e.Retryable }
