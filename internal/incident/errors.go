package incident

import "errors"

// Repository errors.
var (
	ErrIncidentNotFound = errors.New("incident not found")
	ErrSnapshotNotFound = errors.New("incident snapshot not found")
)

// Sync errors.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidMessage    = errors.New("invalid sync message")
)

// Query errors.
var (
	ErrInvalidTimeRange = errors.New("invalid time range")
	ErrInvalidInterval  = errors.New("invalid histogram interval")
	ErrTooManyBuckets   = errors.New("too many histogram buckets")
	ErrUnknownField     = errors.New("unknown field")
	ErrInvalidFilter    = errors.New("invalid filter value")
)

// PermanentError marks a sync failure that redelivery can never fix.
// The worker moves such messages to the dead letter stream instead of
// leaving them pending.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// NewPermanentError wraps err as a permanent failure.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or any error it wraps, is permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
