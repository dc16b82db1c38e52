package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict reports a duplicate progress mark. Trackers treat it as success.
	ErrConflict = errors.New("histstream: progress record already exists")

	// ErrStreamFull is returned by Append under RejectNew when the record does not fit.
	ErrStreamFull = errors.New("histstream: stream full")

	// ErrMessageTooLarge is returned when a single record exceeds the stream's MaxBytes.
	ErrMessageTooLarge = errors.New("histstream: message larger than stream capacity")

	// ErrAlreadyExists is returned by stream creation when the name is taken.
	ErrAlreadyExists = errors.New("histstream: stream already exists")

	// ErrStreamNotFound is returned when opening a stream that was never created.
	ErrStreamNotFound = errors.New("histstream: stream not found")

	// ErrStreamClosed is returned by Append after Close.
	ErrStreamClosed = errors.New("histstream: stream closed")

	// ErrUnknownQuality marks a source row whose quality is not GOOD, BAD or UNCERTAIN.
	ErrUnknownQuality = errors.New("histstream: unknown quality")

	// ErrValueConversion marks a source row whose value is not numeric.
	ErrValueConversion = errors.New("histstream: value is not numeric")

	// ErrRejected is wrapped by consumers when a batch is permanently refused.
	// The exporter does not retry such batches.
	ErrRejected = errors.New("histstream: batch rejected by consumer")
)

// TransientSourceError wraps connection or query failures against the
// historian. The poll loop retries on the next cycle.
type TransientSourceError struct {
	Op  string
	Err error
}

func (e *TransientSourceError) Error() string {
	return fmt.Sprintf("historian %s: %v", e.Op, e.Err)
}

func (e *TransientSourceError) Unwrap() error { return e.Err }

// FatalStartupError means a required resource could not be acquired at launch.
type FatalStartupError struct {
	Resource string
	Err      error
}

func (e *FatalStartupError) Error() string {
	return fmt.Sprintf("startup: %s unavailable: %v", e.Resource, e.Err)
}

func (e *FatalStartupError) Unwrap() error { return e.Err }

// IsMalformedEntry reports whether err means the source row itself is bad
// and retrying it will never succeed.
func IsMalformedEntry(err error) bool {
	return errors.Is(err, ErrUnknownQuality) || errors.Is(err, ErrValueConversion)
}
