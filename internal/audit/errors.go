package audit

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before anything is written.
// Callers should fix the input rather than retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid event: " + e.Reason
	}
	return fmt.Sprintf("invalid event: field %s: %s", e.Field, e.Reason)
}

// ConfigurationError indicates a misconfigured trail (missing chain secret,
// unusable store path). Always surfaced at construction, never per call.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Setting, e.Reason)
}

// StorageError wraps a failure in the append store. Retryable errors are
// transient I/O conditions the caller may retry with backoff; sequence
// collisions are retried internally and never escape as StorageError
// unless the retry budget is exhausted.
type StorageError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
