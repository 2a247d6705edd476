package common

import (
	"errors"
	"fmt"
)

// ConfigError reports invalid configuration, such as chunking parameters
// that cannot produce progress. It is fatal to the calling operation; the
// caller must fix the configuration before retrying.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Msg
}

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// ProviderError reports a failed generation or embedding call. Transient
// errors (rate limits, network blips) are retried with backoff; permanent
// ones are not.
type ProviderError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error in %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// StoreError reports a failed graph or vector store round-trip.
type StoreError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error in %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ParseError reports a malformed extraction record. Parse errors are logged
// and the record is dropped; they never abort a chunk's extraction.
type ParseError struct {
	Record string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s (record: %q)", e.Reason, e.Record)
}

// IsTransient reports whether err is a provider or store error marked as
// retryable.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}

// IsConfig reports whether err is (or wraps) a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
