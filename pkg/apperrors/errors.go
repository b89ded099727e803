package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrSyncInProgress         = errors.New("sync already in progress for this data source")
	ErrRefreshInProgress      = errors.New("refresh already in progress for this data model")
	ErrCancelled              = errors.New("cancelled")
	ErrCredentialsKeyMismatch = errors.New("datasource credentials were encrypted with a different key")
)

// AuthError indicates invalid, expired, or revoked credentials for an external
// source. Not retried automatically; surfaced to the user.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: authentication failed", e.Provider)
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// FetchError indicates a network or provider API failure while pulling rows.
// Retried with backoff up to a bounded attempt count.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from %s failed: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error   { return e.Err }
func (e *FetchError) Retryable() bool { return true }

// SchemaError indicates the upstream data had an unexpected shape. Terminal for
// the attempt.
type SchemaError struct {
	Source string
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("unexpected schema from %s: %s", e.Source, e.Detail)
}

// WriteError indicates a failure persisting fetched rows into the unified
// store. Terminal for the attempt.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s failed: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// RateLimitError indicates the rate limiter could not grant a slot before the
// caller's deadline. Retryable after backoff.
type RateLimitError struct {
	Key string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.Key)
}

func (e *RateLimitError) Retryable() bool { return true }

// UnknownColumnError is raised at query compile time when a data model
// references a column or table that cannot be resolved. Never raised at
// execution time.
type UnknownColumnError struct {
	Identifier string
	Table      string
}

func (e *UnknownColumnError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("unknown identifier %q", e.Identifier)
	}
	return fmt.Sprintf("unknown column %q in table %q", e.Identifier, e.Table)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsUnknownColumn reports whether err is (or wraps) an UnknownColumnError.
func IsUnknownColumn(err error) bool {
	var ue *UnknownColumnError
	return errors.As(err, &ue)
}
