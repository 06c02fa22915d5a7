package model

import "errors"

// Error taxonomy. Packages wrap these with %w so callers can classify any
// failure with errors.Is.
var (
	// ErrValidation marks bad input. Nothing was applied.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown user, option, position or API key.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict marks an operation that is illegal in the current
	// state, such as resolving an option that is no longer ACTIVE.
	ErrStateConflict = errors.New("state conflict")

	// ErrUpstream marks a price source or exchange failure. Retryable.
	ErrUpstream = errors.New("upstream unavailable")
)
