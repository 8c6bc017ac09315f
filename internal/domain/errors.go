package domain

import "errors"

var (
	// ErrValidation marks operator errors rejected synchronously at the edge.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks lookups for rows that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks state transitions the current status forbids.
	ErrConflict = errors.New("conflict")
)
