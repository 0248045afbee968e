package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a compare-and-set transition loses: the
	// record's current state no longer matches the expected one. Callers
	// treat it as an expected coordination signal, not a failure.
	ErrConflict = errors.New("state conflict")

	// ErrDuplicate is returned when a unique constraint is violated.
	ErrDuplicate = errors.New("duplicate record")
)
