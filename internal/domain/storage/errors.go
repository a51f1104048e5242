// Package storage holds the error vocabulary shared by every persistence port.
package storage

import "errors"

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStale is returned when a conditional write affected zero rows because
	// the record is no longer in the expected prior state. Callers re-read and
	// decide whether to retry.
	ErrStale = errors.New("record no longer in expected state")

	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("record already exists")

	// ErrNotAllowed is returned when a query names a table, column or
	// operator outside the store's allow-list.
	ErrNotAllowed = errors.New("identifier not allowed")
)
