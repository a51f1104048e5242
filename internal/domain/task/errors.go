package task

import (
	"errors"

	"foreman/internal/domain/storage"
)

var (
	// ErrInvalidTask is returned for structurally malformed task records.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidPlan is returned when a submitted plan fails validation.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrInvalidTransition is returned when a stage change is not permitted
	// from the task's current stage.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrInvalidGate is returned for malformed gate definitions.
	ErrInvalidGate = errors.New("invalid gate")
)

// Persistence outcomes, shared with the other stores.
var (
	ErrNotFound = storage.ErrNotFound
	ErrStale    = storage.ErrStale
)
